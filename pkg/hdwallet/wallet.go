// 助记词 -> 账户级扩展公钥，只给运维工具用；服务进程里不出现助记词和私钥
package hdwallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// AccountKeys 同一个账户在三种脚本类型下的扩展公钥
type AccountKeys struct {
	Account       uint32 `json:"account"`
	Legacy        string `json:"legacy"`        // xpub / tpub
	WrappedSegwit string `json:"wrappedSegwit"` // ypub / upub
	NativeSegwit  string `json:"nativeSegwit"`  // zpub / vpub
}

// AccountExtendedKeys 按 BIP44/49/84 派生 m/purpose'/coin'/account' 并导出对应版本的公钥
func AccountExtendedKeys(mnemonic, passphrase string, params *chaincfg.Params, account uint32) (*AccountKeys, error) {
	if mnemonic == "" {
		return nil, errors.New("mnemonic cannot empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	// 根据助词器生成随机种子
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	coin := uint32(0)
	if params.Net != chaincfg.MainNetParams.Net {
		coin = 1
	}

	keys := &AccountKeys{Account: account}
	targets := []struct {
		script ScriptType
		out    *string
	}{
		{ScriptP2PKH, &keys.Legacy},
		{ScriptP2SHP2WPKH, &keys.WrappedSegwit},
		{ScriptP2WPKH, &keys.NativeSegwit},
	}
	for _, tg := range targets {
		kv, ok := versionFor(tg.script, params)
		if !ok {
			return nil, errors.New("unsupported network " + params.Name)
		}
		s, err := accountPub(master, []uint32{
			kv.purpose + hdkeychain.HardenedKeyStart,
			coin + hdkeychain.HardenedKeyStart,
			account + hdkeychain.HardenedKeyStart,
		}, kv.version[:])
		if err != nil {
			return nil, err
		}
		*tg.out = s
	}
	return keys, nil
}

func accountPub(master *hdkeychain.ExtendedKey, path []uint32, version []byte) (string, error) {
	// 循环逐步推导
	key := master
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return "", err
		}
	}
	pub, err := key.Neuter()
	if err != nil {
		return "", err
	}
	pub, err = pub.CloneWithVersion(version)
	if err != nil {
		return "", err
	}
	return pub.String(), nil
}
