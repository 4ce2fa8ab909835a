package hdwallet

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
)

// ErrInvalidKey 主公钥校验失败（前缀 / 长度 / 字符集 / 校验和 / 是私钥）
var ErrInvalidKey = xerr.NewErrCode(xerr.InvalidKeyError)

type ScriptType string

const (
	ScriptP2PKH      ScriptType = "p2pkh"       // legacy, 1... / m,n...
	ScriptP2SHP2WPKH ScriptType = "p2sh-p2wpkh" // wrapped segwit, 3... / 2...
	ScriptP2WPKH     ScriptType = "p2wpkh"      // native segwit bech32, bc1q... / tb1q...
)

// 序列化后 base58 之前的长度：4 version + 1 depth + 4 fingerprint + 4 child + 32 chaincode + 33 key + 4 checksum
const serializedKeyLen = 82

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

type keyVersion struct {
	prefix     string
	version    [4]byte
	scriptType ScriptType
	purpose    uint32
	params     *chaincfg.Params
}

// SLIP-0132 public key versions
var publicVersions = []keyVersion{
	{"xpub", [4]byte{0x04, 0x88, 0xb2, 0x1e}, ScriptP2PKH, 44, &chaincfg.MainNetParams},
	{"ypub", [4]byte{0x04, 0x9d, 0x7c, 0xb2}, ScriptP2SHP2WPKH, 49, &chaincfg.MainNetParams},
	{"zpub", [4]byte{0x04, 0xb2, 0x47, 0x46}, ScriptP2WPKH, 84, &chaincfg.MainNetParams},
	{"tpub", [4]byte{0x04, 0x35, 0x87, 0xcf}, ScriptP2PKH, 44, &chaincfg.TestNet3Params},
	{"upub", [4]byte{0x04, 0x4a, 0x52, 0x62}, ScriptP2SHP2WPKH, 49, &chaincfg.TestNet3Params},
	{"vpub", [4]byte{0x04, 0x5f, 0x1c, 0xf6}, ScriptP2WPKH, 84, &chaincfg.TestNet3Params},
}

func versionFor(scriptType ScriptType, params *chaincfg.Params) (keyVersion, bool) {
	for _, v := range publicVersions {
		if v.scriptType == scriptType && v.params.Net == params.Net {
			return v, true
		}
	}
	return keyVersion{}, false
}

// Derivation 一次派生的结果
type Derivation struct {
	Index          uint32     `json:"index"`
	Address        string     `json:"address"`
	DerivationPath string     `json:"derivationPath"`
	ScriptType     ScriptType `json:"scriptType"`
}

// MasterKey 账户级扩展公钥（m/purpose'/coin'/account'），只能派生非硬化子节点
type MasterKey struct {
	raw      string
	version  keyVersion
	account  uint32
	external *hdkeychain.ExtendedKey // .../0 外部链，解析时派生一次
}

// ParseMasterKey 校验并解析扩展公钥，任何一步失败都是 ErrInvalidKey
func ParseMasterKey(s string) (*MasterKey, error) {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return nil, invalidKey("key too short", nil)
	}

	var kv *keyVersion
	for i := range publicVersions {
		if strings.HasPrefix(s, publicVersions[i].prefix) {
			kv = &publicVersions[i]
			break
		}
	}
	if kv == nil {
		return nil, invalidKey(fmt.Sprintf("unsupported prefix %q", s[:4]), nil)
	}
	if i := strings.IndexFunc(s, func(r rune) bool { return !strings.ContainsRune(base58Alphabet, r) }); i >= 0 {
		return nil, invalidKey(fmt.Sprintf("non-base58 character at position %d", i), nil)
	}
	decoded := base58.Decode(s)
	if len(decoded) != serializedKeyLen {
		return nil, invalidKey(fmt.Sprintf("decoded length %d, want %d", len(decoded), serializedKeyLen), nil)
	}
	if !bytes.Equal(decoded[:4], kv.version[:]) {
		return nil, invalidKey("version bytes do not match prefix", nil)
	}

	key, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return nil, invalidKey("decode extended key", err)
	}
	if key.IsPrivate() {
		return nil, invalidKey("private extended keys are not accepted", nil)
	}

	account := uint32(0)
	if key.Depth() == 3 && key.ChildIndex() >= hdkeychain.HardenedKeyStart {
		account = key.ChildIndex() - hdkeychain.HardenedKeyStart
	}

	external, err := key.Derive(0)
	if err != nil {
		return nil, invalidKey("derive external chain", err)
	}

	return &MasterKey{
		raw:      s,
		version:  *kv,
		account:  account,
		external: external,
	}, nil
}

func (m *MasterKey) ScriptType() ScriptType   { return m.version.scriptType }
func (m *MasterKey) Params() *chaincfg.Params { return m.version.params }
func (m *MasterKey) String() string           { return m.raw }

// Derive 纯函数：同一个 key + index 永远得到同一个地址
func (m *MasterKey) Derive(index uint32) (*Derivation, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("index %d out of non-hardened range", index))
	}
	child, err := m.external.Derive(index)
	if err != nil {
		// 概率约 1/2^127，BIP32 规定跳过该 index；这里交给调用方换下一个
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	addr, err := encodeAddress(pub, m.version.scriptType, m.version.params)
	if err != nil {
		return nil, err
	}
	return &Derivation{
		Index:          index,
		Address:        addr,
		DerivationPath: m.path(index),
		ScriptType:     m.version.scriptType,
	}, nil
}

func (m *MasterKey) path(index uint32) string {
	coin := uint32(0)
	if m.version.params.Net != chaincfg.MainNetParams.Net {
		coin = 1
	}
	return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", m.version.purpose, coin, m.account, index)
}

// Derive 便捷函数：解析 + 派生
func Derive(masterPublicKey string, index uint32) (*Derivation, error) {
	mk, err := ParseMasterKey(masterPublicKey)
	if err != nil {
		return nil, err
	}
	return mk.Derive(index)
}

func encodeAddress(pub *btcec.PublicKey, scriptType ScriptType, params *chaincfg.Params) (string, error) {
	pkHash := btcutil.Hash160(pub.SerializeCompressed())
	switch scriptType {
	case ScriptP2PKH:
		a, err := btcutil.NewAddressPubKeyHash(pkHash, params)
		if err != nil {
			return "", err
		}
		return a.EncodeAddress(), nil
	case ScriptP2SHP2WPKH:
		w, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, params)
		if err != nil {
			return "", err
		}
		redeem, err := txscript.PayToAddrScript(w)
		if err != nil {
			return "", err
		}
		a, err := btcutil.NewAddressScriptHash(redeem, params)
		if err != nil {
			return "", err
		}
		return a.EncodeAddress(), nil
	case ScriptP2WPKH:
		a, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, params)
		if err != nil {
			return "", err
		}
		return a.EncodeAddress(), nil
	default:
		return "", fmt.Errorf("unknown script type %q", scriptType)
	}
}

func invalidKey(msg string, cause error) error {
	if cause == nil {
		return xerr.New(xerr.InvalidKeyError, "invalid master public key: "+msg)
	}
	return xerr.Wrap(cause, xerr.InvalidKeyError, "invalid master public key: "+msg)
}
