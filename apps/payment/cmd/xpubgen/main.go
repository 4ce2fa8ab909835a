// xpubgen 从助记词导出账户级扩展公钥，填到 wallet.masterPubKey。
// 只在离线机器上运行；助记词不要进服务配置
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/infra/bitcoin"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/hdwallet"
	"github.com/segmentio/encoding/json"
	"github.com/tyler-smith/go-bip39"
)

var (
	network    = flag.String("network", "mainnet", "mainnet / testnet")
	account    = flag.Uint("account", 0, "BIP44 account index")
	passphrase = flag.String("passphrase", "", "optional BIP39 passphrase")
	generate   = flag.Bool("new", false, "generate a fresh 24-word mnemonic instead of reading one from stdin")
)

func main() {
	flag.Parse()

	params, err := bitcoin.NetParams(*network)
	if err != nil {
		log.Fatal(err)
	}

	var mnemonic string
	if *generate {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			log.Fatal(err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Fprintln(os.Stderr, "mnemonic (write it down, it is not stored anywhere):")
		fmt.Fprintln(os.Stderr, mnemonic)
	} else {
		fmt.Fprint(os.Stderr, "mnemonic: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			log.Fatalf("read mnemonic: %v", err)
		}
		mnemonic = strings.Join(strings.Fields(line), " ")
	}

	keys, err := hdwallet.AccountExtendedKeys(mnemonic, *passphrase, params, uint32(*account))
	if err != nil {
		log.Fatal(err)
	}

	// 顺手给出第一个收款地址，方便和钱包软件核对
	first := make(map[string]string, 3)
	for name, k := range map[string]string{"legacy": keys.Legacy, "wrappedSegwit": keys.WrappedSegwit, "nativeSegwit": keys.NativeSegwit} {
		d, err := hdwallet.Derive(k, 0)
		if err != nil {
			log.Fatal(err)
		}
		first[name] = d.Address
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"network":      params.Name,
		"keys":         keys,
		"firstAddress": first,
	}, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}
