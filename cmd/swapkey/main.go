// swapkey creates and inspects encrypted key entries for swapd accounts.
//
//	swapkey gen <account> <symbol>           generate a fresh key
//	swapkey import <account> <symbol> <hex>  import an existing key
//	swapkey list <account>                   show stored addresses
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/silvermint/swapd/params"
	swapcrypto "github.com/silvermint/swapd/pkg/crypto"
	"github.com/silvermint/swapd/pkg/keystore"
	"github.com/silvermint/swapd/pkg/storage"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	cmd, account := os.Args[1], os.Args[2]

	cfg := params.LoadFromEnv("")
	store, err := storage.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		fatal("open storage: %v", err)
	}
	defer store.Close()

	switch cmd {
	case "gen":
		if len(os.Args) != 4 {
			usage()
		}
		signer, err := swapcrypto.GenerateKey()
		if err != nil {
			fatal("generate key: %v", err)
		}
		save(store, account, os.Args[3], signer)
	case "import":
		if len(os.Args) != 5 {
			usage()
		}
		signer, err := swapcrypto.FromPrivateKeyHex(os.Args[4])
		if err != nil {
			fatal("parse key: %v", err)
		}
		save(store, account, os.Args[3], signer)
	case "list":
		acct, err := store.Account(account)
		if err != nil {
			fatal("load account %s: %v", account, err)
		}
		for symbol, addr := range acct.Addresses {
			fmt.Printf("%s\t%s\n", symbol, addr)
		}
	default:
		usage()
	}
}

func save(store *storage.Store, account, symbol string, signer *swapcrypto.Signer) {
	pass, err := readPassphrase()
	if err != nil {
		fatal("read passphrase: %v", err)
	}
	blob, err := keystore.Seal(crypto.FromECDSA(signer.PrivateKey()), pass)
	if err != nil {
		fatal("seal key: %v", err)
	}

	acct, err := store.Account(account)
	if err != nil {
		acct = &storage.Account{
			Name:      account,
			Addresses: make(map[string]string),
			Keys:      make(map[string][]byte),
		}
	}
	acct.Addresses[symbol] = signer.Address().Hex()
	acct.Keys[symbol] = blob
	if err := store.SaveAccount(acct); err != nil {
		fatal("save account: %v", err)
	}
	if err := store.SetActiveAccount(account); err != nil {
		fatal("set active account: %v", err)
	}
	fmt.Printf("%s\t%s\n", symbol, signer.Address().Hex())
}

func readPassphrase() (string, error) {
	if p := os.Getenv("SWAPD_PASSPHRASE"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: swapkey gen|import|list <account> [symbol] [hex-key]")
	os.Exit(2)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
