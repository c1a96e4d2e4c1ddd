package keystore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/silvermint/swapd/pkg/crypto"
	"github.com/silvermint/swapd/pkg/storage"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	blob, err := Seal(key, "hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, key) {
		t.Fatal("plaintext key visible in sealed blob")
	}
	got, err := Open(blob, "hunter2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("round trip changed the key")
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	blob, err := Seal([]byte("secret key material here........"), "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(blob, "wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("wrong passphrase: got %v, want ErrBadPassphrase", err)
	}
	if _, err := Open([]byte("not json"), "right"); err == nil {
		t.Fatal("garbage blob opened")
	}
}

func TestUnlockerCachesPassphrase(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ethSigner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	polSigner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	seal := func(s *crypto.Signer) []byte {
		blob, err := Seal(ethcrypto.FromECDSA(s.PrivateKey()), "pass")
		if err != nil {
			t.Fatal(err)
		}
		return blob
	}
	acct := &storage.Account{
		Name: "main",
		Addresses: map[string]string{
			"eth": ethSigner.Address().Hex(),
			"pol": polSigner.Address().Hex(),
		},
		Keys: map[string][]byte{"eth": seal(ethSigner), "pol": seal(polSigner)},
	}
	if err := store.SaveAccount(acct); err != nil {
		t.Fatal(err)
	}

	prompts := 0
	u := NewUnlocker(store, "main", func(context.Context) (string, error) {
		prompts++
		return "pass", nil
	})

	got, err := u.Unlock(context.Background(), "eth")
	if err != nil {
		t.Fatalf("unlock eth: %v", err)
	}
	if got.Address() != ethSigner.Address() {
		t.Fatal("unlocked wrong key")
	}
	if _, err := u.Unlock(context.Background(), "pol"); err != nil {
		t.Fatalf("unlock pol: %v", err)
	}
	if _, err := u.Unlock(context.Background(), "eth"); err != nil {
		t.Fatal(err)
	}
	if prompts != 1 {
		t.Fatalf("prompted %d times, want 1 for the session", prompts)
	}

	if _, err := u.Unlock(context.Background(), "btc"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("missing symbol: got %v, want ErrNoKey", err)
	}

	u.Forget()
	if _, err := u.Unlock(context.Background(), "eth"); err != nil {
		t.Fatal(err)
	}
	if prompts != 2 {
		t.Fatalf("prompted %d times after Forget, want 2", prompts)
	}
}

func TestUnlockerWrongPassphraseNotCached(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	blob, err := Seal(ethcrypto.FromECDSA(signer.PrivateKey()), "right")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveAccount(&storage.Account{
		Name:      "main",
		Addresses: map[string]string{"eth": signer.Address().Hex()},
		Keys:      map[string][]byte{"eth": blob},
	}); err != nil {
		t.Fatal(err)
	}

	attempts := []string{"wrong", "right"}
	u := NewUnlocker(store, "main", func(context.Context) (string, error) {
		p := attempts[0]
		if len(attempts) > 1 {
			attempts = attempts[1:]
		}
		return p, nil
	})
	if _, err := u.Unlock(context.Background(), "eth"); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("first unlock: got %v, want ErrBadPassphrase", err)
	}
	// The bad passphrase was dropped; the retry prompts again.
	if _, err := u.Unlock(context.Background(), "eth"); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}
