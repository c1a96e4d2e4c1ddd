// Package keystore encrypts chain private keys at rest and unlocks them
// on demand. Keys are sealed with AES-GCM under a scrypt-derived key and
// cached for the session after the first successful unlock.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/silvermint/swapd/pkg/crypto"
	"github.com/silvermint/swapd/pkg/storage"
)

var (
	ErrNoKey         = errors.New("keystore: no key for symbol")
	ErrBadPassphrase = errors.New("keystore: wrong passphrase")
)

// scrypt parameters, interactive-login strength.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

type envelope struct {
	N      int    `json:"n"`
	R      int    `json:"r"`
	P      int    `json:"p"`
	Salt   []byte `json:"salt"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Seal encrypts a raw private key under the passphrase.
func Seal(privKey []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := newAEAD(passphrase, salt, scryptN, scryptR, scryptP)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := envelope{
		N:      scryptN,
		R:      scryptR,
		P:      scryptP,
		Salt:   salt,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, privKey, nil),
	}
	return json.Marshal(env)
}

// Open decrypts a sealed key blob.
func Open(blob []byte, passphrase string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("keystore: decode envelope: %w", err)
	}
	aead, err := newAEAD(passphrase, env.Salt, env.N, env.R, env.P)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, env.Nonce, env.Cipher, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plain, nil
}

func newAEAD(passphrase string, salt []byte, n, r, p int) (cipher.AEAD, error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, n, r, p, keyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// PassphraseFunc prompts the user for the account passphrase.
type PassphraseFunc func(ctx context.Context) (string, error)

// Unlocker decrypts the active account's keys, one per chain symbol,
// prompting at most once per session.
type Unlocker struct {
	store   *storage.Store
	account string
	prompt  PassphraseFunc

	mu    sync.Mutex
	pass  *string
	cache map[string]*crypto.Signer
}

func NewUnlocker(store *storage.Store, account string, prompt PassphraseFunc) *Unlocker {
	return &Unlocker{
		store:   store,
		account: account,
		prompt:  prompt,
		cache:   make(map[string]*crypto.Signer),
	}
}

func (u *Unlocker) Unlock(ctx context.Context, symbol string) (*crypto.Signer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.cache[symbol]; ok {
		return s, nil
	}
	acct, err := u.store.Account(u.account)
	if err != nil {
		return nil, err
	}
	blob, ok := acct.Keys[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, symbol)
	}
	if u.pass == nil {
		pass, err := u.prompt(ctx)
		if err != nil {
			return nil, err
		}
		u.pass = &pass
	}
	raw, err := Open(blob, *u.pass)
	if err != nil {
		u.pass = nil
		return nil, err
	}
	signer, err := crypto.FromPrivateKeyBytes(raw)
	if err != nil {
		return nil, err
	}
	u.cache[symbol] = signer
	return signer, nil
}

// Forget drops the cached passphrase and signers.
func (u *Unlocker) Forget() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pass = nil
	u.cache = make(map[string]*crypto.Signer)
}
