package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a secp256k1 key pair and signs 32-byte digests.
// Signatures are 65 bytes [R || S || V] with V in {0,1}, recoverable
// via Ecrecover.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a Signer around a fresh random key pair.
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSigner(privateKey), nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// ("0x1234..." or bare 64 hex chars).
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewSigner(privateKey), nil
}

// FromPrivateKeyBytes creates a Signer from a raw 32-byte private key.
func FromPrivateKeyBytes(raw []byte) (*Signer, error) {
	privateKey, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewSigner(privateKey), nil
}

// NewSigner wraps an existing private key.
func NewSigner(privateKey *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the address derived from the public key.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the underlying key for chain adapters that build
// and sign raw transactions themselves.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// PrivateKeyHex returns the private key as hex (no 0x prefix).
// Never log the result.
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte digest and returns the 65-byte signature.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// SignMessage hashes an arbitrary message with Keccak256 and signs it.
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	return s.Sign(crypto.Keccak256(message))
}

// Keccak256 is the message digest function used for all relay messages.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// RecoverAddress recovers the signer's address from a digest and a
// 65-byte signature.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether sig over digest was created by address.
func VerifySignature(address common.Address, digest, sig []byte) bool {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return recovered == address
}
