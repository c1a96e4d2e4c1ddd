// Package chain defines the per-chain capability contract the swap engine
// relies on, plus the decoded views of on-chain swap transactions. One
// implementation exists per chain family (see chain/eth, chain/sim); the
// engine never touches a chain library directly.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"time"
)

// HTLC lock windows. The first leg locks funds twice as long as the second
// so the initiator can always redeem before their own refund opens.
const (
	InitiateLockDuration    = 48 * time.Hour
	ParticipateLockDuration = 24 * time.Hour
)

var (
	// ErrTxNotFound is returned for transaction ids unknown to the chain.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrSubmission wraps network/RPC failures broadcasting a transaction.
	// Submissions failing with it are retried by the owning party.
	ErrSubmission = errors.New("chain submission failed")

	// ErrNotSwap is returned when a transaction id resolves but does not
	// decode as the expected swap contract call.
	ErrNotSwap = errors.New("transaction is not a swap contract call")
)

// SwapInfo is the decoded state of an initiate or participate transaction.
type SwapInfo struct {
	// Success reports whether the transaction executed without reverting.
	Success bool
	// Confirmations at decode time.
	Confirmations uint32
	// Recipient is the address allowed to redeem with the secret.
	Recipient string
	// Value locked in the contract, in the chain's atomic unit.
	Value uint64
	// Timestamp of the block containing the transaction.
	Timestamp time.Time
	// RefundTime is how long after Timestamp the depositor may refund.
	RefundTime time.Duration
	// Spent is set once the swap has been redeemed or refunded.
	Spent bool
	// HashedSecret commits the contract to its redeem secret.
	HashedSecret [32]byte
}

// Deadline returns the wall-clock instant at which the depositor may refund.
func (si *SwapInfo) Deadline() time.Time {
	return si.Timestamp.Add(si.RefundTime)
}

// RedeemInfo is the decoded state of a redeem transaction. Secret is the
// preimage revealed on chain; the counterparty extracts it from here.
type RedeemInfo struct {
	Success      bool
	Secret       [32]byte
	HashedSecret [32]byte
	Recipient    string
	Value        uint64
}

// RefundInfo is the decoded state of a refund transaction.
type RefundInfo struct {
	Success      bool
	HashedSecret [32]byte
	Recipient    string
	Value        uint64
}

// SwapParams describes the HTLC escrow a party is about to fund.
type SwapParams struct {
	// Value to lock, in the chain's atomic unit.
	Value uint64
	// Participant is the counterparty address allowed to redeem.
	Participant string
	// HashedSecret is sha256 of the redeem secret.
	HashedSecret [32]byte
}

// Adapter is the capability surface a chain backend must provide. All
// network operations take a context and report failure via the error
// return; none of them panic across the boundary.
type Adapter interface {
	// Name returns the chain's symbol, e.g. "ETH".
	Name() string

	// Address derives the chain-native address for a private key.
	Address(priv *ecdsa.PrivateKey) string

	// Balance returns the spendable balance of an address.
	Balance(ctx context.Context, address string) (uint64, error)

	// SignMessage signs a 32-byte digest with the chain's native scheme.
	SignMessage(digest []byte, priv *ecdsa.PrivateKey) ([]byte, error)

	// Recover returns the address that signed digest. Implementations
	// must return an error, never panic, on malformed input.
	Recover(digest, sig []byte) (string, error)

	// InitFee estimates the network fee to fund the first swap leg.
	InitFee(ctx context.Context) (uint64, error)

	// RedeemFee estimates the network fee to redeem or refund a leg.
	RedeemFee(ctx context.Context) (uint64, error)

	// Send broadcasts a plain value transfer.
	Send(ctx context.Context, value uint64, to string, priv *ecdsa.PrivateKey) (string, error)

	// InitiateSwap funds the first HTLC leg with InitiateLockDuration.
	InitiateSwap(ctx context.Context, p SwapParams, priv *ecdsa.PrivateKey) (string, error)

	// ParticipateSwap funds the second HTLC leg with
	// ParticipateLockDuration, committed to the same hashed secret.
	ParticipateSwap(ctx context.Context, p SwapParams, priv *ecdsa.PrivateKey) (string, error)

	// RedeemSwap claims an escrow by revealing the secret.
	RedeemSwap(ctx context.Context, secret, hashedSecret [32]byte, priv *ecdsa.PrivateKey) (string, error)

	// RefundSwap reclaims an expired escrow funded by priv's address.
	RefundSwap(ctx context.Context, hashedSecret [32]byte, priv *ecdsa.PrivateKey) (string, error)

	// SwapInitTx decodes an initiate/participate transaction.
	SwapInitTx(ctx context.Context, txid string) (*SwapInfo, error)

	// SwapRedeemTx decodes a redeem transaction.
	SwapRedeemTx(ctx context.Context, txid string) (*RedeemInfo, error)

	// FindRedemption reads the redemption of the swap committed to
	// hashedSecret from contract state, independent of any relayed
	// txid. The revealed secret is on chain once the swap is redeemed;
	// ErrTxNotFound until then.
	FindRedemption(ctx context.Context, hashedSecret [32]byte) (*RedeemInfo, error)

	// SwapRefundTx decodes a refund transaction.
	SwapRefundTx(ctx context.Context, txid string) (*RefundInfo, error)

	// Confirmations returns the confirmation count of a transaction.
	Confirmations(ctx context.Context, txid string) (uint32, error)
}
