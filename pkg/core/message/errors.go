package message

import "errors"

// Validation failures are sentinel values so callers can branch on the
// class while the wrapped detail names the offending field. None of them
// are retryable.
var (
	// ErrHashMismatch: the message body does not hash to its claimed
	// hash. Treated as tampering; the message is rejected outright.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrInvalidSignature covers a signer/address mismatch and every
	// failure inside signature recovery.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidMessage: a structural bound (min/amount/price) failed.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInsufficientFunds: the originator's balance does not cover the
	// listing or offer plus the initiate fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOutOfTimeWindow: too little time remains before a refund
	// deadline to safely proceed to the next swap leg.
	ErrOutOfTimeWindow = errors.New("out of time window")

	// ErrAlreadySpent: the swap leg was already redeemed or refunded.
	ErrAlreadySpent = errors.New("swap already spent")

	// ErrTooLarge: serialized message exceeds the relay's 500-byte cap.
	ErrTooLarge = errors.New("message exceeds relay size limit")
)
