package message

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/silvermint/swapd/pkg/crypto"
)

// RateScale is the fixed-point scaling of the price field: a price of
// 1*RateScale trades one coin atom for one quote atom.
const RateScale = 100_000_000

var bigRateScale = big.NewInt(RateScale)

// BaseToQuote converts a coin-asset amount to its quote-asset value at
// rate: quote = base * rate / RateScale. Intermediate math is big.Int so
// the product cannot overflow.
func BaseToQuote(rate, base uint64) uint64 {
	v := new(big.Int).Mul(new(big.Int).SetUint64(base), new(big.Int).SetUint64(rate))
	return v.Div(v, bigRateScale).Uint64()
}

// QuoteToBase converts a quote-asset value back to the coin amount it
// buys at rate.
func QuoteToBase(rate, quote uint64) uint64 {
	if rate == 0 {
		return 0
	}
	v := new(big.Int).Mul(new(big.Int).SetUint64(quote), bigRateScale)
	return v.Div(v, new(big.Int).SetUint64(rate)).Uint64()
}

// GenMessage is a listing, offer or cancel: its hash field is the
// Keccak256 of its canonical body.
type GenMessage interface {
	SignedPayload() []byte
	HashHex() string
	SigHex() string
	SignerAddress() string
	setHashSig(hash, sig string)
}

// StepMessage is a swap-step message: its hash field is an on-chain txid
// and is itself covered by the signature.
type StepMessage interface {
	SignedPayload() []byte
	SigHex() string
	setSig(sig string)
}

// SignGen computes the canonical hash of a gen message, signs it with
// signer, and stores both on the message. The signer must control the
// message's address field or verification will fail downstream.
func SignGen(m GenMessage, signer *crypto.Signer) error {
	digest := crypto.Keccak256(m.SignedPayload())
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}
	m.setHashSig(hexutil.Encode(digest), hexutil.Encode(sig))
	return nil
}

// SignStep signs a step message's canonical body, txid included, and
// stores the signature.
func SignStep(m StepMessage, signer *crypto.Signer) error {
	digest := crypto.Keccak256(m.SignedPayload())
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}
	m.setSig(hexutil.Encode(sig))
	return nil
}

// Encode marshals a message for the wire, enforcing the relay size cap.
func Encode(m any) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxWireSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Decode parses a relay frame into its concrete message type, selected
// by the act tag.
func Decode(data []byte) (any, error) {
	if len(data) > MaxWireSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	var probe struct {
		Act Act `json:"act"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	var m any
	switch probe.Act {
	case ActBid, ActAsk:
		m = &Listing{}
	case ActCancel:
		m = &Cancel{}
	case ActOffer:
		m = &Offer{}
	case ActAccept:
		m = &Accept{}
	case ActParticipate:
		m = &Participate{}
	case ActRedeem:
		m = &Redeem{}
	case ActFinish:
		m = &Finish{}
	case ActRefund:
		m = &Refund{}
	default:
		return nil, fmt.Errorf("unknown act %q", probe.Act)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", probe.Act, err)
	}
	return m, nil
}
