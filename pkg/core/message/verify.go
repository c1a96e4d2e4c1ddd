package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/silvermint/swapd/pkg/chain"
	"github.com/silvermint/swapd/pkg/crypto"
)

// Refund-window floors enforced before committing funds to the next leg.
// The first leg needs the larger floor because both parties still have to
// act inside it; the second leg only needs enough room for one redeem.
const (
	MinAcceptWindow      = 36 * time.Hour
	MinParticipateWindow = 12 * time.Hour
)

// VerifyGenSig checks a listing, offer or cancel end to end: the claimed
// hash must equal the Keccak256 of the canonical body, and the signature
// must recover to the message's own address. Any failure inside recovery
// is reported as ErrInvalidSignature, never propagated raw.
func VerifyGenSig(m GenMessage) error {
	digest := crypto.Keccak256(m.SignedPayload())
	claimed, err := hexutil.Decode(m.HashHex())
	if err != nil || len(claimed) != 32 {
		return fmt.Errorf("%w: unparseable hash %q", ErrHashMismatch, m.HashHex())
	}
	for n := range digest {
		if digest[n] != claimed[n] {
			return fmt.Errorf("%w: computed %s, claimed %s",
				ErrHashMismatch, hexutil.Encode(digest), m.HashHex())
		}
	}
	return verifySig(digest, m.SigHex(), m.SignerAddress())
}

// VerifyStepSig checks a swap-step message's signature against the party
// expected to have produced it. Step messages carry a txid in their hash
// field, so there is no canonical hash to compare; the signature covers
// the body including that txid.
func VerifyStepSig(m StepMessage, expectedAddr string) error {
	return verifySig(crypto.Keccak256(m.SignedPayload()), m.SigHex(), expectedAddr)
}

func verifySig(digest []byte, sigHex, expectedAddr string) (err error) {
	// Recovery must never escape as anything but ErrInvalidSignature.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: recovery panic: %v", ErrInvalidSignature, r)
		}
	}()
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("%w: unparseable signature", ErrInvalidSignature)
	}
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.EqualFold(signer.Hex(), expectedAddr) {
		return fmt.Errorf("%w: signed by %s, expected %s",
			ErrInvalidSignature, signer.Hex(), expectedAddr)
	}
	return nil
}

// VerifyListing enforces the listing's structural bounds, then its hash
// and signature.
func VerifyListing(l *Listing) error {
	if l.Act != ActBid && l.Act != ActAsk {
		return fmt.Errorf("%w: listing act %q", ErrInvalidMessage, l.Act)
	}
	if l.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidMessage)
	}
	if l.Price == 0 {
		return fmt.Errorf("%w: zero price", ErrInvalidMessage)
	}
	if l.Min > l.Amount {
		return fmt.Errorf("%w: min %d exceeds amount %d", ErrInvalidMessage, l.Min, l.Amount)
	}
	return VerifyGenSig(l)
}

// VerifyOffer enforces the offer's bounds against the listing it targets,
// then verifies hash and signature against the offer's own address.
func VerifyOffer(o *Offer, l *Listing) error {
	if o.Act != ActOffer {
		return fmt.Errorf("%w: offer act %q", ErrInvalidMessage, o.Act)
	}
	if o.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidMessage)
	}
	if o.Min > o.Amount {
		return fmt.Errorf("%w: min %d exceeds amount %d", ErrInvalidMessage, o.Min, o.Amount)
	}
	if o.Amount > l.Amount {
		return fmt.Errorf("%w: offer amount %d exceeds listing amount %d",
			ErrInvalidMessage, o.Amount, l.Amount)
	}
	if l.Price == 0 {
		return fmt.Errorf("%w: listing price is zero", ErrInvalidMessage)
	}
	if o.Listing != l.Hash {
		return fmt.Errorf("%w: offer references %s, not listing %s",
			ErrInvalidMessage, o.Listing, l.Hash)
	}
	return VerifyGenSig(o)
}

// RequiredFunds returns the balance a party must hold to back an order of
// amount at price: the coin amount itself when selling (ask side), its
// quote value when buying (bid side).
func RequiredFunds(bid bool, amount, price uint64) uint64 {
	if bid {
		return BaseToQuote(price, amount)
	}
	return amount
}

// VerifyListingBalance checks, via a chain round-trip, that the listing
// owner can fund their side plus the initiate fee. Kept separate from
// signature verification so local validation never blocks on the network.
func VerifyListingBalance(ctx context.Context, node chain.Adapter, l *Listing) error {
	return verifyBalance(ctx, node, l.Address, RequiredFunds(l.Bid(), l.Amount, l.Price))
}

// VerifyOfferBalance checks that the offeror can fund the opposite side
// of the listing plus the initiate fee.
func VerifyOfferBalance(ctx context.Context, node chain.Adapter, o *Offer, l *Listing) error {
	// The offeror takes the side the listing is not on.
	return verifyBalance(ctx, node, o.Address, RequiredFunds(!l.Bid(), o.Amount, l.Price))
}

func verifyBalance(ctx context.Context, node chain.Adapter, addr string, required uint64) error {
	fee, err := node.InitFee(ctx)
	if err != nil {
		return fmt.Errorf("fee estimate for %s: %w", node.Name(), err)
	}
	bal, err := node.Balance(ctx, addr)
	if err != nil {
		return fmt.Errorf("balance of %s on %s: %w", addr, node.Name(), err)
	}
	if bal < required+fee {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, addr, bal, required+fee)
	}
	return nil
}

// VerifyAcceptInfo validates the decoded initiate transaction named by an
// accept message, from the offeror's point of view. It is pure over the
// already-fetched chain data so it unit-tests without a network.
func VerifyAcceptInfo(now time.Time, info *chain.SwapInfo, a *Accept, o *Offer, l *Listing) error {
	if !info.Success {
		return fmt.Errorf("initiate transaction %s failed on chain", a.Hash)
	}
	if info.Spent {
		return fmt.Errorf("%w: initiate %s", ErrAlreadySpent, a.Hash)
	}
	if a.Amount < o.Min || a.Amount > o.Amount {
		return fmt.Errorf("%w: accepted amount %d outside offer bounds [%d, %d]",
			ErrInvalidMessage, a.Amount, o.Min, o.Amount)
	}
	// The initiator funds the listing's own side.
	expect := RequiredFunds(l.Bid(), a.Amount, l.Price)
	if info.Value < expect {
		return fmt.Errorf("initiate value %d below expected %d", info.Value, expect)
	}
	if !strings.EqualFold(info.Recipient, o.RedeemAddress) {
		return fmt.Errorf("initiate recipient %s is not the offer redeem address %s",
			info.Recipient, o.RedeemAddress)
	}
	if remaining := info.Deadline().Sub(now); remaining < MinAcceptWindow {
		return fmt.Errorf("%w: less than 36 hours remain before refund (%s left)",
			ErrOutOfTimeWindow, remaining)
	}
	return nil
}

// VerifyParticipateInfo validates the decoded participate transaction
// from the initiator's point of view. The value must mirror the initiate
// value through the listing price: for a bid listing the participate leg
// carries coin whose quote value equals the initiate value; for an ask
// listing the initiate leg carries coin whose quote value must equal the
// participate value.
func VerifyParticipateInfo(now time.Time, part, init *chain.SwapInfo, l *Listing) error {
	if !part.Success {
		return fmt.Errorf("participate transaction failed on chain")
	}
	if part.Spent {
		return fmt.Errorf("%w: participate leg", ErrAlreadySpent)
	}
	if part.HashedSecret != init.HashedSecret {
		return fmt.Errorf("participate hashed secret %x does not match initiate %x",
			part.HashedSecret, init.HashedSecret)
	}
	if l.Bid() {
		if got := BaseToQuote(l.Price, part.Value); got != init.Value {
			return fmt.Errorf("participate value %d converts to %d, initiate locked %d",
				part.Value, got, init.Value)
		}
	} else {
		if got := BaseToQuote(l.Price, init.Value); got != part.Value {
			return fmt.Errorf("initiate value %d converts to %d, participate locked %d",
				init.Value, got, part.Value)
		}
	}
	if !strings.EqualFold(part.Recipient, l.RedeemAddress) {
		return fmt.Errorf("participate recipient %s is not the listing redeem address %s",
			part.Recipient, l.RedeemAddress)
	}
	if remaining := part.Deadline().Sub(now); remaining < MinParticipateWindow {
		return fmt.Errorf("%w: less than 12 hours remain before refund (%s left)",
			ErrOutOfTimeWindow, remaining)
	}
	return nil
}

// VerifyRedeemInfo validates a decoded redeem transaction against the
// hashed secret committed at initiation. A success flag cannot rescue a
// wrong secret; the commitment check runs first.
func VerifyRedeemInfo(info *chain.RedeemInfo, init *chain.SwapInfo) error {
	if info.HashedSecret != init.HashedSecret {
		return fmt.Errorf("redeem hashed secret %x does not match initiate commitment %x",
			info.HashedSecret, init.HashedSecret)
	}
	if !info.Success {
		return fmt.Errorf("redeem transaction failed on chain")
	}
	return nil
}
