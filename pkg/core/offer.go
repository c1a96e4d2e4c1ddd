// Package core implements the swap client's trading engine: the
// price-sorted order books, the per-market aggregate that owns them, and
// the HTLC swap state machine that drives matched offers to settlement.
package core

import (
	"strings"
	"time"

	"github.com/silvermint/swapd/pkg/chain"
	"github.com/silvermint/swapd/pkg/core/message"
)

// Entry is a resting listing on a book: the immutable signed message plus
// the local bookkeeping around it. Remaining is the single authoritative
// unfilled amount; it is decremented exactly once per committed fill, in
// the settlement path, never during matching.
type Entry struct {
	Msg        *message.Listing
	Remaining  uint64
	Offers     []*SwapOffer
	Cancelling bool
	Mine       bool
}

// OfferState orders the lifecycle of a matched offer.
type OfferState int

const (
	// OfferMatched: produced by matching, not yet accepted.
	OfferMatched OfferState = iota
	// OfferAccepted: accept message seen; initiate tx not yet verified.
	OfferAccepted
	// OfferInitiated: initiate tx observed on chain and verified.
	OfferInitiated
	// OfferParticipated: participate tx observed and verified.
	OfferParticipated
	// OfferRedeemed: the secret has been revealed on chain.
	OfferRedeemed
	// OfferFinished: both legs redeemed.
	OfferFinished
	// OfferRefunded: a leg was reclaimed after its deadline.
	OfferRefunded
	// OfferExpired: the offer lapsed or failed validation before any
	// local funds were committed. Nothing to recover.
	OfferExpired
)

func (s OfferState) String() string {
	switch s {
	case OfferMatched:
		return "matched"
	case OfferAccepted:
		return "accepted"
	case OfferInitiated:
		return "initiated"
	case OfferParticipated:
		return "participated"
	case OfferRedeemed:
		return "redeemed"
	case OfferFinished:
		return "finished"
	case OfferRefunded:
		return "refunded"
	case OfferExpired:
		return "expired"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s OfferState) Terminal() bool {
	return s == OfferFinished || s == OfferRefunded || s == OfferExpired
}

// SwapOffer is the unit of swap-state-machine execution: the offer
// message plus the chain of step messages and decoded on-chain state
// accumulated as the swap progresses. All mutation happens under the
// owning Market's lock.
type SwapOffer struct {
	Msg         *message.Offer
	Accept      *message.Accept
	Participate *message.Participate
	Redeem      *message.Redeem
	Finish      *message.Finish
	Refund      *message.Refund

	AcceptInfo      *chain.SwapInfo
	ParticipateInfo *chain.SwapInfo
	RedeemInfo      *chain.RedeemInfo
	RefundInfo      *chain.RefundInfo

	Listing *Entry
	State   OfferState

	// Step advances monotonically with every committed transition.
	// Poll callbacks capture it before doing chain I/O and abandon
	// their result if it moved, so a slow tick can never double-submit.
	Step uint64

	// Mine is set when the local party is the offeror (taker side).
	Mine bool

	// Secret is populated on the maker side only, at accept time.
	Secret       [32]byte
	HashedSecret [32]byte

	// Submission failures are retried with backoff by the owning party.
	LastErr   string
	NextRetry time.Time

	// Recorded is set once a terminal state has been handed to the
	// engine's recorder, so history gets exactly one entry per swap.
	Recorded bool
}

// Expired reports whether the offer's acceptance window has lapsed
// without an accept message.
func (o *SwapOffer) Expired(now time.Time) bool {
	if o.State != OfferMatched {
		return false
	}
	return now.Unix() >= o.Msg.Timestamp+o.Msg.Duration
}

// TradeType is the direction of a trade relative to a given address.
type TradeType int

const (
	TradeBuy TradeType = iota
	TradeSell
)

func (t TradeType) String() string {
	if t == TradeBuy {
		return "buy"
	}
	return "sell"
}

// Trade is the presentational pairing of a listing and one of its offers,
// as reported to the UI layer.
type Trade struct {
	ListingHash string     `json:"listing"`
	OfferHash   string     `json:"offer"`
	Type        TradeType  `json:"type"`
	Amount      uint64     `json:"amount,string"`
	Price       uint64     `json:"price,string"`
	Size        uint64     `json:"size,string"`
	Status      OfferState `json:"-"`
	StatusName  string     `json:"status"`
}

// NewTrade derives the trade view of an offer for the party at addr. The
// trade is a buy when addr ends up receiving the coin asset: as offeror
// against an ask listing, or as owner of a bid listing.
func NewTrade(o *SwapOffer, addr string) *Trade {
	l := o.Listing.Msg
	amount := o.Msg.Amount
	if o.Accept != nil {
		amount = o.Accept.Amount
	}
	typ := TradeSell
	offeror := strings.EqualFold(o.Msg.Address, addr)
	if (offeror && l.Act == message.ActAsk) || (!offeror && l.Act == message.ActBid) {
		typ = TradeBuy
	}
	return &Trade{
		ListingHash: l.Hash,
		OfferHash:   o.Msg.Hash,
		Type:        typ,
		Amount:      amount,
		Price:       l.Price,
		Size:        message.BaseToQuote(l.Price, amount),
		Status:      o.State,
		StatusName:  o.State.String(),
	}
}
