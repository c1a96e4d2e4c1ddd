// Package message defines the signed relay messages of the swap protocol
// and their canonical serialization, hashing, signing, and verification.
//
// Every message shares the wire shape {act, ...fields, timestamp, hash, sig}.
// Listing, offer and cancel messages ("gen" messages) carry their own
// canonical Keccak256 hash in the hash field; the step messages of a running
// swap (accept, participate, redeem, refund, finish) carry the on-chain
// transaction id of their step there instead, and the signature covers the
// whole body including that id.
package message

import (
	"fmt"
	"strconv"
)

// Act tags a relay message with its protocol role.
type Act string

const (
	ActBid         Act = "bid"
	ActAsk         Act = "ask"
	ActCancel      Act = "cancel"
	ActOffer       Act = "offer"
	ActAccept      Act = "accept"
	ActParticipate Act = "participate"
	ActRedeem      Act = "redeem"
	ActRefund      Act = "refund"
	ActFinish      Act = "finish"
)

// MaxWireSize is the relay's hard ceiling on a serialized message.
// Anything larger is dropped server-side, so it must never be built.
const MaxWireSize = 500

// DefaultOfferDuration is how long a matched offer stays acceptable,
// in seconds.
const DefaultOfferDuration = 300

// Listing is a resting, signed order to buy (bid) or sell (ask) the
// market's coin asset at a fixed price. Amount and Min are in the coin
// chain's atomic unit; Price is quote atoms per coin unit, scaled by
// RateScale.
type Listing struct {
	Act           Act    `json:"act"`
	Address       string `json:"address"`
	RedeemAddress string `json:"redeemAddress"`
	Amount        uint64 `json:"amount,string"`
	Min           uint64 `json:"min,string"`
	Price         uint64 `json:"price,string"`
	MarketID      string `json:"marketId"`
	Timestamp     int64  `json:"timestamp,string"`
	Hash          string `json:"hash,omitempty"`
	Sig           string `json:"sig,omitempty"`
}

// Cancel removes a resting listing from the book. Listing is the hash of
// the listing message being cancelled; the signature must recover to the
// listing owner's address.
type Cancel struct {
	Act       Act    `json:"act"`
	Address   string `json:"address"`
	Listing   string `json:"listing"`
	Timestamp int64  `json:"timestamp,string"`
	Hash      string `json:"hash,omitempty"`
	Sig       string `json:"sig,omitempty"`
}

// Offer proposes to fill part of a listing. Duration is the number of
// seconds the offer remains acceptable.
type Offer struct {
	Act           Act    `json:"act"`
	Listing       string `json:"listing"`
	Address       string `json:"address"`
	RedeemAddress string `json:"redeemAddress"`
	Amount        uint64 `json:"amount,string"`
	Min           uint64 `json:"min,string"`
	Duration      int64  `json:"duration,string"`
	Timestamp     int64  `json:"timestamp,string"`
	Hash          string `json:"hash,omitempty"`
	Sig           string `json:"sig,omitempty"`
}

// Accept is the listing owner's response to an offer. Hash holds the id
// of the on-chain initiate transaction funding the first HTLC leg.
type Accept struct {
	Act       Act    `json:"act"`
	Offer     string `json:"offer"`
	Amount    uint64 `json:"amount,string"`
	Timestamp int64  `json:"timestamp,string"`
	Hash      string `json:"hash"`
	Sig       string `json:"sig,omitempty"`
}

// Participate is the offeror's second HTLC leg. Accept references the
// accept message's hash (the initiate txid); Hash is the participate txid.
type Participate struct {
	Act       Act    `json:"act"`
	Accept    string `json:"accept"`
	Timestamp int64  `json:"timestamp,string"`
	Hash      string `json:"hash"`
	Sig       string `json:"sig,omitempty"`
}

// Redeem announces the listing owner's redemption of the participate leg,
// revealing the swap secret on chain. Hash is the redeem txid.
type Redeem struct {
	Act         Act    `json:"act"`
	Participate string `json:"participate"`
	Timestamp   int64  `json:"timestamp,string"`
	Hash        string `json:"hash"`
	Sig         string `json:"sig,omitempty"`
}

// Finish announces the offeror's redemption of the initiate leg, closing
// the swap. Hash is that redemption's txid.
type Finish struct {
	Act       Act    `json:"act"`
	Redeem    string `json:"redeem"`
	Timestamp int64  `json:"timestamp,string"`
	Hash      string `json:"hash"`
	Sig       string `json:"sig,omitempty"`
}

// Refund announces reclamation of an expired leg. Swap references the
// message hash of the refunded leg's announcement; Hash is the refund txid.
type Refund struct {
	Act       Act    `json:"act"`
	Swap      string `json:"swap"`
	Timestamp int64  `json:"timestamp,string"`
	Hash      string `json:"hash"`
	Sig       string `json:"sig,omitempty"`
}

// Side reports whether the listing rests on the bid book.
func (l *Listing) Bid() bool { return l.Act == ActBid }

func u(v uint64) string { return strconv.FormatUint(v, 10) }
func i(v int64) string  { return strconv.FormatInt(v, 10) }

// SignedPayload returns the canonical body covered by the listing hash:
// fixed field order, every value a quoted decimal string, hash and sig
// excluded.
func (l *Listing) SignedPayload() []byte {
	return canonical(
		"act", string(l.Act),
		"address", l.Address,
		"redeemAddress", l.RedeemAddress,
		"amount", u(l.Amount),
		"min", u(l.Min),
		"price", u(l.Price),
		"marketId", l.MarketID,
		"timestamp", i(l.Timestamp),
	)
}

func (c *Cancel) SignedPayload() []byte {
	return canonical(
		"act", string(c.Act),
		"address", c.Address,
		"listing", c.Listing,
		"timestamp", i(c.Timestamp),
	)
}

func (o *Offer) SignedPayload() []byte {
	return canonical(
		"act", string(o.Act),
		"listing", o.Listing,
		"address", o.Address,
		"redeemAddress", o.RedeemAddress,
		"amount", u(o.Amount),
		"min", u(o.Min),
		"duration", i(o.Duration),
		"timestamp", i(o.Timestamp),
	)
}

// Step messages include their hash field (the txid) in the signed body.

func (a *Accept) SignedPayload() []byte {
	return canonical(
		"act", string(a.Act),
		"offer", a.Offer,
		"amount", u(a.Amount),
		"timestamp", i(a.Timestamp),
		"hash", a.Hash,
	)
}

func (p *Participate) SignedPayload() []byte {
	return canonical(
		"act", string(p.Act),
		"accept", p.Accept,
		"timestamp", i(p.Timestamp),
		"hash", p.Hash,
	)
}

func (r *Redeem) SignedPayload() []byte {
	return canonical(
		"act", string(r.Act),
		"participate", r.Participate,
		"timestamp", i(r.Timestamp),
		"hash", r.Hash,
	)
}

func (f *Finish) SignedPayload() []byte {
	return canonical(
		"act", string(f.Act),
		"redeem", f.Redeem,
		"timestamp", i(f.Timestamp),
		"hash", f.Hash,
	)
}

func (r *Refund) SignedPayload() []byte {
	return canonical(
		"act", string(r.Act),
		"swap", r.Swap,
		"timestamp", i(r.Timestamp),
		"hash", r.Hash,
	)
}

// Gen message accessors used by the generic signature verifier.

func (l *Listing) HashHex() string       { return l.Hash }
func (l *Listing) SigHex() string        { return l.Sig }
func (l *Listing) SignerAddress() string { return l.Address }
func (l *Listing) setHashSig(h, s string) {
	l.Hash, l.Sig = h, s
}

func (c *Cancel) HashHex() string       { return c.Hash }
func (c *Cancel) SigHex() string        { return c.Sig }
func (c *Cancel) SignerAddress() string { return c.Address }
func (c *Cancel) setHashSig(h, s string) {
	c.Hash, c.Sig = h, s
}

func (o *Offer) HashHex() string       { return o.Hash }
func (o *Offer) SigHex() string        { return o.Sig }
func (o *Offer) SignerAddress() string { return o.Address }
func (o *Offer) setHashSig(h, s string) {
	o.Hash, o.Sig = h, s
}

// Step message accessors.

func (a *Accept) SigHex() string       { return a.Sig }
func (a *Accept) setSig(s string)      { a.Sig = s }
func (p *Participate) SigHex() string  { return p.Sig }
func (p *Participate) setSig(s string) { p.Sig = s }
func (r *Redeem) SigHex() string       { return r.Sig }
func (r *Redeem) setSig(s string)      { r.Sig = s }
func (f *Finish) SigHex() string       { return f.Sig }
func (f *Finish) setSig(s string)      { f.Sig = s }
func (r *Refund) SigHex() string       { return r.Sig }
func (r *Refund) setSig(s string)      { r.Sig = s }

// canonical builds the deterministic JSON body. Keys arrive as alternating
// key, value pairs; all values are emitted as quoted strings so numeric
// encoding can never diverge between platforms.
func canonical(pairs ...string) []byte {
	if len(pairs)%2 != 0 {
		panic("canonical: odd pair count")
	}
	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	for n := 0; n < len(pairs); n += 2 {
		if n > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendQuote(buf, pairs[n])
		buf = append(buf, ':')
		buf = strconv.AppendQuote(buf, pairs[n+1])
	}
	buf = append(buf, '}')
	return buf
}

// String helpers for log lines.

func (l *Listing) String() string {
	return fmt.Sprintf("%s %d @ %d (min %d) %s", l.Act, l.Amount, l.Price, l.Min, shortHash(l.Hash))
}

func (o *Offer) String() string {
	return fmt.Sprintf("offer %d (min %d) on %s", o.Amount, o.Min, shortHash(o.Listing))
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}
