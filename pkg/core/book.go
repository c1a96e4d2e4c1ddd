package core

import (
	"sort"
	"strings"

	"github.com/silvermint/swapd/pkg/core/message"
)

// TakerOrder is a local intent to trade against the opposing book. Amount
// is decremented in place as matching consumes it; Min is the smallest
// fill still worth taking.
type TakerOrder struct {
	Address       string
	RedeemAddress string
	Price         uint64
	Amount        uint64
	Min           uint64
}

// Book is one side of a market: listings in strict price priority, FIFO
// within a price level. Ordering is fixed by an explicit comparator at
// construction, bids descending and asks ascending, so the matching scan
// can terminate at the first price-ineligible entry.
type Book struct {
	bid      bool
	better   func(a, b uint64) bool // strict price priority between listings
	listings []*Entry
}

// NewBook creates an empty book side. bid selects the comparator:
// highest-first for the bid book, lowest-first for the ask book.
func NewBook(bid bool) *Book {
	better := func(a, b uint64) bool { return a < b }
	if bid {
		better = func(a, b uint64) bool { return a > b }
	}
	return &Book{bid: bid, better: better}
}

// Bid reports which side this book holds.
func (b *Book) Bid() bool { return b.bid }

// Len returns the number of resting listings.
func (b *Book) Len() int { return len(b.listings) }

// Insert places a listing at its price-priority position, after any
// existing listings at the same price (time priority).
func (b *Book) Insert(e *Entry) {
	at := sort.Search(len(b.listings), func(n int) bool {
		return b.better(e.Msg.Price, b.listings[n].Msg.Price)
	})
	b.listings = append(b.listings, nil)
	copy(b.listings[at+1:], b.listings[at:])
	b.listings[at] = e
}

// Find returns the listing with the given message hash, or nil.
func (b *Book) Find(hash string) *Entry {
	for _, e := range b.listings {
		if e.Msg.Hash == hash {
			return e
		}
	}
	return nil
}

// Remove takes the listing with the given message hash off the book and
// returns it. Used for cancel processing.
func (b *Book) Remove(hash string) *Entry {
	for n, e := range b.listings {
		if e.Msg.Hash == hash {
			b.listings = append(b.listings[:n], b.listings[n+1:]...)
			return e
		}
	}
	return nil
}

// Listings returns the book in priority order. The slice is a copy; the
// entries are live.
func (b *Book) Listings() []*Entry {
	out := make([]*Entry, len(b.listings))
	copy(out, b.listings)
	return out
}

// eligible is the price test for an incoming taker order against a
// resting listing on this book. A buyer matches asks priced at or below
// their limit; a seller matches bids at or above it. Because the book is
// price-sorted, the first failure ends the scan.
func (b *Book) eligible(listingPrice, takerPrice uint64) bool {
	if b.bid {
		return listingPrice >= takerPrice
	}
	return listingPrice <= takerPrice
}

// FindMatches scans this book from best price outward for listings the
// taker order can fill, building one unsigned offer message per match.
// The scan terminates, not skips, at the first price-ineligible listing,
// and at the taker's own resting listing (self-trade barrier): matches
// accumulated before the barrier are returned, nothing past it.
//
// Matching mutates only the taker order's remaining amount. Listings are
// untouched; their authoritative remaining amounts move later, when a
// fill is committed by the settlement path.
func (b *Book) FindMatches(ord *TakerOrder, now int64) []*message.Offer {
	var matches []*message.Offer
	for _, e := range b.listings {
		if !b.eligible(e.Msg.Price, ord.Price) {
			break
		}
		// Own listings stand as a price-priority barrier, never
		// crossed and never skipped.
		if strings.EqualFold(e.Msg.RedeemAddress, ord.Address) {
			break
		}
		if e.Cancelling {
			continue
		}
		// Size compatibility; an incompatible or exhausted listing is
		// skipped, the scan continues at the same or worse price.
		if e.Remaining == 0 || e.Remaining < ord.Min || ord.Amount < e.Msg.Min {
			continue
		}
		fill := ord.Amount
		if e.Remaining < fill {
			fill = e.Remaining
		}
		minFill := ord.Min
		if e.Msg.Min > minFill {
			minFill = e.Msg.Min
		}
		ord.Amount -= fill
		matches = append(matches, &message.Offer{
			Act:           message.ActOffer,
			Listing:       e.Msg.Hash,
			Address:       ord.Address,
			RedeemAddress: ord.RedeemAddress,
			Amount:        fill,
			Min:           minFill,
			Duration:      message.DefaultOfferDuration,
			Timestamp:     now,
		})
		// Nothing useful left once the remainder dips below the
		// taker's minimum.
		if ord.Amount < ord.Min || ord.Amount == 0 {
			break
		}
	}
	return matches
}
