package core

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/silvermint/swapd/pkg/core/message"
)

// Market is the aggregate root for one coin/base pair. It exclusively
// owns the pair's two books, the ownership indexes for local listings and
// offers, and the full message-hash index used to route swap-step
// messages back to their offer. One mutex serializes every mutation;
// chain I/O never happens under it.
type Market struct {
	mu sync.Mutex

	ID   string
	Coin string
	Base string

	bids *Book
	asks *Book

	// Own listings by message hash, one map per side. Explicit maps,
	// no ambient lookup.
	mineBids map[string]*Entry
	mineAsks map[string]*Entry

	// Every hash in an offer's message chain points at the offer, so
	// an inbound participate/redeem/refund resolves in one lookup.
	offers map[string]*SwapOffer

	// listings indexes both books by hash for offer routing.
	listings map[string]*Entry

	// Locally escrowed balances, per asset: funds our resting listings
	// have spoken for but not yet locked on chain. Committed fills
	// leave this accounting; the chain holds them from then on.
	escrowCoin uint64
	escrowBase uint64

	log *zap.SugaredLogger
}

// NewMarket creates an empty market for the given pair.
func NewMarket(id, coin, base string, log *zap.SugaredLogger) *Market {
	return &Market{
		ID:       id,
		Coin:     coin,
		Base:     base,
		bids:     NewBook(true),
		asks:     NewBook(false),
		mineBids: make(map[string]*Entry),
		mineAsks: make(map[string]*Entry),
		offers:   make(map[string]*SwapOffer),
		listings: make(map[string]*Entry),
		log:      log.Named(id),
	}
}

func (m *Market) book(bid bool) *Book {
	if bid {
		return m.bids
	}
	return m.asks
}

func (m *Market) mine(bid bool) map[string]*Entry {
	if bid {
		return m.mineBids
	}
	return m.mineAsks
}

// AddListing inserts an already-verified listing into its book. Mine
// listings are additionally indexed by side and their funding amount is
// counted as escrowed.
func (m *Market) AddListing(l *message.Listing, mine bool) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.MarketID != m.ID {
		return nil, fmt.Errorf("listing for market %q routed to %q", l.MarketID, m.ID)
	}
	if _, exists := m.listings[l.Hash]; exists {
		return nil, fmt.Errorf("duplicate listing %s", l.Hash)
	}
	e := &Entry{Msg: l, Remaining: l.Amount, Mine: mine}
	m.book(l.Bid()).Insert(e)
	m.listings[l.Hash] = e
	if mine {
		m.mine(l.Bid())[l.Hash] = e
		m.addEscrow(l.Bid(), message.RequiredFunds(l.Bid(), l.Amount, l.Price))
	}
	m.log.Debugw("listing_added", "act", string(l.Act), "hash", l.Hash,
		"amount", l.Amount, "price", l.Price, "mine", mine)
	return e, nil
}

// RemoveListing takes a listing off its book and drops its indexes. The
// removal is optimistic for local cancels; re-adding on relay rejection
// goes back through AddListing.
func (m *Market) RemoveListing(hash string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.bids.Remove(hash)
	if e == nil {
		e = m.asks.Remove(hash)
	}
	if e == nil {
		return nil
	}
	delete(m.listings, hash)
	if e.Mine {
		delete(m.mine(e.Msg.Bid()), hash)
		m.subEscrow(e.Msg.Bid(), message.RequiredFunds(e.Msg.Bid(), e.Remaining, e.Msg.Price))
	}
	m.log.Debugw("listing_removed", "hash", hash)
	return e
}

// Listing returns the resting listing with the given hash, or nil.
func (m *Market) Listing(hash string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listings[hash]
}

// MineListing reports whether hash is one of our own resting listings.
func (m *Market) MineListing(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.listings[hash]
	return e != nil && e.Mine
}

// RegisterOffer attaches an offer to its listing and indexes it by its
// message hash.
func (m *Market) RegisterOffer(o *SwapOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Listing.Offers = append(o.Listing.Offers, o)
	m.offers[o.Msg.Hash] = o
}

// IndexOfferHash routes an additional message hash (an accept's offer
// reference, a step txid) to the offer, so later steps resolve directly.
func (m *Market) IndexOfferHash(hash string, o *SwapOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[hash] = o
}

// OfferByHash resolves any hash in an offer's message chain.
func (m *Market) OfferByHash(hash string) *SwapOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers[hash]
}

// InFlight returns the offers the local party participates in that still
// have transitions ahead of them.
func (m *Market) InFlight() []*SwapOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[*SwapOffer]bool)
	var out []*SwapOffer
	for _, o := range m.offers {
		if seen[o] || o.State.Terminal() {
			continue
		}
		seen[o] = true
		if o.Mine || o.Listing.Mine {
			out = append(out, o)
		}
	}
	return out
}

// CommitFill decrements a listing's authoritative remaining amount. This
// is the only place it moves: exactly once per accepted fill, when the
// maker commits funds to the initiate leg. The filled portion leaves
// listing escrow here; from now on it is locked in the on-chain contract
// and already gone from the spendable balance.
func (m *Market) CommitFill(e *Entry, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount > e.Remaining {
		return fmt.Errorf("fill %d exceeds remaining %d on listing %s",
			amount, e.Remaining, e.Msg.Hash)
	}
	e.Remaining -= amount
	if e.Mine {
		m.subEscrow(e.Msg.Bid(), message.RequiredFunds(e.Msg.Bid(), amount, e.Msg.Price))
	}
	return nil
}

// Attach mutates an offer under the market lock without advancing its
// step counter. Used for recording counterparty messages, which must
// never invalidate an in-flight submission's commit.
func (m *Market) Attach(o *SwapOffer, apply func(*SwapOffer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(o)
}

// CommitStep atomically advances an offer if no concurrent transition
// beat it there. fromStep is the step counter captured before the
// caller's chain I/O; a stale value means another tick already moved the
// offer and this result is discarded.
func (m *Market) CommitStep(o *SwapOffer, fromStep uint64, apply func(*SwapOffer)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Step != fromStep {
		return false
	}
	apply(o)
	o.Step++
	return true
}

func (m *Market) addEscrow(bid bool, v uint64) {
	if bid {
		m.escrowBase += v
	} else {
		m.escrowCoin += v
	}
}

func (m *Market) subEscrow(bid bool, v uint64) {
	if bid {
		if v > m.escrowBase {
			v = m.escrowBase
		}
		m.escrowBase -= v
	} else {
		if v > m.escrowCoin {
			v = m.escrowCoin
		}
		m.escrowCoin -= v
	}
}

// Escrowed returns the coin and base amounts our resting listings have
// spoken for and not yet committed on chain.
func (m *Market) Escrowed() (coin, base uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrowCoin, m.escrowBase
}

// BookLevel is one aggregated price level of a book snapshot.
type BookLevel struct {
	Price  uint64 `json:"price,string"`
	Amount uint64 `json:"amount,string"`
}

// Snapshot aggregates both books per price level, bids best-first and
// asks best-first, for the status API.
func (m *Market) Snapshot() (bids, asks []BookLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return levels(m.bids), levels(m.asks)
}

func levels(b *Book) []BookLevel {
	var out []BookLevel
	for _, e := range b.Listings() {
		if n := len(out); n > 0 && out[n-1].Price == e.Msg.Price {
			out[n-1].Amount += e.Remaining
			continue
		}
		out = append(out, BookLevel{Price: e.Msg.Price, Amount: e.Remaining})
	}
	return out
}

// Trades derives the trade views of every known offer for the party
// holding addr, newest data first left to the caller to sort.
func (m *Market) Trades(addr string) []*Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[*SwapOffer]bool)
	var out []*Trade
	for _, o := range m.offers {
		if seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, NewTrade(o, addr))
	}
	return out
}

// FindMatches runs the matching scan for a taker order against the
// opposing book under the market lock. bid is the taker's direction: a
// buyer scans the ask book.
func (m *Market) FindMatches(ord *TakerOrder, bid bool, now int64) []*message.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book(!bid).FindMatches(ord, now)
}

// MarkCancelling flags an own listing so matching stops crossing it
// while the cancel is in flight.
func (m *Market) MarkCancelling(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.listings[hash]; e != nil {
		e.Cancelling = true
	}
}
