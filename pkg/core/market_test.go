package core

import (
	"testing"

	"go.uber.org/zap"

	"github.com/silvermint/swapd/pkg/core/message"
)

func testMarket(t *testing.T) *Market {
	t.Helper()
	return NewMarket("eth_pol", "eth", "pol", zap.NewNop().Sugar())
}

func marketListing(act message.Act, amount, min, price uint64, hash string) *message.Listing {
	return &message.Listing{
		Act:           act,
		Address:       "0x" + hash + "addr",
		RedeemAddress: "0x" + hash + "redeem",
		Amount:        amount,
		Min:           min,
		Price:         price,
		MarketID:      "eth_pol",
		Hash:          "0x" + hash,
	}
}

func TestAddListingRejectsWrongMarketAndDuplicates(t *testing.T) {
	m := testMarket(t)
	l := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "a")
	if _, err := m.AddListing(l, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.AddListing(l, false); err == nil {
		t.Fatal("duplicate listing accepted")
	}
	wrong := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "b")
	wrong.MarketID = "btc_eth"
	if _, err := m.AddListing(wrong, false); err == nil {
		t.Fatal("cross-market listing accepted")
	}
}

func TestMineListingEscrow(t *testing.T) {
	m := testMarket(t)

	// An ask escrows the coin amount itself.
	ask := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "ask")
	if _, err := m.AddListing(ask, true); err != nil {
		t.Fatal(err)
	}
	coin, base := m.Escrowed()
	if coin != 10 || base != 0 {
		t.Fatalf("after ask: escrow coin=%d base=%d, want 10/0", coin, base)
	}

	// A bid escrows the quote value.
	bid := marketListing(message.ActBid, 4, 1, 5*message.RateScale, "bid")
	if _, err := m.AddListing(bid, true); err != nil {
		t.Fatal(err)
	}
	coin, base = m.Escrowed()
	if coin != 10 || base != 20 {
		t.Fatalf("after bid: escrow coin=%d base=%d, want 10/20", coin, base)
	}

	// Removal releases what the remaining amount still holds.
	m.RemoveListing(ask.Hash)
	coin, base = m.Escrowed()
	if coin != 0 || base != 20 {
		t.Fatalf("after remove: escrow coin=%d base=%d, want 0/20", coin, base)
	}
}

func TestCommitFillReleasesEscrow(t *testing.T) {
	m := testMarket(t)

	ask := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "ask")
	ae, err := m.AddListing(ask, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CommitFill(ae, 4); err != nil {
		t.Fatal(err)
	}
	coin, base := m.Escrowed()
	if coin != 6 || base != 0 {
		t.Fatalf("after partial ask fill: escrow coin=%d base=%d, want 6/0", coin, base)
	}
	if err := m.CommitFill(ae, 6); err != nil {
		t.Fatal(err)
	}
	coin, _ = m.Escrowed()
	if coin != 0 {
		t.Fatalf("after full ask fill: escrow coin=%d, want 0", coin)
	}

	// A bid releases the quote value of the fill.
	bid := marketListing(message.ActBid, 4, 1, 5*message.RateScale, "bid")
	be, err := m.AddListing(bid, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CommitFill(be, 2); err != nil {
		t.Fatal(err)
	}
	_, base = m.Escrowed()
	if base != 10 {
		t.Fatalf("after partial bid fill: escrow base=%d, want 10", base)
	}

	// Removal releases only what the remaining amount still holds.
	m.RemoveListing(bid.Hash)
	coin, base = m.Escrowed()
	if coin != 0 || base != 0 {
		t.Fatalf("after remove: escrow coin=%d base=%d, want 0/0", coin, base)
	}
}

func TestCommitFillMovesRemainingOnce(t *testing.T) {
	m := testMarket(t)
	l := marketListing(message.ActAsk, 10, 2, 5*message.RateScale, "a")
	e, err := m.AddListing(l, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CommitFill(e, 4); err != nil {
		t.Fatalf("fill 4 of 10: %v", err)
	}
	if e.Remaining != 6 {
		t.Fatalf("remaining %d, want 6", e.Remaining)
	}
	if err := m.CommitFill(e, 7); err == nil {
		t.Fatal("overfill accepted")
	}
	if e.Remaining != 6 {
		t.Fatalf("failed fill moved remaining to %d", e.Remaining)
	}
}

func TestCommitStepGatesOnStepCounter(t *testing.T) {
	m := testMarket(t)
	l := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "a")
	e, _ := m.AddListing(l, false)
	o := &SwapOffer{
		Msg:     &message.Offer{Hash: "0xoffer"},
		Listing: e,
		State:   OfferMatched,
		Mine:    true,
	}
	m.RegisterOffer(o)

	step := o.Step
	if !m.CommitStep(o, step, func(o *SwapOffer) { o.State = OfferAccepted }) {
		t.Fatal("first commit rejected")
	}
	if o.State != OfferAccepted || o.Step != step+1 {
		t.Fatalf("state=%v step=%d after commit", o.State, o.Step)
	}
	// A second commit from the same captured step must lose.
	if m.CommitStep(o, step, func(o *SwapOffer) { o.State = OfferInitiated }) {
		t.Fatal("stale commit accepted")
	}
	if o.State != OfferAccepted {
		t.Fatalf("stale commit mutated state to %v", o.State)
	}

	// Attach mutates without bumping the counter.
	m.Attach(o, func(o *SwapOffer) { o.LastErr = "x" })
	if o.Step != step+1 {
		t.Fatalf("Attach bumped step to %d", o.Step)
	}
}

func TestOfferHashIndex(t *testing.T) {
	m := testMarket(t)
	l := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "a")
	e, _ := m.AddListing(l, false)
	o := &SwapOffer{Msg: &message.Offer{Hash: "0xoffer"}, Listing: e}
	m.RegisterOffer(o)
	m.IndexOfferHash("0xinittx", o)

	if m.OfferByHash("0xoffer") != o {
		t.Fatal("offer not resolvable by message hash")
	}
	if m.OfferByHash("0xinittx") != o {
		t.Fatal("offer not resolvable by indexed txid")
	}
	if m.OfferByHash("0xmissing") != nil {
		t.Fatal("ghost offer resolved")
	}
}

func TestInFlightFiltersTerminalAndForeign(t *testing.T) {
	m := testMarket(t)
	mineL := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "mine")
	foreignL := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "foreign")
	me, _ := m.AddListing(mineL, true)
	fe, _ := m.AddListing(foreignL, false)

	active := &SwapOffer{Msg: &message.Offer{Hash: "0x1"}, Listing: me, State: OfferAccepted}
	done := &SwapOffer{Msg: &message.Offer{Hash: "0x2"}, Listing: me, State: OfferFinished}
	foreign := &SwapOffer{Msg: &message.Offer{Hash: "0x3"}, Listing: fe, State: OfferAccepted}
	for _, o := range []*SwapOffer{active, done, foreign} {
		m.RegisterOffer(o)
	}

	got := m.InFlight()
	if len(got) != 1 || got[0] != active {
		t.Fatalf("InFlight returned %d offers, want exactly the active own one", len(got))
	}
}

func TestSnapshotAggregatesLevels(t *testing.T) {
	m := testMarket(t)
	for n, tc := range []struct{ amount, price uint64 }{
		{10, 5 * message.RateScale},
		{7, 5 * message.RateScale},
		{3, 6 * message.RateScale},
	} {
		l := marketListing(message.ActAsk, tc.amount, 1, tc.price, string(rune('a'+n)))
		if _, err := m.AddListing(l, false); err != nil {
			t.Fatal(err)
		}
	}
	_, asks := m.Snapshot()
	if len(asks) != 2 {
		t.Fatalf("got %d ask levels, want 2", len(asks))
	}
	if asks[0].Price != 5*message.RateScale || asks[0].Amount != 17 {
		t.Fatalf("best level %+v, want price 5 amount 17", asks[0])
	}
	if asks[1].Amount != 3 {
		t.Fatalf("second level %+v, want amount 3", asks[1])
	}
}

func TestMarkCancellingStopsMatching(t *testing.T) {
	m := testMarket(t)
	l := marketListing(message.ActAsk, 10, 1, 5*message.RateScale, "a")
	if _, err := m.AddListing(l, false); err != nil {
		t.Fatal(err)
	}
	m.MarkCancelling(l.Hash)

	ord := &TakerOrder{Address: "0xtaker", RedeemAddress: "0xtr", Price: 5 * message.RateScale, Amount: 10, Min: 1}
	if matches := m.FindMatches(ord, true, 1700000000); len(matches) != 0 {
		t.Fatalf("cancelling listing matched %d times", len(matches))
	}
}
