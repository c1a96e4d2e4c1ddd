// End-to-end swap scenarios: two engines, one per party, joined by a
// loopback relay over the real wire codec, settling on shared in-memory
// chains under a manually advanced clock.
package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/silvermint/swapd/pkg/chain/sim"
	"github.com/silvermint/swapd/pkg/core"
	"github.com/silvermint/swapd/pkg/core/message"
	"github.com/silvermint/swapd/pkg/crypto"
	"github.com/silvermint/swapd/pkg/util"
)

type ring map[string]*crypto.Signer

func (r ring) Unlock(_ context.Context, symbol string) (*crypto.Signer, error) {
	s, ok := r[symbol]
	if !ok {
		return nil, errors.New("no key for " + symbol)
	}
	return s, nil
}

// loopback queues encoded frames for the opposite engine.
type loopback struct {
	queue [][]byte
}

func (l *loopback) Send(m any) error {
	raw, err := message.Encode(m)
	if err != nil {
		return err
	}
	l.queue = append(l.queue, raw)
	return nil
}

type duo struct {
	t        *testing.T
	clk      *util.FakeClock
	ethNode  *sim.Node
	polNode  *sim.Node
	makerEng *core.Engine
	takerEng *core.Engine
	makerOut *loopback
	takerOut *loopback

	makerEth, makerPol *crypto.Signer
	takerEth, takerPol *crypto.Signer
}

func newDuo(t *testing.T) *duo {
	t.Helper()
	d := &duo{t: t, clk: util.NewFakeClock(time.Unix(1700000000, 0))}
	d.ethNode = sim.New("eth", d.clk)
	d.polNode = sim.New("pol", d.clk)

	gen := func() *crypto.Signer {
		s, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	d.makerEth, d.makerPol = gen(), gen()
	d.takerEth, d.takerPol = gen(), gen()

	d.ethNode.Fund(d.makerEth.Address().Hex(), 100_000)
	d.polNode.Fund(d.makerPol.Address().Hex(), 100_000)
	d.ethNode.Fund(d.takerEth.Address().Hex(), 100_000)
	d.polNode.Fund(d.takerPol.Address().Hex(), 100_000)

	log := zap.NewNop().Sugar()
	cfg := core.EngineConfig{PollInterval: time.Second, RequireConfs: 1, RetryDelay: time.Minute}

	d.makerOut = &loopback{}
	makerMkt := core.NewMarket("eth_pol", "eth", "pol", log)
	d.makerEng = core.NewEngine(makerMkt, d.ethNode, d.polNode,
		ring{"eth": d.makerEth, "pol": d.makerPol}, d.makerOut, d.clk, cfg, log)

	d.takerOut = &loopback{}
	takerMkt := core.NewMarket("eth_pol", "eth", "pol", log)
	d.takerEng = core.NewEngine(takerMkt, d.ethNode, d.polNode,
		ring{"eth": d.takerEth, "pol": d.takerPol}, d.takerOut, d.clk, cfg, log)

	return d
}

// pump delivers queued frames across the loopback until both directions
// drain, decoding through the real codec.
func (d *duo) pump(ctx context.Context) {
	for len(d.makerOut.queue) > 0 || len(d.takerOut.queue) > 0 {
		for len(d.makerOut.queue) > 0 {
			raw := d.makerOut.queue[0]
			d.makerOut.queue = d.makerOut.queue[1:]
			m, err := message.Decode(raw)
			if err != nil {
				d.t.Fatalf("decode maker frame: %v", err)
			}
			if err := d.takerEng.HandleMessage(ctx, m); err != nil {
				d.t.Fatalf("taker handling %T: %v", m, err)
			}
		}
		for len(d.takerOut.queue) > 0 {
			raw := d.takerOut.queue[0]
			d.takerOut.queue = d.takerOut.queue[1:]
			m, err := message.Decode(raw)
			if err != nil {
				d.t.Fatalf("decode taker frame: %v", err)
			}
			if err := d.makerEng.HandleMessage(ctx, m); err != nil {
				d.t.Fatalf("maker handling %T: %v", m, err)
			}
		}
	}
}

const price = 5 * message.RateScale

// The happy path: ask listing, bid order, initiate, participate, redeem,
// finish. Both parties end holding the other's asset.
func TestSwapHappyPath(t *testing.T) {
	d := newDuo(t)
	ctx := context.Background()

	l, err := d.makerEng.SubmitListing(ctx, false, 4, 1, price)
	if err != nil {
		t.Fatalf("submit listing: %v", err)
	}
	d.pump(ctx)
	if d.takerEng.Market().Listing(l.Hash) == nil {
		t.Fatal("listing did not propagate")
	}

	offers, err := d.takerEng.SubmitOrder(ctx, true, price, 4, 1)
	if err != nil {
		t.Fatalf("submit order: %v", err)
	}
	if len(offers) != 1 || offers[0].Amount != 4 {
		t.Fatalf("offers %v, want one full fill", offers)
	}
	d.pump(ctx) // offer to maker, accept back to taker

	makerSide := d.makerEng.Market().OfferByHash(offers[0].Hash)
	takerSide := d.takerEng.Market().OfferByHash(offers[0].Hash)
	if makerSide.State != core.OfferAccepted || takerSide.State != core.OfferAccepted {
		t.Fatalf("states maker=%v taker=%v, want accepted", makerSide.State, takerSide.State)
	}
	if d.makerEng.Market().Listing(l.Hash).Remaining != 0 {
		t.Fatal("maker listing remaining not consumed")
	}

	// Maker confirms their initiate; taker verifies it and participates.
	d.makerEng.Poll(ctx)
	d.takerEng.Poll(ctx)
	d.pump(ctx)
	if takerSide.State != core.OfferInitiated {
		t.Fatalf("taker state %v, want initiated", takerSide.State)
	}

	// Taker confirms the participate leg; maker verifies it and redeems,
	// revealing the secret.
	d.takerEng.Poll(ctx)
	if takerSide.State != core.OfferParticipated {
		t.Fatalf("taker state %v, want participated", takerSide.State)
	}
	d.makerEng.Poll(ctx)
	d.pump(ctx)
	if makerSide.State != core.OfferRedeemed {
		t.Fatalf("maker state %v, want redeemed", makerSide.State)
	}

	// Taker observes the redeem, learns the secret, claims the initiate
	// leg and announces the finish.
	d.takerEng.Poll(ctx) // decode redeem, verify secret commitment
	if takerSide.State != core.OfferRedeemed {
		t.Fatalf("taker state %v, want redeemed", takerSide.State)
	}
	d.takerEng.Poll(ctx) // spend the initiate leg
	d.pump(ctx)
	if takerSide.State != core.OfferFinished {
		t.Fatalf("taker state %v, want finished", takerSide.State)
	}
	d.makerEng.Poll(ctx)
	if makerSide.State != core.OfferFinished {
		t.Fatalf("maker state %v, want finished", makerSide.State)
	}

	// 4 eth crossed one way, 20 pol the other.
	makerPol, _ := d.polNode.Balance(ctx, d.makerPol.Address().Hex())
	takerEth, _ := d.ethNode.Balance(ctx, d.takerEth.Address().Hex())
	if makerPol != 100_020 {
		t.Fatalf("maker pol balance %d, want 100020", makerPol)
	}
	if takerEth != 100_004 {
		t.Fatalf("taker eth balance %d, want 100004", takerEth)
	}
}

// If the maker never redeems, the taker reclaims the participate leg
// once its 24h lock lapses, and the maker reclaims the initiate leg
// after 48h. Nobody loses funds.
func TestSwapBothSidesRefund(t *testing.T) {
	d := newDuo(t)
	ctx := context.Background()

	if _, err := d.makerEng.SubmitListing(ctx, false, 4, 1, price); err != nil {
		t.Fatal(err)
	}
	d.pump(ctx)
	offers, err := d.takerEng.SubmitOrder(ctx, true, price, 4, 1)
	if err != nil || len(offers) != 1 {
		t.Fatalf("submit order: %v", err)
	}
	d.pump(ctx)

	d.makerEng.Poll(ctx)
	d.takerEng.Poll(ctx) // taker participates
	d.takerEng.Poll(ctx) // taker confirms own leg
	// The participate message is dropped: maker never learns of it and
	// never redeems.
	d.takerOut.queue = nil

	takerSide := d.takerEng.Market().OfferByHash(offers[0].Hash)
	makerSide := d.makerEng.Market().OfferByHash(offers[0].Hash)
	if takerSide.State != core.OfferParticipated {
		t.Fatalf("taker state %v, want participated", takerSide.State)
	}

	// 25h: the participate lock (24h) lapsed, the initiate lock (48h)
	// has not.
	d.clk.Advance(25 * time.Hour)
	d.takerEng.Poll(ctx)
	d.takerOut.queue = nil
	if takerSide.State != core.OfferRefunded {
		t.Fatalf("taker state %v after 25h, want refunded", takerSide.State)
	}
	d.makerEng.Poll(ctx)
	if makerSide.State == core.OfferRefunded {
		t.Fatal("maker refunded before the 48h lock lapsed")
	}

	d.clk.Advance(24 * time.Hour)
	d.makerEng.Poll(ctx)
	if makerSide.State != core.OfferRefunded {
		t.Fatalf("maker state %v after 49h, want refunded", makerSide.State)
	}

	makerEth, _ := d.ethNode.Balance(ctx, d.makerEth.Address().Hex())
	takerPol, _ := d.polNode.Balance(ctx, d.takerPol.Address().Hex())
	if makerEth != 100_000 {
		t.Fatalf("maker eth balance %d, want restored 100000", makerEth)
	}
	if takerPol != 100_000 {
		t.Fatalf("taker pol balance %d, want restored 100000", takerPol)
	}
}
