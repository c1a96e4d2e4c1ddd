package message

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/silvermint/swapd/pkg/chain"
	"github.com/silvermint/swapd/pkg/crypto"
)

func TestVerifyListingBounds(t *testing.T) {
	s := testSigner(t)
	base := func() *Listing {
		return &Listing{
			Act:           ActBid,
			Address:       s.Address().Hex(),
			RedeemAddress: s.Address().Hex(),
			Amount:        10,
			Min:           2,
			Price:         5 * RateScale,
			MarketID:      "eth_pol",
			Timestamp:     1700000000,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Listing)
		ok     bool
	}{
		{"valid bid", func(l *Listing) {}, true},
		{"valid ask", func(l *Listing) { l.Act = ActAsk }, true},
		{"bad act", func(l *Listing) { l.Act = ActOffer }, false},
		{"zero amount", func(l *Listing) { l.Amount = 0 }, false},
		{"zero price", func(l *Listing) { l.Price = 0 }, false},
		{"min above amount", func(l *Listing) { l.Min = 11 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base()
			tt.mutate(l)
			if err := SignGen(l, s); err != nil {
				t.Fatalf("sign: %v", err)
			}
			err := VerifyListing(l)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("invalid listing accepted")
			}
		})
	}
}

func TestVerifyOfferBounds(t *testing.T) {
	maker := testSigner(t)
	taker := testSigner(t)
	l := testListing(t, maker)

	base := func() *Offer {
		return &Offer{
			Act:           ActOffer,
			Listing:       l.Hash,
			Address:       taker.Address().Hex(),
			RedeemAddress: taker.Address().Hex(),
			Amount:        4,
			Min:           1,
			Duration:      DefaultOfferDuration,
			Timestamp:     1700000100,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Offer)
		ok     bool
	}{
		{"valid", func(o *Offer) {}, true},
		{"zero amount", func(o *Offer) { o.Amount = 0 }, false},
		{"min above amount", func(o *Offer) { o.Min = 5 }, false},
		{"amount above listing", func(o *Offer) { o.Amount = 11 }, false},
		{"wrong listing ref", func(o *Offer) { o.Listing = "0x1234" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base()
			tt.mutate(o)
			if err := SignGen(o, taker); err != nil {
				t.Fatalf("sign: %v", err)
			}
			err := VerifyOffer(o, l)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("invalid offer accepted")
			}
		})
	}
}

func acceptFixture() (now time.Time, info *chain.SwapInfo, a *Accept, o *Offer, l *Listing) {
	now = time.Unix(1700000000, 0)
	l = &Listing{
		Act:           ActBid,
		Address:       "0xmaker",
		RedeemAddress: "0xmakerRedeem",
		Amount:        10,
		Min:           2,
		Price:         5 * RateScale,
	}
	o = &Offer{
		Act:           ActOffer,
		Address:       "0xtaker",
		RedeemAddress: "0xTakerRedeem",
		Amount:        4,
		Min:           1,
	}
	a = &Accept{Act: ActAccept, Amount: 4, Hash: "0xinit"}
	info = &chain.SwapInfo{
		Success:       true,
		Confirmations: 1,
		Recipient:     "0xtakerredeem",
		Value:         20, // 4 coin at price 5
		Timestamp:     now,
		RefundTime:    48 * time.Hour,
	}
	return
}

func TestVerifyAcceptInfo(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		now, info, a, o, l := acceptFixture()
		if err := VerifyAcceptInfo(now, info, a, o, l); err != nil {
			t.Fatalf("valid accept rejected: %v", err)
		}
	})
	t.Run("failed tx", func(t *testing.T) {
		now, info, a, o, l := acceptFixture()
		info.Success = false
		if err := VerifyAcceptInfo(now, info, a, o, l); err == nil {
			t.Fatal("failed initiate accepted")
		}
	})
	t.Run("spent", func(t *testing.T) {
		now, info, a, o, l := acceptFixture()
		info.Spent = true
		if err := VerifyAcceptInfo(now, info, a, o, l); !errors.Is(err, ErrAlreadySpent) {
			t.Fatalf("got %v, want ErrAlreadySpent", err)
		}
	})
	t.Run("amount outside offer bounds", func(t *testing.T) {
		now, info, a, o, l := acceptFixture()
		a.Amount = 5
		if err := VerifyAcceptInfo(now, info, a, o, l); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("got %v, want ErrInvalidMessage", err)
		}
	})
	t.Run("underfunded", func(t *testing.T) {
		now, info, a, o, l := acceptFixture()
		info.Value = 19
		if err := VerifyAcceptInfo(now, info, a, o, l); err == nil {
			t.Fatal("underfunded initiate accepted")
		}
	})
	t.Run("wrong recipient", func(t *testing.T) {
		now, info, a, o, l := acceptFixture()
		info.Recipient = "0xsomeoneelse"
		if err := VerifyAcceptInfo(now, info, a, o, l); err == nil {
			t.Fatal("wrong recipient accepted")
		}
	})
}

// The refund window floor is exact: 35 hours remaining fails, 36 passes.
func TestAcceptWindowBoundary(t *testing.T) {
	now, info, a, o, l := acceptFixture()

	info.Timestamp = now.Add(35*time.Hour - info.RefundTime)
	err := VerifyAcceptInfo(now, info, a, o, l)
	if !errors.Is(err, ErrOutOfTimeWindow) {
		t.Fatalf("35h remaining: got %v, want ErrOutOfTimeWindow", err)
	}
	if !strings.Contains(err.Error(), "less than 36 hours remain") {
		t.Fatalf("35h remaining: error %q lacks window message", err)
	}

	info.Timestamp = now.Add(36*time.Hour - info.RefundTime)
	if err := VerifyAcceptInfo(now, info, a, o, l); err != nil {
		t.Fatalf("exactly 36h remaining rejected: %v", err)
	}
}

func participateFixture() (now time.Time, part, init *chain.SwapInfo, l *Listing) {
	now = time.Unix(1700000000, 0)
	l = &Listing{
		Act:           ActBid,
		Address:       "0xmaker",
		RedeemAddress: "0xMakerRedeem",
		Amount:        10,
		Min:           2,
		Price:         5 * RateScale,
	}
	var hs [32]byte
	hs[0] = 7
	init = &chain.SwapInfo{
		Success:      true,
		Value:        20,
		Timestamp:    now,
		RefundTime:   48 * time.Hour,
		HashedSecret: hs,
	}
	part = &chain.SwapInfo{
		Success:      true,
		Recipient:    "0xmakerredeem",
		Value:        4, // coin leg: 4 coin * 5 = 20 quote
		Timestamp:    now,
		RefundTime:   24 * time.Hour,
		HashedSecret: hs,
	}
	return
}

func TestVerifyParticipateInfo(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		now, part, init, l := participateFixture()
		if err := VerifyParticipateInfo(now, part, init, l); err != nil {
			t.Fatalf("valid participate rejected: %v", err)
		}
	})
	t.Run("hashed secret mismatch", func(t *testing.T) {
		now, part, init, l := participateFixture()
		part.HashedSecret[0] = 8
		if err := VerifyParticipateInfo(now, part, init, l); err == nil {
			t.Fatal("mismatched hashed secret accepted")
		}
	})
	t.Run("value does not mirror initiate", func(t *testing.T) {
		now, part, init, l := participateFixture()
		part.Value = 3
		if err := VerifyParticipateInfo(now, part, init, l); err == nil {
			t.Fatal("short participate value accepted")
		}
	})
	t.Run("ask conversion direction", func(t *testing.T) {
		now, part, init, l := participateFixture()
		l.Act = ActAsk
		// Ask listing: initiate carries coin, participate carries quote.
		init.Value = 4
		part.Value = 20
		if err := VerifyParticipateInfo(now, part, init, l); err != nil {
			t.Fatalf("valid ask participate rejected: %v", err)
		}
	})
	t.Run("window floor", func(t *testing.T) {
		now, part, init, l := participateFixture()
		part.Timestamp = now.Add(11*time.Hour - part.RefundTime)
		if err := VerifyParticipateInfo(now, part, init, l); !errors.Is(err, ErrOutOfTimeWindow) {
			t.Fatalf("11h remaining: got %v, want ErrOutOfTimeWindow", err)
		}
		part.Timestamp = now.Add(12*time.Hour - part.RefundTime)
		if err := VerifyParticipateInfo(now, part, init, l); err != nil {
			t.Fatalf("exactly 12h remaining rejected: %v", err)
		}
	})
}

// A success flag cannot rescue a wrong secret commitment.
func TestVerifyRedeemInfoSecretMismatch(t *testing.T) {
	var committed, other [32]byte
	committed[0], other[0] = 1, 2
	init := &chain.SwapInfo{Success: true, HashedSecret: committed}

	info := &chain.RedeemInfo{Success: true, HashedSecret: other}
	err := VerifyRedeemInfo(info, init)
	if err == nil {
		t.Fatal("mismatched hashed secret accepted")
	}
	if !strings.Contains(err.Error(), "hashed secret") {
		t.Fatalf("error %q does not name the hashed secret", err)
	}

	info.HashedSecret = committed
	if err := VerifyRedeemInfo(info, init); err != nil {
		t.Fatalf("valid redeem rejected: %v", err)
	}
	info.Success = false
	if err := VerifyRedeemInfo(info, init); err == nil {
		t.Fatal("failed redeem accepted")
	}
}

type balanceStub struct {
	chain.Adapter
	balance uint64
	fee     uint64
}

func (b *balanceStub) Name() string { return "stub" }
func (b *balanceStub) Balance(context.Context, string) (uint64, error) {
	return b.balance, nil
}
func (b *balanceStub) InitFee(context.Context) (uint64, error) { return b.fee, nil }

func TestVerifyListingBalance(t *testing.T) {
	s, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	l := &Listing{
		Act:     ActAsk,
		Address: s.Address().Hex(),
		Amount:  100,
		Min:     10,
		Price:   RateScale,
	}
	node := &balanceStub{balance: 100, fee: 5}
	if err := VerifyListingBalance(context.Background(), node, l); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("balance below amount+fee: got %v, want ErrInsufficientFunds", err)
	}
	node.balance = 105
	if err := VerifyListingBalance(context.Background(), node, l); err != nil {
		t.Fatalf("exact funding rejected: %v", err)
	}
}
