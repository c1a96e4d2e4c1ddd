package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Account("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing account: got %v, want ErrNotFound", err)
	}

	a := &Account{
		Name:      "main",
		Addresses: map[string]string{"eth": "0xabc", "pol": "0xdef"},
		Keys:      map[string][]byte{"eth": []byte("sealed")},
	}
	if err := s.SaveAccount(a); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Account("main")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Addresses["eth"] != "0xabc" || string(got.Keys["eth"]) != "sealed" {
		t.Fatalf("loaded account %+v differs", got)
	}

	if err := s.SaveAccount(&Account{}); err == nil {
		t.Fatal("unnamed account saved")
	}

	if err := s.SaveAccount(&Account{Name: "other"}); err != nil {
		t.Fatal(err)
	}
	all, err := s.Accounts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d accounts, want 2", len(all))
	}
}

func TestActiveAccount(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ActiveAccount(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unset active: got %v, want ErrNotFound", err)
	}
	if err := s.SetActiveAccount("main"); err != nil {
		t.Fatal(err)
	}
	name, err := s.ActiveAccount()
	if err != nil || name != "main" {
		t.Fatalf("active = %q (%v), want main", name, err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	in := &Settings{RelayURL: "wss://relay/ws", Markets: []string{"eth_pol"}, RequireConfs: 3}
	if err := s.SaveSettings(in); err != nil {
		t.Fatal(err)
	}
	out, err := s.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if out.RelayURL != in.RelayURL || out.RequireConfs != 3 || len(out.Markets) != 1 {
		t.Fatalf("settings %+v differ from %+v", out, in)
	}
}

func TestTradeHistoryAppendOrder(t *testing.T) {
	s := openTestStore(t)
	for n, state := range []string{"finished", "refunded", "finished"} {
		rec := &TradeRecord{
			Market:    "eth_pol",
			Side:      "buy",
			Amount:    uint64(n + 1),
			Price:     5,
			State:     state,
			OfferHash: "0x1",
			Stamp:     int64(1700000000 + n),
		}
		if err := s.SaveTrade(rec); err != nil {
			t.Fatalf("save trade %d: %v", n, err)
		}
	}
	// A second market must not bleed into the first one's history.
	if err := s.SaveTrade(&TradeRecord{Market: "btc_eth", Amount: 9}); err != nil {
		t.Fatal(err)
	}

	trades, err := s.Trades("eth_pol")
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	for n, tr := range trades {
		if tr.Amount != uint64(n+1) {
			t.Fatalf("position %d holds amount %d, append order lost", n, tr.Amount)
		}
	}
}
