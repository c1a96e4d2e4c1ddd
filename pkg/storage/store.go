// Package storage persists accounts, settings and trade history in a
// local pebble database. Everything is stored as JSON blobs under short
// prefixed keys.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var ErrNotFound = errors.New("storage: not found")

// Account is one named keypair entry. Keys are kept encrypted; the
// keystore package owns the cipher format.
type Account struct {
	Name      string            `json:"name"`
	Addresses map[string]string `json:"addresses"`
	Keys      map[string][]byte `json:"keys"`
}

// Settings holds user preferences surfaced over the local API.
type Settings struct {
	RelayURL     string   `json:"relayUrl"`
	Markets      []string `json:"markets"`
	Debug        bool     `json:"debug"`
	RequireConfs uint32   `json:"requireConfs"`
}

// TradeRecord is one completed or failed swap, appended per market.
type TradeRecord struct {
	Market     string `json:"market"`
	Side       string `json:"side"`
	Amount     uint64 `json:"amount,string"`
	Price      uint64 `json:"price,string"`
	State      string `json:"state"`
	OfferHash  string `json:"offerHash"`
	InitTxID   string `json:"initTxid,omitempty"`
	RedeemTxID string `json:"redeemTxid,omitempty"`
	Stamp      int64  `json:"stamp"`
}

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// keys: a:<name>, aa, st, t:<market>:<8-byte-seq>, ts:<market>
func kAccount(name string) []byte { return append([]byte("a:"), name...) }
func kActive() []byte             { return []byte("aa") }
func kSettings() []byte           { return []byte("st") }
func kTradeSeq(market string) []byte {
	return append([]byte("ts:"), market...)
}
func kTrade(market string, seq uint64) []byte {
	key := append([]byte("t:"), market...)
	key = append(key, ':')
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(key, b[:]...)
}

func (s *Store) put(key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, val, pebble.Sync)
}

func (s *Store) get(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func (s *Store) SaveAccount(a *Account) error {
	if a.Name == "" {
		return errors.New("storage: account name required")
	}
	return s.put(kAccount(a.Name), a)
}

func (s *Store) Account(name string) (*Account, error) {
	var a Account
	if err := s.get(kAccount(name), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) Accounts() ([]*Account, error) {
	iter, err := s.db.NewIter(prefixBounds([]byte("a:")))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*Account
	for iter.First(); iter.Valid(); iter.Next() {
		var a Account
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, iter.Error()
}

func (s *Store) SetActiveAccount(name string) error {
	return s.db.Set(kActive(), []byte(name), pebble.Sync)
}

func (s *Store) ActiveAccount() (string, error) {
	val, closer, err := s.db.Get(kActive())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer closer.Close()
	return string(val), nil
}

func (s *Store) SaveSettings(cfg *Settings) error {
	return s.put(kSettings(), cfg)
}

func (s *Store) Settings() (*Settings, error) {
	var cfg Settings
	if err := s.get(kSettings(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveTrade appends a trade under the market's next sequence number.
func (s *Store) SaveTrade(t *TradeRecord) error {
	seq := uint64(0)
	val, closer, err := s.db.Get(kTradeSeq(t.Market))
	if err == nil {
		seq = binary.BigEndian.Uint64(val) + 1
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	if err := s.put(kTrade(t.Market, seq), t); err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return s.db.Set(kTradeSeq(t.Market), b[:], pebble.Sync)
}

// Trades returns a market's history in append order.
func (s *Store) Trades(market string) ([]*TradeRecord, error) {
	prefix := append([]byte("t:"), market...)
	prefix = append(prefix, ':')
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*TradeRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var t TradeRecord
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, iter.Error()
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			break
		}
	}
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}
