// Package sim is an in-memory chain.Adapter used by the devnet harness
// and the engine tests. It models balances, HTLC escrows and
// confirmations faithfully enough to exercise every swap path, including
// refund-window expiry via an injected clock.
package sim

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/silvermint/swapd/pkg/chain"
	"github.com/silvermint/swapd/pkg/crypto"
	"github.com/silvermint/swapd/pkg/util"
)

type txKind int

const (
	txSend txKind = iota
	txInit
	txParticipate
	txRedeem
	txRefund
)

type swapRecord struct {
	initiator    string
	participant  string
	value        uint64
	hashedSecret [32]byte
	secret       [32]byte
	timestamp    time.Time
	lock         time.Duration
	spent        bool
	redeemed     bool
}

type txRecord struct {
	kind    txKind
	swap    *swapRecord
	secret  [32]byte
	to      string
	value   uint64
	minedAt time.Time
}

// Node is one simulated chain.
type Node struct {
	mu sync.Mutex

	name      string
	clock     util.Clock
	balances  map[string]uint64
	txs       map[string]*txRecord
	swaps     map[[32]byte]*swapRecord
	confs     uint32
	initFee   uint64
	redeemFee uint64
}

var _ chain.Adapter = (*Node)(nil)

// New creates an empty simulated chain named by its symbol. Every mined
// transaction reports one confirmation until SetConfs raises it.
func New(name string, clock util.Clock) *Node {
	return &Node{
		name:      name,
		clock:     clock,
		balances:  make(map[string]uint64),
		txs:       make(map[string]*txRecord),
		swaps:     make(map[[32]byte]*swapRecord),
		confs:     1,
		initFee:   1000,
		redeemFee: 500,
	}
}

// Fund credits an address out of thin air.
func (n *Node) Fund(addr string, value uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[lower(addr)] += value
}

// SetConfs sets the confirmation count reported for every transaction.
func (n *Node) SetConfs(c uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confs = c
}

func (n *Node) Name() string { return n.name }

func (n *Node) Address(priv *ecdsa.PrivateKey) string {
	return crypto.NewSigner(priv).Address().Hex()
}

func (n *Node) Balance(_ context.Context, address string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[lower(address)], nil
}

func (n *Node) SignMessage(digest []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.NewSigner(priv).Sign(digest)
}

func (n *Node) Recover(digest, sig []byte) (string, error) {
	addr, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func (n *Node) InitFee(context.Context) (uint64, error)   { return n.initFee, nil }
func (n *Node) RedeemFee(context.Context) (uint64, error) { return n.redeemFee, nil }

func (n *Node) Send(_ context.Context, value uint64, to string, priv *ecdsa.PrivateKey) (string, error) {
	from := lower(n.Address(priv))
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.balances[from] < value {
		return "", fmt.Errorf("%w: balance %d below %d", chain.ErrSubmission, n.balances[from], value)
	}
	n.balances[from] -= value
	n.balances[lower(to)] += value
	return n.mine(&txRecord{kind: txSend, to: to, value: value}), nil
}

func (n *Node) InitiateSwap(_ context.Context, p chain.SwapParams, priv *ecdsa.PrivateKey) (string, error) {
	return n.lock(p, priv, chain.InitiateLockDuration, txInit)
}

func (n *Node) ParticipateSwap(_ context.Context, p chain.SwapParams, priv *ecdsa.PrivateKey) (string, error) {
	return n.lock(p, priv, chain.ParticipateLockDuration, txParticipate)
}

func (n *Node) lock(p chain.SwapParams, priv *ecdsa.PrivateKey, d time.Duration, kind txKind) (string, error) {
	from := lower(n.Address(priv))
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.swaps[p.HashedSecret]; exists {
		return "", fmt.Errorf("%w: duplicate hashed secret", chain.ErrSubmission)
	}
	if n.balances[from] < p.Value {
		return "", fmt.Errorf("%w: balance %d below %d", chain.ErrSubmission, n.balances[from], p.Value)
	}
	n.balances[from] -= p.Value
	rec := &swapRecord{
		initiator:    from,
		participant:  lower(p.Participant),
		value:        p.Value,
		hashedSecret: p.HashedSecret,
		timestamp:    n.clock.Now(),
		lock:         d,
	}
	n.swaps[p.HashedSecret] = rec
	return n.mine(&txRecord{kind: kind, swap: rec}), nil
}

func (n *Node) RedeemSwap(_ context.Context, secret, hashedSecret [32]byte, priv *ecdsa.PrivateKey) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.swaps[hashedSecret]
	if !ok {
		return "", fmt.Errorf("%w: no swap for hashed secret", chain.ErrSubmission)
	}
	if rec.spent {
		return "", fmt.Errorf("%w: swap already spent", chain.ErrSubmission)
	}
	if sha256.Sum256(secret[:]) != hashedSecret {
		return "", fmt.Errorf("%w: wrong secret", chain.ErrSubmission)
	}
	redeemer := lower(n.Address(priv))
	if redeemer != rec.participant {
		return "", fmt.Errorf("%w: %s is not the swap participant", chain.ErrSubmission, redeemer)
	}
	rec.spent = true
	rec.redeemed = true
	rec.secret = secret
	n.balances[rec.participant] += rec.value
	return n.mine(&txRecord{kind: txRedeem, swap: rec, secret: secret}), nil
}

func (n *Node) FindRedemption(_ context.Context, hashedSecret [32]byte) (*chain.RedeemInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.swaps[hashedSecret]
	if !ok || !rec.redeemed {
		return nil, chain.ErrTxNotFound
	}
	return &chain.RedeemInfo{
		Success:      true,
		Secret:       rec.secret,
		HashedSecret: rec.hashedSecret,
		Recipient:    rec.participant,
		Value:        rec.value,
	}, nil
}

func (n *Node) RefundSwap(_ context.Context, hashedSecret [32]byte, priv *ecdsa.PrivateKey) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.swaps[hashedSecret]
	if !ok {
		return "", fmt.Errorf("%w: no swap for hashed secret", chain.ErrSubmission)
	}
	if rec.spent {
		return "", fmt.Errorf("%w: swap already spent", chain.ErrSubmission)
	}
	if n.clock.Now().Before(rec.timestamp.Add(rec.lock)) {
		return "", fmt.Errorf("%w: refund window not open", chain.ErrSubmission)
	}
	refunder := lower(n.Address(priv))
	if refunder != rec.initiator {
		return "", fmt.Errorf("%w: %s did not fund this swap", chain.ErrSubmission, refunder)
	}
	rec.spent = true
	n.balances[rec.initiator] += rec.value
	return n.mine(&txRecord{kind: txRefund, swap: rec}), nil
}

func (n *Node) SwapInitTx(_ context.Context, txid string) (*chain.SwapInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tx, ok := n.txs[txid]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	if tx.kind != txInit && tx.kind != txParticipate {
		return nil, chain.ErrNotSwap
	}
	return &chain.SwapInfo{
		Success:       true,
		Confirmations: n.confs,
		Recipient:     tx.swap.participant,
		Value:         tx.swap.value,
		Timestamp:     tx.swap.timestamp,
		RefundTime:    tx.swap.lock,
		Spent:         tx.swap.spent,
		HashedSecret:  tx.swap.hashedSecret,
	}, nil
}

func (n *Node) SwapRedeemTx(_ context.Context, txid string) (*chain.RedeemInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tx, ok := n.txs[txid]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	if tx.kind != txRedeem {
		return nil, chain.ErrNotSwap
	}
	return &chain.RedeemInfo{
		Success:      true,
		Secret:       tx.secret,
		HashedSecret: tx.swap.hashedSecret,
		Recipient:    tx.swap.participant,
		Value:        tx.swap.value,
	}, nil
}

func (n *Node) SwapRefundTx(_ context.Context, txid string) (*chain.RefundInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tx, ok := n.txs[txid]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	if tx.kind != txRefund {
		return nil, chain.ErrNotSwap
	}
	return &chain.RefundInfo{
		Success:      true,
		HashedSecret: tx.swap.hashedSecret,
		Recipient:    tx.swap.initiator,
		Value:        tx.swap.value,
	}, nil
}

func (n *Node) Confirmations(_ context.Context, txid string) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.txs[txid]; !ok {
		return 0, chain.ErrTxNotFound
	}
	return n.confs, nil
}

// mine stores a transaction under a fresh random id. Callers hold n.mu.
func (n *Node) mine(tx *txRecord) string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	tx.minedAt = n.clock.Now()
	txid := "0x" + hex.EncodeToString(crypto.Keccak256(raw[:]))
	n.txs[txid] = tx
	return txid
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
