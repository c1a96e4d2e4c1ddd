package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/silvermint/swapd/pkg/chain"
	"github.com/silvermint/swapd/pkg/core/message"
	"github.com/silvermint/swapd/pkg/crypto"
	"github.com/silvermint/swapd/pkg/util"
)

// Sender delivers a signed message to the relay.
type Sender interface {
	Send(m any) error
}

// Keyring is the key-unlock collaborator: it produces a signer for a
// chain symbol, interactively obtaining the passphrase if the key is not
// already cached for the session.
type Keyring interface {
	Unlock(ctx context.Context, symbol string) (*crypto.Signer, error)
}

// Recorder receives each swap exactly once, after it reaches a terminal
// state. Called from the engine goroutine; implementations must not call
// back into the engine.
type Recorder interface {
	RecordSwap(market string, o *SwapOffer)
}

// EngineConfig tunes the per-market engine.
type EngineConfig struct {
	// PollInterval between confirmation sweeps over in-flight offers.
	PollInterval time.Duration
	// RequireConfs before a counterparty transaction is acted on.
	RequireConfs uint32
	// RetryDelay before a failed chain submission is attempted again.
	RetryDelay time.Duration
}

// DefaultEngineConfig matches the protocol's nominal timings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval: 30 * time.Second,
		RequireConfs: 1,
		RetryDelay:   time.Minute,
	}
}

// Engine drives one market: it routes inbound relay messages, produces
// and signs outbound ones, and advances in-flight swaps by polling the
// two chain adapters. All book and offer mutation is committed through
// the market's lock; chain I/O happens outside it, guarded by each
// offer's step counter.
type Engine struct {
	mkt   *Market
	msgs  chan any
	coin  chain.Adapter
	base  chain.Adapter
	keys  Keyring
	relay Sender
	clock util.Clock
	cfg   EngineConfig
	rec   Recorder
	log   *zap.SugaredLogger
}

// NewEngine wires an engine for one market. coin and base are the chain
// adapters for the market's two assets.
func NewEngine(mkt *Market, coin, base chain.Adapter, keys Keyring, relay Sender,
	clock util.Clock, cfg EngineConfig, log *zap.SugaredLogger) *Engine {
	return &Engine{
		mkt:   mkt,
		msgs:  make(chan any, 64),
		coin:  coin,
		base:  base,
		keys:  keys,
		relay: relay,
		clock: clock,
		cfg:   cfg,
		log:   log.Named(mkt.ID),
	}
}

// Market exposes the engine's aggregate for the status API.
func (e *Engine) Market() *Market { return e.mkt }

// SetRecorder installs the trade-history sink. Must be called before Run.
func (e *Engine) SetRecorder(r Recorder) { e.rec = r }

// fundingChain returns the adapter for the side a listing owner pays
// from: the base chain for a bid (buying coin with base), the coin chain
// for an ask.
func (e *Engine) fundingChain(bid bool) chain.Adapter {
	if bid {
		return e.base
	}
	return e.coin
}

// initChain is the chain carrying the initiate leg (funded by the
// listing owner); partChain carries the participate leg.
func (e *Engine) initChain(l *message.Listing) chain.Adapter { return e.fundingChain(l.Bid()) }
func (e *Engine) partChain(l *message.Listing) chain.Adapter { return e.fundingChain(!l.Bid()) }

// Deliver queues an inbound relay message for the engine loop. It is
// the only entry point the transport should use; handling and polling
// are serialized on one goroutine so offer state never sees concurrent
// mutation.
func (e *Engine) Deliver(m any) {
	e.msgs <- m
}

// Run processes inbound messages and polls in-flight offers until the
// context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.log.Infow("engine_started", "poll_interval", e.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Infow("engine_stopped")
			return
		case m := <-e.msgs:
			if err := e.HandleMessage(ctx, m); err != nil {
				e.log.Warnw("message_rejected", "type", fmt.Sprintf("%T", m), "err", err)
			}
		case <-e.clock.After(e.cfg.PollInterval):
			e.Poll(ctx)
		}
	}
}

// Poll runs one confirmation sweep. Exposed for tests and for a final
// sweep during shutdown.
func (e *Engine) Poll(ctx context.Context) {
	for _, o := range e.mkt.InFlight() {
		if err := e.advance(ctx, o); err != nil {
			e.log.Warnw("offer_advance_failed", "offer", o.Msg.Hash,
				"state", o.State.String(), "err", err)
		}
	}
}

// HandleMessage routes one verified-on-arrival relay message. Validation
// failures are returned to the caller for the error channel; they never
// abort the engine.
func (e *Engine) HandleMessage(ctx context.Context, m any) error {
	switch msg := m.(type) {
	case *message.Listing:
		return e.handleListing(ctx, msg)
	case *message.Cancel:
		return e.handleCancel(msg)
	case *message.Offer:
		return e.handleOffer(ctx, msg)
	case *message.Accept:
		return e.handleAccept(msg)
	case *message.Participate:
		return e.handleStep(msg, msg.Accept, msg.Hash, func(o *SwapOffer) {
			if o.Participate == nil {
				o.Participate = msg
			}
		})
	case *message.Redeem:
		return e.handleStep(msg, msg.Participate, msg.Hash, func(o *SwapOffer) {
			if o.Redeem == nil {
				o.Redeem = msg
			}
		})
	case *message.Finish:
		return e.handleStep(msg, msg.Redeem, msg.Hash, func(o *SwapOffer) {
			if o.Finish == nil {
				o.Finish = msg
			}
		})
	case *message.Refund:
		return e.handleStep(msg, msg.Swap, msg.Hash, func(o *SwapOffer) {
			if o.Refund == nil {
				o.Refund = msg
			}
		})
	}
	return fmt.Errorf("unroutable message type %T", m)
}

func (e *Engine) handleListing(ctx context.Context, l *message.Listing) error {
	if err := message.VerifyListing(l); err != nil {
		return err
	}
	if err := message.VerifyListingBalance(ctx, e.fundingChain(l.Bid()), l); err != nil {
		return err
	}
	_, err := e.mkt.AddListing(l, false)
	return err
}

func (e *Engine) handleCancel(c *message.Cancel) error {
	entry := e.mkt.Listing(c.Listing)
	if entry == nil {
		return nil // already gone, cancel is idempotent
	}
	if err := message.VerifyGenSig(c); err != nil {
		return err
	}
	if !strings.EqualFold(c.Address, entry.Msg.Address) {
		return fmt.Errorf("%w: cancel from %s for listing owned by %s",
			message.ErrInvalidSignature, c.Address, entry.Msg.Address)
	}
	e.mkt.RemoveListing(c.Listing)
	return nil
}

// handleOffer is the maker path: an inbound offer against one of our
// resting listings. On success we commit funds to the initiate leg and
// answer with a signed accept carrying its txid.
func (e *Engine) handleOffer(ctx context.Context, o *message.Offer) error {
	entry := e.mkt.Listing(o.Listing)
	if entry == nil || !entry.Mine {
		return nil // not addressed to us
	}
	if entry.Cancelling {
		return nil
	}
	l := entry.Msg
	if err := message.VerifyOffer(o, l); err != nil {
		return err
	}
	if e.clock.Now().Unix() >= o.Timestamp+o.Duration {
		return fmt.Errorf("%w: offer expired", message.ErrInvalidMessage)
	}
	if o.Amount > entry.Remaining {
		return fmt.Errorf("%w: offer %d exceeds remaining %d",
			message.ErrInvalidMessage, o.Amount, entry.Remaining)
	}
	if err := message.VerifyOfferBalance(ctx, e.partChain(l), o, l); err != nil {
		return err
	}

	signer, err := e.keys.Unlock(ctx, e.initChain(l).Name())
	if err != nil {
		return fmt.Errorf("unlocking %s key: %w", e.initChain(l).Name(), err)
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return fmt.Errorf("generating swap secret: %w", err)
	}
	hashed := sha256.Sum256(secret[:])

	value := message.RequiredFunds(l.Bid(), o.Amount, l.Price)
	txid, err := e.initChain(l).InitiateSwap(ctx, chain.SwapParams{
		Value:        value,
		Participant:  o.RedeemAddress,
		HashedSecret: hashed,
	}, signer.PrivateKey())
	if err != nil {
		return fmt.Errorf("%w: initiate: %v", chain.ErrSubmission, err)
	}

	accept := &message.Accept{
		Act:       message.ActAccept,
		Offer:     o.Hash,
		Amount:    o.Amount,
		Timestamp: e.clock.Now().Unix(),
		Hash:      txid,
	}
	if err := message.SignStep(accept, signer); err != nil {
		return err
	}

	if err := e.mkt.CommitFill(entry, o.Amount); err != nil {
		return err
	}
	so := &SwapOffer{
		Msg:          o,
		Accept:       accept,
		Listing:      entry,
		State:        OfferAccepted,
		Secret:       secret,
		HashedSecret: hashed,
	}
	e.mkt.RegisterOffer(so)
	e.mkt.IndexOfferHash(txid, so)

	e.log.Infow("offer_accepted", "offer", o.Hash, "amount", o.Amount,
		"initiate_tx", txid, "chain", e.initChain(l).Name())
	return e.relay.Send(accept)
}

// handleAccept is the taker path: the listing owner accepted our offer.
// The initiate transaction is verified by the poll loop once it has
// confirmations; here we only authenticate and record the message.
func (e *Engine) handleAccept(a *message.Accept) error {
	o := e.mkt.OfferByHash(a.Offer)
	if o == nil || !o.Mine {
		return nil
	}
	if err := message.VerifyStepSig(a, o.Listing.Msg.Address); err != nil {
		return err
	}
	e.mkt.Attach(o, func(so *SwapOffer) {
		if so.State != OfferMatched {
			return
		}
		so.Accept = a
		so.State = OfferAccepted
	})
	e.mkt.IndexOfferHash(a.Hash, o)
	e.log.Infow("offer_accept_received", "offer", o.Msg.Hash, "initiate_tx", a.Hash)
	return nil
}

// handleStep authenticates and attaches a later swap-step message. The
// signer must be the counterparty of whichever role we hold; step
// messages are signed with the key of the chain they act on, so either
// of the counterparty's two addresses is acceptable. The first
// authenticated message per step wins; repeats never replace it. The
// poll loop does the on-chain verification before any state moves.
func (e *Engine) handleStep(m message.StepMessage, ref, txid string, attach func(*SwapOffer)) error {
	o := e.mkt.OfferByHash(ref)
	if o == nil {
		return nil
	}
	expected, expectedRedeem := o.Listing.Msg.Address, o.Listing.Msg.RedeemAddress
	if !o.Mine {
		expected, expectedRedeem = o.Msg.Address, o.Msg.RedeemAddress
	}
	if err := message.VerifyStepSig(m, expected); err != nil {
		if err2 := message.VerifyStepSig(m, expectedRedeem); err2 != nil {
			return err
		}
	}
	e.mkt.Attach(o, attach)
	e.mkt.IndexOfferHash(txid, o)
	return nil
}

// SubmitListing signs and posts a resting listing funded by our own
// balance, net of what existing listings already escrow.
func (e *Engine) SubmitListing(ctx context.Context, bid bool, amount, min, price uint64) (*message.Listing, error) {
	node := e.fundingChain(bid)
	signer, err := e.keys.Unlock(ctx, node.Name())
	if err != nil {
		return nil, fmt.Errorf("unlocking %s key: %w", node.Name(), err)
	}
	redeemNode := e.fundingChain(!bid)
	redeemSigner, err := e.keys.Unlock(ctx, redeemNode.Name())
	if err != nil {
		return nil, fmt.Errorf("unlocking %s key: %w", redeemNode.Name(), err)
	}

	act := message.ActAsk
	if bid {
		act = message.ActBid
	}
	l := &message.Listing{
		Act:           act,
		Address:       node.Address(signer.PrivateKey()),
		RedeemAddress: redeemNode.Address(redeemSigner.PrivateKey()),
		Amount:        amount,
		Min:           min,
		Price:         price,
		MarketID:      e.mkt.ID,
		Timestamp:     e.clock.Now().Unix(),
	}
	if err := message.SignGen(l, signer); err != nil {
		return nil, err
	}
	if err := message.VerifyListing(l); err != nil {
		return nil, err
	}
	if err := e.verifyFundsNet(ctx, node, l.Address, bid,
		message.RequiredFunds(bid, amount, price)); err != nil {
		return nil, err
	}
	if _, err := e.mkt.AddListing(l, true); err != nil {
		return nil, err
	}
	if err := e.relay.Send(l); err != nil {
		return nil, err
	}
	e.log.Infow("listing_submitted", "act", string(act), "hash", l.Hash,
		"amount", amount, "price", price)
	return l, nil
}

// verifyFundsNet checks balance coverage including what our other
// resting listings already spoke for on the same asset.
func (e *Engine) verifyFundsNet(ctx context.Context, node chain.Adapter, addr string, bid bool, required uint64) error {
	escCoin, escBase := e.mkt.Escrowed()
	escrowed := escCoin
	if bid {
		escrowed = escBase
	}
	fee, err := node.InitFee(ctx)
	if err != nil {
		return fmt.Errorf("fee estimate for %s: %w", node.Name(), err)
	}
	bal, err := node.Balance(ctx, addr)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", addr, err)
	}
	if bal < required+fee+escrowed {
		return fmt.Errorf("%w: balance %d, need %d (%d already escrowed)",
			message.ErrInsufficientFunds, bal, required+fee+escrowed, escrowed)
	}
	return nil
}

// CancelListing signs a cancel for one of our listings and removes it
// optimistically; the relay is not waited on.
func (e *Engine) CancelListing(ctx context.Context, hash string) error {
	entry := e.mkt.Listing(hash)
	if entry == nil || !entry.Mine {
		return fmt.Errorf("no own listing %s", hash)
	}
	node := e.fundingChain(entry.Msg.Bid())
	signer, err := e.keys.Unlock(ctx, node.Name())
	if err != nil {
		return fmt.Errorf("unlocking %s key: %w", node.Name(), err)
	}
	c := &message.Cancel{
		Act:       message.ActCancel,
		Address:   entry.Msg.Address,
		Listing:   hash,
		Timestamp: e.clock.Now().Unix(),
	}
	if err := message.SignGen(c, signer); err != nil {
		return err
	}
	e.mkt.MarkCancelling(hash)
	if err := e.relay.Send(c); err != nil {
		return err
	}
	e.mkt.RemoveListing(hash)
	e.log.Infow("listing_cancelled", "hash", hash)
	return nil
}

// SubmitOrder matches a taker intent against the opposing book and sends
// one signed offer per match. bid is the taker's direction.
func (e *Engine) SubmitOrder(ctx context.Context, bid bool, price, amount, min uint64) ([]*message.Offer, error) {
	// The taker funds the side the matched listings are not on.
	node := e.fundingChain(bid)
	signer, err := e.keys.Unlock(ctx, node.Name())
	if err != nil {
		return nil, fmt.Errorf("unlocking %s key: %w", node.Name(), err)
	}
	redeemNode := e.fundingChain(!bid)
	redeemSigner, err := e.keys.Unlock(ctx, redeemNode.Name())
	if err != nil {
		return nil, fmt.Errorf("unlocking %s key: %w", redeemNode.Name(), err)
	}

	ord := &TakerOrder{
		Address:       node.Address(signer.PrivateKey()),
		RedeemAddress: redeemNode.Address(redeemSigner.PrivateKey()),
		Price:         price,
		Amount:        amount,
		Min:           min,
	}
	matches := e.mkt.FindMatches(ord, bid, e.clock.Now().Unix())
	for _, o := range matches {
		if err := message.SignGen(o, signer); err != nil {
			return nil, err
		}
		entry := e.mkt.Listing(o.Listing)
		if entry == nil {
			continue
		}
		so := &SwapOffer{Msg: o, Listing: entry, State: OfferMatched, Mine: true}
		e.mkt.RegisterOffer(so)
		if err := e.relay.Send(o); err != nil {
			return matches, err
		}
		e.log.Infow("offer_sent", "listing", o.Listing, "amount", o.Amount, "hash", o.Hash)
	}
	return matches, nil
}

// advance moves one offer at most one state forward, guarded by its step
// counter so a concurrent tick can never double-submit.
func (e *Engine) advance(ctx context.Context, o *SwapOffer) error {
	now := e.clock.Now()
	if !o.NextRetry.IsZero() && now.Before(o.NextRetry) {
		return nil
	}
	step := o.Step
	var err error
	if o.Mine {
		err = e.advanceTaker(ctx, o, step, now)
	} else {
		err = e.advanceMaker(ctx, o, step, now)
	}
	if err != nil && errors.Is(err, chain.ErrSubmission) {
		e.recordRetry(o, err, now)
	}
	if o.State.Terminal() && !o.Recorded {
		e.mkt.Attach(o, func(so *SwapOffer) { so.Recorded = true })
		if e.rec != nil {
			e.rec.RecordSwap(e.mkt.ID, o)
		}
	}
	return err
}

func (e *Engine) recordRetry(o *SwapOffer, err error, now time.Time) {
	e.mkt.Attach(o, func(so *SwapOffer) {
		so.LastErr = err.Error()
		so.NextRetry = now.Add(e.cfg.RetryDelay)
	})
}

// advanceTaker drives the offeror side of a swap.
func (e *Engine) advanceTaker(ctx context.Context, o *SwapOffer, step uint64, now time.Time) error {
	l := o.Listing.Msg
	initChain, partChain := e.initChain(l), e.partChain(l)

	switch o.State {
	case OfferMatched:
		if o.Expired(now) {
			e.mkt.CommitStep(o, step, func(so *SwapOffer) { so.State = OfferExpired })
		}
		return nil

	case OfferAccepted:
		// Counterparty claims to have initiated; verify on chain.
		info, err := initChain.SwapInitTx(ctx, o.Accept.Hash)
		if err != nil {
			return fmt.Errorf("decoding initiate %s: %w", o.Accept.Hash, err)
		}
		if info.Confirmations < e.cfg.RequireConfs {
			return nil // wait for depth
		}
		if err := message.VerifyAcceptInfo(now, info, o.Accept, o.Msg, l); err != nil {
			// Nothing of ours is committed yet; abandon cleanly.
			e.mkt.CommitStep(o, step, func(so *SwapOffer) {
				so.State = OfferExpired
				so.LastErr = err.Error()
			})
			return err
		}
		signer, err := e.keys.Unlock(ctx, partChain.Name())
		if err != nil {
			return fmt.Errorf("unlocking %s key: %w", partChain.Name(), err)
		}
		value := message.RequiredFunds(!l.Bid(), o.Accept.Amount, l.Price)
		txid, err := partChain.ParticipateSwap(ctx, chain.SwapParams{
			Value:        value,
			Participant:  l.RedeemAddress,
			HashedSecret: info.HashedSecret,
		}, signer.PrivateKey())
		if err != nil {
			return fmt.Errorf("%w: participate: %v", chain.ErrSubmission, err)
		}
		part := &message.Participate{
			Act:       message.ActParticipate,
			Accept:    o.Accept.Hash,
			Timestamp: now.Unix(),
			Hash:      txid,
		}
		if err := message.SignStep(part, signer); err != nil {
			return err
		}
		if e.mkt.CommitStep(o, step, func(so *SwapOffer) {
			so.AcceptInfo = info
			so.HashedSecret = info.HashedSecret
			so.Participate = part
			so.State = OfferInitiated
		}) {
			e.mkt.IndexOfferHash(txid, o)
			e.log.Infow("swap_participated", "offer", o.Msg.Hash,
				"participate_tx", txid, "chain", partChain.Name())
			return e.relay.Send(part)
		}
		return nil

	case OfferInitiated:
		// Confirm our own participate leg.
		info, err := partChain.SwapInitTx(ctx, o.Participate.Hash)
		if err != nil {
			return fmt.Errorf("decoding participate %s: %w", o.Participate.Hash, err)
		}
		if !info.Success {
			return fmt.Errorf("participate transaction %s failed", o.Participate.Hash)
		}
		if info.Confirmations < e.cfg.RequireConfs {
			return nil
		}
		e.mkt.CommitStep(o, step, func(so *SwapOffer) {
			so.ParticipateInfo = info
			so.State = OfferParticipated
		})
		return nil

	case OfferParticipated:
		if o.Redeem != nil {
			rinfo, err := partChain.SwapRedeemTx(ctx, o.Redeem.Hash)
			if err == nil && message.VerifyRedeemInfo(rinfo, o.AcceptInfo) == nil {
				e.mkt.CommitStep(o, step, func(so *SwapOffer) {
					so.RedeemInfo = rinfo
					so.State = OfferRedeemed
				})
				return nil
			}
			// A redeem message that fails to decode or verify does not
			// block recovery; the chain watch below is authoritative.
		}
		// The relay cannot be trusted to deliver the redeem message. A
		// spent participate leg means the secret is already on chain;
		// read it out of contract state and proceed.
		info, err := partChain.SwapInitTx(ctx, o.Participate.Hash)
		if err != nil {
			return fmt.Errorf("decoding participate %s: %w", o.Participate.Hash, err)
		}
		if info.Spent {
			rinfo, err := partChain.FindRedemption(ctx, o.HashedSecret)
			if err != nil {
				// Spent without a redemption is our own refund landing.
				return nil
			}
			if err := message.VerifyRedeemInfo(rinfo, o.AcceptInfo); err != nil {
				return err
			}
			e.mkt.CommitStep(o, step, func(so *SwapOffer) {
				so.RedeemInfo = rinfo
				so.State = OfferRedeemed
			})
			e.log.Infow("swap_secret_recovered", "offer", o.Msg.Hash,
				"chain", partChain.Name())
			return nil
		}
		return e.maybeRefund(ctx, o, step, now, partChain, o.Participate.Hash)

	case OfferRedeemed:
		// The secret is public; claim the initiate leg.
		signer, err := e.keys.Unlock(ctx, initChain.Name())
		if err != nil {
			return fmt.Errorf("unlocking %s key: %w", initChain.Name(), err)
		}
		txid, err := initChain.RedeemSwap(ctx, o.RedeemInfo.Secret, o.HashedSecret, signer.PrivateKey())
		if err != nil {
			return fmt.Errorf("%w: redeem: %v", chain.ErrSubmission, err)
		}
		// A secret recovered from contract state carries no redeem txid;
		// reference the initiate leg instead, which both sides index.
		ref := o.Accept.Hash
		if o.Redeem != nil {
			ref = o.Redeem.Hash
		}
		fin := &message.Finish{
			Act:       message.ActFinish,
			Redeem:    ref,
			Timestamp: now.Unix(),
			Hash:      txid,
		}
		if err := message.SignStep(fin, signer); err != nil {
			return err
		}
		if e.mkt.CommitStep(o, step, func(so *SwapOffer) {
			so.Finish = fin
			so.State = OfferFinished
		}) {
			e.mkt.IndexOfferHash(txid, o)
			e.log.Infow("swap_finished", "offer", o.Msg.Hash, "redeem_tx", txid)
			return e.relay.Send(fin)
		}
		return nil
	}
	return nil
}

// advanceMaker drives the listing-owner side of a swap.
func (e *Engine) advanceMaker(ctx context.Context, o *SwapOffer, step uint64, now time.Time) error {
	l := o.Listing.Msg
	initChain, partChain := e.initChain(l), e.partChain(l)

	switch o.State {
	case OfferAccepted:
		// Wait for our own initiate to confirm.
		info, err := initChain.SwapInitTx(ctx, o.Accept.Hash)
		if err != nil {
			return fmt.Errorf("decoding own initiate %s: %w", o.Accept.Hash, err)
		}
		if !info.Success {
			return fmt.Errorf("initiate transaction %s failed", o.Accept.Hash)
		}
		if info.Confirmations < e.cfg.RequireConfs {
			return nil
		}
		e.mkt.CommitStep(o, step, func(so *SwapOffer) {
			so.AcceptInfo = info
			so.State = OfferInitiated
		})
		return nil

	case OfferInitiated:
		if o.Participate == nil {
			return e.maybeRefund(ctx, o, step, now, initChain, o.Accept.Hash)
		}
		part, err := partChain.SwapInitTx(ctx, o.Participate.Hash)
		if err != nil {
			return fmt.Errorf("decoding participate %s: %w", o.Participate.Hash, err)
		}
		if part.Confirmations < e.cfg.RequireConfs {
			return nil
		}
		if err := message.VerifyParticipateInfo(now, part, o.AcceptInfo, l); err != nil {
			// Our initiate is committed; sit on it and refund once
			// the window opens.
			if rerr := e.maybeRefund(ctx, o, step, now, initChain, o.Accept.Hash); rerr != nil {
				return rerr
			}
			return err
		}
		signer, err := e.keys.Unlock(ctx, partChain.Name())
		if err != nil {
			return fmt.Errorf("unlocking %s key: %w", partChain.Name(), err)
		}
		txid, err := partChain.RedeemSwap(ctx, o.Secret, o.HashedSecret, signer.PrivateKey())
		if err != nil {
			return fmt.Errorf("%w: redeem: %v", chain.ErrSubmission, err)
		}
		red := &message.Redeem{
			Act:         message.ActRedeem,
			Participate: o.Participate.Hash,
			Timestamp:   now.Unix(),
			Hash:        txid,
		}
		if err := message.SignStep(red, signer); err != nil {
			return err
		}
		if e.mkt.CommitStep(o, step, func(so *SwapOffer) {
			so.ParticipateInfo = part
			so.Redeem = red
			so.State = OfferRedeemed
		}) {
			e.mkt.IndexOfferHash(txid, o)
			e.log.Infow("swap_redeemed", "offer", o.Msg.Hash,
				"redeem_tx", txid, "chain", partChain.Name())
			return e.relay.Send(red)
		}
		return nil

	case OfferRedeemed:
		if o.Finish != nil {
			e.mkt.CommitStep(o, step, func(so *SwapOffer) { so.State = OfferFinished })
			return nil
		}
		// No finish message; watch the initiate leg directly.
		info, err := initChain.SwapInitTx(ctx, o.Accept.Hash)
		if err != nil {
			return fmt.Errorf("decoding own initiate %s: %w", o.Accept.Hash, err)
		}
		if info.Spent {
			e.mkt.CommitStep(o, step, func(so *SwapOffer) { so.State = OfferFinished })
			return nil
		}
		return e.maybeRefund(ctx, o, step, now, initChain, o.Accept.Hash)
	}
	return nil
}

// maybeRefund reclaims our own leg once its deadline has passed and it
// is still unspent. The leg is re-read from the chain here so the
// decision never rides a stale Spent snapshot. Refunding is always
// locally safe; it is never gated on counterparty state.
func (e *Engine) maybeRefund(ctx context.Context, o *SwapOffer, step uint64, now time.Time,
	node chain.Adapter, legTx string) error {
	info, err := node.SwapInitTx(ctx, legTx)
	if err != nil {
		return fmt.Errorf("decoding leg %s: %w", legTx, err)
	}
	if info.Spent || now.Before(info.Deadline()) {
		return nil
	}
	signer, err := e.keys.Unlock(ctx, node.Name())
	if err != nil {
		return fmt.Errorf("unlocking %s key: %w", node.Name(), err)
	}
	txid, err := node.RefundSwap(ctx, o.HashedSecret, signer.PrivateKey())
	if err != nil {
		return fmt.Errorf("%w: refund: %v", chain.ErrSubmission, err)
	}
	ref := &message.Refund{
		Act:       message.ActRefund,
		Swap:      legTx,
		Timestamp: now.Unix(),
		Hash:      txid,
	}
	if err := message.SignStep(ref, signer); err != nil {
		return err
	}
	if e.mkt.CommitStep(o, step, func(so *SwapOffer) {
		so.Refund = ref
		so.State = OfferRefunded
	}) {
		e.mkt.IndexOfferHash(txid, o)
		e.log.Infow("swap_refunded", "offer", o.Msg.Hash,
			"refund_tx", txid, "chain", node.Name())
		return e.relay.Send(ref)
	}
	return nil
}
