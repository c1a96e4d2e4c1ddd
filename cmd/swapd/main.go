package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/silvermint/swapd/params"
	"github.com/silvermint/swapd/pkg/api"
	"github.com/silvermint/swapd/pkg/chain"
	"github.com/silvermint/swapd/pkg/chain/eth"
	"github.com/silvermint/swapd/pkg/chain/sim"
	"github.com/silvermint/swapd/pkg/core"
	"github.com/silvermint/swapd/pkg/core/message"
	"github.com/silvermint/swapd/pkg/keystore"
	"github.com/silvermint/swapd/pkg/relay"
	"github.com/silvermint/swapd/pkg/storage"
	"github.com/silvermint/swapd/pkg/util"
)

// deliverLater breaks the engine/relay construction cycle: the relay
// client needs a handler before the engine that consumes it exists.
type deliverLater struct {
	eng *core.Engine
}

func (d *deliverLater) Deliver(m any) {
	if d.eng != nil {
		d.eng.Deliver(m)
	}
}

// tradeRecorder appends settled swaps to the on-disk history.
type tradeRecorder struct {
	store *storage.Store
	log   *zap.SugaredLogger
}

func (r *tradeRecorder) RecordSwap(market string, o *core.SwapOffer) {
	l := o.Listing.Msg
	side := "sell"
	if (o.Mine && l.Act == message.ActAsk) || (!o.Mine && l.Act == message.ActBid) {
		side = "buy"
	}
	amount := o.Msg.Amount
	if o.Accept != nil {
		amount = o.Accept.Amount
	}
	rec := &storage.TradeRecord{
		Market:    market,
		Side:      side,
		Amount:    amount,
		Price:     l.Price,
		State:     o.State.String(),
		OfferHash: o.Msg.Hash,
		Stamp:     time.Now().Unix(),
	}
	if o.Accept != nil {
		rec.InitTxID = o.Accept.Hash
	}
	if o.Redeem != nil {
		rec.RedeemTxID = o.Redeem.Hash
	}
	if err := r.store.SaveTrade(rec); err != nil {
		r.log.Warnw("trade_record_failed", "offer", o.Msg.Hash, "err", err)
	}
}

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = filepath.Join(cfg.DataDir, "swapd.log")
	}
	logger, err := util.NewLoggerWithFile(logFile, cfg.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("starting", "log_file", logFile, "relay", cfg.RelayURL)

	store, err := storage.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Chain adapters ----
	adapters := make(map[string]chain.Adapter, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		if cc.Sim {
			node := sim.New(cc.Symbol, util.RealClock{})
			adapters[cc.Symbol] = node
			sugar.Infow("chain_ready", "symbol", cc.Symbol, "mode", "sim")
			continue
		}
		client, err := eth.NewClient(ctx, cc.Symbol, cc.RPCURL, cc.Contract)
		if err != nil {
			sugar.Fatalw("chain_dial_failed", "symbol", cc.Symbol, "err", err)
		}
		defer client.Close()
		adapters[cc.Symbol] = client
		sugar.Infow("chain_ready", "symbol", cc.Symbol, "rpc", cc.RPCURL)
	}

	// ---- Keys ----
	acct, err := store.Account(cfg.Account)
	if err != nil {
		sugar.Fatalw("account_missing", "account", cfg.Account,
			"hint", "create one with swapkey", "err", err)
	}
	unlocker := keystore.NewUnlocker(store, cfg.Account, promptPassphrase)

	// ---- Markets ----
	ecfg := core.EngineConfig{
		PollInterval: cfg.PollInterval,
		RequireConfs: cfg.RequireConfs,
		RetryDelay:   core.DefaultEngineConfig().RetryDelay,
	}
	handles := make(map[string]*api.MarketHandle, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		coin, ok := adapters[mc.Coin]
		if !ok {
			sugar.Fatalw("market_chain_missing", "market", mc.ID, "symbol", mc.Coin)
		}
		base, ok := adapters[mc.Base]
		if !ok {
			sugar.Fatalw("market_chain_missing", "market", mc.ID, "symbol", mc.Base)
		}
		coinAddr, baseAddr := acct.Addresses[mc.Coin], acct.Addresses[mc.Base]
		if coinAddr == "" || baseAddr == "" {
			sugar.Fatalw("market_keys_missing", "market", mc.ID, "account", cfg.Account)
		}

		coinSigner, err := unlocker.Unlock(ctx, mc.Coin)
		if err != nil {
			sugar.Fatalw("unlock_failed", "symbol", mc.Coin, "err", err)
		}
		baseSigner, err := unlocker.Unlock(ctx, mc.Base)
		if err != nil {
			sugar.Fatalw("unlock_failed", "symbol", mc.Base, "err", err)
		}

		mkt := core.NewMarket(mc.ID, mc.Coin, mc.Base, sugar)
		handoff := &deliverLater{}
		rc := relay.NewClient(cfg.RelayURL, mc.ID, relay.Creds{
			CoinAddress: coinAddr,
			BaseAddress: baseAddr,
			CoinSigner:  coinSigner,
			BaseSigner:  baseSigner,
		}, handoff, sugar)
		eng := core.NewEngine(mkt, coin, base, unlocker, rc, util.RealClock{}, ecfg, sugar)
		eng.SetRecorder(&tradeRecorder{store: store, log: sugar})
		handoff.eng = eng

		go eng.Run(ctx)
		go rc.Run(ctx)
		handles[mc.ID] = &api.MarketHandle{
			Market:      mkt,
			Engine:      eng,
			CoinAddress: coinAddr,
			BaseAddress: baseAddr,
		}
		sugar.Infow("market_started", "market", mc.ID)
	}

	server := api.NewServer(handles, store, sugar)
	if err := server.Run(ctx, cfg.ListenAddr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
	sugar.Info("shutdown complete")
}

func promptPassphrase(ctx context.Context) (string, error) {
	if p := os.Getenv("SWAPD_PASSPHRASE"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
