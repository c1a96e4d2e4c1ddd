// Package api serves the local UI: a read-mostly REST surface over the
// order books and trade history, plus a websocket feed of book updates.
// It binds to localhost; the relay never sees it.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/silvermint/swapd/pkg/core"
	"github.com/silvermint/swapd/pkg/storage"
)

// MarketHandle bundles everything the API needs for one market.
type MarketHandle struct {
	Market      *core.Market
	Engine      *core.Engine
	CoinAddress string
	BaseAddress string
}

type Server struct {
	markets map[string]*MarketHandle
	store   *storage.Store
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
}

func NewServer(markets map[string]*MarketHandle, store *storage.Store, log *zap.SugaredLogger) *Server {
	s := &Server{
		markets: markets,
		store:   store,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleMarkets).Methods("GET")
	api.HandleFunc("/markets/{id}/book", s.handleBook).Methods("GET")
	api.HandleFunc("/markets/{id}/trades", s.handleTrades).Methods("GET")
	api.HandleFunc("/markets/{id}/history", s.handleHistory).Methods("GET")

	api.HandleFunc("/listings", s.handleSubmitListing).Methods("POST")
	api.HandleFunc("/listings/cancel", s.handleCancelListing).Methods("POST")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Run serves until ctx is cancelled. Book snapshots are pushed to
// websocket clients on a fixed cadence.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run()
	go s.pushBooks(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.log.Infow("server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) pushBooks(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, h := range s.markets {
				bids, asks := h.Market.Snapshot()
				upd := bookUpdate{
					Type:   "book",
					Market: id,
					Bids:   levels(bids),
					Asks:   levels(asks),
				}
				if raw, err := json.Marshal(upd); err == nil {
					s.hub.Broadcast(raw)
				}
			}
		}
	}
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]MarketInfo, 0, len(s.markets))
	for id, h := range s.markets {
		coinEsc, baseEsc := h.Market.Escrowed()
		out = append(out, MarketInfo{
			ID:          id,
			Coin:        h.Market.Coin,
			Base:        h.Market.Base,
			EscrowCoin:  coinEsc,
			EscrowBase:  baseEsc,
			CoinAddress: h.CoinAddress,
			BaseAddress: h.BaseAddress,
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	h, ok := s.markets[mux.Vars(r)["id"]]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown market", "")
		return
	}
	bids, asks := h.Market.Snapshot()
	respondJSON(w, BookResponse{
		Market: h.Market.ID,
		Bids:   levels(bids),
		Asks:   levels(asks),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	h, ok := s.markets[mux.Vars(r)["id"]]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown market", "")
		return
	}
	trades := h.Market.Trades(h.CoinAddress)
	out := make([]TradeInfo, 0, len(trades))
	for _, t := range trades {
		out = append(out, TradeInfo{
			Market: h.Market.ID,
			Side:   t.Type.String(),
			Amount: t.Amount,
			Price:  t.Price,
			State:  t.StatusName,
			Offer:  t.OfferHash,
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.markets[id]; !ok {
		respondError(w, http.StatusNotFound, "unknown market", "")
		return
	}
	records, err := s.store.Trades(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history unavailable", err.Error())
		return
	}
	respondJSON(w, records)
}

func (s *Server) handleSubmitListing(w http.ResponseWriter, r *http.Request) {
	var req ListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad request", err.Error())
		return
	}
	h, bid, ok := s.resolve(w, req.Market, req.Side)
	if !ok {
		return
	}
	l, err := h.Engine.SubmitListing(r.Context(), bid, req.Amount, req.Min, req.Price)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "listing rejected", err.Error())
		return
	}
	respondJSON(w, map[string]string{"hash": l.Hash})
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad request", err.Error())
		return
	}
	h, ok := s.markets[req.Market]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown market", "")
		return
	}
	if err := h.Engine.CancelListing(r.Context(), req.Listing); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "cancel rejected", err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad request", err.Error())
		return
	}
	h, bid, ok := s.resolve(w, req.Market, req.Side)
	if !ok {
		return
	}
	offers, err := h.Engine.SubmitOrder(r.Context(), bid, req.Price, req.Amount, req.Min)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "order rejected", err.Error())
		return
	}
	hashes := make([]string, len(offers))
	for i, o := range offers {
		hashes[i] = o.Hash
	}
	respondJSON(w, map[string]any{"offers": hashes})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) resolve(w http.ResponseWriter, market, side string) (*MarketHandle, bool, bool) {
	h, ok := s.markets[market]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown market", "")
		return nil, false, false
	}
	switch side {
	case "buy", "bid":
		return h, true, true
	case "sell", "ask":
		return h, false, true
	default:
		respondError(w, http.StatusBadRequest, "bad side", side)
		return nil, false, false
	}
}

func levels(in []core.BookLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price, Amount: l.Amount}
	}
	return out
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Detail: detail})
}
