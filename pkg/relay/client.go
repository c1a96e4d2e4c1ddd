// Package relay maintains the websocket connection to the order relay.
// The relay is a dumb broker: it authenticates each client with a signed
// challenge, then forwards canonical swap messages between peers on a
// market. The client reconnects with backoff and hands every decoded
// message to the engine.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/silvermint/swapd/pkg/core/message"
	"github.com/silvermint/swapd/pkg/crypto"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxReconnectWait = time.Minute
)

// Handler receives every decoded swap message from the relay.
type Handler interface {
	Deliver(m any)
}

// Creds signs the registration challenge for both legs of the market.
type Creds struct {
	CoinAddress string
	BaseAddress string
	CoinSigner  *crypto.Signer
	BaseSigner  *crypto.Signer
}

// Client is a reconnecting relay connection for one market.
type Client struct {
	url     string
	market  string
	creds   Creds
	handler Handler
	log     *zap.SugaredLogger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(url, market string, creds Creds, handler Handler, log *zap.SugaredLogger) *Client {
	return &Client{
		url:     url,
		market:  market,
		creds:   creds,
		handler: handler,
		log:     log.Named("relay"),
	}
}

// Run dials the relay and pumps messages until ctx is cancelled,
// redialing with exponential backoff on any connection failure.
func (c *Client) Run(ctx context.Context) {
	wait := time.Second
	for {
		if err := c.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warnw("relay_disconnected", "err", err, "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	if err := c.register(conn); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	c.log.Infow("relay_connected", "url", c.url, "market", c.market)

	conn.SetReadLimit(message.MaxWireSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.mu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

// register answers the relay's challenge with signatures from both leg
// keys, proving control of the advertised addresses.
func (c *Client) register(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var ch struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(raw, &ch); err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}
	if ch.Challenge == "" {
		return fmt.Errorf("empty challenge")
	}

	coinSig, err := c.creds.CoinSigner.SignMessage([]byte(ch.Challenge))
	if err != nil {
		return err
	}
	baseSig, err := c.creds.BaseSigner.SignMessage([]byte(ch.Challenge))
	if err != nil {
		return err
	}
	reg := map[string]string{
		"act":         "register",
		"market":      c.market,
		"coinAddress": c.creds.CoinAddress,
		"baseAddress": c.creds.BaseAddress,
		"coinSig":     fmt.Sprintf("0x%x", coinSig),
		"baseSig":     fmt.Sprintf("0x%x", baseSig),
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// dispatch decodes one relay frame. Housekeeping acts are consumed here,
// swap messages go to the engine.
func (c *Client) dispatch(raw []byte) {
	var probe struct {
		Act string `json:"act"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.log.Warnw("relay_frame_rejected", "err", err)
		return
	}
	switch probe.Act {
	case "nonce", "setFeeRates":
		return
	case "err":
		c.log.Warnw("relay_error", "msg", probe.Msg)
		return
	}
	m, err := message.Decode(raw)
	if err != nil {
		c.log.Warnw("relay_message_rejected", "act", probe.Act, "err", err)
		return
	}
	c.handler.Deliver(m)
}

// Send encodes and writes one swap message. It fails when disconnected;
// the engine retries on its poll cadence.
func (c *Client) Send(m any) error {
	raw, err := message.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}
