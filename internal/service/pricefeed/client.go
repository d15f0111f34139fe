package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"ArbCore/internal/domain/models"
	domsvc "ArbCore/internal/domain/service"
	applogger "ArbCore/pkg/logger"

	"github.com/gorilla/websocket"
)

// Config for a platform price WebSocket.
type Config struct {
	Platform       string
	URL            string
	APIKey         string
	Markets        []string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Client streams price ticks from one platform WebSocket and reconnects on
// read failures until ctx is cancelled.
type Client struct {
	cfg Config
	l   *applogger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

func New(cfg Config, l *applogger.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	return &Client{cfg: cfg, l: l.With(applogger.String("platform", cfg.Platform))}
}

type subscribeMessage struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
}

type wireTick struct {
	MarketID  string  `json:"market_id"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"ts"` // ms
}

type wireMessage struct {
	Type string     `json:"type"`
	Data []wireTick `json:"data"`
}

// Run connects, subscribes and hands every tick to handle. Returns nil when
// ctx ends.
func (c *Client) Run(ctx context.Context, handle func(context.Context, models.PriceTick)) error {
	for {
		err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		c.l.Warn("price feed disconnected", applogger.Error(err), applogger.Duration("retry_in_ms", c.cfg.ReconnectDelay))

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context, handle func(context.Context, models.PriceTick)) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	if err := c.subscribe(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(sessCtx)
	go func() {
		<-sessCtx.Done()
		_ = c.Close()
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("pricefeed read: %w", err)
		}
		var m wireMessage
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		if m.Type != "price" {
			continue
		}
		for _, d := range m.Data {
			handle(ctx, models.PriceTick{
				Platform:  c.cfg.Platform,
				MarketID:  d.MarketID,
				Price:     d.Price,
				Timestamp: time.UnixMilli(d.Timestamp).UTC(),
			})
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("pricefeed url: %w", err)
	}
	if c.cfg.APIKey != "" {
		q := u.Query()
		q.Set("token", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("pricefeed connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.l.Info("price feed connected")
	return nil
}

func (c *Client) subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("pricefeed not connected")
	}
	for _, m := range c.cfg.Markets {
		if err := c.conn.WriteJSON(subscribeMessage{Type: "subscribe", MarketID: m}); err != nil {
			return fmt.Errorf("subscribe %s: %w", m, err)
		}
	}
	c.l.Info("price feed subscribed", applogger.Int("markets", len(c.cfg.Markets)))
	return nil
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			c.mu.Unlock()
		}
	}
}

// Close drops the current connection, if any.
func (c *Client) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

var _ domsvc.PriceStream = (*Client)(nil)
