// Package feed is the live market feed client. Each subscription owns its own
// websocket connection: authenticate, subscribe to one market, then stream
// change messages merged into LifecycleSnapshots until unsubscribed.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

const (
	authRequestID = 1
	subRequestID  = 2
)

// Config configures the feed client.
type Config struct {
	URL              string
	AppKey           string
	SessionToken     string
	HandshakeTimeout time.Duration
	// BufferSize bounds the snapshot channel of each subscription. When the
	// consumer falls behind the oldest undelivered snapshot is dropped.
	BufferSize int
}

// Client opens live market subscriptions.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewClient creates a feed client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With(slog.String("component", "feed")),
	}
}

// Subscribe connects, authenticates and subscribes to marketID. Errors wrap
// domain.ErrFeedConnection.
func (c *Client) Subscribe(ctx context.Context, marketID string) (domain.Subscription, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: dial: %w: %w", domain.ErrFeedConnection, err)
	}

	sub := newSubscription(marketID, conn, c.cfg.BufferSize, c.logger)
	if err := c.handshake(ctx, sub); err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("feed: subscribe %s: %w: %w", marketID, domain.ErrFeedConnection, err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed: subscribe %s: %w: %w", marketID, domain.ErrFeedConnection, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	sub.setStatus(domain.StatusSubscribed)

	go sub.readLoop()
	go sub.pingLoop()

	c.logger.InfoContext(ctx, "market subscribed", slog.String("market_id", marketID))
	return sub, nil
}

func (c *Client) handshake(ctx context.Context, sub *subscription) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	sub.conn.SetReadDeadline(deadline)

	// Reads only honour deadlines; closing the socket unblocks them on cancel.
	stop := context.AfterFunc(ctx, func() { sub.conn.Close() })
	defer stop()

	if err := sub.expectConnection(); err != nil {
		return err
	}

	if err := sub.send(AuthenticationRequest{
		Op:      opAuthentication,
		ID:      authRequestID,
		AppKey:  c.cfg.AppKey,
		Session: c.cfg.SessionToken,
	}); err != nil {
		return fmt.Errorf("send authentication: %w", err)
	}
	if err := sub.awaitStatus(authRequestID); err != nil {
		return fmt.Errorf("authentication: %w", err)
	}

	if err := sub.send(MarketSubscriptionRequest{
		Op:               opMarketSubscription,
		ID:               subRequestID,
		MarketFilter:     MarketFilter{MarketIDs: []string{sub.marketID}},
		MarketDataFilter: MarketDataFilter{Fields: subscriptionFields, LadderLevels: 1},
	}); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}
	if err := sub.awaitStatus(subRequestID); err != nil {
		return fmt.Errorf("market subscription: %w", err)
	}
	return nil
}

// statusError converts a failed status message into an error.
func statusError(st StatusMessage) error {
	if st.ErrorMessage != "" {
		return fmt.Errorf("%s: %s", st.ErrorCode, st.ErrorMessage)
	}
	return fmt.Errorf("status %s %s", st.StatusCode, st.ErrorCode)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode message: %w", err)
	}
	return env, nil
}

// Compile-time interface check.
var _ domain.FeedClient = (*Client)(nil)
