package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

type subscription struct {
	marketID string
	conn     *websocket.Conn
	logger   *slog.Logger
	cache    *marketCache
	out      chan domain.LifecycleSnapshot

	writeMu sync.Mutex

	mu     sync.RWMutex
	status domain.ConnectionStatus
	err    error

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscription(marketID string, conn *websocket.Conn, buffer int, logger *slog.Logger) *subscription {
	return &subscription{
		marketID: marketID,
		conn:     conn,
		logger:   logger.With(slog.String("market_id", marketID)),
		cache:    newMarketCache(marketID),
		out:      make(chan domain.LifecycleSnapshot, buffer),
		status:   domain.StatusConnecting,
		done:     make(chan struct{}),
	}
}

func (s *subscription) MarketID() string { return s.marketID }

func (s *subscription) Snapshots() <-chan domain.LifecycleSnapshot { return s.out }

func (s *subscription) Status() domain.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err reports why the snapshot channel closed. It is nil after Unsubscribe.
func (s *subscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Unsubscribe closes the connection. It is safe to call more than once.
func (s *subscription) Unsubscribe() error {
	var err error
	s.closeOnce.Do(func() {
		s.setStatus(domain.StatusDisconnected)
		close(s.done)

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.logger.Debug("market unsubscribed")
	})
	return err
}

func (s *subscription) setStatus(st domain.ConnectionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", domain.ErrFeedConnection, err)
	}
	s.status = domain.StatusDisconnected
	s.mu.Unlock()
}

func (s *subscription) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *subscription) expectConnection() error {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read connection message: %w", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}
	if env.Op != opConnection {
		return fmt.Errorf("unexpected first message op %q", env.Op)
	}
	var msg ConnectionMessage
	if err := json.Unmarshal(raw, &msg); err == nil {
		s.logger.Debug("feed connected", slog.String("connection_id", msg.ConnectionID))
	}
	return nil
}

// awaitStatus reads until the status for request id arrives. Change messages
// that race ahead of the status are merged into the cache.
func (s *subscription) awaitStatus(id int) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		switch env.Op {
		case opStatus:
			var st StatusMessage
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			if st.StatusCode != statusSuccess {
				return statusError(st)
			}
			if st.ID == id {
				return nil
			}
		case opMarketChanges:
			if err := s.handleChanges(raw); err != nil {
				return err
			}
		}
	}
}

// readLoop owns the snapshot channel and closes it on exit.
func (s *subscription) readLoop() {
	defer close(s.out)
	defer s.conn.Close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(err)
				s.logger.Warn("feed connection lost", slog.String("error", err.Error()))
			}
			return
		}
		if err := s.handleMessage(raw); err != nil {
			s.fail(err)
			s.logger.Warn("feed stream failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *subscription) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *subscription) handleMessage(raw []byte) error {
	env, err := decodeEnvelope(raw)
	if err != nil {
		// Unparseable frames are dropped.
		s.logger.Debug("dropping unparseable message", slog.String("error", err.Error()))
		return nil
	}

	switch env.Op {
	case opMarketChanges:
		return s.handleChanges(raw)
	case opStatus:
		var st StatusMessage
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil
		}
		if st.StatusCode != statusSuccess || st.ConnectionClosed {
			return statusError(st)
		}
	}
	return nil
}

func (s *subscription) handleChanges(raw []byte) error {
	var msg MarketChangeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode market change: %w", err)
	}
	if msg.ChangeType == changeHeartbeat {
		return nil
	}

	at := time.Now().UTC()
	if msg.PublishTime > 0 {
		at = time.UnixMilli(msg.PublishTime).UTC()
	}

	for _, mc := range msg.Changes {
		if mc.ID != s.marketID {
			continue
		}
		if msg.ChangeType == changeSubImage {
			mc.Image = true
		}
		s.cache.apply(mc)
		if snap, ok := s.cache.snapshot(at); ok {
			s.emit(snap)
		}
	}
	return nil
}

// emit delivers snap, dropping the oldest buffered snapshot if the consumer
// is behind.
func (s *subscription) emit(snap domain.LifecycleSnapshot) {
	for {
		select {
		case s.out <- snap:
			return
		default:
		}
		select {
		case <-s.out:
			s.logger.Debug("snapshot buffer full, dropped oldest")
		default:
		}
	}
}

var _ domain.Subscription = (*subscription)(nil)
