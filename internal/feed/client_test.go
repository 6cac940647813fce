package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStream serves the feed protocol for a single market. After the
// subscription handshake it writes frames and then either waits for the
// client to close or drops the connection.
type fakeStream struct {
	appKey string
	frames []string
	drop   bool
}

func (f fakeStream) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(ConnectionMessage{Op: opConnection, ConnectionID: "conn-1"})

		var auth AuthenticationRequest
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth.AppKey != f.appKey {
			conn.WriteJSON(StatusMessage{Op: opStatus, ID: auth.ID, StatusCode: "FAILURE", ErrorCode: "INVALID_APP_KEY", ConnectionClosed: true})
			return
		}
		conn.WriteJSON(StatusMessage{Op: opStatus, ID: auth.ID, StatusCode: statusSuccess})

		var sub MarketSubscriptionRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Op != opMarketSubscription || len(sub.MarketFilter.MarketIDs) != 1 {
			t.Errorf("unexpected subscription request: %+v", sub)
		}
		conn.WriteJSON(StatusMessage{Op: opStatus, ID: sub.ID, StatusCode: statusSuccess})

		for _, fr := range f.frames {
			conn.WriteMessage(websocket.TextMessage, []byte(fr))
		}
		if f.drop {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

const imageFrame = `{"op":"mcm","id":2,"ct":"` + changeSubImage + `","pt":1773491400000,"mc":[{"id":"1.42","img":true,
"marketDefinition":{"venue":"Eagle Farm","marketTime":"2026-03-14T12:30:00Z","status":"OPEN","bspReconciled":false,"inPlay":false,
"runners":[{"id":7,"status":"ACTIVE","sortPriority":1},{"id":8,"status":"REMOVED","sortPriority":2}]},
"rc":[{"id":7,"ltp":3.45,"tv":120.5,"batb":[[0,3.4,25]],"batl":[[0,3.5,12]]}]}]}`

const deltaFrame = `{"op":"mcm","id":2,"pt":1773491460000,"mc":[{"id":"1.42",
"marketDefinition":{"venue":"Eagle Farm","marketTime":"2026-03-14T12:30:00Z","status":"OPEN","bspReconciled":true,"inPlay":true,
"runners":[{"id":7,"status":"ACTIVE","sortPriority":1},{"id":8,"status":"REMOVED","sortPriority":2}]},
"rc":[{"id":7,"ltp":3.3}]}]}`

const heartbeatFrame = `{"op":"mcm","id":2,"ct":"HEARTBEAT","pt":1773491430000}`

func nextSnapshot(t *testing.T, sub domain.Subscription) domain.LifecycleSnapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatalf("snapshot channel closed: %v", sub.Err())
		}
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return domain.LifecycleSnapshot{}
}

func TestSubscribe_StreamsMergedSnapshots(t *testing.T) {
	srv := httptest.NewServer(fakeStream{
		appKey: "key",
		frames: []string{imageFrame, heartbeatFrame, deltaFrame},
	}.handler(t))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), AppKey: "key", SessionToken: "tok"}, testLogger())
	sub, err := c.Subscribe(context.Background(), "1.42")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if sub.Status() != domain.StatusSubscribed {
		t.Fatalf("status = %s, want subscribed", sub.Status())
	}

	first := nextSnapshot(t, sub)
	if first.MarketID != "1.42" || first.Venue != "Eagle Farm" || first.Settled() {
		t.Fatalf("first snapshot = %+v", first)
	}
	if len(first.ActiveEntrants()) != 1 {
		t.Fatalf("active entrants = %d, want 1", len(first.ActiveEntrants()))
	}
	if got := first.Entrants[0].Prices.BestBack.String(); got != "3.4" {
		t.Errorf("best back = %s, want 3.4", got)
	}

	second := nextSnapshot(t, sub)
	if !second.Settled() {
		t.Fatalf("second snapshot not settled: %+v", second)
	}
	if got := second.Entrants[0].Prices.LastTraded.String(); got != "3.3" {
		t.Errorf("ltp = %s, want 3.3", got)
	}
	if got := second.Entrants[0].Prices.TradedVolume.String(); got != "120.5" {
		t.Errorf("tv = %s, want 120.5 carried from image", got)
	}
}

func TestSubscribe_UnsubscribeClosesCleanly(t *testing.T) {
	srv := httptest.NewServer(fakeStream{appKey: "key", frames: []string{imageFrame}}.handler(t))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), AppKey: "key"}, testLogger())
	sub, err := c.Subscribe(context.Background(), "1.42")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	nextSnapshot(t, sub)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe: %v", err)
	}
	if sub.Status() != domain.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", sub.Status())
	}

	select {
	case _, ok := <-sub.Snapshots():
		if ok {
			// Drain anything buffered before close.
			for range sub.Snapshots() {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot channel not closed")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("Err after Unsubscribe = %v, want nil", err)
	}
}

func TestSubscribe_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(fakeStream{appKey: "key"}.handler(t))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), AppKey: "wrong"}, testLogger())
	_, err := c.Subscribe(context.Background(), "1.42")
	if !errors.Is(err, domain.ErrFeedConnection) {
		t.Fatalf("err = %v, want ErrFeedConnection", err)
	}
	if !strings.Contains(err.Error(), "INVALID_APP_KEY") {
		t.Errorf("err = %v, want error code", err)
	}
}

func TestSubscribe_DialFailure(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1", HandshakeTimeout: time.Second}, testLogger())
	_, err := c.Subscribe(context.Background(), "1.42")
	if !errors.Is(err, domain.ErrFeedConnection) {
		t.Fatalf("err = %v, want ErrFeedConnection", err)
	}
}

func TestSubscribe_DroppedConnectionReportsError(t *testing.T) {
	srv := httptest.NewServer(fakeStream{appKey: "key", drop: true}.handler(t))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), AppKey: "key"}, testLogger())
	sub, err := c.Subscribe(context.Background(), "1.42")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case _, ok := <-sub.Snapshots():
		if ok {
			t.Fatal("unexpected snapshot")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot channel not closed after drop")
	}
	if !errors.Is(sub.Err(), domain.ErrFeedConnection) {
		t.Fatalf("Err = %v, want ErrFeedConnection", sub.Err())
	}
	if sub.Status() != domain.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", sub.Status())
	}
}

func TestSubscribe_CancelDuringHandshake(t *testing.T) {
	// The server accepts the socket but never speaks.
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), AppKey: "key", HandshakeTimeout: 30 * time.Second}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Subscribe(ctx, "1.42")
	if !errors.Is(err, context.Canceled) || !errors.Is(err, domain.ErrFeedConnection) {
		t.Fatalf("err = %v, want ErrFeedConnection and context.Canceled", err)
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("Subscribe took %v after cancel", took)
	}
}

func TestHandleChanges_SubImageReplacesRunners(t *testing.T) {
	sub := newSubscription("1.42", nil, 4, testLogger())
	if err := sub.handleChanges([]byte(imageFrame)); err != nil {
		t.Fatalf("image: %v", err)
	}
	<-sub.out

	// A fresh image without the per-market img flag still drops runner 7's
	// cached prices.
	resub := `{"op":"mcm","id":2,"ct":"` + changeSubImage + `","pt":1773491500000,"mc":[{"id":"1.42",
"marketDefinition":{"venue":"Eagle Farm","marketTime":"2026-03-14T12:30:00Z","status":"OPEN","bspReconciled":false,"inPlay":false,
"runners":[{"id":7,"status":"ACTIVE","sortPriority":1}]},
"rc":[{"id":7,"tv":10}]}]}`
	if err := sub.handleChanges([]byte(resub)); err != nil {
		t.Fatalf("resubscribe image: %v", err)
	}
	snap := <-sub.out
	if len(snap.Entrants) != 1 {
		t.Fatalf("entrants = %+v", snap.Entrants)
	}
	if !snap.Entrants[0].Prices.LastTraded.IsZero() {
		t.Errorf("last traded = %s, want cleared by image", snap.Entrants[0].Prices.LastTraded)
	}
}
