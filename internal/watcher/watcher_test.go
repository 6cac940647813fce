package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/racewatch/internal/domain"
	"github.com/alanyoungcy/racewatch/internal/metrics"
	"github.com/alanyoungcy/racewatch/internal/scheduler"
	"github.com/alanyoungcy/racewatch/internal/store/memory"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSub is a hand-driven subscription.
type fakeSub struct {
	marketID string
	ch       chan domain.LifecycleSnapshot

	mu           sync.Mutex
	status       domain.ConnectionStatus
	err          error
	unsubscribed int
}

func (s *fakeSub) MarketID() string                           { return s.marketID }
func (s *fakeSub) Snapshots() <-chan domain.LifecycleSnapshot { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Status() domain.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
	s.status = domain.StatusDisconnected
	return nil
}

type fakeFeed struct {
	mu         sync.Mutex
	subs       map[string]*fakeSub
	fail       map[string]error
	open       map[string]int // market id -> currently open subscriptions
	maxOpen    map[string]int
	subscribed chan string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:       make(map[string]*fakeSub),
		fail:       make(map[string]error),
		open:       make(map[string]int),
		maxOpen:    make(map[string]int),
		subscribed: make(chan string, 16),
	}
}

// prime preloads the snapshot the next subscription for snap.MarketID delivers.
func (f *fakeFeed) prime(snap domain.LifecycleSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{marketID: snap.MarketID, ch: make(chan domain.LifecycleSnapshot, 1), status: domain.StatusSubscribed}
	sub.ch <- snap
	f.subs[snap.MarketID] = sub
}

// hold makes the next subscription for marketID wait for a manual push.
func (f *fakeFeed) hold(marketID string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{marketID: marketID, ch: make(chan domain.LifecycleSnapshot, 1), status: domain.StatusSubscribed}
	f.subs[marketID] = sub
	return sub
}

func (f *fakeFeed) Subscribe(_ context.Context, marketID string) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[marketID]; err != nil {
		return nil, err
	}
	sub, ok := f.subs[marketID]
	if !ok {
		return nil, errors.New("no subscription primed")
	}
	f.open[marketID]++
	if f.open[marketID] > f.maxOpen[marketID] {
		f.maxOpen[marketID] = f.open[marketID]
	}
	f.subscribed <- marketID
	return &trackedSub{fakeSub: sub, feed: f}, nil
}

type trackedSub struct {
	*fakeSub
	feed *fakeFeed
}

func (s *trackedSub) Unsubscribe() error {
	s.feed.mu.Lock()
	s.feed.open[s.marketID]--
	s.feed.mu.Unlock()
	return s.fakeSub.Unsubscribe()
}

type fakeSink struct {
	mu      sync.Mutex
	records []domain.SnapshotRecord
	err     error
}

func (s *fakeSink) Write(_ context.Context, rec domain.SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) all() []domain.SnapshotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SnapshotRecord(nil), s.records...)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

func (p *fakeEvents) PublishTransition(_ context.Context, ev domain.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	feed   *fakeFeed
	sink   *fakeSink
	store  *memory.ActivationStore
	sched  *scheduler.Scheduler
	events *fakeEvents
	w      *Watcher
}

func newFixture() *fixture {
	f := &fixture{
		feed:   newFakeFeed(),
		sink:   &fakeSink{},
		store:  memory.NewActivationStore(),
		events: &fakeEvents{},
	}
	f.sched = scheduler.New(scheduler.Config{}, f.store, nil, testLogger())
	f.w = New(DefaultConfig(), f.feed, f.sink, f.sched, testLogger(),
		WithClock(func() time.Time { return fixedNow }),
		WithEvents(f.events),
	)
	return f
}

func testMarket(id string, start time.Time) domain.Market {
	return domain.Market{
		ID:          id,
		Label:       "R3 1400m Hcap",
		Event:       domain.MarketEvent{Venue: "Flemington"},
		Description: domain.MarketDescription{MarketTime: start},
		Entrants: []domain.Entrant{
			{SelectionID: 11, Name: "Fast Horse"},
			{SelectionID: 12, Name: "Scratched Horse"},
		},
	}
}

func snapshot(marketID string, start *time.Time, reconciled, inPlay bool) domain.LifecycleSnapshot {
	return domain.LifecycleSnapshot{
		MarketID:      marketID,
		Venue:         "Flemington",
		DeclaredStart: start,
		Reconciled:    reconciled,
		InPlay:        inPlay,
		Entrants: []domain.EntrantObservation{
			{SelectionID: 11, Status: domain.EntrantStatusActive, Prices: domain.EntrantPrices{LastTraded: decimal.RequireFromString("3.45")}},
			{SelectionID: 12, Status: domain.EntrantStatusWithdrawn},
		},
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestActivate_SettledTerminates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := testMarket("1.100", fixedNow.Add(-5*time.Minute))

	// A stale residual activation that termination must cancel.
	if _, err := f.sched.Enqueue(ctx, m.ID, fixedNow.Add(time.Hour), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.feed.prime(snapshot(m.ID, nil, true, true))

	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	recs := f.sink.all()
	if len(recs) != 1 || recs[0].Tag != domain.TagFinal {
		t.Fatalf("records = %+v, want exactly one Final", recs)
	}
	if !recs[0].Settled {
		t.Error("Final record not marked settled")
	}
	if ok, _ := f.sched.HasPending(ctx, m.ID); ok {
		t.Error("pending activation remains after termination")
	}
	if !f.w.Terminated(m.ID) {
		t.Error("market not recorded as terminated")
	}

	// A redelivered activation after termination is a no-op.
	f.feed.prime(snapshot(m.ID, nil, true, true))
	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("records after redelivery = %d, want 1", got)
	}
}

func TestActivate_ForgetsOldTerminations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := fixedNow
	f.w = New(DefaultConfig(), f.feed, f.sink, f.sched, testLogger(),
		WithClock(func() time.Time { return now }),
	)

	old := testMarket("1.110", fixedNow.Add(-time.Hour))
	f.feed.prime(snapshot(old.ID, nil, true, true))
	if err := f.w.Activate(ctx, old); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	now = fixedNow.Add(25 * time.Hour)
	fresh := testMarket("1.111", now.Add(-time.Hour))
	f.feed.prime(snapshot(fresh.ID, nil, true, true))
	if err := f.w.Activate(ctx, fresh); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if f.w.Terminated(old.ID) {
		t.Error("termination from yesterday still held")
	}
	if !f.w.Terminated(fresh.ID) {
		t.Error("fresh termination not recorded")
	}
}

func TestActivate_BeforeCheckpointReschedules(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := testMarket("1.200", fixedNow.Add(time.Hour))
	f.feed.prime(snapshot(m.ID, timePtr(fixedNow.Add(10*time.Minute)), false, false))

	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	act, err := f.sched.PendingFor(ctx, m.ID)
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if want := fixedNow.Add(9 * time.Minute); !act.FireAt.Equal(want) {
		t.Errorf("fire_at = %v, want %v", act.FireAt, want)
	}
	payloadMarket, err := act.Market()
	if err != nil || payloadMarket.ID != m.ID {
		t.Errorf("payload market = %+v, %v", payloadMarket, err)
	}

	recs := f.sink.all()
	if len(recs) != 1 || recs[0].Tag != domain.TagOpen {
		t.Fatalf("records = %+v, want one Open", recs)
	}
}

func TestActivate_PastCheckpointFastPolls(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := testMarket("1.300", fixedNow.Add(time.Hour))
	f.feed.prime(snapshot(m.ID, timePtr(fixedNow.Add(-time.Minute)), false, true))

	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	act, err := f.sched.PendingFor(ctx, m.ID)
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if want := fixedNow.Add(30 * time.Second); !act.FireAt.Equal(want) {
		t.Errorf("fire_at = %v, want %v", act.FireAt, want)
	}
	recs := f.sink.all()
	if len(recs) != 1 || recs[0].Tag != domain.TagNone {
		t.Fatalf("records = %+v, want one untagged", recs)
	}
}

func TestActivate_FallsBackToNominalStart(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := testMarket("1.400", fixedNow.Add(20*time.Minute))
	f.feed.prime(snapshot(m.ID, nil, false, false))

	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	act, err := f.sched.PendingFor(ctx, m.ID)
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if want := fixedNow.Add(19 * time.Minute); !act.FireAt.Equal(want) {
		t.Errorf("fire_at = %v, want %v", act.FireAt, want)
	}
}

func TestActivate_RecordsOnlyActiveEntrantsWithNames(t *testing.T) {
	f := newFixture()
	m := testMarket("1.500", fixedNow.Add(time.Hour))
	f.feed.prime(snapshot(m.ID, nil, false, false))

	if err := f.w.Activate(context.Background(), m); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	recs := f.sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	got := recs[0].Entrants
	if len(got) != 1 || got[0].SelectionID != 11 || got[0].Name != "Fast Horse" {
		t.Fatalf("entrants = %+v, want only Fast Horse", got)
	}
	if !got[0].Prices.LastTraded.Equal(decimal.RequireFromString("3.45")) {
		t.Errorf("last traded = %s", got[0].Prices.LastTraded)
	}
	if recs[0].Label != m.Label || recs[0].Venue != "Flemington" {
		t.Errorf("record label/venue = %q/%q", recs[0].Label, recs[0].Venue)
	}
}

func TestActivate_AlwaysUnsubscribes(t *testing.T) {
	f := newFixture()
	m := testMarket("1.600", fixedNow.Add(time.Hour))
	f.feed.prime(snapshot(m.ID, nil, false, false))

	if err := f.w.Activate(context.Background(), m); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	sub := f.feed.subs[m.ID]
	if sub.unsubscribed != 1 {
		t.Fatalf("unsubscribed %d times, want 1", sub.unsubscribed)
	}
	if n := f.w.OpenSessions(); n != 0 {
		t.Fatalf("open sessions = %d, want 0", n)
	}
}

func TestActivate_DuplicateDeliveryCollapses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := testMarket("1.700", fixedNow.Add(time.Hour))
	sub := f.feed.hold(m.ID)

	first := make(chan error, 1)
	go func() { first <- f.w.Activate(ctx, m) }()

	select {
	case <-f.feed.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("first activation never subscribed")
	}

	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("duplicate Activate: %v", err)
	}

	sub.ch <- snapshot(m.ID, nil, false, false)
	if err := <-first; err != nil {
		t.Fatalf("first Activate: %v", err)
	}

	f.feed.mu.Lock()
	maxOpen := f.feed.maxOpen[m.ID]
	f.feed.mu.Unlock()
	if maxOpen != 1 {
		t.Fatalf("max simultaneous subscriptions = %d, want 1", maxOpen)
	}
	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}

func TestActivate_FeedErrorIsIsolated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := testMarket("1.801", fixedNow.Add(time.Hour))
	b := testMarket("1.802", fixedNow.Add(time.Hour))

	f.feed.fail[a.ID] = errors.New("connection reset")
	f.feed.prime(snapshot(b.ID, nil, true, true))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, m := range []domain.Market{a, b} {
		wg.Add(1)
		go func(i int, m domain.Market) {
			defer wg.Done()
			errs[i] = f.w.Activate(ctx, m)
		}(i, m)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Activate[%d]: %v", i, err)
		}
	}

	recs := f.sink.all()
	if len(recs) != 1 || recs[0].MarketID != b.ID || recs[0].Tag != domain.TagFinal {
		t.Fatalf("records = %+v, want one Final for market B", recs)
	}

	retry, err := f.sched.PendingFor(ctx, a.ID)
	if err != nil {
		t.Fatalf("market A retry not armed: %v", err)
	}
	if want := fixedNow.Add(30 * time.Second); !retry.FireAt.Equal(want) {
		t.Errorf("retry fire_at = %v, want %v", retry.FireAt, want)
	}
}

func TestActivate_SinkFailureDoesNotBlockReschedule(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.sink.err = errors.New("disk full")
	m := testMarket("1.900", fixedNow.Add(time.Hour))
	f.feed.prime(snapshot(m.ID, nil, false, false))

	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if ok, _ := f.sched.HasPending(ctx, m.ID); !ok {
		t.Fatal("market not re-armed after sink failure")
	}
}

func TestActivate_PublishesTransitions(t *testing.T) {
	f := newFixture()
	m := testMarket("1.950", fixedNow.Add(time.Hour))
	f.feed.prime(snapshot(m.ID, nil, false, false))

	if err := f.w.Activate(context.Background(), m); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := f.w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	want := []struct{ from, to domain.WatchState }{
		{domain.WatchIdle, domain.WatchSubscribed},
		{domain.WatchSubscribed, domain.WatchRescheduling},
	}
	if len(f.events.events) != len(want) {
		t.Fatalf("events = %+v", f.events.events)
	}
	for i, w := range want {
		ev := f.events.events[i]
		if ev.From != w.from || ev.To != w.to || ev.MarketID != m.ID {
			t.Errorf("event[%d] = %+v, want %s -> %s", i, ev, w.from, w.to)
		}
	}
}

type slowEvents struct {
	delay time.Duration
	fakeEvents
}

func (p *slowEvents) PublishTransition(ctx context.Context, ev domain.TransitionEvent) error {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.fakeEvents.PublishTransition(ctx, ev)
}

func TestActivate_SlowPublisherDoesNotDelayDecision(t *testing.T) {
	f := newFixture()
	slow := &slowEvents{delay: 500 * time.Millisecond}
	f.w = New(DefaultConfig(), f.feed, f.sink, f.sched, testLogger(),
		WithClock(func() time.Time { return fixedNow }),
		WithEvents(slow),
	)
	ctx := context.Background()
	m := testMarket("1.960", fixedNow.Add(-5*time.Minute))
	if _, err := f.sched.Enqueue(ctx, m.ID, fixedNow.Add(time.Hour), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.feed.prime(snapshot(m.ID, nil, true, true))

	start := time.Now()
	if err := f.w.Activate(ctx, m); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if took := time.Since(start); took > 250*time.Millisecond {
		t.Fatalf("Activate took %v behind a slow publisher", took)
	}
	if ok, _ := f.sched.HasPending(ctx, m.ID); ok {
		t.Error("residual activation not cancelled")
	}

	if err := f.w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	slow.mu.Lock()
	defer slow.mu.Unlock()
	if len(slow.events) != 2 || slow.events[1].To != domain.WatchTerminated {
		t.Fatalf("published = %+v, want subscribed then terminated", slow.events)
	}
}

type countingMetrics struct {
	metrics.NoopSink
	mu      sync.Mutex
	dropped int
}

func (c *countingMetrics) TransitionDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

func TestActivate_FullEventBacklogDrops(t *testing.T) {
	f := newFixture()
	blocked := &slowEvents{delay: time.Hour}
	counter := &countingMetrics{}
	cfg := DefaultConfig()
	cfg.EventBacklog = 1
	cfg.PublishTimeout = 50 * time.Millisecond
	f.w = New(cfg, f.feed, f.sink, f.sched, testLogger(),
		WithClock(func() time.Time { return fixedNow }),
		WithEvents(blocked),
		WithMetrics(counter),
	)

	for _, id := range []string{"1.971", "1.972", "1.973"} {
		m := testMarket(id, fixedNow.Add(time.Hour))
		f.feed.prime(snapshot(id, nil, false, false))
		if err := f.w.Activate(context.Background(), m); err != nil {
			t.Fatalf("Activate %s: %v", id, err)
		}
	}

	counter.mu.Lock()
	dropped := counter.dropped
	counter.mu.Unlock()
	if dropped == 0 {
		t.Fatal("no transition events dropped with a stuck publisher")
	}
	if err := f.w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestHandle_BadPayloadIsDropped(t *testing.T) {
	f := newFixture()
	act := domain.ScheduledActivation{MarketID: "1.999", Payload: []byte("not json")}
	if err := f.w.Handle(context.Background(), act); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}
