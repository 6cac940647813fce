package domain

import (
	"testing"
	"time"
)

func TestLifecycleSnapshot_Settled(t *testing.T) {
	tests := []struct {
		name       string
		reconciled bool
		inPlay     bool
		want       bool
	}{
		{"neither", false, false, false},
		{"reconciled only", true, false, false},
		{"in play only", false, true, false},
		{"both", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := LifecycleSnapshot{Reconciled: tt.reconciled, InPlay: tt.inPlay}
			if got := s.Settled(); got != tt.want {
				t.Errorf("Settled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLifecycleSnapshot_ActiveEntrants(t *testing.T) {
	s := LifecycleSnapshot{
		Entrants: []EntrantObservation{
			{SelectionID: 1, Status: EntrantStatusActive},
			{SelectionID: 2, Status: EntrantStatusWithdrawn},
			{SelectionID: 3, Status: EntrantStatusActive},
			{SelectionID: 4, Status: EntrantStatusLoser},
		},
	}

	got := s.ActiveEntrants()
	if len(got) != 2 {
		t.Fatalf("len(ActiveEntrants()) = %d, want 2", len(got))
	}
	if got[0].SelectionID != 1 || got[1].SelectionID != 3 {
		t.Errorf("ActiveEntrants() ids = [%d %d], want [1 3]", got[0].SelectionID, got[1].SelectionID)
	}
}

func TestLifecycleSnapshot_StartOr(t *testing.T) {
	fallback := time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC)
	declared := fallback.Add(5 * time.Minute)

	if got := (LifecycleSnapshot{}).StartOr(fallback); !got.Equal(fallback) {
		t.Errorf("StartOr without declared start = %v, want %v", got, fallback)
	}
	if got := (LifecycleSnapshot{DeclaredStart: &declared}).StartOr(fallback); !got.Equal(declared) {
		t.Errorf("StartOr with declared start = %v, want %v", got, declared)
	}
}

func TestSnapshotTag_Suffix(t *testing.T) {
	if got := TagFinal.Suffix(); got != "_Final" {
		t.Errorf("TagFinal.Suffix() = %q", got)
	}
	if got := TagOpen.Suffix(); got != "_Open" {
		t.Errorf("TagOpen.Suffix() = %q", got)
	}
	if got := TagNone.Suffix(); got != "" {
		t.Errorf("TagNone.Suffix() = %q", got)
	}
}

func TestMarket_PayloadRoundTrip(t *testing.T) {
	m := Market{
		ID:          "1.234",
		Label:       "R3 1400m Hcap",
		Event:       MarketEvent{Venue: "Randwick"},
		Description: MarketDescription{MarketTime: time.Date(2026, 10, 16, 4, 30, 0, 0, time.UTC)},
		Entrants:    []Entrant{{SelectionID: 11, Name: "Fast Horse"}},
	}

	payload, err := MarketPayload(m)
	if err != nil {
		t.Fatalf("MarketPayload: %v", err)
	}
	got, err := ScheduledActivation{MarketID: m.ID, Payload: payload}.Market()
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if got.ID != m.ID || got.Venue() != "Randwick" || got.ShortLabel() != "R3" {
		t.Errorf("decoded market = %+v", got)
	}
	if !got.StartTime().Equal(m.StartTime()) {
		t.Errorf("StartTime = %v, want %v", got.StartTime(), m.StartTime())
	}
	if got.EntrantName(11) != "Fast Horse" || got.EntrantName(99) != "" {
		t.Errorf("EntrantName lookup mismatch")
	}
}
