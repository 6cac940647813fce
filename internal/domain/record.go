package domain

import (
	"context"
	"time"
)

// SnapshotTag marks the decision a persisted snapshot was captured under.
type SnapshotTag string

const (
	TagNone  SnapshotTag = ""
	TagOpen  SnapshotTag = "Open"
	TagFinal SnapshotTag = "Final"
)

// Suffix returns the file-name suffix for the tag ("_Final", "_Open" or "").
func (t SnapshotTag) Suffix() string {
	if t == TagNone {
		return ""
	}
	return "_" + string(t)
}

// SnapshotRecord is what the Watcher hands to a SnapshotSink: the active
// entrants of one snapshot joined with catalogue names.
type SnapshotRecord struct {
	MarketID   string
	Venue      string
	Label      string
	Tag        SnapshotTag
	Settled    bool
	CapturedAt time.Time
	Entrants   []EntrantObservation
}

// SnapshotSink persists snapshot records. Implementations must tolerate
// concurrent writes for different markets and must never overwrite an
// earlier record. Failures are reported wrapped in ErrSinkWrite.
type SnapshotSink interface {
	Write(ctx context.Context, rec SnapshotRecord) error
}
