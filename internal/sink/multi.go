package sink

import (
	"context"
	"errors"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// Multi fans a record out to several sinks. Every sink is attempted; the
// failures are joined.
type Multi []domain.SnapshotSink

// Write writes rec to every sink.
func (m Multi) Write(ctx context.Context, rec domain.SnapshotRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domain.SnapshotSink = Multi(nil)
