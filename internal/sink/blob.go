package sink

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// BlobSink uploads each record as a CSV object under
// {prefix}/{yyyy-mm-dd}/{file name}.
type BlobSink struct {
	store  domain.BlobWriter
	prefix string
	loc    *time.Location
}

// NewBlobSink creates a BlobSink.
func NewBlobSink(store domain.BlobWriter, prefix string, loc *time.Location) *BlobSink {
	if loc == nil {
		loc = time.Local
	}
	return &BlobSink{store: store, prefix: prefix, loc: loc}
}

// Write uploads rec. Object stores overwrite silently, so each key is
// written conditionally and a sequence number added on collision.
func (s *BlobSink) Write(ctx context.Context, rec domain.SnapshotRecord) error {
	data, err := EncodeCSV(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSinkWrite, err)
	}

	name := FileName(rec, s.loc)
	day := rec.CapturedAt.In(s.loc).Format(time.DateOnly)
	for n := 1; n <= maxCollisions; n++ {
		key := path.Join(s.prefix, day, withSequence(name, n))
		err := s.store.PutIfAbsent(ctx, key, data, "text/csv")
		if errors.Is(err, domain.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sink: upload %s: %w: %w", key, domain.ErrSinkWrite, err)
		}
		return nil
	}
	return fmt.Errorf("sink: %s: %w: too many name collisions", name, domain.ErrSinkWrite)
}

var _ domain.SnapshotSink = (*BlobSink)(nil)
