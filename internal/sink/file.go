package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// maxCollisions bounds the sequence numbers tried for one file name.
const maxCollisions = 100

// FileSink writes each record to its own CSV file under a directory.
type FileSink struct {
	dir    string
	loc    *time.Location
	logger *slog.Logger
}

// NewFileSink creates a FileSink rooted at dir. File names use loc for the
// capture time.
func NewFileSink(dir string, loc *time.Location, logger *slog.Logger) *FileSink {
	return &FileSink{
		dir:    dir,
		loc:    loc,
		logger: logger.With(slog.String("component", "file_sink")),
	}
}

// Write creates a new file for rec. Existing files are never replaced; a
// name collision gets a sequence number.
func (s *FileSink) Write(_ context.Context, rec domain.SnapshotRecord) error {
	data, err := EncodeCSV(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSinkWrite, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("sink: create dir %s: %w: %w", s.dir, domain.ErrSinkWrite, err)
	}

	name := FileName(rec, s.loc)
	for n := 1; n <= maxCollisions; n++ {
		path := filepath.Join(s.dir, withSequence(name, n))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sink: create %s: %w: %w", path, domain.ErrSinkWrite, err)
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return fmt.Errorf("sink: write %s: %w: %w", path, domain.ErrSinkWrite, err)
		}
		s.logger.Debug("snapshot file written", slog.String("path", path))
		return nil
	}
	return fmt.Errorf("sink: %s: %w: too many name collisions", name, domain.ErrSinkWrite)
}

var _ domain.SnapshotSink = (*FileSink)(nil)
