package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// DefaultFilePattern names the catalogue file for a day.
const DefaultFilePattern = "{date}_markets.txt"

// maxLineSize bounds one catalogue line; a line holds a whole JSON array.
const maxLineSize = 16 << 20

// CatalogueName renders pattern for day, replacing {date} with yyyy-mm-dd.
func CatalogueName(pattern string, day time.Time) string {
	if pattern == "" {
		pattern = DefaultFilePattern
	}
	return strings.ReplaceAll(pattern, "{date}", day.Format(time.DateOnly))
}

// ParseCatalogue reads a catalogue: every non-blank line is a JSON array of
// markets. Markets repeated across lines are kept once, first wins.
func ParseCatalogue(r io.Reader) ([]domain.Market, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		markets []domain.Market
		seen    = make(map[string]struct{})
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var batch []domain.Market
		if err := json.Unmarshal([]byte(line), &batch); err != nil {
			return nil, fmt.Errorf("catalogue line %d: %w", lineNo, err)
		}
		for _, m := range batch {
			if m.ID == "" {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			markets = append(markets, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return markets, nil
}

// FileCatalogue loads the day's catalogue from a local directory.
type FileCatalogue struct {
	Dir     string
	Pattern string
}

// Load reads {Dir}/{Pattern} for day.
func (c FileCatalogue) Load(_ context.Context, day time.Time) ([]domain.Market, error) {
	p := filepath.Join(c.Dir, CatalogueName(c.Pattern, day))
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open catalogue: %w", err)
	}
	defer f.Close()

	markets, err := ParseCatalogue(f)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %s: %w", p, err)
	}
	return markets, nil
}

// BlobCatalogue loads the day's catalogue from object storage.
type BlobCatalogue struct {
	Reader  domain.BlobReader
	Prefix  string
	Pattern string
}

// Load fetches {Prefix}/{Pattern} for day.
func (c BlobCatalogue) Load(ctx context.Context, day time.Time) ([]domain.Market, error) {
	key := path.Join(c.Prefix, CatalogueName(c.Pattern, day))
	body, err := c.Reader.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: fetch catalogue: %w", err)
	}
	defer body.Close()

	markets, err := ParseCatalogue(body)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %s: %w", key, err)
	}
	return markets, nil
}

var (
	_ domain.CatalogueSource = FileCatalogue{}
	_ domain.CatalogueSource = BlobCatalogue{}
)
