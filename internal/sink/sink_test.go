package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecord(tag domain.SnapshotTag) domain.SnapshotRecord {
	return domain.SnapshotRecord{
		MarketID:   "1.234",
		Venue:      "Moonee Valley",
		Label:      "R7 1200m Grp1",
		Tag:        tag,
		Settled:    tag == domain.TagFinal,
		CapturedAt: time.Date(2026, 3, 14, 9, 5, 7, 0, time.UTC),
		Entrants: []domain.EntrantObservation{
			{
				SelectionID: 42,
				Name:        "Quick, Silver",
				Status:      domain.EntrantStatusActive,
				Prices: domain.EntrantPrices{
					LastTraded:   decimal.RequireFromString("5.6"),
					BestBack:     decimal.RequireFromString("5.5"),
					TradedVolume: decimal.RequireFromString("1020.25"),
				},
			},
		},
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name string
		tag  domain.SnapshotTag
		want string
	}{
		{"final", domain.TagFinal, "Moonee Valley_R7_1.234_090507_Final.csv"},
		{"open", domain.TagOpen, "Moonee Valley_R7_1.234_090507_Open.csv"},
		{"untagged", domain.TagNone, "Moonee Valley_R7_1.234_090507.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileName(testRecord(tt.tag), time.UTC); got != tt.want {
				t.Errorf("FileName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileName_SanitizesSeparators(t *testing.T) {
	rec := testRecord(domain.TagNone)
	rec.Venue = "Flemington/VIC"
	if got := FileName(rec, time.UTC); got != "Flemington-VIC_R7_1.234_090507.csv" {
		t.Fatalf("FileName = %q", got)
	}
}

func TestEncodeCSV(t *testing.T) {
	data, err := EncodeCSV(testRecord(domain.TagFinal))
	if err != nil {
		t.Fatalf("EncodeCSV: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	row := rows[1]
	want := map[string]string{
		"market_id":     "1.234",
		"settled":       "true",
		"selection_id":  "42",
		"name":          "Quick, Silver",
		"last_traded":   "5.6",
		"best_lay":      "0",
		"traded_volume": "1020.25",
		"captured_at":   "2026-03-14T09:05:07Z",
	}
	for i, col := range rows[0] {
		if w, ok := want[col]; ok && row[i] != w {
			t.Errorf("%s = %q, want %q", col, row[i], w)
		}
	}
}

func TestFileSink_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir, time.UTC, testLogger())
	rec := testRecord(domain.TagOpen)

	for i := 0; i < 3; i++ {
		if err := s.Write(context.Background(), rec); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	want := []string{
		"Moonee Valley_R7_1.234_090507_Open.2.csv",
		"Moonee Valley_R7_1.234_090507_Open.3.csv",
		"Moonee Valley_R7_1.234_090507_Open.csv",
	}
	if len(names) != len(want) {
		t.Fatalf("files = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("files = %v, want %v", names, want)
		}
	}
}

func TestFileSink_ConcurrentMarkets(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(filepath.Join(dir, "captured"), time.UTC, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testRecord(domain.TagNone)
			rec.MarketID = "1." + string(rune('a'+i))
			if err := s.Write(context.Background(), rec); err != nil {
				t.Errorf("Write: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(dir, "captured"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("files = %d, want 20", len(entries))
	}
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (m *memBlobs) PutIfAbsent(_ context.Context, path string, data []byte, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; ok {
		return domain.ErrAlreadyExists
	}
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

func TestBlobSink_KeysByDayAndAvoidsOverwrite(t *testing.T) {
	blobs := &memBlobs{objects: make(map[string][]byte)}
	s := NewBlobSink(blobs, "captured", time.UTC)
	rec := testRecord(domain.TagFinal)

	for i := 0; i < 2; i++ {
		if err := s.Write(context.Background(), rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	for _, key := range []string{
		"captured/2026-03-14/Moonee Valley_R7_1.234_090507_Final.csv",
		"captured/2026-03-14/Moonee Valley_R7_1.234_090507_Final.2.csv",
	} {
		if _, ok := blobs.objects[key]; !ok {
			t.Errorf("missing object %s (have %v)", key, blobs.objects)
		}
	}
}

func TestBlobSink_ConcurrentWritersNeverShareAKey(t *testing.T) {
	blobs := &memBlobs{objects: make(map[string][]byte)}
	rec := testRecord(domain.TagNone)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := NewBlobSink(blobs, "captured", time.UTC).Write(context.Background(), rec); err != nil {
				t.Errorf("Write: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(blobs.objects) != 8 {
		t.Fatalf("objects = %d, want 8", len(blobs.objects))
	}
}

func TestMulti_JoinsFailures(t *testing.T) {
	good := &memBlobs{objects: make(map[string][]byte)}
	bad := &memBlobs{objects: make(map[string][]byte), putErr: errors.New("access denied")}

	m := Multi{NewBlobSink(good, "", time.UTC), NewBlobSink(bad, "", time.UTC)}
	err := m.Write(context.Background(), testRecord(domain.TagNone))
	if !errors.Is(err, domain.ErrSinkWrite) {
		t.Fatalf("err = %v, want ErrSinkWrite", err)
	}
	if len(good.objects) != 1 {
		t.Fatalf("healthy sink skipped after sibling failure")
	}
}
