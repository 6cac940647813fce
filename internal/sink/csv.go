// Package sink persists snapshot records. Each record becomes one CSV file
// named after the market and capture time, written to a local directory or
// an object store; records are never overwritten.
package sink

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

var csvHeader = []string{
	"market_id",
	"venue",
	"label",
	"captured_at",
	"settled",
	"selection_id",
	"name",
	"status",
	"last_traded",
	"best_back",
	"best_lay",
	"near_price",
	"far_price",
	"traded_volume",
}

// EncodeCSV renders rec as CSV with one row per entrant.
func EncodeCSV(rec domain.SnapshotRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("sink: write csv header: %w", err)
	}
	captured := rec.CapturedAt.UTC().Format(time.RFC3339)
	for _, e := range rec.Entrants {
		p := e.Prices
		row := []string{
			rec.MarketID,
			rec.Venue,
			rec.Label,
			captured,
			strconv.FormatBool(rec.Settled),
			strconv.FormatInt(e.SelectionID, 10),
			e.Name,
			string(e.Status),
			p.LastTraded.String(),
			p.BestBack.String(),
			p.BestLay.String(),
			p.NearPrice.String(),
			p.FarPrice.String(),
			p.TradedVolume.String(),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("sink: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("sink: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

var nameReplacer = strings.NewReplacer("/", "-", `\`, "-", ":", "-")

// FileName returns the capture file name for rec:
// {venue}_{labelFirstWord}_{marketID}_{HHMMSS}{suffix}.csv, with the time
// rendered in loc.
func FileName(rec domain.SnapshotRecord, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	label := ""
	if fields := strings.Fields(rec.Label); len(fields) > 0 {
		label = fields[0]
	}
	name := fmt.Sprintf("%s_%s_%s_%s%s",
		rec.Venue, label, rec.MarketID,
		rec.CapturedAt.In(loc).Format("150405"),
		rec.Tag.Suffix(),
	)
	return nameReplacer.Replace(name) + ".csv"
}

// withSequence inserts a collision counter before the extension:
// a.csv -> a.2.csv.
func withSequence(name string, n int) string {
	if n <= 1 {
		return name
	}
	base := strings.TrimSuffix(name, ".csv")
	return fmt.Sprintf("%s.%d.csv", base, n)
}
