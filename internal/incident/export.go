package incident

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var exportHeader = []string{
	"id", "eventType", "timestamp", "createdAt", "cameraId", "confidence",
	"location", "severity", "status", "needsAttention", "notes",
}

// ExportCSV writes every alert matching f to w as CSV, newest first. It
// returns the number of rows written.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, f Filter) (int, error) {
	f.Cursor = ""
	if f.Limit == 0 {
		f.Limit = MaxPageSize
	}
	it, err := s.Query(f)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	n := 0
	for a, err := range it.All(ctx) {
		if err != nil {
			return n, fmt.Errorf("export alerts: %w", err)
		}
		if err := cw.Write(exportRow(a)); err != nil {
			return n, fmt.Errorf("write csv row: %w", err)
		}
		n++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("flush csv: %w", err)
	}
	return n, nil
}

func exportRow(a *Alert) []string {
	return []string{
		a.ID,
		string(a.EventType),
		a.EventTime.UTC().Format(time.RFC3339),
		a.CreatedAt.UTC().Format(time.RFC3339),
		a.CameraID,
		strconv.FormatFloat(a.Confidence, 'f', -1, 64),
		a.Location,
		string(a.Severity),
		string(a.Status),
		strconv.FormatBool(a.NeedsAttention),
		a.Notes,
	}
}
