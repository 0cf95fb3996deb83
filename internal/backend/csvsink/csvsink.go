// Package csvsink appends finalized records to a comma-separated file in
// the classic Master.csv column layout.
package csvsink

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/calltrace/cadence/internal/cdr"
)

const timeLayout = "2006-01-02 15:04:05"

// Sink writes one CSV row per record.
type Sink struct {
	mu   sync.Mutex
	path string
}

// New builds a sink appending to path. The file is opened per write so
// log rotation needs no cooperation.
func New(path string) *Sink {
	return &Sink{path: path}
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteTime(t time.Time) string {
	if t.IsZero() {
		return `""`
	}
	return quote(t.Format(timeLayout))
}

// FormatRow renders a record as one CSV line, without the trailing
// newline.
func FormatRow(rec *cdr.Record) string {
	fields := []string{
		quote(rec.AccountCode),
		quote(rec.Source),
		quote(rec.Destination),
		quote(rec.DestinationContext),
		quote(rec.CallerID),
		quote(rec.Channel),
		quote(rec.DestinationChannel),
		quote(rec.LastApplication),
		quote(rec.LastData),
		quoteTime(rec.Start),
		quoteTime(rec.Answer),
		quoteTime(rec.End),
		fmt.Sprintf("%d", rec.Duration),
		fmt.Sprintf("%d", rec.BillSeconds),
		quote(rec.Disposition.String()),
		fmt.Sprintf("%d", rec.AMAFlags),
		quote(rec.UniqueID),
		quote(rec.UserField),
	}
	return strings.Join(fields, ",")
}

// Write appends the record to the file.
func (s *Sink) Write(rec *cdr.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(FormatRow(rec) + "\n"); err != nil {
		return err
	}
	return nil
}
