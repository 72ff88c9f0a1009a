// Package dataset reads and rewrites the discovery CSV files exchanged with
// the other pipeline stages. Only the url column is required.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fsutil"
)

// Column names understood by the reader.
const (
	ColumnURL       = "url"
	ColumnDomain    = "domain"
	ColumnKeyword   = "keyword"
	ColumnDateFound = "date_found"
)

// ErrNoURLColumn is returned when a file has no url column in its header.
var ErrNoURLColumn = errors.New("csv has no url column")

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Table is a parsed CSV with its header preserved for rewrites.
type Table struct {
	Header []string
	Rows   [][]string

	index map[string]int
}

// Read parses a CSV stream. Short rows are padded so column lookups never panic.
func Read(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoURLColumn
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	t := &Table{Header: append([]string(nil), header...), index: make(map[string]int, len(header))}
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF"))
		if _, dup := t.index[name]; !dup {
			t.index[name] = i
		}
	}
	if _, ok := t.index[ColumnURL]; !ok {
		return nil, ErrNoURLColumn
	}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		for len(row) < len(header) {
			row = append(row, "")
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// ReadFile parses the CSV at path.
func ReadFile(path string) (*Table, error) {
	// #nosec G304 -- dataset paths come from configuration or flags.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// Value returns the named column of row, or "" when the column is absent.
func (t *Table) Value(row []string, column string) string {
	i, ok := t.index[column]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// URLs returns the non-empty url values in file order.
func (t *Table) URLs() []string {
	out := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if u := t.Value(row, ColumnURL); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Records converts rows into URL records. Rows without a url are dropped.
func (t *Table) Records() []crawler.URLRecord {
	out := make([]crawler.URLRecord, 0, len(t.Rows))
	for _, row := range t.Rows {
		raw := t.Value(row, ColumnURL)
		if raw == "" {
			continue
		}
		rec := crawler.NewURLRecord(raw, t.Value(row, ColumnKeyword), parseDate(t.Value(row, ColumnDateFound)))
		if rec.Domain == "" {
			rec.Domain = strings.TrimPrefix(strings.ToLower(t.Value(row, ColumnDomain)), "www.")
		}
		out = append(out, rec)
	}
	return out
}

// Filter keeps the rows for which keep returns true and reports how many were dropped.
func (t *Table) Filter(keep func(url string) bool) int {
	kept := t.Rows[:0]
	dropped := 0
	for _, row := range t.Rows {
		if keep(t.Value(row, ColumnURL)) {
			kept = append(kept, row)
			continue
		}
		dropped++
	}
	t.Rows = kept
	return dropped
}

// WriteFile atomically replaces path with the table contents.
func (t *Table) WriteFile(path string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return fmt.Errorf("encode csv header: %w", err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("encode csv rows: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	return nil
}

// ReadRecords loads the URL records of the discovery file at path.
func ReadRecords(path string) ([]crawler.URLRecord, error) {
	t, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return t.Records(), nil
}

func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
