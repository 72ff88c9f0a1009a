// Package ledger implements the append-only CSV record of fetch outcomes.
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fsutil"
)

// Header is the column layout of the ledger file.
var Header = []string{"url", "status", "error", "strategy", "storage_path", "fetched_at", "run_id"}

// DefaultErrorMaxLen bounds the error column.
const DefaultErrorMaxLen = 200

// ErrClosed is returned when appending to a closed ledger.
var ErrClosed = errors.New("ledger is closed")

// Options tune ledger behavior.
type Options struct {
	ErrorMaxLen int
	Logger      *zap.Logger
}

// Ledger appends outcomes durably and folds them back on load.
type Ledger struct {
	path   string
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	file      *os.File
	succeeded map[string]struct{}
}

// Open opens or creates the ledger at path. A torn final line left by a crash
// is terminated so later appends start on a fresh line.
func Open(path string, opts Options) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if opts.ErrorMaxLen <= 0 {
		opts.ErrorMaxLen = DefaultErrorMaxLen
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	// #nosec G304 -- ledger path comes from configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{
		path:      path,
		opts:      opts,
		logger:    logger,
		file:      f,
		succeeded: make(map[string]struct{}),
	}
	if err := l.prepare(); err != nil {
		_ = f.Close()
		return nil, err
	}
	// Seed the success set so duplicate appends are caught even before Load.
	if _, err := l.Load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := fsutil.SyncDir(filepath.Dir(path)); err != nil {
		logger.Warn("ledger directory sync failed", zap.String("path", path), zap.Error(err))
	}
	return l, nil
}

// prepare writes the header into an empty file or cuts off a record left
// incomplete by a crash. Only whole records survive, so an open quote in the
// torn record cannot swallow rows appended later.
func (l *Ledger) prepare() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	size := info.Size()
	if size > 0 {
		end, err := completeLength(io.NewSectionReader(l.file, 0, size), size)
		if err != nil {
			return err
		}
		if end < size {
			l.logger.Warn("ledger ends with a partial record; discarding it",
				zap.String("path", l.path), zap.Int64("bytes", size-end))
			if err := l.file.Truncate(end); err != nil {
				return fmt.Errorf("truncate ledger tail: %w", err)
			}
			if err := l.file.Sync(); err != nil {
				return fmt.Errorf("sync ledger: %w", err)
			}
			size = end
		}
	}
	if size == 0 {
		return l.writeRecords(Header)
	}
	return nil
}

// completeLength returns the length of the longest prefix of r that holds
// only newline-terminated records.
func completeLength(r io.ReaderAt, size int64) (int64, error) {
	reader := csv.NewReader(io.NewSectionReader(r, 0, size))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var lastStart, end int64
	for {
		start := reader.InputOffset()
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			if errors.Is(parseErr.Err, csv.ErrQuote) && reader.InputOffset() >= size {
				// An unterminated quote runs to EOF.
				return start, nil
			}
			lastStart, end = start, reader.InputOffset()
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("scan ledger: %w", err)
		}
		lastStart, end = start, reader.InputOffset()
	}

	if end == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, end-1); err != nil {
		return 0, fmt.Errorf("read ledger tail: %w", err)
	}
	if last[0] != '\n' {
		return lastStart, nil
	}
	return end, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Load folds the ledger in file order. Later rows shadow earlier ones except
// that a success is never shadowed. Malformed rows are skipped.
func (l *Ledger) Load() (map[string]crawler.FetchOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// #nosec G304 -- ledger path comes from configuration.
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open ledger for load: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	outcomes, err := Fold(f, l.logger)
	if err != nil {
		return nil, err
	}
	for url, outcome := range outcomes {
		if outcome.Status == crawler.StatusSuccess {
			l.succeeded[url] = struct{}{}
		}
	}
	return outcomes, nil
}

// Fold reads ledger rows from r and applies the shadowing rules.
func Fold(r io.Reader, logger *zap.Logger) (map[string]crawler.FetchOutcome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	outcomes := make(map[string]crawler.FetchOutcome)
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				logger.Warn("skipping malformed ledger row", zap.Int("line", line), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		if line == 1 && len(record) > 0 && record[0] == Header[0] {
			continue
		}
		outcome, err := decode(record)
		if err != nil {
			logger.Warn("skipping invalid ledger row", zap.Int("line", line), zap.Error(err))
			continue
		}
		if prev, ok := outcomes[outcome.URL]; ok && prev.Status == crawler.StatusSuccess {
			continue
		}
		outcomes[outcome.URL] = outcome
	}
	return outcomes, nil
}

// Append durably records outcome. A success for a URL that already has one is
// a no-op and reports false.
func (l *Ledger) Append(ctx context.Context, outcome crawler.FetchOutcome) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("append canceled: %w", err)
	}
	if outcome.URL == "" {
		return false, fmt.Errorf("outcome url is required")
	}
	if _, err := crawler.ParseStatus(string(outcome.Status)); err != nil {
		return false, fmt.Errorf("append outcome: %w", err)
	}
	outcome.ErrorDetail = Truncate(outcome.ErrorDetail, l.opts.ErrorMaxLen)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return false, ErrClosed
	}
	if outcome.Status == crawler.StatusSuccess {
		if _, dup := l.succeeded[outcome.URL]; dup {
			return false, nil
		}
	}
	if err := l.writeRecords(encode(outcome)); err != nil {
		return false, err
	}
	if outcome.Status == crawler.StatusSuccess {
		l.succeeded[outcome.URL] = struct{}{}
	}
	return true, nil
}

// writeRecords renders records into one buffer so each append is a single
// write followed by fsync. Callers hold mu or own the file exclusively.
func (l *Ledger) writeRecords(records ...[]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("encode ledger row: %w", err)
	}
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write ledger row: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Close flushes and closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

// Remove deletes the ledger file. The ledger must be closed first.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove ledger: %w", err)
	}
	return nil
}

func encode(o crawler.FetchOutcome) []string {
	fetchedAt := ""
	if !o.FetchedAt.IsZero() {
		fetchedAt = o.FetchedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		o.URL,
		string(o.Status),
		o.ErrorDetail,
		string(o.Strategy),
		o.StoragePath,
		fetchedAt,
		o.RunID,
	}
}

func decode(record []string) (crawler.FetchOutcome, error) {
	if len(record) != len(Header) {
		return crawler.FetchOutcome{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(record))
	}
	if record[0] == "" {
		return crawler.FetchOutcome{}, fmt.Errorf("empty url")
	}
	status, err := crawler.ParseStatus(record[1])
	if err != nil {
		return crawler.FetchOutcome{}, err
	}
	strategy, err := crawler.ParseStrategy(record[3])
	if err != nil {
		return crawler.FetchOutcome{}, err
	}
	var fetchedAt time.Time
	if record[5] != "" {
		fetchedAt, err = time.Parse(time.RFC3339Nano, record[5])
		if err != nil {
			return crawler.FetchOutcome{}, fmt.Errorf("parse fetched_at: %w", err)
		}
	}
	return crawler.FetchOutcome{
		URL:         record[0],
		Status:      status,
		ErrorDetail: record[2],
		Strategy:    strategy,
		StoragePath: record[4],
		FetchedAt:   fetchedAt,
		RunID:       record[6],
	}, nil
}

// Truncate shortens s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
