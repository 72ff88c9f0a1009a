// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Status is the recorded result of acquiring one URL.
type Status string

// Outcome status values persisted in the fetch ledger.
const (
	StatusSuccess        Status = "success"
	StatusBlocked        Status = "blocked"
	StatusNonHTML        Status = "non_html"
	StatusTimeout        Status = "timeout"
	StatusNetworkError   Status = "network_error"
	StatusAlreadyFetched Status = "already_fetched"
)

// Statuses lists every valid status in summary order.
var Statuses = []Status{
	StatusSuccess,
	StatusAlreadyFetched,
	StatusBlocked,
	StatusNonHTML,
	StatusTimeout,
	StatusNetworkError,
}

// ParseStatus validates a persisted status string.
func ParseStatus(raw string) (Status, error) {
	for _, s := range Statuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Done reports whether a URL with this status needs no further network work.
func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusAlreadyFetched
}

// Strategy identifies which fetch strategy produced an outcome.
type Strategy string

// Strategy values.
const (
	StrategyNone     Strategy = ""
	StrategyDirect   Strategy = "direct"
	StrategyHeadless Strategy = "headless"
)

// ParseStrategy validates a persisted strategy string.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyNone, StrategyDirect, StrategyHeadless:
		return Strategy(raw), nil
	default:
		return "", fmt.Errorf("unknown strategy %q", raw)
	}
}

// URLRecord is a discovered URL waiting to be acquired.
type URLRecord struct {
	RawURL        string    `json:"url"`
	NormalizedURL string    `json:"normalized_url"`
	Domain        string    `json:"domain"`
	Keyword       string    `json:"keyword,omitempty"`
	DiscoveredAt  time.Time `json:"discovered_at,omitempty"`
}

// NewURLRecord derives the normalized form and domain of raw.
func NewURLRecord(raw, keyword string, discoveredAt time.Time) URLRecord {
	return URLRecord{
		RawURL:        raw,
		NormalizedURL: NormalizeURL(raw),
		Domain:        Domain(raw),
		Keyword:       keyword,
		DiscoveredAt:  discoveredAt,
	}
}

// FetchOutcome is the durable result for one URL.
type FetchOutcome struct {
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	ErrorDetail string    `json:"error,omitempty"`
	Strategy    Strategy  `json:"strategy,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	RunID       string    `json:"run_id,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL. Headers override
// the strategy's browser header set.
type FetchRequest struct {
	URL     string
	Domain  string
	Headers http.Header
}

// FetchResponse is what a strategy observed on the wire or in the browser.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// DomainConfig describes one allow-listed media domain.
type DomainConfig struct {
	Name     string            `mapstructure:"name" json:"name"`
	Domain   string            `mapstructure:"domain" json:"domain"`
	Headless bool              `mapstructure:"headless" json:"headless"`
	Delay    time.Duration     `mapstructure:"delay" json:"delay"`
	Headers  map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// RunSummary aggregates counters for one orchestrator run.
type RunSummary struct {
	RunID            string         `json:"run_id"`
	Input            int            `json:"input"`
	Queued           int            `json:"queued"`
	Statuses         map[Status]int `json:"statuses"`
	SkippedDomain    map[string]int `json:"skipped_domain"`
	SkippedLedger    int            `json:"skipped_ledger"`
	SkippedKnown     int            `json:"skipped_known"`
	SkippedDuplicate int            `json:"skipped_duplicate"`
	Errors           int            `json:"errors"`
	Started          time.Time      `json:"started_at"`
	Duration         time.Duration  `json:"duration"`
	// Interrupted is set when cancellation or the run deadline stopped dispatch.
	Interrupted bool `json:"interrupted"`
}

// NewRunSummary returns a summary with initialized maps.
func NewRunSummary(runID string, started time.Time) RunSummary {
	return RunSummary{
		RunID:         runID,
		Statuses:      make(map[Status]int, len(Statuses)),
		SkippedDomain: make(map[string]int),
		Started:       started,
	}
}

// Completed returns the number of URLs that produced an outcome.
func (s RunSummary) Completed() int {
	total := 0
	for _, n := range s.Statuses {
		total += n
	}
	return total
}

// SkippedDomainTotal sums URLs ignored because their domain is not allow-listed.
func (s RunSummary) SkippedDomainTotal() int {
	total := 0
	for _, n := range s.SkippedDomain {
		total += n
	}
	return total
}

// SkippedDomainNames returns the ignored domains sorted alphabetically.
func (s RunSummary) SkippedDomainNames() []string {
	names := make([]string, 0, len(s.SkippedDomain))
	for name := range s.SkippedDomain {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies the summary maps.
func (s RunSummary) Clone() RunSummary {
	cp := s
	cp.Statuses = make(map[Status]int, len(s.Statuses))
	for k, v := range s.Statuses {
		cp.Statuses[k] = v
	}
	cp.SkippedDomain = make(map[string]int, len(s.SkippedDomain))
	for k, v := range s.SkippedDomain {
		cp.SkippedDomain[k] = v
	}
	return cp
}

// OutcomeEvent is the notification published after an outcome is recorded.
type OutcomeEvent struct {
	RunID       string    `json:"run_id"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	Keyword     string    `json:"keyword,omitempty"`
	Status      Status    `json:"status"`
	Strategy    Strategy  `json:"strategy,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	MirrorURI   string    `json:"mirror_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Attributes returns the message attributes used for subscription filtering.
func (e OutcomeEvent) Attributes() map[string]string {
	return map[string]string{
		"run_id": e.RunID,
		"status": string(e.Status),
		"domain": e.Domain,
	}
}
