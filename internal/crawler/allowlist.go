package crawler

import (
	"net/http"
	"strings"
	"time"
)

// AllowList holds the configured media domains keyed by their normalized host.
// Entries are exact hosts ("lemonde.fr") or suffix wildcards ("*.lemonde.fr").
type AllowList struct {
	exact    map[string]DomainConfig
	suffixes []suffixEntry
}

type suffixEntry struct {
	suffix string
	cfg    DomainConfig
}

// NewAllowList builds an AllowList from domain configuration. Hosts are
// lower-cased and stripped of "www." so they compare against Domain().
func NewAllowList(domains []DomainConfig) *AllowList {
	list := &AllowList{
		exact: make(map[string]DomainConfig),
	}
	for _, d := range domains {
		value := strings.TrimSpace(strings.ToLower(d.Domain))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			list.addSuffix(stripWWW(strings.TrimPrefix(value, "*.")), d)
		case strings.HasPrefix(value, "."):
			list.addSuffix(stripWWW(strings.TrimPrefix(value, ".")), d)
		default:
			d.Domain = stripWWW(value)
			list.exact[d.Domain] = d
		}
	}
	return list
}

func (l *AllowList) addSuffix(suffix string, cfg DomainConfig) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing.suffix == suffix {
			return
		}
	}
	cfg.Domain = suffix
	l.suffixes = append(l.suffixes, suffixEntry{suffix: suffix, cfg: cfg})
}

// Len reports how many domain patterns are configured.
func (l *AllowList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.suffixes)
}

// Lookup returns the configuration of the entry matching domain.
func (l *AllowList) Lookup(domain string) (DomainConfig, bool) {
	if l == nil {
		return DomainConfig{}, false
	}
	domain = stripWWW(strings.TrimSpace(strings.ToLower(domain)))
	if domain == "" {
		return DomainConfig{}, false
	}
	if cfg, ok := l.exact[domain]; ok {
		return cfg, true
	}
	for _, entry := range l.suffixes {
		if domain == entry.suffix || strings.HasSuffix(domain, "."+entry.suffix) {
			return entry.cfg, true
		}
	}
	return DomainConfig{}, false
}

// Allows reports whether domain is allow-listed.
func (l *AllowList) Allows(domain string) bool {
	_, ok := l.Lookup(domain)
	return ok
}

// WantsHeadless reports whether domain is pre-identified as anti-bot protected.
func (l *AllowList) WantsHeadless(domain string) bool {
	cfg, ok := l.Lookup(domain)
	return ok && cfg.Headless
}

// Headers returns the extra request headers configured for domain, or nil.
func (l *AllowList) Headers(domain string) http.Header {
	cfg, ok := l.Lookup(domain)
	if !ok || len(cfg.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	return h
}

// Delays returns the per-domain interval overrides keyed by configured domain.
func (l *AllowList) Delays() map[string]time.Duration {
	out := make(map[string]time.Duration)
	if l == nil {
		return out
	}
	for host, cfg := range l.exact {
		if cfg.Delay > 0 {
			out[host] = cfg.Delay
		}
	}
	for _, entry := range l.suffixes {
		if entry.cfg.Delay > 0 {
			out[entry.suffix] = entry.cfg.Delay
		}
	}
	return out
}

// Key maps domain to the configured entry it falls under, so wildcard
// subdomains share one rate-limit gate.
func (l *AllowList) Key(domain string) string {
	cfg, ok := l.Lookup(domain)
	if !ok {
		return stripWWW(strings.ToLower(domain))
	}
	return cfg.Domain
}
