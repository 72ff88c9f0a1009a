// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix namespaces environment overrides, e.g. ODFM_FETCH_CONCURRENCY.
const EnvPrefix = "ODFM"

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig          `mapstructure:"logging"`
	Input    InputConfig            `mapstructure:"input"`
	Domains  []crawler.DomainConfig `mapstructure:"domains"`
	Fetch    FetchConfig            `mapstructure:"fetch"`
	Headless HeadlessConfig         `mapstructure:"headless"`
	Detector DetectorConfig         `mapstructure:"detector"`
	Storage  StorageConfig          `mapstructure:"storage"`
	Ledger   LedgerConfig           `mapstructure:"ledger"`
	Dedup    DedupConfig            `mapstructure:"dedup"`
	PubSub   PubSubConfig           `mapstructure:"pubsub"`
	Metrics  MetricsConfig          `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// InputConfig locates the discovered URL list.
type InputConfig struct {
	URLsFile string `mapstructure:"urls_file"`
}

// FetchConfig governs the orchestrator and the direct strategy.
type FetchConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	QueueSize          int           `mapstructure:"queue_size"`
	UserAgent          string        `mapstructure:"user_agent"`
	AcceptLanguage     string        `mapstructure:"accept_language"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	DefaultDelay       time.Duration `mapstructure:"default_delay"`
	EscalateAllBlocked bool          `mapstructure:"escalate_all_blocked"`
	// RunTimeout bounds a whole fetch run. Zero means no deadline.
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
}

// HeadlessConfig configures the browser strategy.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	Locale             string        `mapstructure:"locale"`
	Timezone           string        `mapstructure:"timezone"`
	ViewportWidth      int           `mapstructure:"viewport_width"`
	ViewportHeight     int           `mapstructure:"viewport_height"`
	DomainQPS          float64       `mapstructure:"domain_qps"`
	ExecPath           string        `mapstructure:"exec_path"`
}

// DetectorConfig lists the phrases that mark a page as blocked.
type DetectorConfig struct {
	BlockPhrases []string `mapstructure:"block_phrases"`
}

// StorageConfig sets the document store root and the optional GCS mirror.
type StorageConfig struct {
	Root      string `mapstructure:"root"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// LedgerConfig locates the outcome ledger and its optional Postgres mirror.
type LedgerConfig struct {
	Path        string         `mapstructure:"path"`
	ErrorMaxLen int            `mapstructure:"error_max_len"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the outcome mirror. An empty DSN disables it.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DedupConfig lists the CSV files that seed the dedup index.
type DedupConfig struct {
	// Sources are the downstream files consulted by fetch.
	Sources []string `mapstructure:"sources"`
	// DiscoverySources are consulted by filter, which also sees the discovery files.
	DiscoverySources []string `mapstructure:"discovery_sources"`
}

// PubSubConfig holds metadata for outcome notifications. An empty topic disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig sets the ops server address. Empty disables the server.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("input.urls_file", "data/urls_clean.csv")
	v.SetDefault("fetch.concurrency", 10)
	v.SetDefault("fetch.queue_size", 0)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.accept_language", "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.default_delay", "500ms")
	v.SetDefault("fetch.escalate_all_blocked", true)
	v.SetDefault("fetch.run_timeout", "0s")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.network_idle_timeout", "30s")
	v.SetDefault("headless.settle_delay", "2s")
	v.SetDefault("headless.locale", "fr-FR")
	v.SetDefault("headless.timezone", "Europe/Paris")
	v.SetDefault("headless.viewport_width", 1920)
	v.SetDefault("headless.viewport_height", 1080)
	v.SetDefault("headless.domain_qps", 0)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("detector.block_phrases", []string{"access denied", "accès refusé", "access forbidden"})
	v.SetDefault("storage.root", "data/raw_html")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "raw_html")
	v.SetDefault("ledger.path", "data/fetch_log.csv")
	v.SetDefault("ledger.error_max_len", 200)
	v.SetDefault("ledger.postgres.dsn", "")
	v.SetDefault("ledger.postgres.table", "fetch_outcomes")
	v.SetDefault("ledger.postgres.max_conns", 4)
	v.SetDefault("dedup.sources", []string{"data/articles_clean.csv", "data/scores.csv"})
	v.SetDefault("dedup.discovery_sources", []string{
		"data/urls_raw.csv",
		"data/urls_clean.csv",
		"data/articles_clean.csv",
		"data/scores.csv",
	})
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Fetch.Concurrency <= 0:
		return invalid("fetch.concurrency must be > 0")
	case c.Fetch.Timeout <= 0:
		return invalid("fetch.timeout must be > 0")
	case c.Fetch.DefaultDelay <= 0:
		return invalid("fetch.default_delay must be > 0")
	case c.Fetch.RunTimeout < 0:
		return invalid("fetch.run_timeout must be >= 0")
	case c.Fetch.QueueSize < 0:
		return invalid("fetch.queue_size must be >= 0")
	case c.Headless.Enabled && c.Headless.MaxParallel <= 0:
		return invalid("headless.max_parallel must be > 0 when headless is enabled")
	case c.Headless.DomainQPS < 0:
		return invalid("headless.domain_qps must be >= 0")
	case strings.TrimSpace(c.Storage.Root) == "":
		return invalid("storage.root is required")
	case strings.TrimSpace(c.Ledger.Path) == "":
		return invalid("ledger.path is required")
	case c.Ledger.ErrorMaxLen < 0:
		return invalid("ledger.error_max_len must be >= 0")
	case c.PubSub.TopicName != "" && c.PubSub.ProjectID == "":
		return invalid("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	for i, d := range c.Domains {
		if strings.TrimSpace(d.Domain) == "" {
			return invalid(fmt.Sprintf("domains[%d].domain is required", i))
		}
		if d.Delay < 0 {
			return invalid(fmt.Sprintf("domains[%d].delay must be >= 0", i))
		}
	}
	return nil
}

// AllowList builds the domain allow-list from the configured entries.
func (c Config) AllowList() *crawler.AllowList {
	return crawler.NewAllowList(c.Domains)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}
