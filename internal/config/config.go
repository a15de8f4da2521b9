// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/fetcher/twitter"
	"github.com/JakeFAU/convograph-crawler/internal/notify/pubsub"
	"github.com/JakeFAU/convograph-crawler/internal/notify/redisguard"
	"github.com/JakeFAU/convograph-crawler/internal/notify/smtp"
	"github.com/JakeFAU/convograph-crawler/internal/storage/gcs"
	"github.com/JakeFAU/convograph-crawler/internal/storage/local"
	"github.com/JakeFAU/convograph-crawler/internal/storage/mongodb"
	"github.com/JakeFAU/convograph-crawler/internal/storage/postgres"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CONVOGRAPH"

// Storage, ledger and archive backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// EventDateLayout is accepted for event start dates besides RFC 3339.
const EventDateLayout = "2006-01-02"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	API      twitter.Config        `mapstructure:"api"`
	Crawl    CrawlConfig           `mapstructure:"crawl"`
	Pacing   PacingConfig          `mapstructure:"pacing"`
	Governor GovernorConfig        `mapstructure:"governor"`
	Pools    map[string]PoolConfig `mapstructure:"pools"`
	Storage  StorageConfig         `mapstructure:"storage"`
	Ledger   LedgerConfig          `mapstructure:"ledger"`
	Archive  ArchiveConfig         `mapstructure:"archive"`
	Notify   NotifyConfig          `mapstructure:"notify"`
	Server   ServerConfig          `mapstructure:"server"`
	Schedule ScheduleConfig        `mapstructure:"schedule"`
	Logging  LoggingConfig         `mapstructure:"logging"`
	Events   []EventConfig         `mapstructure:"events"`
}

// CrawlConfig governs traversal behavior.
type CrawlConfig struct {
	// CompleteTree seeds hashtag hits by their conversation root.
	CompleteTree bool `mapstructure:"complete_tree"`
	// AllFollowers lifts the one-page cap of follower and following crawls.
	AllFollowers  bool          `mapstructure:"all_followers"`
	MaxResetWaits int           `mapstructure:"max_reset_waits"`
	PopDelay      time.Duration `mapstructure:"pop_delay"`
	LookupBatch   int           `mapstructure:"lookup_batch"`
}

// PacingConfig sets per-call spacing and optional shared per-family rates.
type PacingConfig struct {
	Interval  time.Duration      `mapstructure:"interval"`
	Floor     time.Duration      `mapstructure:"floor"`
	SharedRPS map[string]float64 `mapstructure:"shared_rps"`
	Burst     int                `mapstructure:"burst"`
}

// GovernorConfig tunes quota interpretation.
type GovernorConfig struct {
	Sentinels       []int            `mapstructure:"sentinels"`
	FamilySentinels map[string][]int `mapstructure:"family_sentinels"`
	Skew            time.Duration    `mapstructure:"skew"`
	FallbackReset   time.Duration    `mapstructure:"fallback_reset"`
}

// PoolConfig overrides one worker pool.
type PoolConfig struct {
	Workers int `mapstructure:"workers"`
}

// StorageConfig selects the document store.
type StorageConfig struct {
	Backend     string              `mapstructure:"backend"`
	Mongo       mongodb.Config      `mapstructure:"mongo"`
	Collections crawler.Collections `mapstructure:"collections"`
}

// LedgerConfig selects where runs are recorded.
type LedgerConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// ArchiveConfig selects where malformed responses are kept.
type ArchiveConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// NotifyConfig lists the alert channels.
type NotifyConfig struct {
	// Log writes alerts to the structured log.
	Log    bool              `mapstructure:"log"`
	SMTP   smtp.Config       `mapstructure:"smtp"`
	PubSub pubsub.Config     `mapstructure:"pubsub"`
	Guard  redisguard.Config `mapstructure:"guard"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ScheduleConfig lists cron-driven pool passes.
type ScheduleConfig struct {
	Entries []ScheduleEntry `mapstructure:"entries"`
}

// ScheduleEntry runs the named pools on a cron spec.
type ScheduleEntry struct {
	Spec  string   `mapstructure:"spec"`
	Pools []string `mapstructure:"pools"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EventConfig is a named crawl definition.
type EventConfig struct {
	Name    string   `mapstructure:"name"`
	SeedID  string   `mapstructure:"seed_id"`
	Start   string   `mapstructure:"start"`
	Days    int      `mapstructure:"days"`
	Tags    []string `mapstructure:"tags"`
	Comment string   `mapstructure:"comment"`
}

// StartTime parses Start as a date or an RFC 3339 timestamp. An empty Start yields zero.
func (e EventConfig) StartTime() (time.Time, error) {
	raw := strings.TrimSpace(e.Start)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(EventDateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("event %q: start %q is neither %s nor RFC 3339", e.Name, raw, EventDateLayout)
	}
	return t.UTC(), nil
}

// Event looks up an event by name.
func (c Config) Event(name string) (EventConfig, bool) {
	for _, ev := range c.Events {
		if ev.Name == name {
			return ev, true
		}
	}
	return EventConfig{}, false
}

// LoadDotEnv loads .env files into the process environment. Missing files are ignored and
// variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api.bearer_token", EnvPrefix+"_API_BEARER_TOKEN", "TWITTER_BEARER_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind bearer token env: %w", err)
	}

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
	v.SetDefault("api.base_url", twitter.DefaultBaseURL)
	v.SetDefault("api.bearer_token", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.context_annotations", false)
	v.SetDefault("crawl.complete_tree", false)
	v.SetDefault("crawl.all_followers", false)
	v.SetDefault("crawl.max_reset_waits", 0)
	v.SetDefault("crawl.pop_delay", 800*time.Millisecond)
	v.SetDefault("crawl.lookup_batch", 100)
	v.SetDefault("pacing.interval", time.Second)
	v.SetDefault("pacing.floor", 800*time.Millisecond)
	v.SetDefault("pacing.burst", 1)
	v.SetDefault("governor.sentinels", []int{2700})
	v.SetDefault("governor.skew", 2*time.Second)
	v.SetDefault("governor.fallback_reset", 15*time.Minute)
	v.SetDefault("storage.backend", BackendMongo)
	v.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo.database", "convograph")
	v.SetDefault("storage.mongo.connect_timeout", 10*time.Second)
	v.SetDefault("storage.collections.tweets", "tweets")
	v.SetDefault("storage.collections.users", "users")
	v.SetDefault("storage.collections.timelines", "timelines")
	v.SetDefault("storage.collections.follows", "follows")
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.postgres.dsn", "")
	v.SetDefault("ledger.postgres.table", "crawl_runs")
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.local.base_dir", "./archive")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "convograph")
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 465)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.to", []string{})
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic", "")
	v.SetDefault("notify.guard.redis_addr", "")
	v.SetDefault("notify.guard.redis_password", "")
	v.SetDefault("notify.guard.redis_db", 0)
	v.SetDefault("notify.guard.prefix", "convograph:notify:")
	v.SetDefault("notify.guard.period", 24*time.Hour)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.Pacing.Interval <= 0 || c.Pacing.Floor <= 0 {
		return fmt.Errorf("pacing.interval and pacing.floor must be > 0")
	}
	if c.Crawl.LookupBatch <= 0 || c.Crawl.LookupBatch > twitter.MaxIDs {
		return fmt.Errorf("crawl.lookup_batch must be between 1 and %d", twitter.MaxIDs)
	}
	if c.Crawl.MaxResetWaits < 0 {
		return fmt.Errorf("crawl.max_reset_waits must be >= 0")
	}
	if _, err := c.Governor.FamilySentinelMap(); err != nil {
		return err
	}
	if _, err := c.Pacing.SharedRateMap(); err != nil {
		return err
	}
	for name, p := range c.Pools {
		if p.Workers < 0 {
			return fmt.Errorf("pools.%s.workers must be >= 0", name)
		}
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	for i, entry := range c.Schedule.Entries {
		if strings.TrimSpace(entry.Spec) == "" || len(entry.Pools) == 0 {
			return fmt.Errorf("schedule.entries[%d] needs a spec and at least one pool", i)
		}
	}
	return c.validateEvents()
}

func (c Config) validateBackends() error {
	switch c.Storage.Backend {
	case BackendMongo:
		if c.Storage.Mongo.URI == "" || c.Storage.Mongo.Database == "" {
			return fmt.Errorf("storage.mongo.uri and storage.mongo.database are required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be %s or %s, got %q", BackendMongo, BackendMemory, c.Storage.Backend)
	}
	cols := c.Storage.Collections
	if cols.Tweets == "" || cols.Users == "" || cols.Timelines == "" || cols.Follows == "" {
		return fmt.Errorf("storage.collections must name every collection")
	}

	switch c.Ledger.Backend {
	case BackendNone, BackendMemory:
	case BackendPostgres:
		if c.Ledger.Postgres.DSN == "" {
			return fmt.Errorf("ledger.postgres.dsn is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("ledger.backend must be none, memory or postgres, got %q", c.Ledger.Backend)
	}

	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local archive")
		}
	case BackendGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend must be none, memory, local or gcs, got %q", c.Archive.Backend)
	}
	return nil
}

func (c Config) validateEvents() error {
	seen := make(map[string]struct{}, len(c.Events))
	for i, ev := range c.Events {
		if ev.Name == "" {
			return fmt.Errorf("events[%d].name is required", i)
		}
		if _, dup := seen[ev.Name]; dup {
			return fmt.Errorf("event %q is defined twice", ev.Name)
		}
		seen[ev.Name] = struct{}{}
		start, err := ev.StartTime()
		if err != nil {
			return err
		}
		if len(ev.Tags) > 0 {
			if start.IsZero() || ev.Days <= 0 {
				return fmt.Errorf("event %q: tags need a start and days > 0", ev.Name)
			}
			continue
		}
		if ev.SeedID == "" {
			return fmt.Errorf("event %q needs tags or a seed_id", ev.Name)
		}
	}
	return nil
}

// FamilySentinelMap converts family names into crawler families.
func (g GovernorConfig) FamilySentinelMap() (map[crawler.Family][]int, error) {
	out := make(map[crawler.Family][]int, len(g.FamilySentinels))
	for name, values := range g.FamilySentinels {
		f, ok := crawler.ParseFamily(name)
		if !ok {
			return nil, fmt.Errorf("governor.family_sentinels: unknown family %q", name)
		}
		out[f] = values
	}
	return out, nil
}

// SharedRateMap converts family names into crawler families.
func (p PacingConfig) SharedRateMap() (map[crawler.Family]float64, error) {
	out := make(map[crawler.Family]float64, len(p.SharedRPS))
	for name, rps := range p.SharedRPS {
		f, ok := crawler.ParseFamily(name)
		if !ok {
			return nil, fmt.Errorf("pacing.shared_rps: unknown family %q", name)
		}
		out[f] = rps
	}
	return out, nil
}
