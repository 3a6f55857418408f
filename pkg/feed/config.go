package feed

import (
	"fmt"
	"strings"
	"time"
)

const (
	KindHTTP     = "http"
	KindEPUB     = "epub"
	KindMediaDir = "mediadir"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
	BackendSQLite = "sqlite"
)

type Settings struct {
	Feed     FeedSettings     `yaml:"feed" json:"feed"`
	Tiers    []TierSettings   `yaml:"tiers" json:"tiers"`
	Sources  []SourceSettings `yaml:"sources" json:"sources"`
	Prefetch PrefetchSettings `yaml:"prefetch" json:"prefetch"`
	Store    StoreSettings    `yaml:"store" json:"store"`
	Redis    RedisSettings    `yaml:"redis" json:"redis"`
	RocketMQ RocketMQSettings `yaml:"rocketmq" json:"rocketmq"`
}

type FeedSettings struct {
	DefaultSize  int           `yaml:"default_size" json:"defaultSize"`
	MaxSize      int           `yaml:"max_size" json:"maxSize"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetchTimeout"`
	FreshFor     time.Duration `yaml:"fresh_for" json:"freshFor"`
	MaxSessions  int           `yaml:"max_sessions" json:"maxSessions"`
}

type TierSettings struct {
	Tier   int           `yaml:"tier" json:"tier"`
	Budget int           `yaml:"budget" json:"budget"`
	Sort   string        `yaml:"sort" json:"sort"` // recency | priority | oldest
	Bucket time.Duration `yaml:"bucket" json:"bucket"`
}

type SourceSettings struct {
	Name    string            `yaml:"name" json:"name"`
	Kind    string            `yaml:"kind" json:"kind"`
	Tier    int               `yaml:"tier" json:"tier"`
	Padding bool              `yaml:"padding" json:"padding"`
	URL     string            `yaml:"url" json:"url"`
	Path    string            `yaml:"path" json:"path"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
	Limit   int               `yaml:"limit" json:"limit"`
	Filters map[string]string `yaml:"filters" json:"filters"`
}

func (s SourceSettings) Query() Query {
	return Query{Filters: s.Filters, Limit: s.Limit}
}

// Expensive reports whether the source needs the prefetch manager in front of it.
func (s SourceSettings) Expensive() bool { return s.Kind == KindEPUB }

type PrefetchSettings struct {
	Enabled       string        `yaml:"enabled" json:"enabled"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initialDelay"`
	Interval      time.Duration `yaml:"interval" json:"interval"`
	ItemTimeout   time.Duration `yaml:"item_timeout" json:"itemTimeout"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"ratePerSecond"`
}

type StoreSettings struct {
	Backend string `yaml:"backend" json:"backend"` // memory | redis | mysql | sqlite
	DSN     string `yaml:"dsn" json:"dsn"`
}

type RedisSettings struct {
	Enabled   string        `yaml:"enabled" json:"enabled"`
	Host      string        `yaml:"host" json:"host"`
	Port      int           `yaml:"port" json:"port"`
	Database  int           `yaml:"database" json:"database"`
	Password  string        `yaml:"password" json:"password"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	KeyPrefix string        `yaml:"key-prefix" json:"keyPrefix"`
	Pool      RedisPool     `yaml:"pool" json:"pool"`
}

type RedisPool struct {
	MaxIdle   int `yaml:"max-idle" json:"maxIdle"`
	MaxActive int `yaml:"max-active" json:"maxActive"`
}

type RocketMQSettings struct {
	Enabled    string           `yaml:"enabled" json:"enabled"`
	NameServer string           `yaml:"name-server" json:"nameServer"`
	Producer   RocketMQProducer `yaml:"producer" json:"producer"`
	Topic      string           `yaml:"topic" json:"topic"`
	Tag        string           `yaml:"tag" json:"tag"`
}

type RocketMQProducer struct {
	AccessKey string `yaml:"access-key" json:"accessKey"`
	SecretKey string `yaml:"secret-key" json:"secretKey"`
	Group     string `yaml:"group" json:"group"`
}

func (s Settings) WithDefaults() Settings {
	o := s
	o.Prefetch.Enabled = normalizeYN(o.Prefetch.Enabled, "Y")
	o.Redis.Enabled = normalizeYN(o.Redis.Enabled, "N")
	o.RocketMQ.Enabled = normalizeYN(o.RocketMQ.Enabled, "N")

	if o.Feed.DefaultSize <= 0 {
		o.Feed.DefaultSize = 20
	}
	if o.Feed.MaxSize <= 0 {
		o.Feed.MaxSize = 100
	}
	if o.Feed.FetchTimeout == 0 {
		o.Feed.FetchTimeout = 5 * time.Second
	}
	if o.Feed.FreshFor == 0 {
		o.Feed.FreshFor = 2 * time.Minute
	}
	if o.Feed.MaxSessions <= 0 {
		o.Feed.MaxSessions = 10000
	}

	tiers := make([]TierSettings, len(o.Tiers))
	for i, t := range o.Tiers {
		if t.Sort == "" {
			t.Sort = "recency"
		}
		if t.Bucket == 0 {
			t.Bucket = time.Hour
		}
		tiers[i] = t
	}
	o.Tiers = tiers

	srcs := make([]SourceSettings, len(o.Sources))
	for i, src := range o.Sources {
		src.Name = strings.TrimSpace(src.Name)
		src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
		if src.Timeout == 0 {
			src.Timeout = o.Feed.FetchTimeout
		}
		srcs[i] = src
	}
	o.Sources = srcs

	if o.Prefetch.InitialDelay == 0 {
		o.Prefetch.InitialDelay = 30 * time.Second
	}
	if o.Prefetch.Interval == 0 {
		o.Prefetch.Interval = 30 * time.Minute
	}
	if o.Prefetch.ItemTimeout == 0 {
		o.Prefetch.ItemTimeout = 60 * time.Second
	}

	if o.Store.Backend == "" {
		o.Store.Backend = BackendMemory
		if o.Redis.Enabled == "Y" {
			o.Store.Backend = BackendRedis
		}
	}
	o.Store.Backend = strings.ToLower(o.Store.Backend)

	if o.Redis.Port == 0 {
		o.Redis.Port = 6379
	}
	if o.Redis.Timeout == 0 {
		o.Redis.Timeout = 5 * time.Second
	}
	if o.Redis.KeyPrefix == "" {
		o.Redis.KeyPrefix = "feed:"
	}
	return o
}

// Validate rejects configurations the engine cannot run with. Every error
// wraps ErrConfigurationInvalid and is meant to stop the process at startup.
func (s Settings) Validate() error {
	tiers := make(map[int]bool, len(s.Tiers))
	for _, t := range s.Tiers {
		if tiers[t.Tier] {
			return invalid("duplicate tier %d", t.Tier)
		}
		tiers[t.Tier] = true
		if t.Budget < 0 {
			return invalid("tier %d: negative budget %d", t.Tier, t.Budget)
		}
		switch t.Sort {
		case "", "recency", "priority", "oldest":
		default:
			return invalid("tier %d: unknown sort %q", t.Tier, t.Sort)
		}
		if t.Bucket < 0 {
			return invalid("tier %d: negative bucket", t.Tier)
		}
	}

	if len(s.Sources) == 0 {
		return invalid("no sources configured")
	}
	names := make(map[string]bool, len(s.Sources))
	for _, src := range s.Sources {
		if src.Name == "" {
			return invalid("source without name")
		}
		if names[src.Name] {
			return invalid("duplicate source %q", src.Name)
		}
		names[src.Name] = true
		if !src.Padding && !tiers[src.Tier] {
			return invalid("source %q: tier %d has no rule", src.Name, src.Tier)
		}
		switch src.Kind {
		case KindHTTP:
			if src.URL == "" {
				return invalid("source %q: missing url", src.Name)
			}
		case KindEPUB, KindMediaDir:
			if src.Path == "" {
				return invalid("source %q: missing path", src.Name)
			}
		default:
			return invalid("source %q: unknown kind %q", src.Name, src.Kind)
		}
	}

	switch s.Store.Backend {
	case "", BackendMemory:
	case BackendRedis:
		if s.Redis.Host == "" {
			return invalid("store redis: missing redis.host")
		}
	case BackendMySQL, BackendSQLite:
		if s.Store.DSN == "" {
			return invalid("store %s: missing dsn", s.Store.Backend)
		}
	default:
		return invalid("unknown store backend %q", s.Store.Backend)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

func normalizeYN(v, def string) string {
	v = strings.TrimSpace(strings.ToUpper(v))
	switch v {
	case "":
		return def
	case "Y", "TRUE", "1", "YES":
		return "Y"
	default:
		return "N"
	}
}
