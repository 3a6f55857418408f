package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr         string        `yaml:"addr"` // ":7101"
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"http"`

	Session struct {
		Header   string `yaml:"header"`
		QueryKey string `yaml:"query_key"`
	} `yaml:"session"`

	Breaker struct {
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	DB struct {
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
	} `yaml:"db"`

	feed.Settings `yaml:",inline"`
}

// Load supports comma-separated config files: "-c common.yml,feed.yml".
// Later files override earlier ones. The result is defaulted and validated.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,feed.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	if err := c.Settings.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7101"
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 5 * time.Second
	}
	if c.Session.Header == "" {
		c.Session.Header = "X-Feed-Session"
	}
	if c.Session.QueryKey == "" {
		c.Session.QueryKey = "session"
	}
	c.Settings = c.Settings.WithDefaults()
}
