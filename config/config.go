// Package config holds the broker connection settings and bridge configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 5672
	DefaultExchange = "loopback"
	DefaultBinding  = "loopback"
	DefaultQueue    = "loopback"
)

// Settings describes how to reach the broker and which topology to assert.
// The zero value is valid once normalized.
type Settings struct {
	Login    string `env:"LOGIN"`
	Password string `env:"PASSWORD"`
	Host     string `env:"HOST"`
	Port     int    `env:"PORT"`
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE"`
	Binding  string `env:"BINDING"`
	Queue    string `env:"QUEUE"`
}

// Normalize returns a copy with defaults applied
func (s Settings) Normalize() Settings {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.Exchange == "" {
		s.Exchange = DefaultExchange
	}
	if s.Binding == "" {
		s.Binding = DefaultBinding
	}
	if s.Queue == "" {
		s.Queue = DefaultQueue
	}
	return s
}

// BrokerURL returns the URL override when set, otherwise the URL composed from
// login, password, host and port
func (s Settings) BrokerURL() string {
	if s.URL != "" {
		return s.URL
	}

	s = s.Normalize()
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
	}
	switch {
	case s.Password != "":
		u.User = url.UserPassword(s.Login, s.Password)
	case s.Login != "":
		u.User = url.User(s.Login)
	}
	return u.String()
}

// Validate rejects settings that cannot produce a usable topology
func (s Settings) Validate() error {
	s = s.Normalize()
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if strings.ContainsAny(s.Binding, "*#") {
		return fmt.Errorf("binding %q must not contain wildcards", s.Binding)
	}
	if s.URL != "" {
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid broker url: %w", err)
		}
		if u.Scheme != "amqp" && u.Scheme != "amqps" {
			return fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
		}
	}
	return nil
}

// Config is the complete bridge configuration
type Config struct {
	Broker Settings

	AuthEnabled  bool          `env:"AUTH_ENABLED"`
	TokenSecret  string        `env:"TOKEN_SECRET"`
	ACLFile      string        `env:"ACL_FILE"`
	ReplyTimeout time.Duration `env:"REPLY_TIMEOUT" envDefault:"30s"`
	Prefetch     int           `env:"PREFETCH" envDefault:"10"`

	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"10s"`

	DBPath string   `env:"DB_PATH" envDefault:"rpcbridge.db"`
	Models []string `env:"MODELS" envSeparator:","`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	HealthAddr   string `env:"HEALTH_ADDR"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "RPCBRIDGE_"

// Load reads the configuration from the environment
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads the configuration from the given variables, or from the process
// environment when environment is nil
func LoadFrom(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Broker = cfg.Broker.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if c.ReplyTimeout < 0 {
		return fmt.Errorf("reply timeout must not be negative")
	}
	if c.PublishTimeout < 0 {
		return fmt.Errorf("publish timeout must not be negative")
	}
	if c.AuthEnabled && c.TokenSecret == "" {
		return fmt.Errorf("%sTOKEN_SECRET is required when access control is enabled", EnvPrefix)
	}
	return nil
}
