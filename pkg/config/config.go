// Package config loads the connector settings from YAML. Values of the form
// ${NAME} are taken from the environment, which may be seeded from .env files.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMetricsAddr = ":9090"
	DefaultLogLevel    = "info"
	DefaultAuditPath   = "data/audit"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} only, bare $ is common in curve keys
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// Stream is one market data or execution subscription
type Stream struct {
	Name       string        `yaml:"name"`
	DSN        string        `yaml:"dsn"`
	Subscribes []string      `yaml:"subscribes"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
}

// Signals configures where trading signals come from and where acknowledgements go
type Signals struct {
	DSN       string `yaml:"dsn"`
	AckDSN    string `yaml:"ack_dsn"`
	QueueSize int    `yaml:"queue_size"`
}

// Venue selects order placement by DSN scheme: mock://, fix:// or http(s)://
type Venue struct {
	DSN       string        `yaml:"dsn"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Dispatch struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Book depth is the number of entries per side in published snapshots, 0 keeps the full book
type Book struct {
	Depth int `yaml:"depth"`
}

type Audit struct {
	Path          string        `yaml:"path"`
	Books         bool          `yaml:"books"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

type Config struct {
	Exchange    string   `yaml:"exchange"`
	Symbols     []string `yaml:"symbols"`
	LogLevel    string   `yaml:"log_level"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Streams     []Stream `yaml:"streams"`
	Signals     Signals  `yaml:"signals"`
	Venue       Venue    `yaml:"venue"`
	Dispatch    Dispatch `yaml:"dispatch"`
	Book        Book     `yaml:"book"`
	Audit       Audit    `yaml:"audit"`
}

// LoadEnv seeds the environment from .env files, missing files are skipped.
// Variables already set in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return errors.WithMessage(err, "fail load "+file)
		}
	}
	return nil
}

// Load reads the YAML file, expands ${VAR} references and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "fail read config")
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, errors.WithMessage(err, "fail decode yaml")
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath
	}
	for i := range c.Streams {
		if c.Streams[i].Name == "" {
			c.Streams[i].Name = c.Exchange
		}
	}
}

func (c *Config) Validate() error {
	if c.Exchange == "" {
		return errors.New("exchange is empty")
	}
	if len(c.Symbols) == 0 {
		return errors.New("no symbols configured")
	}
	for _, symbol := range c.Symbols {
		if strings.TrimSpace(symbol) == "" {
			return errors.New("empty symbol")
		}
	}
	if c.Venue.DSN == "" {
		return errors.New("venue dsn is empty")
	}
	for _, stream := range c.Streams {
		if stream.DSN == "" {
			return errors.New("stream " + stream.Name + ": dsn is empty")
		}
		if stream.Heartbeat < 0 {
			return errors.New("stream " + stream.Name + ": negative heartbeat")
		}
	}
	if c.Book.Depth < 0 {
		return errors.New("book depth must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) Instruments() []trading.Instrument {
	instruments := make([]trading.Instrument, 0, len(c.Symbols))
	for _, symbol := range c.Symbols {
		instruments = append(instruments, trading.NewInstrument(c.Exchange, strings.TrimSpace(symbol)))
	}
	return instruments
}

// VenueKind is the scheme of the venue DSN
func (c *Config) VenueKind() string {
	if i := strings.Index(c.Venue.DSN, "://"); i > 0 {
		return strings.ToLower(c.Venue.DSN[:i])
	}
	return ""
}
