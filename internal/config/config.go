package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks every configuration error. It is fatal: callers
// must stop before any output is created.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	ModeBatch  = "batch"
	ModeStream = "stream"

	DefaultIdleTimeout = 60 * time.Second
)

// SessionizerConfig holds the settings of the sessionization engine.
type SessionizerConfig struct {
	IdleTimeout         string `yaml:"idle_timeout"`
	Mode                string `yaml:"mode"`
	NumWorkers          int    `yaml:"num_workers"`
	NumShards           uint32 `yaml:"num_shards"`
	MaxIdle             string `yaml:"max_idle"`
	WatermarkSweep      bool   `yaml:"watermark_sweep"`
	AllowedLateness     string `yaml:"allowed_lateness"`
	SweepInterval       string `yaml:"sweep_interval"`
	MaxOpenRuns         int    `yaml:"max_open_runs"`
	SizeOfRecordChannel int    `yaml:"size_of_record_channel"`
}

// InputConfig names the flow-record CSV consumed in batch mode.
type InputConfig struct {
	Path string `yaml:"path"`
}

// CSVConfig configures the CSV session writer.
type CSVConfig struct {
	Path string `yaml:"path"`
}

// ClickHouseConfig holds connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// SQLConfig configures the database/sql session writer.
type SQLConfig struct {
	Driver    string `yaml:"driver"` // sqlite3 | postgres | mysql
	DSN       string `yaml:"dsn"`
	Table     string `yaml:"table"`
	BatchSize int    `yaml:"batch_size"`
}

// AMQPConfig configures the AMQP session publisher.
type AMQPConfig struct {
	URL          string `yaml:"url"`
	Exchange     string `yaml:"exchange"`
	ExchangeType string `yaml:"exchange_type"`
	RoutingKey   string `yaml:"routing_key"`
}

// NATSConfig configures the NATS session publisher.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// WriterDef defines a single session writer.
type WriterDef struct {
	Type       string           `yaml:"type"`
	Enabled    bool             `yaml:"enabled"`
	CSV        CSVConfig        `yaml:"csv"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	SQL        SQLConfig        `yaml:"sql"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	NATS       NATSConfig       `yaml:"nats"`
}

// OutputConfig lists the session writers.
type OutputConfig struct {
	Writers []WriterDef `yaml:"writers"`
}

// PersistenceConfig defines settings for persisting captured traffic.
type PersistenceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Path              string `yaml:"path"`
	Encoding          string `yaml:"encoding"` // pcapng | csv
	ChannelBufferSize int    `yaml:"channel_buffer_size"`
}

// ProbeConfig holds capture and transport settings shared by ns-probe and ns-engine.
type ProbeConfig struct {
	NATSURL     string            `yaml:"nats_url"`
	Subject     string            `yaml:"subject"`
	Interface   string            `yaml:"interface"`
	SnapshotLen int32             `yaml:"snapshot_len"`
	Promiscuous bool              `yaml:"promiscuous"`
	BPFFilter   string            `yaml:"bpf_filter"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// APIConfig holds the configuration for the query API server.
type APIConfig struct {
	ListenAddr string           `yaml:"listen_addr"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// EngineConfig holds the service endpoints of the streaming daemon.
type EngineConfig struct {
	GRPCListenAddr    string `yaml:"grpc_listen_addr"`
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Sessionizer SessionizerConfig `yaml:"sessionizer"`
	Input       InputConfig       `yaml:"input"`
	Output      OutputConfig      `yaml:"output"`
	Probe       ProbeConfig       `yaml:"probe"`
	API         APIConfig         `yaml:"api"`
	Engine      EngineConfig      `yaml:"engine"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns a configuration that runs a batch analysis into a CSV report.
func Default() *Config {
	return &Config{
		Sessionizer: SessionizerConfig{
			IdleTimeout:         "60s",
			Mode:                ModeBatch,
			NumWorkers:          runtime.NumCPU(),
			NumShards:           256,
			MaxIdle:             "5m",
			AllowedLateness:     "0s",
			SweepInterval:       "10s",
			MaxOpenRuns:         100000,
			SizeOfRecordChannel: 10000,
		},
		Output: OutputConfig{
			Writers: []WriterDef{
				{Type: "csv", Enabled: true, CSV: CSVConfig{Path: "reports/sessions.csv"}},
			},
		},
		Probe: ProbeConfig{
			NATSURL:     "nats://127.0.0.1:4222",
			Subject:     "gons.flows.raw",
			SnapshotLen: 1600,
			Promiscuous: true,
			Persistence: PersistenceConfig{
				Path:              "data/raw",
				Encoding:          "pcapng",
				ChannelBufferSize: 10000,
			},
		},
		API: APIConfig{
			ListenAddr: ":8080",
			ClickHouse: ClickHouseConfig{Host: "127.0.0.1", Port: 9000, Database: "default", Table: "peer_sessions"},
		},
		Engine: EngineConfig{
			GRPCListenAddr:    ":9090",
			MetricsListenAddr: ":9100",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the configuration from a YAML file on top of Default().
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	return cfg, nil
}

// ParseIdleTimeout accepts a Go duration ("90s", "2m") or a bare number of
// seconds ("60", "0.5"). The result must be strictly positive.
func ParseIdleTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: idle_timeout is empty", ErrInvalidConfig)
	}

	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs > math.MaxInt64/float64(time.Second) {
			return 0, fmt.Errorf("%w: idle_timeout %q is out of range", ErrInvalidConfig, s)
		}
		d = time.Duration(secs * float64(time.Second))
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: idle_timeout %q: %v", ErrInvalidConfig, s, err)
		}
	}

	if d <= 0 {
		return 0, fmt.Errorf("%w: idle_timeout must be a positive duration, got %q", ErrInvalidConfig, s)
	}
	return d, nil
}

// IdleTimeoutDuration returns the parsed idle gap threshold.
func (c *SessionizerConfig) IdleTimeoutDuration() (time.Duration, error) {
	return ParseIdleTimeout(c.IdleTimeout)
}

// MaxIdleDuration returns the wall-clock ceiling for open runs in stream mode.
// Zero disables the ceiling.
func (c *SessionizerConfig) MaxIdleDuration() (time.Duration, error) {
	return nonNegativeDuration("max_idle", c.MaxIdle)
}

// AllowedLatenessDuration returns how far behind the watermark a record may
// still arrive when watermark_sweep is on. Empty means zero.
func (c *SessionizerConfig) AllowedLatenessDuration() (time.Duration, error) {
	return nonNegativeDuration("allowed_lateness", c.AllowedLateness)
}

// SweepIntervalDuration returns how often stream mode sweeps idle runs.
func (c *SessionizerConfig) SweepIntervalDuration() (time.Duration, error) {
	return positiveDuration("sweep_interval", c.SweepInterval)
}

func positiveDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, name, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration, got %q", ErrInvalidConfig, name, s)
	}
	return d, nil
}

func nonNegativeDuration(name, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative, got %q", ErrInvalidConfig, name, s)
	}
	return d, nil
}

// Validate checks the settings the engine depends on. Every error wraps
// ErrInvalidConfig.
func (c *Config) Validate() error {
	s := &c.Sessionizer
	if _, err := s.IdleTimeoutDuration(); err != nil {
		return err
	}

	switch s.Mode {
	case ModeBatch, ModeStream:
	default:
		return fmt.Errorf("%w: unknown sessionizer mode %q", ErrInvalidConfig, s.Mode)
	}

	if s.NumWorkers <= 0 {
		return fmt.Errorf("%w: num_workers must be positive, got %d", ErrInvalidConfig, s.NumWorkers)
	}

	if s.Mode == ModeStream {
		if _, err := s.MaxIdleDuration(); err != nil {
			return err
		}
		if _, err := s.SweepIntervalDuration(); err != nil {
			return err
		}
		if _, err := s.AllowedLatenessDuration(); err != nil {
			return err
		}
		if s.MaxOpenRuns <= 0 {
			return fmt.Errorf("%w: max_open_runs must be positive, got %d", ErrInvalidConfig, s.MaxOpenRuns)
		}
	}

	for i, w := range c.Output.Writers {
		if w.Enabled && strings.TrimSpace(w.Type) == "" {
			return fmt.Errorf("%w: writer #%d has no type", ErrInvalidConfig, i)
		}
	}

	return nil
}

// EnabledWriters returns the writer definitions that are switched on.
func (c *Config) EnabledWriters() []WriterDef {
	var out []WriterDef
	for _, w := range c.Output.Writers {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}
