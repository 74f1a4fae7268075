package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Upstream  UpstreamConfig  `toml:"upstream"`
	Peer      PeerConfig      `toml:"peer"`
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Queue     QueueConfig     `toml:"queue"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Library   LibraryConfig   `toml:"library"`
}

// UpstreamConfig contains credentials for the upstream streaming service.
type UpstreamConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	BaseURL      string `toml:"base_url"`
	TokenURL     string `toml:"token_url"`
}

// PeerConfig contains connection settings for the peer transfer daemon.
type PeerConfig struct {
	BaseURL      string  `toml:"base_url"`
	APIKey       string  `toml:"api_key"`
	RequestsPerS float64 `toml:"requests_per_second"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP status server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// QueueConfig contains job queue engine settings.
type QueueConfig struct {
	Workers           int `toml:"workers"`
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
	MaxRetries        int `toml:"max_retries"`
	ShutdownGraceSecs int `toml:"shutdown_grace_secs"`
}

// MonitorConfig contains transfer monitor settings.
type MonitorConfig struct {
	PollSecs int `toml:"poll_secs"`
}

// SchedulerConfig contains cooldown scheduler settings.
type SchedulerConfig struct {
	TickSecs int `toml:"tick_secs"`
}

// BreakerConfig contains circuit breaker defaults, applied per dependency.
type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	SuccessThreshold int `toml:"success_threshold"`
	TimeoutSecs      int `toml:"timeout_secs"`
	ResetTimeoutSecs int `toml:"reset_timeout_secs"`
}

// LibraryConfig contains local music library paths.
type LibraryConfig struct {
	MusicDir      string `toml:"music_dir"`
	IncompleteDir string `toml:"incomplete_dir"`
}

// Addr returns the host:port string for the status server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShutdownGrace returns the queue shutdown grace period as a [time.Duration].
func (c QueueConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

// PollInterval returns the monitor poll interval as a [time.Duration].
func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSecs) * time.Second
}

// Tick returns the scheduler tick interval as a [time.Duration].
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSecs) * time.Second
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
