package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the corresponding config value is zero.
const (
	DefaultDownloadChunkKB  = 1024
	DefaultBigFileWorkers   = 15
	DefaultSmallFileWorkers = 3
	DefaultFinalizeDelay    = 1500 * time.Millisecond
	DefaultRetryDelay       = time.Second
	DefaultBrokerWindow     = 100 * time.Millisecond
	DefaultRateInterval     = 50 * time.Millisecond
)

// Config represents the main configuration for chanfs.
type Config struct {
	AccountID  string           `toml:"account_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Backend    BackendConfig    `toml:"backend"`
	Transfer   TransferConfig   `toml:"transfer"`
	Broker     BrokerConfig     `toml:"broker"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Filesystem FilesystemConfig `toml:"filesystem"`

	// LargeBackend receives payloads the main backend cannot accept when the
	// main backend is a lightweight identity. Optional.
	LargeBackend *BackendConfig `toml:"large_backend,omitempty"`
}

// BackendConfig represents configuration for the channel backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type        string `toml:"type"` // "memory", "sqlite", or "s3"
	Name        string `toml:"name"`
	Lightweight bool   `toml:"lightweight,omitempty"`

	// SQLite-specific fields (only used when Type == "sqlite")
	DataDir  string `toml:"data_dir,omitempty"`
	Compress bool   `toml:"compress,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// TransferConfig holds settings for the chunked transfer engine.
type TransferConfig struct {
	DownloadChunkKB  int `toml:"download_chunk_kb"`
	BigFileWorkers   int `toml:"big_file_workers"`
	SmallFileWorkers int `toml:"small_file_workers"`
	FinalizeDelayMS  int `toml:"finalize_delay_ms"`
	RetryDelayMS     int `toml:"retry_delay_ms"`
}

// BrokerConfig holds settings for the request coalescing broker.
type BrokerConfig struct {
	WindowMS int `toml:"window_ms"`
}

// RateLimitConfig holds settings for the global backend call limiter.
type RateLimitConfig struct {
	IntervalMS int `toml:"interval_ms"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// NewConfig creates a new Config with the provided values and a sqlite
// backend stored under baseDir.
func NewConfig(accountID, baseDir string) *Config {
	return &Config{
		AccountID: accountID,
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		Backend: BackendConfig{
			Type:    "sqlite",
			Name:    "default",
			DataDir: filepath.Join(baseDir, "channel"),
		},
		Transfer: TransferConfig{
			DownloadChunkKB:  DefaultDownloadChunkKB,
			BigFileWorkers:   DefaultBigFileWorkers,
			SmallFileWorkers: DefaultSmallFileWorkers,
			FinalizeDelayMS:  int(DefaultFinalizeDelay / time.Millisecond),
			RetryDelayMS:     int(DefaultRetryDelay / time.Millisecond),
		},
		Broker:    BrokerConfig{WindowMS: int(DefaultBrokerWindow / time.Millisecond)},
		RateLimit: RateLimitConfig{IntervalMS: int(DefaultRateInterval / time.Millisecond)},
	}
}

// ChunkKB returns the download chunk size, or the default when unset.
func (t TransferConfig) ChunkKB() int {
	return orDefault(t.DownloadChunkKB, DefaultDownloadChunkKB)
}

// Workers returns the big- and small-file worker counts, or their defaults.
func (t TransferConfig) Workers() (big, small int) {
	return orDefault(t.BigFileWorkers, DefaultBigFileWorkers), orDefault(t.SmallFileWorkers, DefaultSmallFileWorkers)
}

// FinalizeDelay returns the pause observed before finalizing an upload.
func (t TransferConfig) FinalizeDelay() time.Duration {
	return msOrDefault(t.FinalizeDelayMS, DefaultFinalizeDelay)
}

// RetryDelay returns the pause between retries of a failed part.
func (t TransferConfig) RetryDelay() time.Duration {
	return msOrDefault(t.RetryDelayMS, DefaultRetryDelay)
}

// Window returns the coalescing window.
func (b BrokerConfig) Window() time.Duration {
	return msOrDefault(b.WindowMS, DefaultBrokerWindow)
}

// Interval returns the rate limiter release interval.
func (r RateLimitConfig) Interval() time.Duration {
	return msOrDefault(r.IntervalMS, DefaultRateInterval)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
