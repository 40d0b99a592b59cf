// Package config loads runtime settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/iudanet/librarysync/internal/events"
	"github.com/iudanet/librarysync/internal/storage"
)

// EnvPrefix is the prefix of environment variables, e.g. SDSYNC_DATA_DIR
const EnvPrefix = "SDSYNC"

// Config keys
const (
	KeyDataDir            = "data_dir"
	KeyLibraryID          = "library_id"
	KeyDeviceID           = "device_id"
	KeyLogLevel           = "log_level"
	KeyLogFormat          = "log_format"
	KeyLogFile            = "log_file"
	KeyEventBusCapacity   = "event_bus_capacity"
	KeyFetchLimit         = "fetch_limit"
	KeyStalenessThreshold = "staleness_threshold"
	KeyLeaseFile          = "lease_file"
)

// Default values
const (
	DefaultDataDir            = "."
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultStalenessThreshold = 7 * 24 * time.Hour
	DefaultLeaseFile          = "device.db"
)

// ErrInvalidConfig indicates a setting with an unusable value
var ErrInvalidConfig = errors.New("invalid config")

// Config holds runtime settings.
type Config struct {
	DataDir            string
	LogLevel           string
	LogFormat          string
	LogFile            string // пусто: логи в stderr
	LeaseFile          string
	EventBusCapacity   int
	FetchLimit         int
	StalenessThreshold time.Duration
	LibraryID          uuid.UUID
	DeviceID           uuid.UUID
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDataDir, DefaultDataDir)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyEventBusCapacity, events.DefaultCapacity)
	v.SetDefault(KeyFetchLimit, storage.DefaultFetchLimit)
	v.SetDefault(KeyStalenessThreshold, DefaultStalenessThreshold)
	v.SetDefault(KeyLeaseFile, DefaultLeaseFile)
}

// Load reads the configuration from v. Environment variables with EnvPrefix
// override config file values; bound flags override both.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		DataDir:            v.GetString(KeyDataDir),
		LogLevel:           strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:          strings.ToLower(v.GetString(KeyLogFormat)),
		LogFile:            v.GetString(KeyLogFile),
		LeaseFile:          v.GetString(KeyLeaseFile),
		EventBusCapacity:   v.GetInt(KeyEventBusCapacity),
		FetchLimit:         v.GetInt(KeyFetchLimit),
		StalenessThreshold: v.GetDuration(KeyStalenessThreshold),
	}

	var err error
	if cfg.LibraryID, err = parseOptionalUUID(v.GetString(KeyLibraryID)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, KeyLibraryID, err)
	}
	if cfg.DeviceID, err = parseOptionalUUID(v.GetString(KeyDeviceID)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, KeyDeviceID, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidConfig, KeyDataDir)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %s %q", ErrInvalidConfig, KeyLogLevel, c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %s %q", ErrInvalidConfig, KeyLogFormat, c.LogFormat)
	}

	if c.EventBusCapacity <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyEventBusCapacity)
	}
	if c.FetchLimit <= 0 || c.FetchLimit > storage.MaxFetchLimit {
		return fmt.Errorf("%w: %s must be in 1..%d", ErrInvalidConfig, KeyFetchLimit, storage.MaxFetchLimit)
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyStalenessThreshold)
	}

	return nil
}

// LibraryDir returns the directory holding a library's sync.db.
func (c *Config) LibraryDir() string {
	return filepath.Join(c.DataDir, "libraries", c.LibraryID.String())
}

// LeasePath returns the bbolt file holding leadership leases.
func (c *Config) LeasePath() string {
	if filepath.IsAbs(c.LeaseFile) {
		return c.LeaseFile
	}
	return filepath.Join(c.DataDir, c.LeaseFile)
}

// RequireLibrary fails when no library id was configured.
func (c *Config) RequireLibrary() error {
	if c.LibraryID == uuid.Nil {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyLibraryID)
	}
	return nil
}

func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
