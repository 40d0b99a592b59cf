package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10000, cfg.EventBusCapacity)
	assert.Equal(t, 100, cfg.FetchLimit)
	assert.Equal(t, 7*24*time.Hour, cfg.StalenessThreshold)
	assert.Equal(t, uuid.Nil, cfg.LibraryID)
	require.Error(t, cfg.RequireLibrary())
}

func TestLoad_Environment(t *testing.T) {
	library := uuid.New()
	t.Setenv("SDSYNC_LIBRARY_ID", library.String())
	t.Setenv("SDSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("SDSYNC_FETCH_LIMIT", "500")
	t.Setenv("SDSYNC_STALENESS_THRESHOLD", "48h")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, library, cfg.LibraryID)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500, cfg.FetchLimit)
	assert.Equal(t, 48*time.Hour, cfg.StalenessThreshold)
	require.NoError(t, cfg.RequireLibrary())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdsync.yaml")
	content := "data_dir: /var/lib/sdsync\nlog_format: json\nevent_bus_capacity: 2048\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sdsync", cfg.DataDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 2048, cfg.EventBusCapacity)
	assert.Equal(t, "/var/lib/sdsync/device.db", cfg.LeasePath())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "bad library id", key: KeyLibraryID, value: "not-a-uuid"},
		{name: "bad device id", key: KeyDeviceID, value: "xyz"},
		{name: "bad log level", key: KeyLogLevel, value: "verbose"},
		{name: "bad log format", key: KeyLogFormat, value: "xml"},
		{name: "fetch limit too large", key: KeyFetchLimit, value: 5000},
		{name: "zero capacity", key: KeyEventBusCapacity, value: 0},
		{name: "negative staleness", key: KeyStalenessThreshold, value: "-1h"},
		{name: "empty data dir", key: KeyDataDir, value: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.value)

			_, err := Load(v)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConfig_LibraryDir(t *testing.T) {
	library := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	cfg := &Config{DataDir: "/data", LibraryID: library, LeaseFile: "/abs/leases.db"}

	assert.Equal(t, filepath.Join("/data", "libraries", library.String()), cfg.LibraryDir())
	assert.Equal(t, "/abs/leases.db", cfg.LeasePath())
}
