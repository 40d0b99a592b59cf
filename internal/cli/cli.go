// Package cli implements the sdsync command line for inspecting a library's
// sync database.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/iudanet/librarysync/internal/config"
	"github.com/iudanet/librarysync/internal/logging"
	"github.com/iudanet/librarysync/internal/storage/sqlite"
)

// ErrNoSyncDatabase is returned when the library directory has no sync.db
var ErrNoSyncDatabase = errors.New("library has no sync database")

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string
	BuildDate string
	GitCommit string
}

// Cli holds the state of one invocation.
type Cli struct {
	v       *viper.Viper
	cfg     *config.Config
	logger  *slog.Logger
	closer  io.Closer
	syncLog *sqlite.SyncLogDB
	build   BuildInfo
}

// New creates an invocation reading settings from v.
func New(v *viper.Viper, build BuildInfo) *Cli {
	if v == nil {
		v = viper.New()
	}
	return &Cli{v: v, build: build}
}

// setup loads configuration and the logger.
func (c *Cli) setup() error {
	if path := c.v.GetString(keyConfigFile); path != "" {
		c.v.SetConfigFile(path)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger, c.closer = logging.New(cfg)
	return nil
}

// openLibrary opens the sync database of the configured library. The
// database must already exist; inspection never creates one.
func (c *Cli) openLibrary(ctx context.Context) (*sqlite.SyncLogDB, error) {
	if c.syncLog != nil {
		return c.syncLog, nil
	}
	if err := c.cfg.RequireLibrary(); err != nil {
		return nil, err
	}

	path := filepath.Join(c.cfg.LibraryDir(), sqlite.FileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSyncDatabase, path)
		}
		return nil, fmt.Errorf("failed to stat sync database: %w", err)
	}

	syncLog, err := sqlite.OpenPath(ctx, c.cfg.LibraryID, path, c.logger)
	if err != nil {
		return nil, err
	}
	c.syncLog = syncLog
	return syncLog, nil
}

func (c *Cli) watermarks(syncLog *sqlite.SyncLogDB) *sqlite.PeerWatermarkStore {
	return sqlite.NewPeerWatermarkStore(syncLog.DB(), c.cfg.DeviceID, c.logger)
}

// Close releases everything init and openLibrary acquired.
func (c *Cli) Close() error {
	var errs []error
	if c.syncLog != nil {
		errs = append(errs, c.syncLog.Close())
		c.syncLog = nil
	}
	if c.closer != nil {
		errs = append(errs, c.closer.Close())
		c.closer = nil
	}
	return errors.Join(errs...)
}
