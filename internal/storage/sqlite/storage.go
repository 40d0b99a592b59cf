// Package sqlite stores a library's replication state in its own sync.db
// file, separate from the entity database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// FileName is the name of the sync database inside a library directory.
const FileName = "sync.db"

// Open opens (creating if needed) the sync database of a library.
// libraryDir is created if it does not exist. Use OpenPath(":memory:") in tests
// that do not need a file.
func Open(ctx context.Context, libraryID uuid.UUID, libraryDir string, logger *slog.Logger) (*SyncLogDB, error) {
	if err := os.MkdirAll(libraryDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create library directory: %w", err)
	}

	return OpenPath(ctx, libraryID, filepath.Join(libraryDir, FileName), logger)
}

// OpenPath opens the sync database at an explicit path.
func OpenPath(ctx context.Context, libraryID uuid.UUID, dbPath string, logger *slog.Logger) (*SyncLogDB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	return &SyncLogDB{
		db:        db,
		libraryID: libraryID,
		path:      dbPath,
		logger:    logger.With("library_id", libraryID.String()),
	}, nil
}

func openDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	// Открываем соединение с БД
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Проверяем соединение
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite допускает только одного писателя, держим одно соединение
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Лог только дописывается: WAL, ослабленный fsync, temp в памяти
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations применяет миграции из embedded FS
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	// Provider не трогает глобальное состояние goose, поэтому
	// несколько библиотек можно открывать параллельно
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}

	return nil
}
