// Package catalog is the SQLite-backed persistent media catalog.
//
// All mutations go through a single writer goroutine that owns the only
// read-write connection; queries use a separate query-only handle, so a
// reader sees either the state before or after a committed pass.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB holds the writer and reader handles of one catalog file.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	exec   *executor
	logger *slog.Logger
}

// Open opens (or creates) the catalog at path and applies pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	writer, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("catalog: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("catalog: ping writer: %w", err)
	}
	if err := migrate(ctx, writer, logger); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_query_only=true")
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("catalog: open reader: %w", err)
	}
	if err := reader.PingContext(ctx); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("catalog: ping reader: %w", err)
	}

	return &DB{
		writer: writer,
		reader: reader,
		exec:   newExecutor(writer),
		logger: logger,
	}, nil
}

func migrate(ctx context.Context, conn *sql.DB, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: migration fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sub)
	if err != nil {
		return fmt.Errorf("catalog: migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	for _, r := range results {
		logger.Debug("catalog: applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()))
	}
	return nil
}

// Close stops the writer and closes both handles.
func (db *DB) Close() error {
	db.exec.close()
	rerr := db.reader.Close()
	if err := db.writer.Close(); err != nil {
		return err
	}
	return rerr
}
