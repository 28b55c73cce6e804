package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/mediacat/internal/models"
)

// Queries below order by the total key (ord, id) and skip excluded entries.
// The idx_entries_ord index makes each neighbour lookup a single seek.

// Get returns the entry for id regardless of its order.
func (db *DB) Get(ctx context.Context, id string) (models.Entry, bool, error) {
	row := db.reader.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	return oneEntry(row, "get")
}

// First returns the navigable entry with the smallest order.
func (db *DB) First(ctx context.Context) (models.Entry, bool, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE ord != ?
		ORDER BY ord ASC, id ASC
		LIMIT 1
	`, models.SentinelExcluded)
	return oneEntry(row, "first")
}

// Last returns the navigable entry with the largest order.
func (db *DB) Last(ctx context.Context) (models.Entry, bool, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE ord != ?
		ORDER BY ord DESC, id DESC
		LIMIT 1
	`, models.SentinelExcluded)
	return oneEntry(row, "last")
}

// After returns the navigable entry immediately after (ord, id).
func (db *DB) After(ctx context.Context, ord int64, id string) (models.Entry, bool, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE ord != ? AND (ord > ? OR (ord = ? AND id > ?))
		ORDER BY ord ASC, id ASC
		LIMIT 1
	`, models.SentinelExcluded, ord, ord, id)
	return oneEntry(row, "after")
}

// Before returns the navigable entry immediately before (ord, id).
func (db *DB) Before(ctx context.Context, ord int64, id string) (models.Entry, bool, error) {
	row := db.reader.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE ord != ? AND (ord < ? OR (ord = ? AND id < ?))
		ORDER BY ord DESC, id DESC
		LIMIT 1
	`, models.SentinelExcluded, ord, ord, id)
	return oneEntry(row, "before")
}

// Page returns up to limit navigable entries starting at offset.
func (db *DB) Page(ctx context.Context, offset, limit int) ([]models.Entry, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.reader.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE ord != ?
		ORDER BY ord ASC, id ASC
		LIMIT ? OFFSET ?
	`, models.SentinelExcluded, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("catalog: page: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog: page: %w", err)
	}
	return out, nil
}

// Count returns the number of navigable entries.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := db.reader.QueryRowContext(ctx,
		`SELECT count(*) FROM entries WHERE ord != ?`, models.SentinelExcluded).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return n, nil
}

// Unhashed returns ids of entries without a content hash, folders excluded.
func (db *DB) Unhashed(ctx context.Context) ([]string, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT id FROM entries WHERE content_hash IS NULL AND is_folder = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: unhashed: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Setting returns the stored value for key, or "" when unset.
func (db *DB) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := db.reader.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("catalog: setting %s: %w", key, err)
	}
	return v, nil
}

func oneEntry(row *sql.Row, op string) (models.Entry, bool, error) {
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entry{}, false, nil
	}
	if err != nil {
		return models.Entry{}, false, fmt.Errorf("catalog: %s: %w", op, err)
	}
	return e, true, nil
}
