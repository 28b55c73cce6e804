package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/mediacat/internal/models"
)

const entryColumns = `id, ord, title, size, content_hash, liked, is_folder, created_at, updated_at`

// Tx is the mutation handle passed to Write closures. It is only valid for
// the duration of the closure.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (models.Entry, error) {
	var (
		e    models.Entry
		size sql.NullInt64
		hash sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Order, &e.Title, &size, &hash, &e.Like, &e.IsFolder, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.Entry{}, err
	}
	if size.Valid {
		v := size.Int64
		e.Size = &v
	}
	if hash.Valid {
		v := hash.String
		e.ContentHash = &v
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]models.Entry, error) {
	defer rows.Close()
	var out []models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// Get returns the entry for id.
func (t *Tx) Get(id string) (models.Entry, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entry{}, false, nil
	}
	if err != nil {
		return models.Entry{}, false, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return e, true, nil
}

// All returns every entry, excluded ones included, ordered by id.
func (t *Tx) All() ([]models.Entry, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+entryColumns+` FROM entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: all: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog: all: %w", err)
	}
	return out, nil
}

// Navigable returns the non-excluded entries.
func (t *Tx) Navigable() ([]models.Entry, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+entryColumns+` FROM entries WHERE ord != ? ORDER BY ord, id`, models.SentinelExcluded)
	if err != nil {
		return nil, fmt.Errorf("catalog: navigable: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("catalog: navigable: %w", err)
	}
	return out, nil
}

// Insert adds a new entry. CreatedAt and UpdatedAt default to now.
func (t *Tx) Insert(e models.Entry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Order, e.Title, nullInt64(e.Size), nullString(e.ContentHash), e.Like, e.IsFolder, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: insert %s: %w", e.ID, err)
	}
	return nil
}

func (t *Tx) exec(op, id, query string, args ...any) error {
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog: %s %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: %s %s: %w", op, id, ErrNoEntry)
	}
	return nil
}

// ErrNoEntry is returned by single-row mutations when the id is unknown.
var ErrNoEntry = errors.New("no such entry")

// UpdateFileInfo refreshes the fields a reconciliation pass owns. A size
// change clears the content hash so the hasher picks the entry up again.
func (t *Tx) UpdateFileInfo(id string, size *int64, isFolder bool) error {
	n := nullInt64(size)
	return t.exec("update file info", id, `
		UPDATE entries
		SET content_hash = CASE WHEN size IS ? THEN content_hash ELSE NULL END,
		    size = ?, is_folder = ?, updated_at = ?
		WHERE id = ?
	`, n, n, isFolder, time.Now().UTC(), id)
}

// ClearContentHash drops the content hash so the hasher revisits id.
func (t *Tx) ClearContentHash(id string) error {
	return t.exec("clear hash", id,
		`UPDATE entries SET content_hash = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

// SetContent records the content hash and, when non-empty, a refined title.
func (t *Tx) SetContent(id, hash, title string) error {
	if title == "" {
		return t.exec("set hash", id,
			`UPDATE entries SET content_hash = ?, updated_at = ? WHERE id = ?`,
			hash, time.Now().UTC(), id)
	}
	return t.exec("set hash", id,
		`UPDATE entries SET content_hash = ?, title = ?, updated_at = ? WHERE id = ?`,
		hash, title, time.Now().UTC(), id)
}

// SetLike sets the like flag.
func (t *Tx) SetLike(id string, like bool) error {
	return t.exec("set like", id,
		`UPDATE entries SET liked = ?, updated_at = ? WHERE id = ?`, like, time.Now().UTC(), id)
}

// SetOrder sets the order of one entry.
func (t *Tx) SetOrder(id string, ord int64) error {
	return t.exec("set order", id, `UPDATE entries SET ord = ? WHERE id = ?`, ord, id)
}

// Delete removes id. Deleting an unknown id is not an error.
func (t *Tx) Delete(id string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("catalog: delete %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MaxOrder returns the largest non-excluded order, or ok=false when there is none.
func (t *Tx) MaxOrder() (int64, bool, error) {
	var top sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT MAX(ord) FROM entries WHERE ord != ?`, models.SentinelExcluded).Scan(&top)
	if err != nil {
		return 0, false, fmt.Errorf("catalog: max order: %w", err)
	}
	return top.Int64, top.Valid, nil
}

// IDsWithOrder returns the ids currently holding ord.
func (t *Tx) IDsWithOrder(ord int64) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id FROM entries WHERE ord = ? ORDER BY id`, ord)
	if err != nil {
		return nil, fmt.Errorf("catalog: ids with order: %w", err)
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

// SetSetting stores a key/value pair.
func (t *Tx) SetSetting(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("catalog: set setting %s: %w", key, err)
	}
	return nil
}
