package watermark

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/teranos/ixpipe/db"
	"github.com/teranos/ixpipe/errors"
)

// Store persists committed high watermarks keyed by dataset (or
// dataset#branch under partial commit).
type Store interface {
	// PreviousHighWatermark returns the last committed high watermark for
	// key. ok is false when nothing was recorded.
	PreviousHighWatermark(ctx context.Context, key string) (w Watermark, ok bool, err error)
	// PutHighWatermark records w as the committed high watermark for key.
	PutHighWatermark(ctx context.Context, key string, w Watermark) error
}

// Entry is one persisted watermark row.
type Entry struct {
	Key       string
	High      Watermark
	UpdatedAt time.Time
}

// SQLStore keeps watermarks in the watermarks table created by the db
// migrations.
type SQLStore struct {
	conn    *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewSQLStore creates a store over db using the given dialect.
func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{conn: conn, dialect: dialect, now: time.Now}
}

// PreviousHighWatermark implements Store.
func (s *SQLStore) PreviousHighWatermark(ctx context.Context, key string) (Watermark, bool, error) {
	query := s.dialect.Rebind(`SELECT high_watermark FROM watermarks WHERE key = ?`)

	var high int64
	err := s.conn.QueryRowContext(ctx, query, key).Scan(&high)
	if errors.Is(err, sql.ErrNoRows) {
		return Absent, false, nil
	}
	if err != nil {
		return Absent, false, errors.WithDetailf(
			errors.Wrap(errors.Tag(err, errors.ErrStateStore), "failed to read high watermark"),
			"Key: %s", key)
	}

	w := Watermark(high)
	if w.IsAbsent() {
		return Absent, false, nil
	}
	return w, true, nil
}

// PutHighWatermark implements Store.
func (s *SQLStore) PutHighWatermark(ctx context.Context, key string, w Watermark) error {
	query := s.dialect.Rebind(`
		INSERT INTO watermarks (key, high_watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			high_watermark = excluded.high_watermark,
			updated_at = excluded.updated_at
	`)

	if _, err := s.conn.ExecContext(ctx, query, key, int64(w), s.now().UTC()); err != nil {
		return errors.WithDetailf(
			errors.Wrap(errors.Tag(err, errors.ErrStateStore), "failed to persist high watermark"),
			"Key: %s, watermark: %s", key, w)
	}
	return nil
}

// List returns every recorded watermark whose key starts with prefix,
// ordered by key.
func (s *SQLStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	query := s.dialect.Rebind(`
		SELECT key, high_watermark, updated_at
		FROM watermarks
		WHERE substr(key, 1, ?) = ?
		ORDER BY key
	`)

	// Exact, case-sensitive prefix match; keys may contain '_' and '%'
	rows, err := s.conn.QueryContext(ctx, query, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, errors.Wrap(errors.Tag(err, errors.ErrStateStore), "failed to list watermarks")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var high int64
		if err := rows.Scan(&e.Key, &high, &e.UpdatedAt); err != nil {
			return nil, errors.Wrap(errors.Tag(err, errors.ErrStateStore), "failed to scan watermark")
		}
		e.High = Watermark(high)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.Tag(err, errors.ErrStateStore), "failed to iterate watermarks")
	}
	return entries, nil
}

// Delete removes the watermark for key so the next run starts from the
// configured start value.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := s.dialect.Rebind(`DELETE FROM watermarks WHERE key = ?`)

	res, err := s.conn.ExecContext(ctx, query, key)
	if err != nil {
		return errors.Wrap(errors.Tag(err, errors.ErrStateStore), "failed to delete watermark")
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.WithDetailf(errors.Wrap(errors.ErrNotFound, "no watermark recorded"), "Key: %s", key)
	}
	return nil
}
