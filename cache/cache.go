// Package cache persists mailbox state in a local SQLite database.
//
// The cache holds one row per synchronized folder, keyed by MailboxID. It
// never stores message bodies. Multi-row mutations run in a single
// transaction on a single writer connection, and deletions return the ids
// removed so the caller can purge dependent indexes.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS mailboxes (
	id           INTEGER PRIMARY KEY,
	account_id   INTEGER NOT NULL,
	name         TEXT    NOT NULL,
	delimiter    TEXT,
	attributes   TEXT    NOT NULL DEFAULT '[]',
	exists_count INTEGER NOT NULL DEFAULT 0,
	unseen       INTEGER,
	uid_next     INTEGER,
	uid_validity INTEGER
);
CREATE INDEX IF NOT EXISTS idx_mailboxes_account ON mailboxes(account_id, name);
`

const mailboxColumns = `id, account_id, name, delimiter, attributes, exists_count, unseen, uid_next, uid_validity`

type Cache struct {
	db *sql.DB
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("cache path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox cache: %w", err)
	}
	// One connection serializes writers and keeps transactions atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Failed to enable WAL on mailbox cache", "path", path, "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("Failed to set busy_timeout on mailbox cache", "path", path, "error", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create mailbox cache schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mailbox cache ping failed: %w", err)
	}

	logger.Info("Mailbox cache opened", "path", path)
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMailbox(row rowScanner) (*Mailbox, error) {
	var (
		m                            Mailbox
		id                           int64
		delimiter                    sql.NullString
		attrs                        string
		unseen, uidNext, uidValidity sql.NullInt64
	)
	if err := row.Scan(&id, &m.AccountID, &m.Name, &delimiter, &attrs, &m.Exists, &unseen, &uidNext, &uidValidity); err != nil {
		return nil, err
	}
	m.ID = uint64(id)
	if delimiter.Valid {
		d := delimiter.String
		m.Delimiter = &d
	}
	if err := json.Unmarshal([]byte(attrs), &m.Attributes); err != nil {
		return nil, fmt.Errorf("corrupt attributes for mailbox %d: %w", m.ID, err)
	}
	m.Unseen = nullableUint32(unseen)
	m.UIDNext = nullableUint32(uidNext)
	m.UIDValidity = nullableUint32(uidValidity)
	return &m, nil
}

func nullableUint32(v sql.NullInt64) *uint32 {
	if !v.Valid {
		return nil
	}
	u := uint32(v.Int64)
	return &u
}

func nullable(v *uint32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func mailboxArgs(m *Mailbox) ([]any, error) {
	attrs := m.Attributes
	if attrs == nil {
		attrs = []Attribute{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	var delimiter any
	if m.Delimiter != nil {
		delimiter = *m.Delimiter
	}
	return []any{
		int64(m.ID), m.AccountID, m.Name, delimiter, string(encoded),
		int64(m.Exists), nullable(m.Unseen), nullable(m.UIDNext), nullable(m.UIDValidity),
	}, nil
}

// Get returns the mailbox with the given id.
func (c *Cache) Get(ctx context.Context, id uint64) (*Mailbox, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, int64(id))
	m, err := scanMailbox(row)
	metrics.CacheOperationsTotal.WithLabelValues("get", metrics.Status(err)).Inc()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.InternalError, "mailbox %d not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to load mailbox %d", id)
	}
	return m, nil
}

// Delete removes one mailbox. Deleting a missing id is not an error.
func (c *Cache) Delete(ctx context.Context, id uint64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM mailboxes WHERE id = ?`, int64(id))
	metrics.CacheOperationsTotal.WithLabelValues("delete", metrics.Status(err)).Inc()
	if err != nil {
		return errs.Wrap(errs.InternalError, err, "failed to delete mailbox %d", id)
	}
	return nil
}

// ListAll returns every cached mailbox of an account ordered by name.
func (c *Cache) ListAll(ctx context.Context, accountID int64) ([]Mailbox, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("list", "error").Inc()
		return nil, errs.Wrap(errs.InternalError, err, "failed to list mailboxes of account %d", accountID)
	}
	defer rows.Close()

	var out []Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, err, "failed to scan mailbox")
		}
		out = append(out, *m)
	}
	err = rows.Err()
	metrics.CacheOperationsTotal.WithLabelValues("list", metrics.Status(err)).Inc()
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to list mailboxes of account %d", accountID)
	}
	return out, nil
}

// BatchInsert inserts all mailboxes or none. An existing id fails the batch.
func (c *Cache) BatchInsert(ctx context.Context, mailboxes []Mailbox) error {
	return c.batchWrite(ctx, "batch_insert",
		`INSERT INTO mailboxes (`+mailboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mailboxes)
}

// BatchUpsert inserts or replaces all mailboxes in one transaction.
func (c *Cache) BatchUpsert(ctx context.Context, mailboxes []Mailbox) error {
	return c.batchWrite(ctx, "batch_upsert",
		`INSERT INTO mailboxes (`+mailboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name,
			delimiter = excluded.delimiter,
			attributes = excluded.attributes,
			exists_count = excluded.exists_count,
			unseen = excluded.unseen,
			uid_next = excluded.uid_next,
			uid_validity = excluded.uid_validity`,
		mailboxes)
}

func (c *Cache) batchWrite(ctx context.Context, op, query string, mailboxes []Mailbox) (err error) {
	defer func() {
		metrics.CacheOperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	}()
	if len(mailboxes) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.InternalError, err, "failed to begin %s", op)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errs.Wrap(errs.InternalError, err, "failed to prepare %s", op)
	}
	defer stmt.Close()

	for i := range mailboxes {
		args, err := mailboxArgs(&mailboxes[i])
		if err != nil {
			return errs.Wrap(errs.InternalError, err, "failed to encode mailbox %q", mailboxes[i].Name)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errs.Wrap(errs.InternalError, err, "failed to write mailbox %q", mailboxes[i].Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.InternalError, err, "failed to commit %s", op)
	}
	return nil
}

// Clean deletes every mailbox of an account and returns the removed ids.
func (c *Cache) Clean(ctx context.Context, accountID int64) ([]uint64, error) {
	return c.deleteMatching(ctx, "clean", accountID, func(string, *string) bool { return true })
}

// DeleteCascade deletes the named folders together with all their
// descendants and returns the removed ids. A descendant is a folder whose
// name starts with a deleted name followed by its own hierarchy delimiter,
// so deleting "Work" removes "Work/Sub" but never "Workshop".
func (c *Cache) DeleteCascade(ctx context.Context, accountID int64, names []string) ([]uint64, error) {
	return c.PruneCascade(ctx, accountID, names, nil)
}

// PruneCascade is DeleteCascade for folders that vanished remotely: rows
// named in keep still exist on the server and survive even when an
// ancestor is deleted.
func (c *Cache) PruneCascade(ctx context.Context, accountID int64, names, keep []string) ([]uint64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	kept := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		kept[name] = struct{}{}
	}
	return c.deleteMatching(ctx, "delete_cascade", accountID, func(name string, delimiter *string) bool {
		if _, ok := kept[name]; ok {
			return false
		}
		for _, target := range names {
			if name == target {
				return true
			}
			if delimiter != nil && *delimiter != "" && strings.HasPrefix(name, target+*delimiter) {
				return true
			}
		}
		return false
	})
}

func (c *Cache) deleteMatching(ctx context.Context, op string, accountID int64, match func(name string, delimiter *string) bool) (ids []uint64, err error) {
	defer func() {
		metrics.CacheOperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	}()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to begin %s", op)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, name, delimiter FROM mailboxes WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to scan mailboxes of account %d", accountID)
	}
	for rows.Next() {
		var (
			id        int64
			name      string
			delimiter sql.NullString
		)
		if err := rows.Scan(&id, &name, &delimiter); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.InternalError, err, "failed to scan mailbox row")
		}
		var d *string
		if delimiter.Valid {
			d = &delimiter.String
		}
		if match(name, d) {
			ids = append(ids, uint64(id))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to scan mailboxes of account %d", accountID)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mailboxes WHERE id = ?`, int64(id)); err != nil {
			return nil, errs.Wrap(errs.InternalError, err, "failed to delete mailbox %d", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to commit %s", op)
	}

	if len(ids) > 0 {
		logger.Debug("Removed cached mailboxes", "account_id", accountID, "op", op, "count", len(ids))
	}
	return ids, nil
}
