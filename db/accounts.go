package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type AccountType string

const (
	AccountTypeIMAP AccountType = "imap"
	// AccountTypeImport marks accounts filled by offline archive imports; the
	// synchronization core ignores them.
	AccountTypeImport AccountType = "import"
)

// Account is a remote mailbox the archive synchronizes.
type Account struct {
	ID                int64
	Email             string
	Type              AccountType
	Enabled           bool
	Host              string
	Port              int
	Encryption        string // ssl, starttls or none
	AuthType          string // password or oauth2
	LoginName         string
	Password          string // sealed at rest
	AccessToken       string
	ProxyID           *int64
	AllowInvalidCerts bool
	// KnownFolders is nil until the first discovery pass has run.
	KnownFolders *[]string
	// SyncFolders is the subscription; empty means the default set.
	SyncFolders []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsIMAP reports whether the account participates in synchronization.
func (a *Account) IsIMAP() bool {
	return a.Type == AccountTypeIMAP
}

// Login returns the IMAP login name, defaulting to the email address.
func (a *Account) Login() string {
	if a.LoginName != "" {
		return a.LoginName
	}
	return a.Email
}

// FolderUpdate is the persisted outcome of a change detection step. A nil
// field leaves the stored value untouched.
type FolderUpdate struct {
	KnownFolders *[]string
	SyncFolders  *[]string
}

func (u FolderUpdate) IsEmpty() bool {
	return u.KnownFolders == nil && u.SyncFolders == nil
}

const accountColumns = `id, email, account_type, enabled, imap_host, imap_port, encryption, auth_type,
	COALESCE(login_name, ''), COALESCE(password, ''), COALESCE(access_token, ''), proxy_id,
	allow_invalid_certs, known_folders, sync_folders, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		a           Account
		accountType string
		sync        *[]string
	)
	err := row.Scan(&a.ID, &a.Email, &accountType, &a.Enabled, &a.Host, &a.Port, &a.Encryption, &a.AuthType,
		&a.LoginName, &a.Password, &a.AccessToken, &a.ProxyID,
		&a.AllowInvalidCerts, &a.KnownFolders, &sync, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = AccountType(accountType)
	if sync != nil {
		a.SyncFolders = *sync
	}
	return &a, nil
}

// GetAccount loads one account. A missing account yields ErrAccountNotFound.
func (db *Database) GetAccount(ctx context.Context, id int64) (*Account, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	a, err := scanAccount(db.timedQueryRow(ctx, "get_account", `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", id, err)
	}
	return a, nil
}

// ListAccounts returns every account ordered by id.
func (db *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.timedQuery(ctx, "list_accounts", `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// CreateAccount inserts a new account and returns its id. The password must
// already be sealed by the caller.
func (db *Database) CreateAccount(ctx context.Context, a *Account) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	accountType := a.Type
	if accountType == "" {
		accountType = AccountTypeIMAP
	}
	var syncFolders *[]string
	if a.SyncFolders != nil {
		syncFolders = &a.SyncFolders
	}

	var id int64
	err := db.timedQueryRow(ctx, "create_account", `
		INSERT INTO accounts (email, account_type, enabled, imap_host, imap_port, encryption, auth_type,
			login_name, password, access_token, proxy_id, allow_invalid_certs, known_folders, sync_folders)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13, $14)
		RETURNING id`,
		a.Email, string(accountType), a.Enabled, a.Host, a.Port, defaultString(a.Encryption, "ssl"),
		defaultString(a.AuthType, "password"), a.LoginName, a.Password, a.AccessToken, a.ProxyID,
		a.AllowInvalidCerts, a.KnownFolders, syncFolders,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateAccount, a.Email)
		}
		return 0, fmt.Errorf("failed to create account %s: %w", a.Email, err)
	}
	return id, nil
}

// SetAccountEnabled toggles synchronization of an account.
func (db *Database) SetAccountEnabled(ctx context.Context, id int64, enabled bool) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `UPDATE accounts SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateFolders persists the known and subscribed folder sets of an account
// in one transaction. Either both writes land or neither does.
func (db *Database) UpdateFolders(ctx context.Context, accountID int64, update FolderUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.beginTx(ctx, "update_folders")
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if update.KnownFolders != nil {
		if err := execOne(ctx, tx, `UPDATE accounts SET known_folders = $2, updated_at = now() WHERE id = $1`, accountID, *update.KnownFolders); err != nil {
			return fmt.Errorf("failed to update known folders of account %d: %w", accountID, err)
		}
	}
	if update.SyncFolders != nil {
		if err := execOne(ctx, tx, `UPDATE accounts SET sync_folders = $2, updated_at = now() WHERE id = $1`, accountID, *update.SyncFolders); err != nil {
			return fmt.Errorf("failed to update sync folders of account %d: %w", accountID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit folder update of account %d: %w", accountID, err)
	}
	return nil
}

func execOne(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
