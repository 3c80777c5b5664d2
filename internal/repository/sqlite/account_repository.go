package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"account-portal/internal/domain"
	"account-portal/internal/repository"
)

const createAccountTables = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	linked_id TEXT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS user_data (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_data_account_id ON user_data(account_id);
CREATE TABLE IF NOT EXISTS user_preferences (
	account_id TEXT PRIMARY KEY,
	theme TEXT NULL,
	notifications INTEGER NULL,
	language TEXT NULL,
	updated_at DATETIME NOT NULL
);
`

const upsertPreferences = `
INSERT INTO user_preferences (account_id, theme, notifications, language, updated_at)
SELECT id, ?, ?, ?, ? FROM accounts WHERE email = ?
ON CONFLICT(account_id) DO UPDATE SET
	theme = COALESCE(excluded.theme, user_preferences.theme),
	notifications = COALESCE(excluded.notifications, user_preferences.notifications),
	language = COALESCE(excluded.language, user_preferences.language),
	updated_at = excluded.updated_at`

const selectAccountView = `
SELECT a.id, a.username, a.email, a.linked_id,
	p.theme, p.notifications, p.language,
	(SELECT json_group_array(json_object('id', d.id, 'account_id', d.account_id, 'payload', json(d.payload)))
		FROM user_data d WHERE d.account_id = a.id)
FROM accounts a
LEFT JOIN user_preferences p ON p.account_id = a.id
WHERE a.email = ?`

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) repository.AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createAccountTables); err != nil {
		return fmt.Errorf("create account tables: %w", err)
	}
	return nil
}

// CreateWithDefaults inserts the account and its preferences row in one transaction.
// account.ID is generated when empty.
func (r *AccountRepository) CreateWithDefaults(ctx context.Context, account *domain.Account, prefs domain.Preferences) error {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = now
	account.UpdatedAt = now

	return withTx(ctx, r.db, func(tx querier) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts (id, username, email, password_hash, linked_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			account.ID,
			account.Username,
			account.Email,
			account.PasswordHash,
			nullString(account.LinkedID),
			account.CreatedAt,
			account.UpdatedAt,
		); err != nil {
			if isDuplicateEmail(err) {
				return fmt.Errorf("insert account: %w", repository.ErrDuplicateEmail)
			}
			return fmt.Errorf("insert account: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO user_preferences (account_id, theme, notifications, language, updated_at)
VALUES (?, ?, ?, ?, ?)`,
			account.ID,
			nullString(prefs.Theme),
			nullBool(prefs.Notifications),
			nullString(prefs.Language),
			now,
		); err != nil {
			return fmt.Errorf("insert default preferences: %w", err)
		}
		return nil
	})
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, username, email, password_hash, linked_id, created_at, updated_at
FROM accounts
WHERE email = ?`,
		email,
	)
	return scanAccount(row)
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, username, email, password_hash, linked_id, created_at, updated_at
FROM accounts
WHERE id = ?`,
		id,
	)
	return scanAccount(row)
}

// SetLinkedID reports whether the stored value changed. Relinking the current
// id returns false without an error.
func (r *AccountRepository) SetLinkedID(ctx context.Context, email, linkedID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE accounts SET linked_id = ?, updated_at = ?
WHERE email = ? AND (linked_id IS NULL OR linked_id <> ?)`,
		linkedID,
		time.Now().UTC(),
		email,
		linkedID,
	)
	if err != nil {
		return false, fmt.Errorf("update linked id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("linked id rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	if _, err := lookupAccountID(ctx, r.db, email); err != nil {
		return false, err
	}
	return false, nil
}

// DeleteCascade removes the account, then its user data, then its preferences.
// A missing account is not an error.
func (r *AccountRepository) DeleteCascade(ctx context.Context, email string) (domain.DeleteResult, error) {
	var result domain.DeleteResult
	err := withTx(ctx, r.db, func(tx querier) error {
		id, err := lookupAccountID(ctx, tx, email)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		}
		result.AccountID = id

		steps := []struct {
			name  string
			query string
			count *int64
		}{
			{"accounts", `DELETE FROM accounts WHERE id = ?`, &result.Accounts},
			{"user_data", `DELETE FROM user_data WHERE account_id = ?`, &result.UserData},
			{"user_preferences", `DELETE FROM user_preferences WHERE account_id = ?`, &result.Preferences},
		}
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.query, id)
			if err != nil {
				return fmt.Errorf("delete %s: %w", step.name, err)
			}
			if *step.count, err = res.RowsAffected(); err != nil {
				return fmt.Errorf("delete %s rows affected: %w", step.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.DeleteResult{}, err
	}
	return result, nil
}

// GetView reads the account, its user data and its preferences in one statement.
func (r *AccountRepository) GetView(ctx context.Context, email string) (*domain.AccountView, error) {
	var (
		view     domain.AccountView
		linkedID sql.NullString
		theme    sql.NullString
		notify   sql.NullBool
		language sql.NullString
		data     sql.NullString
	)
	err := r.db.QueryRowContext(ctx, selectAccountView, email).Scan(
		&view.ID,
		&view.Username,
		&view.Email,
		&linkedID,
		&theme,
		&notify,
		&language,
		&data,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan account view: %w", err)
	}

	view.LinkedID = stringPtr(linkedID)
	view.Preferences = domain.Preferences{
		Theme:         stringPtr(theme),
		Notifications: boolPtr(notify),
		Language:      stringPtr(language),
	}

	view.Data = []domain.UserData{}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &view.Data); err != nil {
			return nil, fmt.Errorf("decode user data: %w", err)
		}
	}
	slices.SortFunc(view.Data, func(a, b domain.UserData) int {
		return strings.Compare(a.ID, b.ID)
	})
	return &view, nil
}

// UpsertPreferences sets only the non-nil fields of patch, creating the row if needed.
func (r *AccountRepository) UpsertPreferences(ctx context.Context, email string, patch domain.PreferencesPatch) error {
	res, err := r.db.ExecContext(ctx, upsertPreferences,
		nullString(patch.Theme),
		nullBool(patch.Notifications),
		nullString(patch.Language),
		time.Now().UTC(),
		email,
	)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert preferences rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetPreferences returns the raw preferences row for an account, or ErrNotFound.
func (r *AccountRepository) GetPreferences(ctx context.Context, accountID string) (*domain.Preferences, error) {
	var (
		theme    sql.NullString
		notify   sql.NullBool
		language sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
SELECT theme, notifications, language
FROM user_preferences
WHERE account_id = ?`,
		accountID,
	).Scan(&theme, &notify, &language)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan preferences: %w", err)
	}
	return &domain.Preferences{
		Theme:         stringPtr(theme),
		Notifications: boolPtr(notify),
		Language:      stringPtr(language),
	}, nil
}

func (r *AccountRepository) AddUserData(ctx context.Context, email string, payload json.RawMessage) (*domain.UserData, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user data id: %w", err)
	}
	item := &domain.UserData{ID: id.String(), Payload: payload}

	err = withTx(ctx, r.db, func(tx querier) error {
		accountID, err := lookupAccountID(ctx, tx, email)
		if err != nil {
			return err
		}
		item.AccountID = accountID

		if _, err := tx.ExecContext(ctx, `
INSERT INTO user_data (id, account_id, payload, created_at)
VALUES (?, ?, ?, ?)`,
			item.ID,
			item.AccountID,
			string(item.Payload),
			time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("insert user data: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *AccountRepository) ListUserData(ctx context.Context, accountID string) ([]domain.UserData, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, account_id, payload
FROM user_data
WHERE account_id = ?
ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query user data: %w", err)
	}
	defer rows.Close()

	var items []domain.UserData
	for rows.Next() {
		var (
			item    domain.UserData
			payload string
		)
		if err := rows.Scan(&item.ID, &item.AccountID, &payload); err != nil {
			return nil, fmt.Errorf("scan user data: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}

	return items, rows.Err()
}

// PurgeOrphans drops dependents whose account is gone and backfills
// preferences for accounts that have none.
func (r *AccountRepository) PurgeOrphans(ctx context.Context, defaults domain.Preferences) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult
	err := withTx(ctx, r.db, func(tx querier) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM user_data WHERE account_id NOT IN (SELECT id FROM accounts)`)
		if err != nil {
			return fmt.Errorf("purge orphaned user data: %w", err)
		}
		if result.OrphanedUserData, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("purge orphaned user data rows affected: %w", err)
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM user_preferences WHERE account_id NOT IN (SELECT id FROM accounts)`)
		if err != nil {
			return fmt.Errorf("purge orphaned preferences: %w", err)
		}
		if result.OrphanedPreferences, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("purge orphaned preferences rows affected: %w", err)
		}

		res, err = tx.ExecContext(ctx, `
INSERT INTO user_preferences (account_id, theme, notifications, language, updated_at)
SELECT a.id, ?, ?, ?, ? FROM accounts a
WHERE NOT EXISTS (SELECT 1 FROM user_preferences p WHERE p.account_id = a.id)`,
			nullString(defaults.Theme),
			nullBool(defaults.Notifications),
			nullString(defaults.Language),
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("backfill preferences: %w", err)
		}
		if result.BackfilledDefaults, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("backfill preferences rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	return result, nil
}

func lookupAccountID(ctx context.Context, q querier, email string) (string, error) {
	var id string
	if err := q.QueryRowContext(ctx, `SELECT id FROM accounts WHERE email = ?`, email).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("lookup account id: %w", err)
	}
	return id, nil
}

func scanAccount(row interface {
	Scan(dest ...any) error
}) (*domain.Account, error) {
	var (
		account  domain.Account
		linkedID sql.NullString
	)
	if err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&linkedID,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	account.LinkedID = stringPtr(linkedID)
	return &account, nil
}

// isDuplicateEmail reports a UNIQUE violation on accounts.email only, so key
// clashes on other columns surface as plain errors.
func isDuplicateEmail(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed: accounts.email")
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return int64(1)
	}
	return int64(0)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}
