package repository

import (
	"context"
	"encoding/json"
	"errors"

	"account-portal/internal/domain"
)

var (
	// ErrNotFound is returned when no account matches the lookup key.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEmail is returned when an insert violates the unique email constraint.
	ErrDuplicateEmail = errors.New("email already exists")
)

// AccountRepository persists accounts together with their dependent
// user_data and user_preferences records.
type AccountRepository interface {
	Init(ctx context.Context) error
	CreateWithDefaults(ctx context.Context, account *domain.Account, prefs domain.Preferences) error
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	SetLinkedID(ctx context.Context, email, linkedID string) (bool, error)
	DeleteCascade(ctx context.Context, email string) (domain.DeleteResult, error)
	GetView(ctx context.Context, email string) (*domain.AccountView, error)
	UpsertPreferences(ctx context.Context, email string, patch domain.PreferencesPatch) error
	GetPreferences(ctx context.Context, accountID string) (*domain.Preferences, error)
	AddUserData(ctx context.Context, email string, payload json.RawMessage) (*domain.UserData, error)
	ListUserData(ctx context.Context, accountID string) ([]domain.UserData, error)
	PurgeOrphans(ctx context.Context, defaults domain.Preferences) (domain.ReconcileResult, error)
}
