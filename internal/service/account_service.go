package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"account-portal/internal/domain"
	"account-portal/internal/repository"
	"account-portal/internal/storage"
)

var (
	// ErrInvalidCredentials covers both unknown emails and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountExists is returned when registering an email that is already taken.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when no account matches the email.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidInput is returned when a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
)

// NewAccount is the registration form input.
type NewAccount struct {
	Username string
	Email    string
	Password string
}

// AccountService describes account lifecycle operations.
type AccountService interface {
	CreateAccount(ctx context.Context, input NewAccount) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	VerifyLogin(ctx context.Context, email, password string) (*domain.Account, error)
	LinkExternalID(ctx context.Context, email, linkedID string) (bool, error)
	DeleteAccount(ctx context.Context, email string) error
	GetAccountView(ctx context.Context, email string) (*domain.AccountView, error)
	UpsertPreferences(ctx context.Context, email string, patch domain.PreferencesPatch) error
	AddUserData(ctx context.Context, email string, payload json.RawMessage) (*domain.UserData, error)
	Reconcile(ctx context.Context) (domain.ReconcileResult, error)
}

type accountService struct {
	accounts repository.AccountRepository
	hasher   PasswordHasher
	archive  storage.Archiver
	log      logrus.FieldLogger
	// compared against on unknown emails so both login failures cost a bcrypt round
	dummyHash string
}

// NewAccountService wires the service. archive may be nil to skip snapshots on delete.
func NewAccountService(accounts repository.AccountRepository, hasher PasswordHasher, archive storage.Archiver, log logrus.FieldLogger) (AccountService, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dummy, err := hasher.Hash("account-portal-timing-equalizer")
	if err != nil {
		return nil, err
	}
	return &accountService{
		accounts:  accounts,
		hasher:    hasher,
		archive:   archive,
		log:       log,
		dummyHash: dummy,
	}, nil
}

func (s *accountService) CreateAccount(ctx context.Context, input NewAccount) (*domain.Account, error) {
	username := strings.TrimSpace(input.Username)
	email := normalizeEmail(input.Email)

	if username == "" {
		return nil, fmt.Errorf("username is required: %w", ErrInvalidInput)
	}
	if email == "" {
		return nil, fmt.Errorf("email is required: %w", ErrInvalidInput)
	}
	if input.Password == "" {
		return nil, fmt.Errorf("password is required: %w", ErrInvalidInput)
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}

	account := &domain.Account{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.accounts.CreateWithDefaults(ctx, account, domain.DefaultPreferences()); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrAccountExists
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"account_id": account.ID, "email": email}).Info("account created")
	return account, nil
}

func (s *accountService) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return account, nil
}

func (s *accountService) VerifyLogin(ctx context.Context, email, password string) (*domain.Account, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.hasher.Verify(password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !s.hasher.Verify(password, account.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return account, nil
}

// LinkExternalID returns false with a nil error when the id was already linked.
func (s *accountService) LinkExternalID(ctx context.Context, email, linkedID string) (bool, error) {
	email = normalizeEmail(email)
	linkedID = strings.TrimSpace(linkedID)
	if linkedID == "" {
		return false, fmt.Errorf("linked id is required: %w", ErrInvalidInput)
	}

	changed, err := s.accounts.SetLinkedID(ctx, email, linkedID)
	if err != nil {
		return false, mapNotFound(err)
	}
	if changed {
		s.log.WithField("email", email).Info("external id linked")
	}
	return changed, nil
}

func (s *accountService) DeleteAccount(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	if s.archive != nil {
		view, err := s.accounts.GetView(ctx, email)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		if err := s.archiveView(ctx, view); err != nil {
			return err
		}
	}

	res, err := s.accounts.DeleteCascade(ctx, email)
	if err != nil {
		return err
	}
	if res.AccountID == "" {
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"account_id":  res.AccountID,
		"user_data":   res.UserData,
		"preferences": res.Preferences,
	}).Info("account deleted")
	return nil
}

func (s *accountService) archiveView(ctx context.Context, view *domain.AccountView) error {
	body, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode account snapshot: %w", err)
	}
	location, err := s.archive.Archive(ctx, view.ID+".json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive account snapshot: %w", err)
	}
	s.log.WithFields(logrus.Fields{"account_id": view.ID, "location": location}).Info("account snapshot archived")
	return nil
}

func (s *accountService) GetAccountView(ctx context.Context, email string) (*domain.AccountView, error) {
	view, err := s.accounts.GetView(ctx, normalizeEmail(email))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return view, nil
}

func (s *accountService) UpsertPreferences(ctx context.Context, email string, patch domain.PreferencesPatch) error {
	if patch.IsEmpty() {
		return fmt.Errorf("no preference fields given: %w", ErrInvalidInput)
	}
	if err := s.accounts.UpsertPreferences(ctx, normalizeEmail(email), patch); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (s *accountService) AddUserData(ctx context.Context, email string, payload json.RawMessage) (*domain.UserData, error) {
	if len(bytes.TrimSpace(payload)) == 0 || !json.Valid(payload) {
		return nil, fmt.Errorf("payload must be a JSON document: %w", ErrInvalidInput)
	}
	item, err := s.accounts.AddUserData(ctx, normalizeEmail(email), payload)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return item, nil
}

// Reconcile removes dependents left behind by interrupted writes and restores
// missing default preferences.
func (s *accountService) Reconcile(ctx context.Context) (domain.ReconcileResult, error) {
	res, err := s.accounts.PurgeOrphans(ctx, domain.DefaultPreferences())
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	if res != (domain.ReconcileResult{}) {
		s.log.WithFields(logrus.Fields{
			"orphaned_user_data":   res.OrphanedUserData,
			"orphaned_preferences": res.OrphanedPreferences,
			"backfilled_defaults":  res.BackfilledDefaults,
		}).Warn("reconciled account data")
	}
	return res, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrAccountNotFound
	}
	return err
}
