package domain

import (
	"encoding/json"
	"time"
)

// Account represents a registered user of the portal.
type Account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	LinkedID     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Preferences is the per-account settings record. Fields are nil when the
// stored row does not carry them.
type Preferences struct {
	Theme         *string `json:"theme,omitempty"`
	Notifications *bool   `json:"notifications,omitempty"`
	Language      *string `json:"language,omitempty"`
}

// PreferencesPatch carries the preference fields to set; nil fields are left untouched.
type PreferencesPatch = Preferences

// IsEmpty reports whether no field is set.
func (p Preferences) IsEmpty() bool {
	return p.Theme == nil && p.Notifications == nil && p.Language == nil
}

// DefaultPreferences returns the record created alongside every new account.
func DefaultPreferences() Preferences {
	theme, language, notifications := "dark", "en", true
	return Preferences{
		Theme:         &theme,
		Notifications: &notifications,
		Language:      &language,
	}
}

// UserData is an opaque document owned by an account.
type UserData struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Payload   json.RawMessage `json:"payload"`
}

// AccountView is the joined read shape rendered on the home page.
type AccountView struct {
	ID          string      `json:"id"`
	Username    string      `json:"username"`
	Email       string      `json:"email"`
	LinkedID    *string     `json:"linked_id"`
	Data        []UserData  `json:"data"`
	Preferences Preferences `json:"preferences"`
}

// DeleteResult counts the rows removed by a cascading account delete.
type DeleteResult struct {
	AccountID   string
	Accounts    int64
	UserData    int64
	Preferences int64
}

// ReconcileResult summarises an orphan sweep.
type ReconcileResult struct {
	OrphanedUserData    int64
	OrphanedPreferences int64
	BackfilledDefaults  int64
}
