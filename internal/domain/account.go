package domain

import (
	"time"

	"github.com/google/uuid"
)

// TokenStatus tracks the lifecycle of a captured bearer token.
type TokenStatus string

const (
	TokenPending TokenStatus = "pending"
	TokenValid   TokenStatus = "valid"
	TokenExpired TokenStatus = "expired"
)

// Cookie is one captured session cookie.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Account is a credential/session/capacity unit against the upstream service.
// Runtime "busy" state is deliberately not part of this struct: it lives only
// in the scheduler's account controller, so a crash never permanently
// disables an account.
type Account struct {
	ID                string      `json:"id"`
	Platform          string      `json:"platform"`
	Email             string      `json:"email"`
	EncryptedPassword string      `json:"-"`
	Proxy             string      `json:"proxy,omitempty"`
	LoginMode         string      `json:"login_mode"`

	Cookies         []Cookie    `json:"-"`
	AccessToken     string      `json:"-"`
	DeviceID        string      `json:"device_id,omitempty"`
	UserAgent       string      `json:"user_agent,omitempty"`
	TokenStatus     TokenStatus `json:"token_status"`
	TokenCapturedAt *time.Time  `json:"token_captured_at,omitempty"`
	TokenExpiresAt  *time.Time  `json:"token_expires_at,omitempty"`

	// nil means never checked; treated as usable until proven otherwise.
	CreditsRemaining   *int       `json:"credits_remaining,omitempty"`
	CreditsLastChecked *time.Time `json:"credits_last_checked,omitempty"`
	CreditsResetAt     *time.Time `json:"credits_reset_at,omitempty"`

	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewAccount creates an account for a platform with auto login mode.
func NewAccount(platform, email string) *Account {
	return &Account{
		ID:          uuid.NewString(),
		Platform:    platform,
		Email:       email,
		LoginMode:   "auto",
		TokenStatus: TokenPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// HasCredits reports whether the account can still submit. Unknown credits
// count as usable.
func (a *Account) HasCredits() bool {
	return a.CreditsRemaining == nil || *a.CreditsRemaining > 0
}

// HasValidToken reports whether the captured token can authenticate calls.
func (a *Account) HasValidToken() bool {
	if a.TokenStatus != TokenValid || a.AccessToken == "" {
		return false
	}
	return a.TokenExpiresAt == nil || a.TokenExpiresAt.After(time.Now().UTC())
}

// CookieMap returns cookies as a name -> value map for HTTP sessions.
func (a *Account) CookieMap() map[string]string {
	if len(a.Cookies) == 0 {
		return nil
	}
	m := make(map[string]string, len(a.Cookies))
	for _, c := range a.Cookies {
		m[c.Name] = c.Value
	}
	return m
}
