package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"geo-quiz/client/internal/apperror"
	userdomain "geo-quiz/client/internal/user/domain"
)

// MinPasswordLength is the shortest password accepted before calling the gateway.
const MinPasswordLength = 6

var simpleEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Session is the client-held credential bundle plus its owning user.
// At most one exists at a time; it is persisted as a single record and replaced atomically.
type Session struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	User         userdomain.User `json:"user"`
}

// CredentialBundle is what the credential gateway returns from login, register, refresh and OAuth.
type CredentialBundle struct {
	User             userdomain.User `json:"user"`
	AccessToken      string          `json:"accessToken"`
	RefreshToken     string          `json:"refreshToken"`
	ExpiresInSeconds int64           `json:"expiresIn"`
}

// Credentials are email/password login inputs.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration are sign-up inputs.
type Registration struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	Name            string `json:"name,omitempty"`
}

// Validate checks the login inputs locally. Failures are ValidationFailed with per-field messages.
func (c Credentials) Validate() error {
	fields := map[string][]string{}
	if strings.TrimSpace(c.Email) == "" {
		fields["email"] = append(fields["email"], "email is required")
	}
	if c.Password == "" {
		fields["password"] = append(fields["password"], "password is required")
	}
	return fieldError(fields)
}

// Validate checks the sign-up inputs locally: a well-formed email, a long enough password and a
// matching confirmation.
func (r Registration) Validate() error {
	fields := map[string][]string{}
	if email := strings.TrimSpace(r.Email); email == "" {
		fields["email"] = append(fields["email"], "email is required")
	} else if !simpleEmail.MatchString(email) {
		fields["email"] = append(fields["email"], "invalid email format")
	}
	if len(r.Password) < MinPasswordLength {
		fields["password"] = append(fields["password"], "password is too short")
	}
	if r.Password != r.ConfirmPassword {
		fields["confirmPassword"] = append(fields["confirmPassword"], "passwords do not match")
	}
	return fieldError(fields)
}

func fieldError(fields map[string][]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &apperror.Error{Kind: apperror.KindValidationFailed, Message: "invalid input", Fields: fields}
}

// NewSession builds a Session from a bundle received at now.
func NewSession(b *CredentialBundle, now time.Time) (*Session, error) {
	if b == nil || b.AccessToken == "" {
		return nil, errors.New("credential bundle has no access token")
	}
	if b.ExpiresInSeconds <= 0 {
		return nil, errors.New("credential bundle has no expiry")
	}
	u := b.User
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(b.ExpiresInSeconds) * time.Second),
		User:         u,
	}, nil
}

// Expired reports whether the session has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Remaining returns the time left until expiry (negative once expired).
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// NeedsRefresh reports whether the session is within threshold of expiry.
func (s *Session) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	return s.Remaining(now) <= threshold
}
