package domain

import (
	"errors"
	"strings"
	"time"
)

// Provider identifies how the user authenticates: "email" or an OAuth provider ID.
type Provider string

const (
	ProviderEmail  Provider = "email"
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// User is the account embedded in a client session. Immutable except through a profile update.
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name,omitempty"`
	Avatar      string     `json:"avatar,omitempty"`
	Provider    Provider   `json:"provider"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// ProfileUpdate is a partial profile change. Nil fields are left untouched.
type ProfileUpdate struct {
	Name   *string `json:"name,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
}

// Validate validates the user as received from the credential gateway.
func (u *User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("email is required")
	}
	if u.Provider == "" {
		u.Provider = ProviderEmail
	}
	return nil
}

// Empty reports whether the update carries no field.
func (p ProfileUpdate) Empty() bool {
	return p.Name == nil && p.Avatar == nil
}

// Apply returns a copy of u with the accepted fields of accepted merged in.
// accepted is the user the server returned; only fields named in the update are taken from it.
func (u User) Apply(update ProfileUpdate, accepted *User) User {
	out := u
	if accepted == nil {
		if update.Name != nil {
			out.Name = *update.Name
		}
		if update.Avatar != nil {
			out.Avatar = *update.Avatar
		}
		return out
	}
	if update.Name != nil {
		out.Name = accepted.Name
	}
	if update.Avatar != nil {
		out.Avatar = accepted.Avatar
	}
	return out
}
