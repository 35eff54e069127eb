package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"geo-quiz/client/internal/apperror"
	sessiondomain "geo-quiz/client/internal/session/domain"
	userdomain "geo-quiz/client/internal/user/domain"
)

// Credentials is the HTTP credential gateway. LoginWithOAuth is delegated to an OAuthFlow.
type Credentials struct {
	client *Client
	oauth  OAuthFlow
	nowF   func() time.Time
}

// NewCredentials returns the credential gateway. oauth may be nil; LoginWithOAuth then fails with OAuthFailed.
func NewCredentials(client *Client, oauth OAuthFlow) *Credentials {
	return &Credentials{client: client, oauth: oauth, nowF: func() time.Time { return time.Now().UTC() }}
}

// Login exchanges email/password for a credential bundle.
func (g *Credentials) Login(ctx context.Context, email, password string) (*sessiondomain.CredentialBundle, error) {
	in := sessiondomain.Credentials{Email: strings.TrimSpace(strings.ToLower(email)), Password: password}
	return g.bundle(ctx, OpLogin, "/auth/login", "", in)
}

// Register creates an account and returns its first credential bundle.
func (g *Credentials) Register(ctx context.Context, r sessiondomain.Registration) (*sessiondomain.CredentialBundle, error) {
	r.Email = strings.TrimSpace(strings.ToLower(r.Email))
	return g.bundle(ctx, OpRegister, "/auth/register", "", r)
}

// Refresh rotates the refresh token and returns a new bundle.
func (g *Credentials) Refresh(ctx context.Context, refreshToken string) (*sessiondomain.CredentialBundle, error) {
	if refreshToken == "" {
		return nil, apperror.New(apperror.KindSessionExpired, "no refresh token")
	}
	body := map[string]string{"refreshToken": refreshToken}
	return g.bundle(ctx, OpRefresh, "/auth/refresh", "", body)
}

// Logout revokes the server-side session for accessToken.
func (g *Credentials) Logout(ctx context.Context, accessToken string) error {
	return g.client.do(ctx, OpLogout, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

// LoginWithOAuth runs the configured OAuth flow for provider.
func (g *Credentials) LoginWithOAuth(ctx context.Context, provider userdomain.Provider) (*sessiondomain.CredentialBundle, error) {
	if g.oauth == nil {
		return nil, apperror.New(apperror.KindOAuthFailed, "oauth is not configured")
	}
	b, err := g.oauth.Authenticate(ctx, provider)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindUnknown {
			return nil, apperror.Wrap(apperror.KindOAuthFailed, "oauth flow failed", err)
		}
		return nil, err
	}
	normalizeBundle(b, g.nowF())
	return b, nil
}

// UpdateProfile sends a partial profile update and returns the user as accepted by the server.
func (g *Credentials) UpdateProfile(ctx context.Context, update userdomain.ProfileUpdate, accessToken string) (*userdomain.User, error) {
	var u userdomain.User
	if err := g.client.do(ctx, OpUpdateProfile, http.MethodPatch, "/auth/profile", accessToken, update, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (g *Credentials) bundle(ctx context.Context, op Operation, path, token string, body any) (*sessiondomain.CredentialBundle, error) {
	var b sessiondomain.CredentialBundle
	if err := g.client.do(ctx, op, http.MethodPost, path, token, body, &b); err != nil {
		return nil, err
	}
	normalizeBundle(&b, g.nowF())
	return &b, nil
}

// ExchangeFlow is an OAuthFlow that obtains a provider token from TokenSource (the opaque
// redirect/consent step) and exchanges it at POST /auth/oauth/{provider}.
type ExchangeFlow struct {
	Client      *Client
	TokenSource func(ctx context.Context, provider userdomain.Provider) (string, error)
}

// Authenticate implements OAuthFlow.
func (f *ExchangeFlow) Authenticate(ctx context.Context, provider userdomain.Provider) (*sessiondomain.CredentialBundle, error) {
	if f.TokenSource == nil {
		return nil, apperror.New(apperror.KindOAuthFailed, "no oauth token source")
	}
	providerToken, err := f.TokenSource(ctx, provider)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindOAuthFailed, "provider authorization failed", err)
	}
	var b sessiondomain.CredentialBundle
	path := "/auth/oauth/" + url.PathEscape(string(provider))
	if err := f.Client.do(ctx, OpOAuth, http.MethodPost, path, "", map[string]string{"token": providerToken}, &b); err != nil {
		return nil, err
	}
	if b.User.Provider == "" {
		b.User.Provider = provider
	}
	return &b, nil
}

// OAuthFlow is the opaque OAuth capability: it runs whatever redirect or device flow the platform
// supports and returns a credential bundle.
type OAuthFlow interface {
	Authenticate(ctx context.Context, provider userdomain.Provider) (*sessiondomain.CredentialBundle, error)
}
