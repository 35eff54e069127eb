package gateway

import (
	"context"
	"net/http"

	progressdomain "geo-quiz/client/internal/progress/domain"
)

// GameStats is the HTTP game-stats gateway.
type GameStats struct {
	client *Client
}

// NewGameStats returns the game-stats gateway.
func NewGameStats(client *Client) *GameStats {
	return &GameStats{client: client}
}

// SaveSession stores one completed game session.
func (g *GameStats) SaveSession(ctx context.Context, p progressdomain.SessionPayload, accessToken string) (*progressdomain.SavedSession, error) {
	var out progressdomain.SavedSession
	if err := g.client.do(ctx, OpSaveSession, http.MethodPost, "/game-stats/sessions", accessToken, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAggregate returns the server's aggregate stats for the token's user.
func (g *GameStats) GetAggregate(ctx context.Context, accessToken string) (*progressdomain.AggregateStats, error) {
	var out progressdomain.AggregateStats
	if err := g.client.do(ctx, OpGetAggregate, http.MethodGet, "/game-stats/aggregate", accessToken, nil, &out); err != nil {
		return nil, err
	}
	out.FromServer = true
	return &out, nil
}

// MigrateAnonymous uploads sessions played before the user authenticated.
func (g *GameStats) MigrateAnonymous(ctx context.Context, sessions []progressdomain.AnonymousSession, accessToken string) error {
	body := map[string]any{"sessions": sessions}
	return g.client.do(ctx, OpMigrateSession, http.MethodPost, "/game-stats/migrate", accessToken, body, nil)
}
