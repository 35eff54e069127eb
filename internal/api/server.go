// Package api exposes the session and progress engines to a local UI over a loopback HTTP API.
// Errors are RFC 9457 problem documents.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"geo-quiz/client/internal/connectivity"
	"geo-quiz/client/internal/offline"
	progressdomain "geo-quiz/client/internal/progress/domain"
	progressservice "geo-quiz/client/internal/progress/service"
	sessiondomain "geo-quiz/client/internal/session/domain"
	sessionservice "geo-quiz/client/internal/session/service"
	"geo-quiz/client/internal/telemetry"
	userdomain "geo-quiz/client/internal/user/domain"
)

// Sessions is the session manager surface served by the API.
type Sessions interface {
	State() sessionservice.State
	CurrentUser() (userdomain.User, bool)
	Login(ctx context.Context, email, password string) (sessionservice.State, error)
	Register(ctx context.Context, r sessiondomain.Registration) (sessionservice.State, error)
	LoginWithOAuth(ctx context.Context, provider userdomain.Provider) (sessionservice.State, error)
	Logout(ctx context.Context, reason string)
	UpdateProfile(ctx context.Context, update userdomain.ProfileUpdate) (userdomain.User, error)
	RecordActivity(ctx context.Context, kind sessionservice.ActivityKind) error
}

// Progress is the progress engine surface served by the API.
type Progress interface {
	RecordCompletedSession(ctx context.Context, userID string, o progressdomain.Outcome) (progressservice.RecordResult, error)
	SaveTempSession(ctx context.Context, o progressdomain.Outcome) (progressdomain.AnonymousSession, error)
	GetAggregateStats(ctx context.Context, userID string) progressdomain.AggregateStats
	SyncProgress(ctx context.Context, userID string) (progressdomain.AggregateStats, error)
	ClearProgress(ctx context.Context, userID string) error
	RestoreBackup(ctx context.Context, userID string) ([]progressdomain.Record, error)
	HasPendingOfflineSessions(ctx context.Context) bool
}

// Queue is the offline queue surface served by the API.
type Queue interface {
	Pending(ctx context.Context) ([]offline.Operation, error)
	RetryNow(ctx context.Context) (offline.DrainResult, error)
}

// Connectivity is the connectivity monitor surface served by the API.
type Connectivity interface {
	Status() connectivity.Status
	SetOnline(online bool)
	TestConnectivity(ctx context.Context) bool
}

// Pinger checks the durable store backend for readiness (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the engines behind the API. Emitter and Pinger may be nil; without a Pinger
// /health reports ok unconditionally.
type Deps struct {
	Sessions     Sessions
	Progress     Progress
	Queue        Queue
	Connectivity Connectivity
	Emitter      telemetry.EventEmitter
	Pinger       Pinger
}

// Server serves the loopback API.
type Server struct {
	sessions Sessions
	progress Progress
	queue    Queue
	conn     Connectivity
	emitter  telemetry.EventEmitter
	pinger   Pinger
}

// NewServer returns a Server over deps.
func NewServer(deps Deps) *Server {
	return &Server{
		sessions: deps.Sessions,
		progress: deps.Progress,
		queue:    deps.Queue,
		conn:     deps.Connectivity,
		emitter:  deps.Emitter,
		pinger:   deps.Pinger,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.identity)
	r.Use(RequestTelemetry(s.emitter, map[string]bool{"/health": true}))

	r.Get("/health", s.handleHealth)

	r.Get("/session", s.handleGetSession)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Post("/oauth/{provider}", s.handleOAuth)
		r.Post("/logout", s.handleLogout)
		r.With(requireUser).Patch("/profile", s.handleUpdateProfile)
	})
	r.Post("/activity", s.handleActivity)

	r.Route("/progress", func(r chi.Router) {
		r.Post("/sessions", s.handleRecordSession)
		r.Post("/temp", s.handleSaveTemp)
		r.Get("/stats", s.handleStats)
		r.With(requireUser).Post("/sync", s.handleSync)
		r.Delete("/", s.handleClear)
		r.Post("/restore", s.handleRestore)
		r.Get("/pending", s.handlePending)
	})
	r.With(requireUser).Post("/offline/retry", s.handleRetry)

	r.Get("/connectivity", s.handleGetConnectivity)
	r.Post("/connectivity", s.handleSetConnectivity)
	r.Post("/connectivity/probe", s.handleProbe)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.PingContext(ctx); err != nil {
			log.Printf("api: health: store ping failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identity puts the signed-in user's ID into the request context.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := s.sessions.CurrentUser(); ok {
			r = r.WithContext(WithUserID(r.Context(), u.ID))
		}
		next.ServeHTTP(w, r)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserID(r.Context()); !ok {
			writeProblem(w, r, notAuthenticated())
			return
		}
		next.ServeHTTP(w, r)
	})
}
