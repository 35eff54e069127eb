package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	progressdomain "geo-quiz/client/internal/progress/domain"
	sessiondomain "geo-quiz/client/internal/session/domain"
	sessionservice "geo-quiz/client/internal/session/service"
	userdomain "geo-quiz/client/internal/user/domain"
)

// Session

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.State())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body sessiondomain.Credentials
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	st, err := s.sessions.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body sessiondomain.Registration
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	st, err := s.sessions.Register(r.Context(), body)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleOAuth(w http.ResponseWriter, r *http.Request) {
	provider := userdomain.Provider(chi.URLParam(r, "provider"))
	if provider == "" || provider == userdomain.ProviderEmail {
		writeProblem(w, r, badRequest("unsupported OAuth provider"))
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	ctx := r.Context()
	if body.Token != "" {
		ctx = WithProviderToken(ctx, body.Token)
	}
	st, err := s.sessions.LoginWithOAuth(ctx, provider)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(r.Context(), "")
	writeJSON(w, http.StatusOK, s.sessions.State())
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body userdomain.ProfileUpdate
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	u, err := s.sessions.UpdateProfile(r.Context(), body)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind sessionservice.ActivityKind `json:"kind"`
	}
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	if err := s.sessions.RecordActivity(r.Context(), body.Kind); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Progress

// owner is the signed-in user, or "" for anonymous play.
func owner(r *http.Request) string {
	id, _ := UserID(r.Context())
	return id
}

func ownerOrAnonymous(r *http.Request) string {
	if id := owner(r); id != "" {
		return id
	}
	return progressdomain.AnonymousUserID
}

func (s *Server) handleRecordSession(w http.ResponseWriter, r *http.Request) {
	var body progressdomain.Outcome
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	res, err := s.progress.RecordCompletedSession(r.Context(), owner(r), body)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSaveTemp(w http.ResponseWriter, r *http.Request) {
	var body progressdomain.Outcome
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	a, err := s.progress.SaveTempSession(r.Context(), body)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.progress.GetAggregateStats(r.Context(), ownerOrAnonymous(r)))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	stats, err := s.progress.SyncProgress(r.Context(), owner(r))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.progress.ClearProgress(r.Context(), ownerOrAnonymous(r)); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	records, err := s.progress.RestoreBackup(r.Context(), ownerOrAnonymous(r))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queue.Pending(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hasPendingSessions": s.progress.HasPendingOfflineSessions(r.Context()),
		"operations":         ops,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.RetryNow(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Connectivity

func (s *Server) handleGetConnectivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	if body.Online == nil {
		writeProblem(w, r, badRequest("online is required"))
		return
	}
	s.conn.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.conn.TestConnectivity(r.Context())
	writeJSON(w, http.StatusOK, s.conn.Status())
}
