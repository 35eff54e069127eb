package domain

import "time"

// AnonymousSession is a game result recorded before the player authenticated. It is queued
// locally and folded into the user's records once migration runs.
type AnonymousSession struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	CorrectAnswers uint      `json:"correctAnswers"`
	WrongAnswers   uint      `json:"wrongAnswers"`
	SessionStart   time.Time `json:"sessionStart"`
	SessionEnd     time.Time `json:"sessionEnd"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Outcome converts the anonymous session back into a game outcome.
func (a AnonymousSession) Outcome() Outcome {
	return Outcome{
		Category: a.Category,
		Correct:  a.CorrectAnswers,
		Wrong:    a.WrongAnswers,
		Start:    a.SessionStart,
		End:      a.SessionEnd,
	}
}

// SessionPayload is the body of a game-stats save. ClientID makes retried saves idempotent server-side.
type SessionPayload struct {
	ClientID       string    `json:"clientId"`
	UserID         string    `json:"userId"`
	Category       string    `json:"category"`
	CorrectAnswers uint      `json:"correctAnswers"`
	WrongAnswers   uint      `json:"wrongAnswers"`
	BestStreak     uint      `json:"bestStreak"`
	SessionStart   time.Time `json:"sessionStart"`
	SessionEnd     time.Time `json:"sessionEnd"`
}

// NewSessionPayload builds the save payload for an outcome.
func NewSessionPayload(clientID, userID string, o Outcome) SessionPayload {
	return SessionPayload{
		ClientID:       clientID,
		UserID:         userID,
		Category:       o.Category,
		CorrectAnswers: o.Correct,
		WrongAnswers:   o.Wrong,
		BestStreak:     EstimateStreak(o),
		SessionStart:   o.Start,
		SessionEnd:     o.End,
	}
}

// SavedSession is the server's acknowledgement of a saved session.
type SavedSession struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	CorrectAnswers uint      `json:"correctAnswers"`
	WrongAnswers   uint      `json:"wrongAnswers"`
	CreatedAt      time.Time `json:"createdAt"`
}
