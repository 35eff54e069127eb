package telemetry

import (
	"encoding/json"
	"time"
)

// Event types emitted by the session and progress engines.
const (
	EventLogin               = "login"
	EventRegister            = "register"
	EventOAuthLogin          = "oauth_login"
	EventLogout              = "logout"
	EventRefresh             = "refresh"
	EventRefreshFailed       = "refresh_failed"
	EventInactivityLogout    = "inactivity_logout"
	EventSessionRecorded     = "session_recorded"
	EventSessionQueued       = "session_queued"
	EventMigration           = "migration"
	EventSync                = "sync"
	EventSyncFailed          = "sync_failed"
	EventConnectivityChanged = "connectivity_changed"
	EventAPIRequest          = "api_request"
)

// SourceClient is the default event source.
const SourceClient = "geoquiz-client"

// Event is a lifecycle event. The JSON form is the Kafka message value read by the Loki worker.
type Event struct {
	EventType string          `json:"eventType"`
	UserID    string          `json:"userId,omitempty"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(eventType, userID string, metadata any) *Event {
	return NewEventAt(eventType, userID, time.Now(), metadata)
}

// NewEventAt builds an Event stamped with at in UTC. metadata is marshalled as JSON; nil or an
// unmarshalable value leaves Metadata empty.
func NewEventAt(eventType, userID string, at time.Time, metadata any) *Event {
	e := &Event{
		EventType: eventType,
		UserID:    userID,
		Source:    SourceClient,
		CreatedAt: at.UTC(),
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			e.Metadata = raw
		}
	}
	return e
}
