package store

import "strings"

// Keys builds the persisted key names under a namespace. Per-user keys embed the user ID.
type Keys struct {
	ns string
}

// NewKeys returns Keys for namespace (e.g. "geoquiz"). An empty namespace yields unprefixed keys.
func NewKeys(namespace string) Keys {
	return Keys{ns: strings.TrimSuffix(strings.TrimSpace(namespace), ":")}
}

func (k Keys) key(parts ...string) string {
	if k.ns != "" {
		parts = append([]string{k.ns}, parts...)
	}
	return strings.Join(parts, ":")
}

// Session is the persisted session blob.
func (k Keys) Session() string { return k.key("session") }

// User is the persisted user blob (kept beside the session for fast profile reads).
func (k Keys) User() string { return k.key("user") }

// LastActivity is the last-activity timestamp scalar.
func (k Keys) LastActivity() string { return k.key("last_activity") }

// Progress is the per-user progress record list.
func (k Keys) Progress(userID string) string { return k.key("progress", userID) }

// ProgressBackup is the per-user progress backup written before destructive updates.
func (k Keys) ProgressBackup(userID string) string { return k.key("progress_backup", userID) }

// AnonymousSessions is the list of sessions recorded before authentication.
func (k Keys) AnonymousSessions() string { return k.key("anonymous_sessions") }

// TempSession is the most recent unsaved anonymous session.
func (k Keys) TempSession() string { return k.key("temp_session") }

// OfflineQueue is the durable pending-operation list.
func (k Keys) OfflineQueue() string { return k.key("offline_queue") }

// IsCredential reports whether key holds credential material (session or user blob).
func (k Keys) IsCredential(key string) bool {
	return key == k.Session() || key == k.User()
}
