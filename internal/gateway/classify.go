package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"geo-quiz/client/internal/apperror"
)

// Operation names the gateway call a failure came from; classification depends on it
// (a 401 on login means bad credentials, a 401 anywhere else means the session expired).
type Operation string

const (
	OpLogin          Operation = "login"
	OpRegister       Operation = "register"
	OpRefresh        Operation = "refresh"
	OpLogout         Operation = "logout"
	OpOAuth          Operation = "oauth"
	OpUpdateProfile  Operation = "update_profile"
	OpSaveSession    Operation = "save_session"
	OpGetAggregate   Operation = "get_aggregate"
	OpMigrateSession Operation = "migrate_anonymous"
	OpProbe          Operation = "probe"
)

// Problem is an RFC 9457 problem details body.
type Problem struct {
	Type   string              `json:"type"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// Classify maps an HTTP failure (status + body) from op into exactly one apperror.Kind.
// A problem type ending in a known slug wins over the status code.
func Classify(op Operation, status int, body []byte) *apperror.Error {
	var p Problem
	_ = json.Unmarshal(body, &p)

	e := &apperror.Error{Status: status, Fields: p.Errors, Message: problemMessage(p, status)}
	if kind, ok := kindFromProblemType(p.Type); ok {
		e.Kind = kind
		return e
	}
	e.Kind = kindFromStatus(op, status, len(p.Errors) > 0)
	return e
}

// ClassifyTransport maps a transport-level error (dial, timeout, cancelled) to NetworkUnavailable.
func ClassifyTransport(op Operation, err error) *apperror.Error {
	msg := "network unavailable"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "request timed out"
	}
	if op == OpOAuth {
		return apperror.Wrap(apperror.KindOAuthFailed, msg, err)
	}
	return apperror.Wrap(apperror.KindNetworkUnavailable, msg, err)
}

func kindFromStatus(op Operation, status int, hasFieldErrors bool) apperror.Kind {
	if op == OpOAuth && status >= 400 && status < 500 {
		return apperror.KindOAuthFailed
	}
	switch {
	case status == http.StatusUnauthorized && op == OpLogin:
		return apperror.KindInvalidCredentials
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperror.KindSessionExpired
	case status == http.StatusConflict:
		return apperror.KindUserAlreadyExists
	case status == http.StatusBadRequest && op == OpLogin && !hasFieldErrors:
		return apperror.KindInvalidCredentials
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return apperror.KindValidationFailed
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperror.KindNetworkUnavailable
	default:
		return apperror.KindUnknown
	}
}

var problemSlugs = []struct {
	suffix string
	kind   apperror.Kind
}{
	{"invalid-credentials", apperror.KindInvalidCredentials},
	{"user-already-exists", apperror.KindUserAlreadyExists},
	{"user-exists", apperror.KindUserAlreadyExists},
	{"email-taken", apperror.KindUserAlreadyExists},
	{"session-expired", apperror.KindSessionExpired},
	{"token-expired", apperror.KindSessionExpired},
	{"invalid-refresh-token", apperror.KindSessionExpired},
	{"oauth-failed", apperror.KindOAuthFailed},
	{"validation-failed", apperror.KindValidationFailed},
	{"validation-error", apperror.KindValidationFailed},
}

func kindFromProblemType(typ string) (apperror.Kind, bool) {
	typ = strings.ToLower(strings.TrimRight(strings.TrimSpace(typ), "/"))
	if typ == "" || typ == "about:blank" {
		return "", false
	}
	for _, s := range problemSlugs {
		if strings.HasSuffix(typ, s.suffix) {
			return s.kind, true
		}
	}
	return "", false
}

func problemMessage(p Problem, status int) string {
	switch {
	case p.Detail != "":
		return p.Detail
	case p.Title != "":
		return p.Title
	case status > 0:
		if t := http.StatusText(status); t != "" {
			return t
		}
	}
	return "request failed"
}
