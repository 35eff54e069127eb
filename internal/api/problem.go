package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"geo-quiz/client/internal/apperror"
)

const problemContentType = "application/problem+json"

// Problem is an RFC 9457 problem document.
type Problem struct {
	Type     string              `json:"type"`
	Title    string              `json:"title"`
	Status   int                 `json:"status"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

var kindStatus = map[apperror.Kind]int{
	apperror.KindInvalidCredentials: http.StatusUnauthorized,
	apperror.KindUserAlreadyExists:  http.StatusConflict,
	apperror.KindNetworkUnavailable: http.StatusServiceUnavailable,
	apperror.KindSessionExpired:     http.StatusUnauthorized,
	apperror.KindOAuthFailed:        http.StatusBadGateway,
	apperror.KindValidationFailed:   http.StatusBadRequest,
	apperror.KindUnknown:            http.StatusInternalServerError,
}

// problemFor maps a classified error to a problem document. The type slug is the kind with
// dashes, matching what the gateways parse.
func problemFor(err error) Problem {
	var ae *apperror.Error
	if !errors.As(err, &ae) {
		return Problem{Type: "about:blank", Title: http.StatusText(http.StatusInternalServerError), Status: http.StatusInternalServerError, Detail: err.Error()}
	}
	status, ok := kindStatus[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return Problem{
		Type:   "urn:geoquiz:problem:" + kindSlug(ae.Kind),
		Title:  http.StatusText(status),
		Status: status,
		Detail: ae.Message,
		Errors: ae.Fields,
	}
}

func kindSlug(k apperror.Kind) string {
	b := []byte(k)
	for i, c := range b {
		if c == '_' {
			b[i] = '-'
		}
	}
	return string(b)
}

func notAuthenticated() error { return apperror.ErrNotAuthenticated }

func badRequest(detail string) error {
	return apperror.New(apperror.KindValidationFailed, detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	p.Instance = r.URL.Path
	if p.Status >= http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", r.Method, r.URL.Path, err)
	}
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return badRequest("malformed JSON body")
	}
	return nil
}
