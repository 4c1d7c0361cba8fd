package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
)

// errorBody is the JSON shape of every failed response. Field names the entry
// field a validation failure refers to.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeJSON writes payload without HTML escaping so token snapshots are served
// as recorded.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// storeFailure maps an error from the recording service or a repository to a
// status and client-safe message. Unknown errors are treated as store outages.
func storeFailure(err error) (int, errorBody) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, errorBody{Error: vErr.Error(), Field: vErr.Field}
	case errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorBody{Error: "metrics store timed out"}
	case errors.Is(err, repository.ErrClosed):
		return http.StatusServiceUnavailable, errorBody{Error: "metrics store closed"}
	default:
		return http.StatusServiceUnavailable, errorBody{Error: "metrics store unavailable"}
	}
}

func writeStoreError(w http.ResponseWriter, err error) int {
	status, body := storeFailure(err)
	writeJSON(w, status, body)
	return status
}
