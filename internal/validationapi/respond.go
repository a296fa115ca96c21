package validationapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/linnemanlabs/validq/internal/episode"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(k episode.Kind) int {
	switch k {
	case episode.KindValidation:
		return http.StatusBadRequest
	case episode.KindNotFound:
		return http.StatusNotFound
	case episode.KindConflict, episode.KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err using its kind. Server-side failures are logged;
// their messages are not echoed to the caller.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := episode.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Error: string(kind), Message: err.Error()}

	var e *episode.Error
	if errors.As(err, &e) {
		body.Details = e.Details()
		if e.Reason != "" && status < http.StatusInternalServerError {
			body.Message = e.Reason
		}
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, "request failed", "kind", string(kind), "path", r.URL.Path)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: string(episode.KindValidation), Message: msg})
}
