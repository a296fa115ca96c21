package validationapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/escalation"
	"github.com/linnemanlabs/validq/internal/queue"
	"github.com/linnemanlabs/validq/internal/workflow"
)

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req workflow.SubmitRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("validq.episode.id", req.EpisodeID))

	res, err := a.coord.Submit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.AlreadyValidated {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("validq.episode.id", id))

	res, err := a.coord.Status(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("validq.episode.id", id))

	var req workflow.DecisionRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	switch req.EpisodeID {
	case "":
		req.EpisodeID = id
	case id:
	default:
		badRequest(w, "episode_id does not match path")
		return
	}

	res, err := a.coord.Decision(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("validq.episode.status", string(res.NewStatus)))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{Supervisor: q.Get("supervisor")}

	if s := q.Get("urgency"); s != "" {
		u := episode.ParseUrgency(s)
		if !u.IsKnown() {
			badRequest(w, "unknown urgency "+strconv.Quote(s))
			return
		}
		f.Urgency = &u
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	res, err := a.coord.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	res, err := a.coord.Statistics(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SweepResponse is the body of a sweep request. Errors lists per-episode and
// per-rule failures; the rest of the sweep still ran.
type SweepResponse struct {
	*escalation.SweepReport
	Errors []string `json:"errors,omitempty"`
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := a.coord.Sweep(r.Context())
	if report == nil {
		a.writeError(w, r, err)
		return
	}

	resp := SweepResponse{SweepReport: report}
	status := http.StatusOK
	if err != nil {
		a.logger.Error(r.Context(), err, "timeout sweep had failures", "failed", report.Failed)
		resp.Errors = splitJoined(err)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (a *API) handleUnavailable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("validq.supervisor.id", id))

	report, err := a.coord.SupervisorUnavailable(r.Context(), id)
	if report == nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		a.logger.Error(r.Context(), err, "unavailability handling had failures", "supervisor_id", id)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}

// splitJoined flattens an errors.Join result into messages.
func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
