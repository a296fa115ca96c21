package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/linnemanlabs/validq/internal/episode"
	"github.com/linnemanlabs/validq/internal/escalation"
	"github.com/linnemanlabs/validq/internal/workflow"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int            `json:"-"`
	Kind       string         `json:"error"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("validq: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("validq: %s (http %d): %s", e.Kind, e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of an *APIError, or 0.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// Client talks to one validq server.
type Client struct {
	r *resty.Client
}

type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.r.SetAuthToken(token)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.r.SetTimeout(d) }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.r.SetHeader("User-Agent", ua) }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("server is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server %q: scheme must be http or https", baseURL)
	}

	c := &Client{r: resty.New().
		SetBaseURL(u.String()).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "validqctl"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.r.R().SetContext(ctx)
}

// check turns a resty result into an error. Error bodies that are not the
// server's JSON error shape keep the raw text as message.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("validq: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	ae := &APIError{StatusCode: resp.StatusCode()}
	if jerr := json.Unmarshal(resp.Body(), ae); jerr != nil || ae.Message == "" {
		ae.Message = resp.String()
	}
	return ae
}

// Submit queues an episode for validation.
func (c *Client) Submit(ctx context.Context, episodeID, supervisorID string) (*workflow.SubmitResult, error) {
	var out workflow.SubmitResult
	resp, err := c.req(ctx).
		SetBody(workflow.SubmitRequest{EpisodeID: episodeID, SupervisorID: supervisorID}).
		SetResult(&out).
		Post("/api/v1/validations")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status reports the validation state of one episode.
func (c *Client) Status(ctx context.Context, episodeID string) (*workflow.StatusResult, error) {
	var out workflow.StatusResult
	resp, err := c.req(ctx).
		SetPathParam("id", episodeID).
		SetResult(&out).
		Get("/api/v1/validations/{id}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide records a supervisor decision.
func (c *Client) Decide(ctx context.Context, d workflow.DecisionRequest) (*workflow.DecisionResult, error) {
	var out workflow.DecisionResult
	resp, err := c.req(ctx).
		SetPathParam("id", d.EpisodeID).
		SetBody(d).
		SetResult(&out).
		Post("/api/v1/validations/{id}/decision")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueOptions filters a queue listing. Zero values mean no filter.
type QueueOptions struct {
	Supervisor string
	Urgency    episode.UrgencyLevel
	Limit      int
}

// Queue lists pending episodes in priority order.
func (c *Client) Queue(ctx context.Context, o QueueOptions) (*workflow.ListResult, error) {
	var out workflow.ListResult
	r := c.req(ctx).SetResult(&out)
	if o.Supervisor != "" {
		r.SetQueryParam("supervisor", o.Supervisor)
	}
	if o.Urgency != episode.UrgencyUnknown {
		r.SetQueryParam("urgency", o.Urgency.String())
	}
	if o.Limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(o.Limit))
	}
	resp, err := r.Get("/api/v1/queue")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats summarises the pending queue.
func (c *Client) Stats(ctx context.Context) (*workflow.StatisticsResult, error) {
	var out workflow.StatisticsResult
	resp, err := c.req(ctx).SetResult(&out).Get("/api/v1/queue/stats")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// SweepResult is the server's timeout sweep report. Errors lists the
// individual failures of a partial sweep.
type SweepResult struct {
	*escalation.SweepReport
	Errors []string `json:"errors,omitempty"`
}

// Sweep runs one timeout escalation sweep. A partial sweep returns both the
// report and an *APIError.
func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	out := &SweepResult{}
	resp, err := c.req(ctx).SetResult(out).Post("/api/v1/escalations/sweep")
	if cerr := check(resp, err); cerr != nil {
		if resp == nil || resp.StatusCode() != http.StatusInternalServerError {
			return nil, cerr
		}
		if jerr := json.Unmarshal(resp.Body(), out); jerr != nil || out.SweepReport == nil {
			return nil, cerr
		}
		return out, cerr
	}
	return out, nil
}

// Unavailable marks a supervisor unavailable and moves their queue. Like
// Sweep, a partial result comes back alongside the error.
func (c *Client) Unavailable(ctx context.Context, supervisorID string) (*escalation.UnavailabilityReport, error) {
	out := &escalation.UnavailabilityReport{}
	resp, err := c.req(ctx).
		SetPathParam("id", supervisorID).
		SetResult(out).
		Post("/api/v1/supervisors/{id}/unavailable")
	if cerr := check(resp, err); cerr != nil {
		if resp == nil || resp.StatusCode() != http.StatusInternalServerError {
			return nil, cerr
		}
		if jerr := json.Unmarshal(resp.Body(), out); jerr != nil || out.SupervisorID == "" {
			return nil, cerr
		}
		return out, cerr
	}
	return out, nil
}
