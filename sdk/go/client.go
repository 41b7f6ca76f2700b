// Package joblinesdk is an HTTP client for the jobline API. It implements
// poll.Source, so a caller can submit work and wait for its outcome.
package joblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"jobline/internal/domain"
	"jobline/internal/jobs"
	"jobline/internal/poll"
)

// TokenSource mints an Authorization header per request.
type TokenSource interface {
	AuthHeader(serviceName string) (string, error)
}

// Client is a minimal jobline HTTP API client.
type Client struct {
	BaseURL string
	// Service is the calling service's name, carried in every token.
	Service string
	Tokens  TokenSource
	// BearerToken is used when Tokens is nil.
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Log         logrus.FieldLogger
}

// New creates a client with sane defaults.
func New(baseURL, service string, tokens TokenSource) *Client {
	return &Client{
		BaseURL: baseURL,
		Service: service,
		Tokens:  tokens,
		Timeout: 10 * time.Second,
	}
}

// Accepted is the answer to a job submission.
type Accepted struct {
	JobID   string           `json:"job_id"`
	Status  domain.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// Published is the answer to an event publication.
type Published struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Delivered  bool      `json:"delivered"`
}

type Health struct {
	Status  string                   `json:"status"`
	Service string                   `json:"service"`
	Jobs    map[domain.JobStatus]int `json:"jobs"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap maps well-known statuses onto package sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return jobs.ErrNotFound
	case http.StatusConflict:
		return jobs.ErrAlreadyExists
	case http.StatusBadRequest:
		if e.Code == "invalid_spec" {
			return domain.ErrInvalidSpec
		}
	}
	return nil
}

type jobResponse struct {
	JobID     string           `json:"job_id"`
	Kind      domain.JobKind   `json:"kind"`
	Status    domain.JobStatus `json:"status"`
	Message   string           `json:"message"`
	Data      json.RawMessage  `json:"data"`
	Error     *string          `json:"error"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (r jobResponse) job() domain.Job {
	j := domain.Job{
		ID:        r.JobID,
		Kind:      r.Kind,
		Status:    r.Status,
		Message:   r.Message,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Data) > 0 && string(r.Data) != "null" {
		j.Result = r.Data
	}
	if r.Error != nil {
		j.Error = *r.Error
	}
	return j
}

// SubmitJob posts spec to /process. jobID may be empty.
func (c *Client) SubmitJob(ctx context.Context, jobID string, spec domain.JobSpec) (Accepted, error) {
	body := struct {
		JobID string `json:"job_id,omitempty"`
		domain.JobSpec
	}{JobID: jobID, JobSpec: spec}
	var resp Accepted
	err := c.do(ctx, http.MethodPost, "process", body, &resp)
	return resp, err
}

// GetJob fetches a job snapshot. An unknown id yields an error matching
// jobs.ErrNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var resp jobResponse
	if err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return domain.Job{}, err
	}
	return resp.job(), nil
}

// ListJobs returns jobs, optionally only those in status.
func (c *Client) ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	endpoint := "jobs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(string(status))
	}
	var resp []jobResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(resp))
	for _, r := range resp {
		out = append(out, r.job())
	}
	return out, nil
}

// Await polls the job until it is terminal or timeout passes. Zero interval
// and timeout use the poller defaults.
func (c *Client) Await(ctx context.Context, id string, interval, timeout time.Duration) (domain.Job, error) {
	return poll.New(c, c.Log).Await(ctx, id, interval, timeout)
}

// Run submits spec and waits for its outcome.
func (c *Client) Run(ctx context.Context, spec domain.JobSpec, interval, timeout time.Duration) (domain.Job, error) {
	acc, err := c.SubmitJob(ctx, "", spec)
	if err != nil {
		return domain.Job{}, err
	}
	return c.Await(ctx, acc.JobID, interval, timeout)
}

// PublishEvent emits evt through the API. With wait the call returns after
// the broker confirmed the event.
func (c *Client) PublishEvent(ctx context.Context, evt domain.DomainEvent, wait bool) (Published, error) {
	body := map[string]any{
		"event_type": evt.EventType,
	}
	if evt.EventID != "" {
		body["event_id"] = evt.EventID
	}
	if evt.AggregateID != "" {
		body["aggregate_id"] = evt.AggregateID
	}
	if len(evt.Payload) > 0 {
		body["payload"] = evt.Payload
	}
	endpoint := "events"
	if wait {
		endpoint += "?wait=true"
	}
	var resp Published
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Deliveries returns recent publication outcomes, newest first.
func (c *Client) Deliveries(ctx context.Context, eventType, status string, limit int) ([]domain.Delivery, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("event_type", eventType)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "events/deliveries"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []domain.Delivery
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Operations lists the preprocessing operation ids the server supports.
func (c *Client) Operations(ctx context.Context) ([]string, error) {
	var resp struct {
		Operations []string `json:"operations"`
	}
	err := c.do(ctx, http.MethodGet, "operations", nil, &resp)
	return resp.Operations, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) authHeader() (string, error) {
	if c.Tokens != nil {
		return c.Tokens.AuthHeader(c.Service)
	}
	if c.BearerToken != "" {
		return "Bearer " + c.BearerToken, nil
	}
	return "", nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	authz, err := c.authHeader()
	if err != nil {
		return fmt.Errorf("service token: %w", err)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
