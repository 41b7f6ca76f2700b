package joblinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobline/internal/auth"
	"jobline/internal/broker/memory"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/events"
	"jobline/internal/jobs"
	"jobline/internal/logging"
	"jobline/internal/process"
	"jobline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	log := logging.Discard()
	reg := jobs.NewRegistry()
	coord := engine.New(reg, log)
	coord.Register(domain.KindNoop, engine.NoopExecutor{})
	coord.Register(domain.KindPreprocess, process.Executor{})
	pub := events.NewPublisher(memory.New(), nil, events.PublisherConfig{MaxAttempts: 1}, log)
	coord.Events = pub

	authCfg := auth.Config{Secret: "sdk-secret"}
	h, err := server.New(server.Config{
		Coordinator: coord,
		Jobs:        reg,
		Events:      pub,
		Auth:        auth.NewValidator(authCfg),
		BasePath:    "/v1",
		Service:     "processor",
		Log:         log,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_ = pub.Close(ctx)
	})

	c := New(ts.URL+"/v1", "harvester", auth.NewIssuer(authCfg))
	c.Log = log
	return c
}

func TestRunNoopJob(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	job, err := c.Run(ctx, domain.JobSpec{Kind: domain.KindNoop}, 10*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.NotEmpty(t, job.Result)
	assert.Empty(t, job.Error)

	listed, err := c.ListJobs(ctx, domain.JobStatusCompleted)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, job.ID, listed[0].ID)
}

func TestPreprocessJobCarriesRows(t *testing.T) {
	c := newClient(t)
	spec := domain.JobSpec{
		Kind: domain.KindPreprocess,
		Preprocess: &domain.PreprocessParams{
			Dataset:    []domain.Row{{"text": "Hello World"}},
			Operations: []domain.Operation{{
				ID:         "text_normalization",
				Parameters: map[string]any{"columns": []any{"text"}, "case": "lower"},
			}},
		},
	}
	job, err := c.Run(context.Background(), spec, 10*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Contains(t, string(job.Result), "hello")
}

func TestErrorsMapToSentinels(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)

	_, err = c.SubmitJob(ctx, "", domain.JobSpec{Kind: domain.KindIndexDataset, IndexDataset: &domain.IndexDatasetParams{}})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = c.SubmitJob(ctx, "fixed", domain.JobSpec{Kind: domain.KindNoop})
	require.NoError(t, err)
	_, err = c.SubmitJob(ctx, "fixed", domain.JobSpec{Kind: domain.KindNoop})
	assert.ErrorIs(t, err, jobs.ErrAlreadyExists)
}

func TestAwaitUnknownJobFailsFast(t *testing.T) {
	c := newClient(t)
	start := time.Now()
	_, err := c.Await(context.Background(), "nope", 10*time.Millisecond, 5*time.Second)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublishEventAndHealth(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	out, err := c.PublishEvent(ctx, domain.DomainEvent{
		EventID:     "evt-1",
		EventType:   domain.EventDatasetCreated,
		AggregateID: "ds-9",
		Payload:     []byte(`{"dataset_id":"ds-9"}`),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", out.EventID)
	assert.True(t, out.Delivered)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "processor", h.Service)
}

func TestMissingCredentials(t *testing.T) {
	c := newClient(t)
	c.Tokens = nil
	_, err := c.ListJobs(context.Background(), "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c.BearerToken = "garbage"
	_, err = c.ListJobs(context.Background(), "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid_credentials", apiErr.Code)
}

func TestOperationsMatchesServer(t *testing.T) {
	c := newClient(t)
	ops, err := c.Operations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, process.Operations(), ops)
	assert.Contains(t, ops, process.OpTextCleaning)
}
