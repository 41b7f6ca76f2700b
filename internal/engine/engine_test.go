package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"jobline/internal/auth"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/jobs"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, evt domain.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type testEnv struct {
	Coord  *engine.Coordinator
	Jobs   *jobs.Registry
	Events *recordingPublisher
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	reg := jobs.NewRegistry()
	coord := engine.New(reg, nil)
	pub := &recordingPublisher{}
	coord.Events = pub
	coord.Register(domain.KindNoop, engine.NoopExecutor{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return testEnv{Coord: coord, Jobs: reg, Events: pub, Ctx: context.Background()}
}

func waitTerminal(t *testing.T, reg *jobs.Registry, id string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := reg.Get(id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return domain.Job{}
}

func TestNoopJobCompletes(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{Kind: domain.KindNoop}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != domain.JobStatusCreated {
		t.Fatalf("expected created, got %s", job.Status)
	}
	final := waitTerminal(t, env.Jobs, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if len(final.Result) == 0 || final.Error != "" {
		t.Fatalf("unexpected result=%s error=%q", final.Result, final.Error)
	}
	// the event is emitted after the terminal transition
	deadline := time.Now().Add(time.Second)
	for len(env.Events.types()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := env.Events.types(); len(got) != 1 || got[0] != domain.EventJobCompleted {
		t.Fatalf("expected job.completed event, got %v", got)
	}
}

func TestFailingExecutorMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Coord.Register(domain.KindPreprocess, engine.ExecutorFunc(func(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}))
	job, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{
		Kind:       domain.KindPreprocess,
		Preprocess: &domain.PreprocessParams{Operations: []domain.Operation{{ID: "text_cleaning"}}},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.Jobs, job.ID)
	if final.Status != domain.JobStatusFailed || !strings.Contains(final.Error, "boom") {
		t.Fatalf("expected failed with boom, got %s %q", final.Status, final.Error)
	}
	if final.Result != nil {
		t.Fatalf("failed job must not carry a result")
	}
}

func TestPanickingExecutorMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Coord.Register(domain.KindNoop, engine.ExecutorFunc(func(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
		panic("kaboom")
	}))
	job, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{Kind: domain.KindNoop}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.Jobs, job.ID)
	if final.Status != domain.JobStatusFailed || !strings.Contains(final.Error, "kaboom") {
		t.Fatalf("expected failed with panic text, got %s %q", final.Status, final.Error)
	}
}

func TestMissingExecutorMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{
		Kind:         domain.KindIndexDataset,
		IndexDataset: &domain.IndexDatasetParams{DatasetID: "ds-1"},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.Jobs, job.ID)
	if final.Status != domain.JobStatusFailed || !strings.Contains(final.Error, "no executor") {
		t.Fatalf("expected failed, got %s %q", final.Status, final.Error)
	}
}

func TestInvalidSpecRejectedBeforeCreate(t *testing.T) {
	env := newTestEnv(t)
	cases := []domain.JobSpec{
		{},
		{Kind: "bogus"},
		{Kind: domain.KindPreprocess},
		{Kind: domain.KindIndexDataset, IndexDataset: &domain.IndexDatasetParams{}},
		{Kind: domain.KindNoop, IndexDataset: &domain.IndexDatasetParams{DatasetID: "x"}},
	}
	for _, spec := range cases {
		_, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: spec})
		if !errors.Is(err, engine.ErrInvalidSpec) {
			t.Fatalf("spec %+v: expected ErrInvalidSpec, got %v", spec, err)
		}
	}
	if n := len(env.Jobs.List()); n != 0 {
		t.Fatalf("expected no jobs, got %d", n)
	}
}

type rejectingExecutor struct{ engine.NoopExecutor }

func (rejectingExecutor) ValidateSpec(spec domain.JobSpec) error {
	return errors.New("unknown operation")
}

func TestExecutorValidationRejects(t *testing.T) {
	env := newTestEnv(t)
	env.Coord.Register(domain.KindNoop, rejectingExecutor{})
	_, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{Kind: domain.KindNoop}})
	if !errors.Is(err, engine.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestDuplicateJobIDRejected(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.JobSpec{Kind: domain.KindNoop}
	if _, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{JobID: "fixed", Spec: spec}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{JobID: "fixed", Spec: spec}); !errors.Is(err, jobs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestShutdownWaitsAndRejects(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.Coord.Register(domain.KindNoop, engine.ExecutorFunc(func(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"done":true}`), nil
	}))
	job, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{Kind: domain.KindNoop}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- env.Coord.Shutdown(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("shutdown returned before the job finished")
	default:
	}
	if _, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{Kind: domain.KindNoop}}); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got, _ := env.Jobs.Get(job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestShutdownDeadlineCancelsExecutors(t *testing.T) {
	env := newTestEnv(t)
	env.Coord.Register(domain.KindNoop, engine.ExecutorFunc(func(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	job, err := env.Coord.Submit(env.Ctx, engine.SubmitRequest{Spec: domain.JobSpec{Kind: domain.KindNoop}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := env.Coord.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	final := waitTerminal(t, env.Jobs, job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}

func TestIndexExecutorPostsWithServiceToken(t *testing.T) {
	secret := "index-secret"
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"indexed":3}`))
	}))
	defer srv.Close()

	x := engine.IndexExecutor{
		URL:     srv.URL,
		Service: "jobline",
		Tokens:  auth.NewIssuer(auth.Config{Secret: secret}),
	}
	out, err := x.Execute(context.Background(), domain.JobSpec{
		Kind:         domain.KindIndexDataset,
		IndexDataset: &domain.IndexDatasetParams{DatasetID: "ds-9", Reason: domain.EventDatasetCreated},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	tok, ok := auth.BearerToken(gotAuth)
	if !ok {
		t.Fatalf("missing bearer token: %q", gotAuth)
	}
	claims, err := auth.NewValidator(auth.Config{Secret: secret}).Validate(tok)
	if err != nil || claims.Service != "jobline" {
		t.Fatalf("token invalid: %v %+v", err, claims)
	}
	if !strings.Contains(gotBody, `"dataset_id":"ds-9"`) {
		t.Fatalf("unexpected body %s", gotBody)
	}
	var res struct {
		DatasetID string          `json:"dataset_id"`
		Response  json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(out, &res); err != nil || res.DatasetID != "ds-9" || string(res.Response) != `{"indexed":3}` {
		t.Fatalf("unexpected result %s (%v)", out, err)
	}
}

func TestIndexExecutorWithoutURLFails(t *testing.T) {
	_, err := engine.IndexExecutor{}.Execute(context.Background(), domain.JobSpec{
		Kind:         domain.KindIndexDataset,
		IndexDataset: &domain.IndexDatasetParams{DatasetID: "ds-1"},
	})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestIndexExecutorReportsUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := engine.IndexExecutor{URL: srv.URL}.Execute(context.Background(), domain.JobSpec{
		Kind:         domain.KindIndexDataset,
		IndexDataset: &domain.IndexDatasetParams{DatasetID: "ds-1"},
	})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}
