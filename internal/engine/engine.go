// Package engine drives jobs from submission to a terminal state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"jobline/internal/domain"
	"jobline/internal/jobs"
)

var (
	ErrExecution   = errors.New("job execution failed")
	ErrInvalidSpec = domain.ErrInvalidSpec
	ErrClosed      = errors.New("coordinator is shutting down")
)

// Executor runs the work described by a spec and returns its JSON result.
type Executor interface {
	Execute(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
	return f(ctx, spec)
}

// SpecValidator is implemented by executors that check their parameters
// before a job is accepted.
type SpecValidator interface {
	ValidateSpec(spec domain.JobSpec) error
}

// EventPublisher receives job lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.DomainEvent) error
}

// SubmitRequest asks for a new job. JobID is optional; when set it doubles
// as an idempotency key.
type SubmitRequest struct {
	JobID string
	Spec  domain.JobSpec
}

type Coordinator struct {
	Jobs   *jobs.Registry
	Events EventPublisher
	Log    logrus.FieldLogger
	// Timeout bounds a single execution. Zero means no limit.
	Timeout time.Duration
	Now     func() time.Time

	mu        sync.RWMutex
	executors map[domain.JobKind]Executor
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(reg *jobs.Registry, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		Jobs:      reg,
		Log:       log,
		Now:       time.Now,
		executors: make(map[domain.JobKind]Executor),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Register installs the executor for kind, replacing any previous one.
func (c *Coordinator) Register(kind domain.JobKind, exec Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[kind] = exec
}

func (c *Coordinator) executor(kind domain.JobKind) Executor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executors[kind]
}

// Validate checks a spec without creating a job.
func (c *Coordinator) Validate(spec domain.JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if v, ok := c.executor(spec.Kind).(SpecValidator); ok {
		if err := v.ValidateSpec(spec); err != nil {
			if errors.Is(err, ErrInvalidSpec) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	}
	return nil
}

// Submit registers a job and starts it in the background. The returned
// snapshot is in state created.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	if err := c.Validate(req.Spec); err != nil {
		return domain.Job{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.Job{}, ErrClosed
	}
	var (
		job domain.Job
		err error
	)
	if req.JobID != "" {
		job, err = c.Jobs.CreateWithID(req.JobID, req.Spec.Kind)
	} else {
		job, err = c.Jobs.Create(req.Spec.Kind)
	}
	if err != nil {
		return domain.Job{}, err
	}
	c.wg.Add(1)
	go c.run(job.ID, req.Spec)
	return job, nil
}

func (c *Coordinator) run(id string, spec domain.JobSpec) {
	defer c.wg.Done()
	log := c.Log.WithFields(logrus.Fields{"job_id": id, "kind": spec.Kind})

	if _, err := c.Jobs.Transition(id, jobs.Update{Status: domain.JobStatusRunning, Message: "job running"}); err != nil {
		log.WithError(err).Error("start job")
		return
	}
	log.Debug("job running")

	result, err := c.execute(spec)
	var final domain.Job
	if err != nil {
		log.WithError(err).Warn("job failed")
		final, err = c.Jobs.Transition(id, jobs.Update{
			Status:  domain.JobStatusFailed,
			Message: "job failed",
			Error:   err.Error(),
		})
	} else {
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		log.Debug("job completed")
		final, err = c.Jobs.Transition(id, jobs.Update{
			Status:  domain.JobStatusCompleted,
			Message: "job completed",
			Result:  result,
		})
	}
	if err != nil {
		log.WithError(err).Error("finish job")
		return
	}
	c.announce(final)
}

func (c *Coordinator) execute(spec domain.JobSpec) (result json.RawMessage, err error) {
	exec := c.executor(spec.Kind)
	if exec == nil {
		return nil, fmt.Errorf("%w: no executor registered for kind %q", ErrExecution, spec.Kind)
	}
	ctx := c.ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			c.Log.WithField("stack", string(debug.Stack())).Errorf("executor panic: %v", r)
			result = nil
			err = fmt.Errorf("%w: panic: %v", ErrExecution, r)
		}
	}()
	result, err = exec.Execute(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, fmt.Errorf("%w: executor returned invalid JSON", ErrExecution)
	}
	return result, nil
}

type jobEventPayload struct {
	JobID   string           `json:"job_id"`
	Kind    domain.JobKind   `json:"kind"`
	Status  domain.JobStatus `json:"status"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (c *Coordinator) announce(job domain.Job) {
	if c.Events == nil {
		return
	}
	eventType := domain.EventJobCompleted
	if job.Status == domain.JobStatusFailed {
		eventType = domain.EventJobFailed
	}
	payload, err := json.Marshal(jobEventPayload{
		JobID:   job.ID,
		Kind:    job.Kind,
		Status:  job.Status,
		Message: job.Message,
		Error:   job.Error,
	})
	if err != nil {
		return
	}
	evt := domain.DomainEvent{
		EventType:   eventType,
		AggregateID: job.ID,
		Payload:     payload,
		OccurredAt:  c.now(),
	}
	if err := c.Events.Publish(c.ctx, evt); err != nil {
		c.Log.WithError(err).WithField("job_id", job.ID).Warn("publish job event")
	}
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires
// first, running executors have their context cancelled and ctx.Err is
// returned without waiting further.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
