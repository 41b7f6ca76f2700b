// Package poll waits for a job to reach a terminal state by repeatedly
// fetching it from a Source.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"jobline/internal/domain"
	"jobline/internal/jobs"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Minute
)

var ErrTimeout = errors.New("timed out waiting for job")

// Source fetches the current snapshot of a job. Implementations return an
// error wrapping jobs.ErrNotFound for unknown ids.
type Source interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id string) (domain.Job, error)

func (f SourceFunc) GetJob(ctx context.Context, id string) (domain.Job, error) { return f(ctx, id) }

// RegistrySource reads jobs straight from an in-process registry.
type RegistrySource struct {
	Jobs *jobs.Registry
}

func (s RegistrySource) GetJob(_ context.Context, id string) (domain.Job, error) {
	return s.Jobs.Get(id)
}

type Poller struct {
	Source Source
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(src Source, log logrus.FieldLogger) *Poller {
	return &Poller{Source: src, Log: log, Now: time.Now}
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Await returns the first terminal snapshot of the job. Transient fetch
// errors are retried until timeout; an unknown job is reported at once.
// Zero interval or timeout select the defaults. Cancelling ctx returns
// ctx.Err without affecting the job.
func (p *Poller) Await(ctx context.Context, id string, interval, timeout time.Duration) (domain.Job, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := p.now().Add(timeout)
	timer := time.NewTimer(interval)
	timer.Stop()
	defer timer.Stop()

	var lastErr error
	attempts := 0
	for {
		attempts++
		job, err := p.Source.GetJob(ctx, id)
		switch {
		case err == nil:
			if job.Status.Terminal() {
				return job, nil
			}
			lastErr = nil
		case errors.Is(err, jobs.ErrNotFound):
			return domain.Job{}, err
		case ctx.Err() != nil:
			return domain.Job{}, ctx.Err()
		default:
			lastErr = err
			if p.Log != nil {
				p.Log.WithError(err).WithFields(logrus.Fields{"job_id": id, "attempt": attempts}).Debug("poll failed, retrying")
			}
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			if lastErr != nil {
				return domain.Job{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrTimeout, id, attempts, lastErr)
			}
			return domain.Job{}, fmt.Errorf("%w: %s after %d attempts", ErrTimeout, id, attempts)
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-timer.C:
		}
	}
}
