// Package jobs holds the in-memory job table and its state machine.
//
// Records live only for the lifetime of the process. Lookups are O(1); a
// reader never blocks on a writer of the same job and always observes a
// complete snapshot, either before or after a transition.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobline/internal/domain"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job transition")
)

type entry struct {
	mu   sync.Mutex // serialises writers of this job
	snap atomic.Pointer[domain.Job]
}

// Registry is the concurrent store of job records. Build one per service
// instance with NewRegistry and pass it to whoever needs it.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	Now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		Now:  time.Now,
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Create allocates a job in state created under a fresh id.
func (r *Registry) Create(kind domain.JobKind) (domain.Job, error) {
	for {
		job, err := r.CreateWithID(uuid.NewString(), kind)
		if errors.Is(err, ErrAlreadyExists) {
			continue
		}
		return job, err
	}
}

// CreateWithID allocates a job under a caller-supplied id. The first
// submission for an id wins; later ones get ErrAlreadyExists.
func (r *Registry) CreateWithID(id string, kind domain.JobKind) (domain.Job, error) {
	if id == "" {
		return domain.Job{}, errors.New("job id required")
	}
	now := r.now()
	job := &domain.Job{
		ID:        id,
		Kind:      kind,
		Status:    domain.JobStatusCreated,
		Message:   "job created",
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := &entry{}
	e.snap.Store(job)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	r.jobs[id] = e
	return *job, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	return e, ok
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (domain.Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyJob(e.snap.Load()), nil
}

// Update carries the fields applied by a transition.
type Update struct {
	Status  domain.JobStatus
	Message string
	Result  json.RawMessage
	Error   string
}

// Transition moves a job to a new status. Only the coordinator driving the
// job calls this.
func (r *Registry) Transition(id string, u Update) (domain.Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if !isValidTransition(cur.Status, u.Status) {
		return domain.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, u.Status)
	}
	next := *cur
	next.Status = u.Status
	next.Message = u.Message
	next.Result = nil
	next.Error = ""
	switch u.Status {
	case domain.JobStatusCompleted:
		next.Result = append(json.RawMessage(nil), u.Result...)
	case domain.JobStatusFailed:
		next.Error = u.Error
		if next.Error == "" {
			next.Error = "unknown error"
		}
	}
	now := r.now()
	if now.Before(cur.UpdatedAt) {
		now = cur.UpdatedAt
	}
	next.UpdatedAt = now
	e.snap.Store(&next)
	return copyJob(&next), nil
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	out := make([]domain.Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, copyJob(e.snap.Load()))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats counts jobs per status.
func (r *Registry) Stats() map[domain.JobStatus]int {
	stats := map[domain.JobStatus]int{
		domain.JobStatusCreated:   0,
		domain.JobStatusRunning:   0,
		domain.JobStatusCompleted: 0,
		domain.JobStatusFailed:    0,
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.jobs {
		stats[e.snap.Load().Status]++
	}
	return stats
}

func copyJob(j *domain.Job) domain.Job {
	out := *j
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	return out
}

// isValidTransition enforces created -> running -> {completed|failed}.
func isValidTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusCreated:
		return to == domain.JobStatusRunning
	case domain.JobStatusRunning:
		return to == domain.JobStatusCompleted || to == domain.JobStatusFailed
	default:
		return false
	}
}
