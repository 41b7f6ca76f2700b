package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is legal from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobKind names one of the closed set of operations a job can run.
type JobKind string

const (
	KindNoop         JobKind = "noop"
	KindPreprocess   JobKind = "preprocess"
	KindIndexDataset JobKind = "index_dataset"
)

// Kinds lists every supported job kind.
func Kinds() []JobKind {
	return []JobKind{KindNoop, KindPreprocess, KindIndexDataset}
}

type Job struct {
	ID        string          `json:"job_id"`
	Kind      JobKind         `json:"kind"`
	Status    JobStatus       `json:"status" enum:"created,running,completed,failed"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt time.Time       `json:"updated_at" format:"date-time"`
}

// Row is one record of a dataset.
type Row map[string]any

// Operation is a single preprocessing step.
type Operation struct {
	ID         string         `json:"id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type NoopParams struct {
	Message string `json:"message,omitempty"`
}

type PreprocessParams struct {
	Dataset    []Row          `json:"dataset"`
	Operations []Operation    `json:"operations"`
	Config     map[string]any `json:"config,omitempty"`
}

type IndexDatasetParams struct {
	DatasetID string `json:"dataset_id"`
	Reason    string `json:"reason,omitempty"`
}

// JobSpec describes the unit of work. Exactly one parameter block matching
// Kind may be set.
type JobSpec struct {
	Kind         JobKind             `json:"kind"`
	Noop         *NoopParams         `json:"noop,omitempty"`
	Preprocess   *PreprocessParams   `json:"preprocess,omitempty"`
	IndexDataset *IndexDatasetParams `json:"index_dataset,omitempty"`
}

// ErrInvalidSpec marks a job spec that cannot be executed.
var ErrInvalidSpec = errors.New("invalid job spec")

// Validate checks the structural shape of the spec.
func (s JobSpec) Validate() error {
	set := 0
	if s.Noop != nil {
		set++
	}
	if s.Preprocess != nil {
		set++
	}
	if s.IndexDataset != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: more than one parameter block set", ErrInvalidSpec)
	}
	switch s.Kind {
	case KindNoop:
		if set == 1 && s.Noop == nil {
			return fmt.Errorf("%w: kind noop takes noop parameters", ErrInvalidSpec)
		}
	case KindPreprocess:
		if s.Preprocess == nil {
			return fmt.Errorf("%w: preprocess parameters required", ErrInvalidSpec)
		}
		if len(s.Preprocess.Operations) == 0 {
			return fmt.Errorf("%w: preprocess.operations required", ErrInvalidSpec)
		}
		for i, op := range s.Preprocess.Operations {
			if strings.TrimSpace(op.ID) == "" {
				return fmt.Errorf("%w: preprocess.operations[%d].id required", ErrInvalidSpec, i)
			}
		}
	case KindIndexDataset:
		if s.IndexDataset == nil || strings.TrimSpace(s.IndexDataset.DatasetID) == "" {
			return fmt.Errorf("%w: index_dataset.dataset_id required", ErrInvalidSpec)
		}
	case "":
		return fmt.Errorf("%w: kind required", ErrInvalidSpec)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}
	return nil
}

// Well-known routing keys.
const (
	EventDatasetCreated   = "dataset.created"
	EventDatasetUpdated   = "dataset.updated"
	EventDatasetRowsAdded = "dataset.rows_added"
	EventJobCompleted     = "job.completed"
	EventJobFailed        = "job.failed"
)

// DomainEvent is an immutable record of a state change.
type DomainEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at" format:"date-time"`
}

// Delivery is a journal entry recording the outcome of a publication.
type Delivery struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	AggregateID string    `json:"aggregate_id,omitempty"`
	Status      string    `json:"status" enum:"delivered,failed"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	TS          time.Time `json:"ts" format:"date-time"`
}
