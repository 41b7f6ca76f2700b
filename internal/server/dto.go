package server

import (
	"encoding/json"
	"time"

	"jobline/internal/domain"
)

// Request payloads

// ProcessRequest submits a job. Parameters go in the block named after the
// kind. A bare {dataset, operations} body is accepted as a preprocess job.
type ProcessRequest struct {
	JobID        string                     `json:"job_id,omitempty" doc:"Optional caller supplied id; a repeated id is rejected with 409"`
	Kind         domain.JobKind             `json:"kind,omitempty" enum:"noop,preprocess,index_dataset"`
	Noop         *domain.NoopParams         `json:"noop,omitempty"`
	Preprocess   *domain.PreprocessParams   `json:"preprocess,omitempty"`
	IndexDataset *domain.IndexDatasetParams `json:"index_dataset,omitempty"`
	Dataset      []domain.Row               `json:"dataset,omitempty" doc:"Shorthand for preprocess.dataset"`
	Operations   []domain.Operation         `json:"operations,omitempty" doc:"Shorthand for preprocess.operations"`
	Config       map[string]any             `json:"config,omitempty" doc:"Shorthand for preprocess.config"`
}

// Spec converts the request into a job spec.
func (r ProcessRequest) Spec() domain.JobSpec {
	spec := domain.JobSpec{
		Kind:         r.Kind,
		Noop:         r.Noop,
		Preprocess:   r.Preprocess,
		IndexDataset: r.IndexDataset,
	}
	if r.Preprocess == nil && (len(r.Operations) > 0 || r.Dataset != nil) {
		if spec.Kind == "" {
			spec.Kind = domain.KindPreprocess
		}
		if spec.Kind == domain.KindPreprocess {
			spec.Preprocess = &domain.PreprocessParams{Dataset: r.Dataset, Operations: r.Operations, Config: r.Config}
		}
	}
	return spec
}

// TestRequest is a preprocess payload run inline by POST /test.
type TestRequest struct {
	Dataset    []domain.Row       `json:"dataset"`
	Operations []domain.Operation `json:"operations"`
	Config     map[string]any     `json:"config,omitempty"`
}

type PublishEventRequest struct {
	EventID     string         `json:"event_id,omitempty" doc:"Idempotency key, generated when empty"`
	EventType   string         `json:"event_type" minLength:"1" example:"dataset.created"`
	AggregateID string         `json:"aggregate_id,omitempty" example:"ds-42"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (r PublishEventRequest) Event() (domain.DomainEvent, error) {
	evt := domain.DomainEvent{
		EventID:     r.EventID,
		EventType:   r.EventType,
		AggregateID: r.AggregateID,
	}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return evt, err
		}
		evt.Payload = raw
	}
	return evt, nil
}

// Response payloads

type OperationsResponse struct {
	Operations []string `json:"operations"`
}

// TestResponse carries at most the first five processed rows.
type TestResponse struct {
	Status            string       `json:"status" example:"success"`
	Message           string       `json:"message"`
	ProcessedItems    int          `json:"processed_items"`
	OperationsApplied []string     `json:"operations_applied"`
	Result            []domain.Row `json:"result"`
}

type ProcessResponse struct {
	JobID   string           `json:"job_id"`
	Status  domain.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// JobResponse always carries data and error so clients can test for null.
type JobResponse struct {
	JobID     string           `json:"job_id"`
	Kind      domain.JobKind   `json:"kind"`
	Status    domain.JobStatus `json:"status" enum:"created,running,completed,failed"`
	Message   string           `json:"message"`
	Data      any              `json:"data"`
	Error     *string          `json:"error"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func toJobResponse(j domain.Job) JobResponse {
	out := JobResponse{
		JobID:     j.ID,
		Kind:      j.Kind,
		Status:    j.Status,
		Message:   j.Message,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Status == domain.JobStatusCompleted && len(j.Result) > 0 {
		out.Data = j.Result
	}
	if j.Status == domain.JobStatusFailed {
		msg := j.Error
		out.Error = &msg
	}
	return out
}

type PublishEventResponse struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Delivered  bool      `json:"delivered" doc:"True when the broker confirmed the event before the response"`
}

type DeliveryResponse = domain.Delivery

type HealthResponse struct {
	Status  string                   `json:"status" example:"ok"`
	Service string                   `json:"service"`
	Jobs    map[domain.JobStatus]int `json:"jobs"`
}
