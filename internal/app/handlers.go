package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/events"
	"jobline/internal/jobs"
	"jobline/internal/server"
)

// indexHandlerName keys the index handler in the dedup ledger.
const indexHandlerName = "index_dataset"

// IndexJobID derives the job id for an event so that redelivery of the same
// event maps onto the same job.
func IndexJobID(eventID string) string {
	return "index-" + eventID
}

// IndexOnDatasetChange submits an index_dataset job for dataset events.
func IndexOnDatasetChange(jobsvc server.JobSubmitter, log logrus.FieldLogger) events.HandlerFunc {
	return func(ctx context.Context, evt domain.DomainEvent) error {
		datasetID := evt.AggregateID
		if datasetID == "" && len(evt.Payload) > 0 {
			var p struct {
				DatasetID string `json:"dataset_id"`
			}
			if err := json.Unmarshal(evt.Payload, &p); err == nil {
				datasetID = p.DatasetID
			}
		}
		fields := logrus.Fields{"event_id": evt.EventID, "event_type": evt.EventType}
		if datasetID == "" {
			log.WithFields(fields).Warn("dataset event without dataset id, ignored")
			return nil
		}
		job, err := jobsvc.Submit(ctx, engine.SubmitRequest{
			JobID: IndexJobID(evt.EventID),
			Spec: domain.JobSpec{
				Kind:         domain.KindIndexDataset,
				IndexDataset: &domain.IndexDatasetParams{DatasetID: datasetID, Reason: evt.EventType},
			},
		})
		switch {
		case errors.Is(err, jobs.ErrAlreadyExists):
			return nil
		case errors.Is(err, engine.ErrClosed):
			return fmt.Errorf("%w: %v", events.ErrRetry, err)
		case err != nil:
			return err
		}
		log.WithFields(fields).WithField("job_id", job.ID).Info("index job submitted")
		return nil
	}
}
