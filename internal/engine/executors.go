package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobline/internal/domain"
)

const defaultIndexTimeout = 30 * time.Second

// NoopExecutor completes immediately, echoing the optional message.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
	msg := "ok"
	if spec.Noop != nil && spec.Noop.Message != "" {
		msg = spec.Noop.Message
	}
	return json.Marshal(map[string]string{"message": msg})
}

// HeaderSource produces an Authorization header for one outbound call.
type HeaderSource interface {
	AuthHeader(serviceName string) (string, error)
}

// IndexExecutor asks the indexing service to (re)index a dataset.
type IndexExecutor struct {
	URL     string
	Service string
	Tokens  HeaderSource
	Client  *http.Client
}

type indexRequest struct {
	DatasetID string `json:"dataset_id"`
	Reason    string `json:"reason,omitempty"`
}

type indexResult struct {
	DatasetID  string          `json:"dataset_id"`
	StatusCode int             `json:"status_code"`
	Response   json.RawMessage `json:"response,omitempty"`
}

func (x IndexExecutor) ValidateSpec(spec domain.JobSpec) error {
	if spec.IndexDataset == nil || strings.TrimSpace(spec.IndexDataset.DatasetID) == "" {
		return fmt.Errorf("%w: index_dataset.dataset_id required", ErrInvalidSpec)
	}
	return nil
}

func (x IndexExecutor) Execute(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
	if strings.TrimSpace(x.URL) == "" {
		return nil, errors.New("indexer url not configured")
	}
	if err := x.ValidateSpec(spec); err != nil {
		return nil, err
	}
	data, err := json.Marshal(indexRequest{
		DatasetID: spec.IndexDataset.DatasetID,
		Reason:    spec.IndexDataset.Reason,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.URL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if x.Tokens != nil {
		header, err := x.Tokens.AuthHeader(x.Service)
		if err != nil {
			return nil, fmt.Errorf("issue service token: %w", err)
		}
		req.Header.Set("Authorization", header)
	}
	client := x.Client
	if client == nil {
		client = &http.Client{Timeout: defaultIndexTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("indexer status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	out := indexResult{DatasetID: spec.IndexDataset.DatasetID, StatusCode: res.StatusCode}
	if len(bytes.TrimSpace(body)) > 0 && json.Valid(body) {
		out.Response = body
	}
	return json.Marshal(out)
}
