package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"jobline/internal/auth"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/events"
	"jobline/internal/jobs"
	"jobline/internal/process"
	"jobline/internal/store"
)

// JobSubmitter accepts new jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (domain.Job, error)
}

// EventEmitter publishes domain events on behalf of HTTP callers.
type EventEmitter interface {
	Enqueue(ctx context.Context, evt domain.DomainEvent) (domain.DomainEvent, error)
	PublishSync(ctx context.Context, evt domain.DomainEvent) (domain.DomainEvent, error)
}

// DeliveryLister reads the publication journal.
type DeliveryLister interface {
	ListDeliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.Delivery, error)
}

// Config for the HTTP API handler. Events and Deliveries are optional.
type Config struct {
	Coordinator JobSubmitter
	Jobs        *jobs.Registry
	Events      EventEmitter
	Deliveries  DeliveryLister
	Auth        TokenValidator
	BasePath    string
	Service     string
	Log         logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"job not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the job and event API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Coordinator == nil || cfg.Jobs == nil {
		return nil, errors.New("server: coordinator and job registry are required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: token validator is required")
	}
	if cfg.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Log = l
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Log))
	hcfg := huma.DefaultConfig("Jobline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	var api huma.API = humachi.New(router, hcfg)
	if basePath != "" {
		api = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerHealth(api, cfg)
	registerJobs(api, cfg)
	registerOperations(api, cfg)
	registerEvents(api, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, jobs.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", msg, nil)
	case errors.Is(err, domain.ErrInvalidSpec):
		return newAPIError(http.StatusBadRequest, "invalid_spec", msg, nil)
	case errors.Is(err, events.ErrInvalidEvent):
		return newAPIError(http.StatusBadRequest, "invalid_event", msg, nil)
	case errors.Is(err, auth.ErrUnauthorized):
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	case errors.Is(err, events.ErrDeliveryFailure):
		return newAPIError(http.StatusBadGateway, "delivery_failure", msg, nil)
	case errors.Is(err, engine.ErrClosed), errors.Is(err, events.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join("/", basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"error": {
									Type: "object",
									Properties: map[string]*huma.Schema{
										"code":    {Type: "string"},
										"message": {Type: "string"},
										"details": {Type: "object"},
									},
								},
							},
						},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["serviceToken"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"serviceToken": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Jobline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;service token&gt; (jl token issue).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Service: cfg.Service, Jobs: cfg.Jobs.Stats()}}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/process",
		Summary:       "Submit a job",
		Description:   "Registers the job and returns immediately; poll GET /jobs/{job_id} for the outcome.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ProcessRequest
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		job, err := cfg.Coordinator.Submit(ctx, engine.SubmitRequest{JobID: input.Body.JobID, Spec: input.Body.Spec()})
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Log.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind, "caller": callerFromContext(ctx)}).Info("job accepted")
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: ProcessResponse{JobID: job.ID, Status: job.Status, Message: job.Message}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job status",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := cfg.Jobs.Get(input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: toJobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Only jobs in this status"`
		Kind   string `query:"kind"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		status := domain.JobStatus(input.Status)
		switch status {
		case "", domain.JobStatusCreated, domain.JobStatusRunning, domain.JobStatusCompleted, domain.JobStatusFailed:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", input.Status), nil)
		}
		items := cfg.Jobs.List()
		out := make([]JobResponse, 0, len(items))
		for _, j := range items {
			if status != "" && j.Status != status {
				continue
			}
			if input.Kind != "" && string(j.Kind) != input.Kind {
				continue
			}
			out = append(out, toJobResponse(j))
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: out}, nil
	})
}

// previewRows bounds the rows echoed back by POST /test.
const previewRows = 5

func registerOperations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List preprocessing operations",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OperationsResponse `json:"body"`
	}, error) {
		return &struct {
			Body OperationsResponse `json:"body"`
		}{Body: OperationsResponse{Operations: process.Operations()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-operations",
		Method:      http.MethodPost,
		Path:        "/test",
		Summary:     "Try operations on sample data",
		Description: "Runs the operations synchronously without creating a job and returns the first rows of the result.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TestRequest
	}) (*struct {
		Body TestResponse `json:"body"`
	}, error) {
		params := domain.PreprocessParams{Dataset: input.Body.Dataset, Operations: input.Body.Operations, Config: input.Body.Config}
		if err := (process.Executor{}).ValidateSpec(domain.JobSpec{Kind: domain.KindPreprocess, Preprocess: &params}); err != nil {
			return nil, handleError(err)
		}
		res, err := process.Run(ctx, params.Dataset, params.Operations)
		if err != nil {
			if ctx.Err() != nil {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusBadRequest, "processing_failed", err.Error(), nil)
		}
		preview := res.Data
		if len(preview) > previewRows {
			preview = preview[:previewRows]
		}
		cfg.Log.WithFields(logrus.Fields{"rows": res.ProcessedItems, "operations": len(res.OperationsApplied), "caller": callerFromContext(ctx)}).Debug("operations tested")
		return &struct {
			Body TestResponse `json:"body"`
		}{Body: TestResponse{
			Status:            "success",
			Message:           fmt.Sprintf("Successfully processed %d items with %d operations", res.ProcessedItems, len(res.OperationsApplied)),
			ProcessedItems:    res.ProcessedItems,
			OperationsApplied: res.OperationsApplied,
			Result:            preview,
		}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Publish a domain event",
		Description:   "Queues the event for the broker. With wait=true the call returns after the broker confirmed it.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Wait bool `query:"wait"`
		Body PublishEventRequest
	}) (*struct {
		Body PublishEventResponse `json:"body"`
	}, error) {
		if cfg.Events == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "event publishing is not configured", nil)
		}
		evt, err := input.Body.Event()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if input.Wait {
			evt, err = cfg.Events.PublishSync(ctx, evt)
		} else {
			evt, err = cfg.Events.Enqueue(ctx, evt)
		}
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Log.WithFields(logrus.Fields{"event_id": evt.EventID, "event_type": evt.EventType, "caller": callerFromContext(ctx)}).Debug("event accepted")
		return &struct {
			Body PublishEventResponse `json:"body"`
		}{Body: PublishEventResponse{EventID: evt.EventID, EventType: evt.EventType, OccurredAt: evt.OccurredAt, Delivered: input.Wait}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/events/deliveries",
		Summary:     "List recent event publication outcomes",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EventType string `query:"event_type"`
		Status    string `query:"status" doc:"delivered or failed"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []DeliveryResponse `json:"body"`
	}, error) {
		if cfg.Deliveries == nil {
			return &struct {
				Body []DeliveryResponse `json:"body"`
			}{Body: []DeliveryResponse{}}, nil
		}
		items, err := cfg.Deliveries.ListDeliveries(ctx, store.DeliveryFilter{
			EventType: input.EventType,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Delivery{}
		}
		return &struct {
			Body []DeliveryResponse `json:"body"`
		}{Body: items}, nil
	})
}
