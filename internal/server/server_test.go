package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"testing"
	"time"

	"jobline/internal/auth"
	"jobline/internal/broker/memory"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/events"
	"jobline/internal/jobs"
	"jobline/internal/logging"
	"jobline/internal/migrate"
	"jobline/internal/process"
	"jobline/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	token  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Memory: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	journal := store.New(conn)
	log := logging.Discard()

	broker := memory.New()
	pub := events.NewPublisher(broker, journal, events.PublisherConfig{
		MaxAttempts: 2,
		Backoff:     events.ExponentialJitter{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}, log)

	reg := jobs.NewRegistry()
	coord := engine.New(reg, log)
	coord.Events = pub
	coord.Register(domain.KindNoop, engine.NoopExecutor{})
	coord.Register(domain.KindPreprocess, process.Executor{})

	authCfg := auth.Config{Secret: testSecret}
	tok, err := auth.NewIssuer(authCfg).Issue("harvester", 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	handler, err := New(Config{
		Coordinator: coord,
		Jobs:        reg,
		Events:      pub,
		Deliveries:  journal,
		Auth:        auth.NewValidator(authCfg),
		BasePath:    "/v1",
		Service:     "processor",
		Log:         log,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v1",
		token:  tok.Token,
		client: &http.Client{},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			coord.Shutdown(ctx)
			pub.Close(ctx)
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func awaitJob(t *testing.T, srv *testServer, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/jobs/"+id, nil, srv.authHeaders())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get job status %d: %s", res.StatusCode, string(data))
		}
		var job map[string]any
		if err := json.Unmarshal(data, &job); err != nil {
			t.Fatalf("unmarshal job: %v", err)
		}
		if s := job["status"]; s == "completed" || s == "failed" {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body HealthResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body.Status != "ok" || body.Service != "processor" {
		t.Fatalf("unexpected health %+v", body)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestRequiresServiceToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %s", res.StatusCode, string(data))
	}

	forged, err := auth.NewIssuer(auth.Config{Secret: "other"}).Issue("harvester", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/jobs", nil, map[string]string{"Authorization": "Bearer " + forged.Token})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/jobs", nil, map[string]string{"Authorization": "Basic abc"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for basic auth, got %d", res.StatusCode)
	}
}

func TestSubmitNoopAndPoll(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/process", map[string]any{"kind": "noop"}, srv.authHeaders())
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var accepted ProcessResponse
	if err := json.Unmarshal(data, &accepted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if accepted.JobID == "" || accepted.Status != domain.JobStatusCreated {
		t.Fatalf("unexpected accept body %+v", accepted)
	}

	job := awaitJob(t, srv, accepted.JobID)
	if job["status"] != "completed" {
		t.Fatalf("expected completed, got %v", job)
	}
	if job["data"] == nil {
		t.Fatalf("expected data on completed job")
	}
	if v, ok := job["error"]; !ok || v != nil {
		t.Fatalf("expected error null, got %v", v)
	}
}

func TestSubmitPreprocessShorthand(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/process", map[string]any{
		"dataset":    []any{map[string]any{"title": "HELLO World"}},
		"operations": []any{map[string]any{"id": "text_normalization", "parameters": map[string]any{"columns": []any{"title"}}}},
	}, srv.authHeaders())
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var accepted ProcessResponse
	_ = json.Unmarshal(data, &accepted)
	job := awaitJob(t, srv, accepted.JobID)
	result, _ := job["data"].(map[string]any)
	if job["status"] != "completed" || result["processed_items"] != float64(1) {
		t.Fatalf("unexpected job %v", job)
	}
}

func TestSubmitErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	h := srv.authHeaders()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/process", map[string]any{
		"kind":       "preprocess",
		"preprocess": map[string]any{"dataset": []any{}, "operations": []any{map[string]any{"id": "sentiment"}}},
	}, h)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_spec" {
		t.Fatalf("expected 400 invalid_spec, got %d %s", res.StatusCode, string(data))
	}

	body := map[string]any{"job_id": "fixed-1", "kind": "noop"}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/process", body, h); res.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/process", body, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/jobs/missing", nil, h)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/jobs?status=paused", nil, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status filter, got %d", res.StatusCode)
	}
}

func TestListOperations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/operations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/operations", nil, srv.authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("operations status %d: %s", res.StatusCode, string(data))
	}
	var body OperationsResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal operations: %v", err)
	}
	if !reflect.DeepEqual(body.Operations, process.Operations()) {
		t.Fatalf("operations = %v, want %v", body.Operations, process.Operations())
	}
}

func TestTestOperationsPreviewsFirstRows(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	dataset := make([]any, 0, 7)
	for i := 0; i < 7; i++ {
		dataset = append(dataset, map[string]any{"title": fmt.Sprintf("ROW %d", i)})
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/test", map[string]any{
		"dataset":    dataset,
		"operations": []any{map[string]any{"id": "text-normalization", "parameters": map[string]any{"columns": []any{"title"}}}},
	}, srv.authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("test status %d: %s", res.StatusCode, string(data))
	}
	var body TestResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal test response: %v", err)
	}
	if body.ProcessedItems != 7 || len(body.Result) != 5 {
		t.Fatalf("expected 7 processed and 5 previewed, got %d and %d", body.ProcessedItems, len(body.Result))
	}
	if body.Result[0]["title"] != "row 0" || body.Result[4]["title"] != "row 4" {
		t.Fatalf("unexpected preview %v", body.Result)
	}
	if !reflect.DeepEqual(body.OperationsApplied, []string{"text_normalization"}) {
		t.Fatalf("operations_applied = %v", body.OperationsApplied)
	}

	// nothing is registered as a job
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/jobs", nil, srv.authHeaders())
	if res.StatusCode != http.StatusOK || string(bytes.TrimSpace(data)) != "[]" {
		t.Fatalf("expected no jobs, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/test", map[string]any{
		"dataset":    dataset,
		"operations": []any{map[string]any{"id": "sentiment"}},
	}, srv.authHeaders())
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_spec" {
		t.Fatalf("expected 400 invalid_spec, got %d %s", res.StatusCode, string(data))
	}
}

func TestPublishEventAndJournal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	h := srv.authHeaders()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/events?wait=true", map[string]any{
		"event_type":   "dataset.created",
		"aggregate_id": "ds-7",
		"payload":      map[string]any{"rows": 3},
	}, h)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var out PublishEventResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.EventID == "" || !out.Delivered {
		t.Fatalf("unexpected publish response %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/events/deliveries?event_type=dataset.created", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliveries status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.Delivery
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal deliveries: %v", err)
	}
	if len(entries) != 1 || entries[0].EventID != out.EventID || entries[0].Status != "delivered" {
		t.Fatalf("unexpected journal %+v", entries)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/events", map[string]any{"event_type": ""}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty event type, got %d %s", res.StatusCode, string(data))
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{jobs.ErrNotFound, http.StatusNotFound},
		{jobs.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrInvalidSpec, http.StatusBadRequest},
		{auth.ErrUnauthorized, http.StatusUnauthorized},
		{events.ErrDeliveryFailure, http.StatusBadGateway},
		{engine.ErrClosed, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got := handleError(tc.err).(*apiError)
		if got.GetStatus() != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, got.GetStatus())
		}
	}
}
