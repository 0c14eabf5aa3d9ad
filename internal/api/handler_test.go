package api

import (
	"bytes"
	"cloudproc/internal/cloudobject"
	"cloudproc/internal/compute/localhost"
	"cloudproc/internal/executor"
	"cloudproc/internal/function/builtin"
	"cloudproc/internal/handler"
	"cloudproc/internal/health"
	"cloudproc/internal/job"
	"cloudproc/internal/storage/memory"
	"cloudproc/internal/testutil"
	"cloudproc/pkg/backoff"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testAPIKey = "secret"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	tr, store := testutil.NewMemoryTracker(t)
	pool, err := localhost.NewPool(localhost.Config{
		Workers:  2,
		Executor: &localhost.ThreadExecutor{Deps: handler.Deps{Tracker: tr, Functions: builtin.Registry()}},
		Tracker:  tr,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	objects := cloudobject.New(store, cloudobject.Config{Backend: memory.Name, Bucket: testutil.Bucket, SessionPrefix: "session"})
	exec, err := executor.New(pool, tr, objects, executor.Config{
		Runtime:           "default",
		AutoCreateRuntime: true,
		Poll:              &backoff.Config{Initial: time.Millisecond, Max: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("executor.New failed: %v", err)
	}
	return NewRouter(RouterConfig{
		JobService: job.NewService(exec, tr, pool),
		HealthChecker: health.NewChecker(
			health.Dependency{Name: "storage", Checker: health.CheckFunc(store.Ping)},
			health.Dependency{Name: "compute", Checker: pool},
		),
		APIKey: testAPIKey,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoDependencies(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestRouter_Readyz(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
}

func TestHandler_CreateJob_InvalidJSON(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("invalid json"))
	w := httptest.NewRecorder()

	handler.CreateJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] == "" {
		t.Error("Expected error message in response")
	}
}

func TestHandler_CreateJob_EmptyBody(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(""))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.CreateJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_GetJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.GetJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_DeleteJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.DeleteJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_JobLifecycle(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/v1/jobs", `{"function":"square","iterdata":[3,4]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var created job.Response
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	jobPath := "/v1/jobs/" + created.ExecutorID + "/" + created.JobID

	ok := testutil.WaitFor(t, func() bool {
		w := do(t, router, http.MethodGet, jobPath, "")
		var status job.Status
		json.NewDecoder(w.Body).Decode(&status)
		return w.Code == http.StatusOK && status.State == job.StateCompleted
	}, testutil.Short)
	if !ok {
		t.Fatal("timed out waiting for the job to complete")
	}

	w = do(t, router, http.MethodGet, jobPath+"/calls/00001", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var call job.CallResponse
	json.NewDecoder(w.Body).Decode(&call)
	if call.State != job.StateSucceeded {
		t.Errorf("Expected succeeded call, got %+v", call)
	}

	w = do(t, router, http.MethodGet, jobPath+"/calls/00001/output", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "16" {
		t.Errorf("Expected output 16, got %d %q", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodDelete, jobPath, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	w = do(t, router, http.MethodGet, jobPath, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d after delete, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRouter_ValidationErrors(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing function", http.MethodPost, "/v1/jobs", `{"args":1}`, http.StatusBadRequest},
		{"empty iterdata", http.MethodPost, "/v1/jobs", `{"function":"square","iterdata":[]}`, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/v1/jobs/nobody/A000", "", http.StatusNotFound},
		{"unknown call", http.MethodGet, "/v1/jobs/nobody/A000/calls/00000", "", http.StatusNotFound},
		{"bad memory", http.MethodDelete, "/v1/runtimes/img?memoryMb=abc", "", http.StatusBadRequest},
		{"runtime without name", http.MethodPost, "/v1/runtimes", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := do(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestRouter_Runtimes(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/v1/runtimes", `{"name":"ghcr.io/org/img:1.0","memoryMb":512}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var created job.RuntimeResponse
	json.NewDecoder(w.Body).Decode(&created)
	if created.Key != "localhost/ghcr.io_org_img:1.0" || created.Meta == nil {
		t.Errorf("unexpected runtime %+v", created)
	}

	w = do(t, router, http.MethodGet, "/v1/runtimes", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = do(t, router, http.MethodDelete, "/v1/runtimes/ghcr.io/org/img:1.0?memoryMb=512", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d: %s", http.StatusNoContent, w.Code, w.Body.String())
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runtimes", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/livez", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected probes without auth, got %d", w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		contentType string
		wantCalled  bool
	}{
		{"text/plain", false},
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"", true},
	}
	for _, tt := range tests {
		called := false
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		})
		handler := ContentTypeMiddleware()(inner)

		req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if called != tt.wantCalled {
			t.Errorf("Content-Type %q: called = %v, want %v", tt.contentType, called, tt.wantCalled)
		}
		if !tt.wantCalled && w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestMiddleware_Auth(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	tests := []struct {
		name   string
		key    string
		header string
		status int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "k", "", http.StatusUnauthorized},
		{"wrong scheme", "k", "Basic k", http.StatusUnauthorized},
		{"wrong key", "k", "Bearer x", http.StatusUnauthorized},
		{"valid", "k", "Bearer k", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/runtimes", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		AuthMiddleware(tt.key)(inner).ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("%s: expected status %d, got %d", tt.name, tt.status, w.Code)
		}
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	})
	handler := RequestIDMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Expected a generated id echoed on the response, got %q and %q", seen, w.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "client-id")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "client-id" || w.Header().Get(RequestIDHeader) != "client-id" {
		t.Errorf("Expected the client id to be kept, got %q", seen)
	}
}

func TestMiddleware_ErrorsAreJSON(t *testing.T) {
	t.Parallel()
	handler := AuthMiddleware("k")(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/runtimes", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Expected a JSON error body: %v", err)
	}
	if body["error"] != "Authorization header required" {
		t.Errorf("Unexpected error body %v", body)
	}
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	rw.Write([]byte("hello"))
	rw.WriteHeader(http.StatusTeapot)
	if rw.statusCode != http.StatusOK || rw.written != 5 {
		t.Errorf("Expected status 200 and 5 bytes, got %d and %d", rw.statusCode, rw.written)
	}
}
