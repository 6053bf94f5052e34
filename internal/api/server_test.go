package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/agent"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/auth"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/config"
	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/llm"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/observability/alerting"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/pool"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
)

const testToken = "api-secret"

type harness struct {
	server *Server
	http   *httptest.Server
	pool   *pool.Pool
	repo   storage.Repository
}

type harnessOptions struct {
	cfg     Config
	model   llm.Client
	repo    storage.Repository
	poolMax int
	alerts  alerting.Dispatcher
	metrics http.Handler
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.model == nil {
		opts.model = llm.NewStatic()
	}
	if opts.repo == nil {
		repo, err := storage.NewMemoryRepository("")
		if err != nil {
			t.Fatalf("repo: %v", err)
		}
		opts.repo = repo
	}
	if opts.poolMax == 0 {
		opts.poolMax = 4
	}
	guard, err := auth.NewGuard(testToken)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	p := pool.New(agent.NewFactory(agent.Config{LLM: opts.model, Repository: opts.repo}), pool.WithMax(opts.poolMax))
	rt := agent.NewRuntime(opts.repo, agent.WithVersion("test-1.0"))
	rt.Bind(p, nil)

	srv, err := NewServer(opts.cfg, Dependencies{
		Pool:    p,
		Runtime: rt,
		Guard:   guard,
		Alerts:  opts.alerts,
		Metrics: opts.metrics,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return &harness{server: srv, http: hs, pool: p, repo: opts.repo}
}

func (h *harness) do(t *testing.T, method, path, body string, authed bool) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := h.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decodeEnvelope(t *testing.T, data []byte) xerrors.Envelope {
	t.Helper()
	var env xerrors.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return env
}

func expectError(t *testing.T, resp *http.Response, data []byte, status int, code xerrors.Code) xerrors.Envelope {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, resp.StatusCode, data)
	}
	env := decodeEnvelope(t, data)
	if env.StatusCode != status || env.Code != code {
		t.Fatalf("unexpected envelope %+v, want code %s", env, code)
	}
	return env
}

func waitTaskState(t *testing.T, h *harness, taskID string, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, data := h.do(t, http.MethodGet, "/api/tasks/"+taskID, "", true)
		if resp.StatusCode == http.StatusOK {
			var body map[string]any
			_ = json.Unmarshal(data, &body)
			if body["pooled"] == false && body["state"] == want {
				return body
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach %s", taskID, want)
	return nil
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, data := h.do(t, http.MethodGet, "/health", "", false)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"poolMax":4`) {
		t.Fatalf("unexpected health: %d %s", resp.StatusCode, data)
	}
	resp, data = h.do(t, http.MethodGet, "/version", "", false)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "test-1.0") {
		t.Fatalf("unexpected version: %d %s", resp.StatusCode, data)
	}

	resp, doc := h.do(t, http.MethodGet, "/openapi.json", "", false)
	if resp.StatusCode != http.StatusOK || !json.Valid(doc) {
		t.Fatalf("openapi.json invalid: %d", resp.StatusCode)
	}
	resp, compressed := h.do(t, http.MethodGet, "/openapi.json.gz", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi.json.gz status %d", resp.StatusCode)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, _ := io.ReadAll(zr)
	if !bytes.Equal(plain, doc) {
		t.Fatalf("compressed document differs from plain document")
	}
}

func TestAuthHeaderAndQueryAreEquivalent(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, data := h.do(t, http.MethodGet, "/api/status", "", false)
	env := expectError(t, resp, data, http.StatusUnauthorized, xerrors.CodeUnauthorized)
	if env.Error != xerrors.KindAuthentication {
		t.Fatalf("expected Authentication kind, got %s", env.Error)
	}

	resp, _ = h.do(t, http.MethodGet, "/api/status", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer header rejected: %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/api/status?token="+testToken, "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query credential rejected: %d", resp.StatusCode)
	}
	resp, data = h.do(t, http.MethodGet, "/api/status?token=wrong", "", false)
	expectError(t, resp, data, http.StatusUnauthorized, xerrors.CodeUnauthorized)
}

func TestPreflightBypassesAuth(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	req, _ := http.NewRequest(http.MethodOptions, h.http.URL+"/api/tasks", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := h.http.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.Fatalf("preflight rejected: %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("missing CORS header")
	}
}

func TestDomainPinning(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{Domain: "agents.example.com"}})
	handler := h.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "other.example.com"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	expectError(t, rec.Result(), rec.Body.Bytes(), http.StatusMisdirectedRequest, xerrors.CodeMisdirected)

	for host, want := range map[string]int{
		"agents.example.com":      http.StatusOK,
		"AGENTS.example.com":      http.StatusOK,
		"agents.example.com:8443": http.StatusMisdirectedRequest,
		"agents.example.com.evil": http.StatusMisdirectedRequest,
	} {
		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Host = host
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("host %s: expected %d, got %d", host, want, rec.Code)
		}
	}
}

func TestCreateTaskRunsAndFollowUpResumes(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, data := h.do(t, http.MethodPost, "/api/tasks", `{"taskId":"t1","goal":"summarise logs"}`, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	var created struct {
		TaskID  string         `json:"taskId"`
		Created bool           `json:"created"`
		Task    agent.Snapshot `json:"task"`
	}
	_ = json.Unmarshal(data, &created)
	if created.TaskID != "t1" || !created.Created {
		t.Fatalf("unexpected create response: %s", data)
	}

	waitTaskState(t, h, "t1", string(agent.StateCompleted))

	resp, data = h.do(t, http.MethodPost, "/api/tasks/t1/messages", `{"message":"and the errors?"}`, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("follow-up: %d %s", resp.StatusCode, data)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		records, _ := h.repo.ListByTask(context.Background(), "t1", 0)
		if len(records) == 2 {
			if records[0].Goal != "summarise logs" || records[0].Reply != "done: and the errors?" {
				t.Fatalf("unexpected follow-up record: %+v", records[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("follow-up was not persisted")
}

func TestCreateTaskGeneratesID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp, data := h.do(t, http.MethodPost, "/api/tasks", `{"goal":"anything"}`, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	var body struct {
		TaskID string `json:"taskId"`
	}
	_ = json.Unmarshal(data, &body)
	if len(body.TaskID) != 36 {
		t.Fatalf("expected generated uuid, got %q", body.TaskID)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{MaxBodyBytes: 64}})

	resp, data := h.do(t, http.MethodPost, "/api/tasks", `{"goal":`, true)
	expectError(t, resp, data, http.StatusBadRequest, xerrors.CodeInvalidJSON)

	resp, data = h.do(t, http.MethodPost, "/api/tasks", `{"goal":"  "}`, true)
	expectError(t, resp, data, http.StatusBadRequest, xerrors.CodeInvalidArgument)

	resp, data = h.do(t, http.MethodPost, "/api/tasks", `{"goal":"`+strings.Repeat("x", 128)+`"}`, true)
	expectError(t, resp, data, http.StatusBadRequest, xerrors.CodeInvalidArgument)

	resp, data = h.do(t, http.MethodPost, "/api/tasks/t1/messages", `{"message":""}`, true)
	expectError(t, resp, data, http.StatusBadRequest, xerrors.CodeInvalidArgument)

	resp, data = h.do(t, http.MethodGet, "/api/history?limit=abc", "", true)
	expectError(t, resp, data, http.StatusBadRequest, xerrors.CodeInvalidArgument)

	// 未认证的请求先被拒绝，不会暴露请求体解析错误。
	resp, data = h.do(t, http.MethodPost, "/api/tasks", `{"goal":`, false)
	expectError(t, resp, data, http.StatusUnauthorized, xerrors.CodeUnauthorized)

	if h.pool.Size() != 0 {
		t.Fatalf("invalid requests must not occupy the pool")
	}
}

func TestBusyTaskConflictAndAbort(t *testing.T) {
	model := &llm.StaticClient{Steps: []string{"a", "b", "c"}, Delay: 200 * time.Millisecond}
	h := newHarness(t, harnessOptions{model: model})

	resp, data := h.do(t, http.MethodPost, "/api/tasks", `{"taskId":"busy","goal":"long"}`, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	resp, data = h.do(t, http.MethodPost, "/api/tasks/busy/messages", `{"message":"hurry"}`, true)
	env := expectError(t, resp, data, http.StatusConflict, agent.CodeTaskBusy)
	if env.Error != xerrors.KindConflict {
		t.Fatalf("expected Conflict kind, got %s", env.Error)
	}

	resp, data = h.do(t, http.MethodGet, "/api/tasks", "", true)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"taskId":"busy"`) {
		t.Fatalf("list tasks: %d %s", resp.StatusCode, data)
	}

	resp, data = h.do(t, http.MethodPost, "/api/tasks/busy/abort", "", true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("abort: %d %s", resp.StatusCode, data)
	}
	waitTaskState(t, h, "busy", string(agent.StateAborted))

	resp, data = h.do(t, http.MethodPost, "/api/tasks/busy/abort", "", true)
	expectError(t, resp, data, http.StatusNotFound, xerrors.CodeNotFound)
}

func TestPoolExhaustion(t *testing.T) {
	model := &llm.StaticClient{Steps: []string{"a"}, Delay: time.Second}
	h := newHarness(t, harnessOptions{model: model, poolMax: 1})

	resp, data := h.do(t, http.MethodPost, "/api/tasks", `{"taskId":"one","goal":"g"}`, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	resp, data = h.do(t, http.MethodPost, "/api/tasks", `{"taskId":"two","goal":"g"}`, true)
	env := expectError(t, resp, data, http.StatusTooManyRequests, pool.CodePoolExhausted)
	if env.Error != xerrors.KindRateLimited {
		t.Fatalf("expected RateLimited kind, got %s", env.Error)
	}

	resp, data = h.do(t, http.MethodDelete, "/api/tasks/one", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: %d %s", resp.StatusCode, data)
	}
	resp, data = h.do(t, http.MethodPost, "/api/tasks", `{"taskId":"two","goal":"g"}`, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create after release: %d %s", resp.StatusCode, data)
	}
}

func TestNotFoundResponses(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, data := h.do(t, http.MethodGet, "/api/tasks/missing", "", true)
	expectError(t, resp, data, http.StatusNotFound, xerrors.CodeNotFound)
	resp, data = h.do(t, http.MethodDelete, "/api/tasks/missing", "", true)
	expectError(t, resp, data, http.StatusNotFound, xerrors.CodeNotFound)
	resp, data = h.do(t, http.MethodGet, "/api/nothing-here", "", true)
	expectError(t, resp, data, http.StatusNotFound, xerrors.CodeNotFound)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, data := h.do(t, http.MethodPut, "/api/tasks", `{}`, true)
	expectError(t, resp, data, http.StatusMethodNotAllowed, xerrors.CodeMethodNotAllowed)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{RateLimit: config.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1}}})

	resp, _ := h.do(t, http.MethodGet, "/health", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request limited: %d", resp.StatusCode)
	}
	resp, data := h.do(t, http.MethodGet, "/health", "", false)
	expectError(t, resp, data, http.StatusTooManyRequests, xerrors.CodeRateLimited)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

type failingRepository struct{}

func (failingRepository) Save(context.Context, *storage.Record) error { return nil }

func (failingRepository) ListLatest(context.Context, int) ([]storage.Record, error) {
	return nil, xerrors.New(xerrors.CodeStorageFailure, "disk on fire at /var/lib/agents")
}

func (failingRepository) ListByTask(context.Context, string, int) ([]storage.Record, error) {
	return nil, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
	done   chan struct{}
}

func (d *recordingDispatcher) Notify(_ context.Context, ev alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	close(d.done)
	return nil
}

func TestInternalErrorsAreGenericAndAlerted(t *testing.T) {
	alerts := &recordingDispatcher{done: make(chan struct{})}
	h := newHarness(t, harnessOptions{repo: failingRepository{}, alerts: alerts})

	resp, data := h.do(t, http.MethodGet, "/api/history", "", true)
	env := expectError(t, resp, data, http.StatusInternalServerError, xerrors.CodeStorageFailure)
	if env.Message != "internal server error" || strings.Contains(string(data), "/var/lib") {
		t.Fatalf("internal detail leaked: %s", data)
	}

	select {
	case <-alerts.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("alert was not dispatched")
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if alerts.events[0].Code != xerrors.CodeStorageFailure || alerts.events[0].Source != "GET /api/history" {
		t.Fatalf("unexpected alert: %+v", alerts.events[0])
	}
}

func TestPanicsBecomeInternalErrors(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	})
	h := newHarness(t, harnessOptions{metrics: panicking})

	resp, data := h.do(t, http.MethodGet, "/metrics", "", true)
	env := expectError(t, resp, data, http.StatusInternalServerError, xerrors.CodeInternal)
	if strings.Contains(env.Message, "boom") {
		t.Fatalf("panic detail leaked: %+v", env)
	}
}

func TestWebSocketAttachment(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{Address: "127.0.0.1:0"}})

	resp, data := h.do(t, http.MethodGet, WebSocketPath, "", false)
	expectError(t, resp, data, http.StatusServiceUnavailable, xerrors.CodeUnavailable)

	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	if err := h.server.AttachWebSocket(ws); err == nil {
		t.Fatalf("attach before listening should fail")
	}
	if err := h.server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer h.server.Shutdown(context.Background())
	if h.server.Addr() == "" {
		t.Fatalf("expected bound address")
	}
	if err := h.server.AttachWebSocket(ws); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := h.server.AttachWebSocket(ws); !errors.Is(err, xerrors.New(xerrors.CodeConflict, "")) {
		t.Fatalf("expected conflict on second attach, got %v", err)
	}

	resp, err := http.Get("http://" + h.server.Addr() + WebSocketPath)
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected attached handler to serve /ws without HTTP auth, got %d", resp.StatusCode)
	}

	if err := h.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.server.Addr() != "" {
		t.Fatalf("address should be cleared after shutdown")
	}
}
