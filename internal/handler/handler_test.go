package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/registry"
	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/service"
	"github.com/dandantas/scout/internal/trace"
	"github.com/dandantas/scout/internal/worker"
	"github.com/dandantas/scout/pkg/middleware"
)

// gatedCapability blocks sub-queries until released
type gatedCapability struct {
	once    sync.Once
	release chan struct{}
}

func newGatedCapability(open bool) *gatedCapability {
	g := &gatedCapability{release: make(chan struct{})}
	if open {
		g.open()
	}
	return g
}

func (g *gatedCapability) open() { g.once.Do(func() { close(g.release) }) }

func (g *gatedCapability) Analyze(_ context.Context, cfg model.SearchConfig) (model.Analysis, error) {
	return model.Analysis{NormalizedQuery: cfg.Query, Terms: []string{cfg.Query}}, nil
}

func (g *gatedCapability) GenerateSubQueries(_ context.Context, cfg model.SearchConfig, a model.Analysis) ([]model.SubQuery, error) {
	return []model.SubQuery{{ID: "q1", Text: a.NormalizedQuery, Limit: cfg.MaxResults}}, nil
}

func (g *gatedCapability) ExecuteSubQuery(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []model.SearchResult{{ID: q.ID + "-r1", Title: "result", Confidence: 0.9}}, nil
}

func (g *gatedCapability) ExtractAndRank(_ context.Context, _ model.SearchConfig, _ model.Analysis, results []model.SearchResult) ([]model.SearchResult, error) {
	return results, nil
}

type testServer struct {
	url      string
	orch     *service.Orchestrator
	hub      *broadcast.Hub
	breakers *resilience.Breakers
	gate     *gatedCapability
}

func newTestServer(t *testing.T, keys map[string]string, gate *gatedCapability) *testServer {
	t.Helper()

	classifier := resilience.NewClassifier()
	breakers := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 50, RecoveryTimeout: time.Minute}, classifier)
	guard := resilience.NewGuard(breakers, resilience.NewRetryManager(classifier),
		resilience.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	reg := registry.New()
	hub := broadcast.NewHub()
	pool := worker.NewWorkerPool(2, 10)
	pool.Start()
	traces := trace.NewStore(time.Hour)

	orch := service.NewOrchestrator(reg, hub, pool, guard, gate, nil, traces, service.Options{})

	router := NewRouter(
		NewSearchHandler(orch, hub, 5*time.Second),
		NewStreamHandler(orch, hub),
		NewWebSocketHandler(orch, hub),
		NewBreakerHandler(breakers),
		NewTraceHandler(traces),
		NewHealthHandler(nil, pool, breakers, "test"),
		traces,
		keys,
		middleware.CORSConfig{AllowedOrigins: "*", AllowedMethods: "GET, POST, DELETE", AllowedHeaders: "*"},
	)

	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		gate.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &testServer{url: srv.URL, orch: orch, hub: hub, breakers: breakers, gate: gate}
}

func (s *testServer) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func validSearch() map[string]any {
	return map[string]any{
		"query":   "circuit breakers",
		"filters": map[string][]string{"source": {"docs"}},
	}
}

func (s *testServer) submit(t *testing.T, key string) SubmitResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/searches", key, validSearch())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[SubmitResponse](t, resp)
}

func (s *testServer) waitStatus(t *testing.T, id string, want model.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := s.orch.GetStatus(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitAndGet(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(true))

	sub := s.submit(t, "")
	assert.NotEmpty(t, sub.SearchID)
	assert.Equal(t, model.StatusPending, sub.Status)
	assert.Equal(t, 0, sub.Progress)
	assert.NotEmpty(t, sub.CorrelationID)

	s.waitStatus(t, sub.SearchID, model.StatusCompleted)

	resp := s.do(t, http.MethodGet, "/api/v1/searches/"+sub.SearchID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[model.Job](t, resp)
	assert.Equal(t, 100, job.Progress)
	assert.Len(t, job.Results, 1)

	resp = s.do(t, http.MethodGet, "/api/v1/searches", "", nil)
	list := decode[ListResponse](t, resp)
	assert.Equal(t, 1, list.Total)
}

func TestSubmit_ValidationError(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(true))

	resp := s.do(t, http.MethodPost, "/api/v1/searches", "", map[string]any{
		"query":   "   ",
		"filters": map[string][]string{"source": {"docs"}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "validation", body.Category)
	assert.Equal(t, "query", body.Field)
	assert.False(t, body.Retryable)
	assert.Empty(t, s.orch.List(middleware.AnonymousPrincipal))
}

func TestGet_UnknownAndMalformedIDs(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(true))

	resp := s.do(t, http.MethodGet, "/api/v1/searches/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(t, http.MethodGet, "/api/v1/searches/6f1c1a34-5b7e-4f0e-9a57-1d2f3c4b5a69", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthAndOwnership(t *testing.T) {
	s := newTestServer(t, map[string]string{"k-alice": "alice", "k-bob": "bob"}, newGatedCapability(true))

	resp := s.do(t, http.MethodGet, "/api/v1/searches", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authorization", decode[ErrorResponse](t, resp).Category)

	sub := s.submit(t, "k-alice")

	resp = s.do(t, http.MethodGet, "/api/v1/searches/"+sub.SearchID, "k-bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(t, http.MethodDelete, "/api/v1/searches/"+sub.SearchID, "k-bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/searches/"+sub.SearchID, "k-alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(false))
	sub := s.submit(t, "")

	resp := s.do(t, http.MethodPost, "/api/v1/searches/"+sub.SearchID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[CancelResponse](t, resp)
	assert.Equal(t, model.StatusCancelled, first.Status)
	assert.False(t, first.AlreadyTerminal)

	resp = s.do(t, http.MethodDelete, "/api/v1/searches/"+sub.SearchID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[CancelResponse](t, resp)
	assert.Equal(t, model.StatusCancelled, second.Status)
	assert.True(t, second.AlreadyTerminal)
}

func TestProgress_LongPoll(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(false))
	sub := s.submit(t, "")

	resp := s.do(t, http.MethodGet, "/api/v1/searches/"+sub.SearchID+"/progress?after=0", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := decode[progressMessage](t, resp)
	assert.Equal(t, MessageTypeProgress, ev.Type)
	assert.GreaterOrEqual(t, ev.Sequence, uint64(1))

	resp = s.do(t, http.MethodGet, "/api/v1/searches/"+sub.SearchID+"/progress?after=1000&timeout=1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStream_SSEEndsAfterTerminalEvent(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(false))
	sub := s.submit(t, "")

	resp := s.do(t, http.MethodGet, "/api/v1/stream?searchId="+sub.SearchID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	s.gate.open()

	var events []progressMessage
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev progressMessage
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.StatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
}

func TestWebSocket_SubscribeIgnoresMalformedMessages(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(false))
	sub := s.submit(t, "")

	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: MessageTypeSubscribe, SearchID: "6f1c1a34-5b7e-4f0e-9a57-1d2f3c4b5a69"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: MessageTypeSubscribe, SearchID: sub.SearchID}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var errMsg errorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, MessageTypeError, errMsg.Type)
	assert.Equal(t, "search not found", errMsg.Message)

	s.gate.open()

	var last progressMessage
	for {
		var msg progressMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, MessageTypeProgress, msg.Type)
		require.Equal(t, sub.SearchID, msg.JobID)
		assert.GreaterOrEqual(t, msg.Sequence, last.Sequence)
		last = msg
		if msg.IsTerminal() {
			break
		}
	}
	assert.Equal(t, model.StatusCompleted, last.Status)
}

func TestBreakerEndpoints(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(true))

	cb := s.breakers.Get(service.DepSearchProvider)
	for i := 0; i < 50; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, resilience.StateOpen, cb.State())

	resp := s.do(t, http.MethodGet, "/api/v1/circuit-breakers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Data []map[string]any `json:"data"`
	}](t, resp)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "open", list.Data[0]["state"])

	resp = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/circuit-breakers/%s/reset", service.DepSearchProvider), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, resilience.StateClosed, cb.State())

	resp = s.do(t, http.MethodPost, "/api/v1/circuit-breakers/nope/reset", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTraceEndpoint(t *testing.T) {
	s := newTestServer(t, nil, newGatedCapability(true))

	req, err := http.NewRequest(http.MethodGet, s.url+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.CorrelationHeader, "diag-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "diag-123", resp.Header.Get(middleware.CorrelationHeader))

	resp = s.do(t, http.MethodGet, "/api/v1/traces/diag-123", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[trace.Snapshot](t, resp)
	assert.Equal(t, "GET /health", snap.Operation)
}
