package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgraph/backend/internal/circuitbreaker"
	"github.com/kgraph/backend/internal/credits"
	"github.com/kgraph/backend/internal/kv"
	"github.com/kgraph/backend/internal/middleware"
	"github.com/kgraph/backend/internal/operations"
	"github.com/kgraph/backend/internal/queue"
	"github.com/kgraph/backend/internal/repository"
	"github.com/kgraph/backend/internal/streaming"
)

// memStore is an in-memory credits.Store sufficient for gateway tests.
type memStore struct {
	mu    sync.Mutex
	pools map[string]*credits.Pool
	byKey map[string]*credits.Transaction
	txs   []credits.Transaction
}

func newMemStore() *memStore {
	return &memStore{
		pools: make(map[string]*credits.Pool),
		byKey: make(map[string]*credits.Transaction),
	}
}

func (m *memStore) addPool(graphID string, balance int64) {
	m.pools[graphID] = &credits.Pool{
		ID:                "pool-" + graphID,
		GraphID:           graphID,
		MonthlyAllocation: decimal.NewFromInt(1000),
		CurrentBalance:    decimal.NewFromInt(balance),
		GraphTier:         "standard",
		StorageLimitGB:    decimal.NewFromInt(10),
	}
}

func (m *memStore) GetPool(_ context.Context, graphID string) (*credits.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[graphID]
	if !ok {
		return nil, credits.ErrNoPool
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ConsumePool(_ context.Context, poolID string, cost decimal.Decimal) (*credits.BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		if p.ID != poolID {
			continue
		}
		if p.CurrentBalance.LessThan(cost) {
			return &credits.BalanceChange{Applied: false}, nil
		}
		old := p.CurrentBalance
		p.CurrentBalance = p.CurrentBalance.Sub(cost)
		return &credits.BalanceChange{OldBalance: old, NewBalance: p.CurrentBalance, Applied: true}, nil
	}
	return nil, credits.ErrNoPool
}

func (m *memStore) AdjustPool(_ context.Context, poolID string, delta decimal.Decimal, _ bool) (*credits.BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		if p.ID != poolID {
			continue
		}
		old := p.CurrentBalance
		p.CurrentBalance = p.CurrentBalance.Add(delta)
		return &credits.BalanceChange{OldBalance: old, NewBalance: p.CurrentBalance, Applied: true}, nil
	}
	return nil, credits.ErrNoPool
}

func (m *memStore) AllocateMonthly(ctx context.Context, poolID string, amount decimal.Decimal, _ time.Time) (*credits.BalanceChange, error) {
	return m.AdjustPool(ctx, poolID, amount, false)
}

func (m *memStore) GetRepositoryPool(context.Context, string, string) (*credits.RepositoryPool, error) {
	return nil, credits.ErrNoPool
}

func (m *memStore) ConsumeRepositoryPool(context.Context, string, string, decimal.Decimal) (*credits.BalanceChange, error) {
	return nil, credits.ErrNoPool
}

func (m *memStore) InsertTransaction(_ context.Context, tx *credits.Transaction) (*credits.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.IdempotencyKey != "" {
		if existing, ok := m.byKey[tx.IdempotencyKey]; ok {
			return existing, false, nil
		}
	}
	stored := *tx
	stored.ID = fmt.Sprintf("tx-%d", len(m.txs)+1)
	m.txs = append(m.txs, stored)
	if tx.IdempotencyKey != "" {
		m.byKey[tx.IdempotencyKey] = &m.txs[len(m.txs)-1]
	}
	return &stored, true, nil
}

func (m *memStore) GetTransactionByKey(_ context.Context, key string) (*credits.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.byKey[key]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, credits.ErrNoTransaction
}

func (m *memStore) ListTransactions(_ context.Context, graphID string, _ credits.TransactionFilter) ([]credits.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []credits.Transaction
	for _, tx := range m.txs {
		if tx.GraphID == graphID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memStore) SumConsumptionSince(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type allowAll struct{}

func (allowAll) HasRepositoryAccess(context.Context, string, string) bool { return true }

type gatewayFixture struct {
	gateway *Gateway
	server  *httptest.Server
	store   *memStore
	queue   *queue.Queue
	bus     *operations.Bus
}

func rowsOfSize(n int) *repository.Result {
	result := &repository.Result{Columns: []string{"n"}}
	for i := 0; i < n; i++ {
		result.Rows = append(result.Rows, []any{i})
	}
	return result
}

// defaultEngine sizes results from the LIMIT literal, 25 rows otherwise.
func defaultEngine(_ context.Context, q string, _ map[string]any) (*repository.Result, error) {
	if idx := strings.LastIndex(q, "LIMIT "); idx >= 0 {
		var limit int
		if _, err := fmt.Sscanf(q[idx+6:], "%d", &limit); err == nil {
			return rowsOfSize(limit), nil
		}
	}
	return rowsOfSize(25), nil
}

func newFixture(t *testing.T, engine repository.QueryFunc, maxConcurrent int) *gatewayFixture {
	t.Helper()
	return newFixtureOpts(t, engine, maxConcurrent, DefaultOptions())
}

func newFixtureOpts(t *testing.T, engine repository.QueryFunc, maxConcurrent int, opts Options) *gatewayFixture {
	t.Helper()

	store := newMemStore()
	store.addPool("kg01abc", 1000)

	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })

	creditSvc := credits.NewService(store, credits.NewCache(mem), credits.DefaultCostTable(), allowAll{})
	breaker := circuitbreaker.NewManager(circuitbreaker.Config{}, nil)
	bus := operations.NewBus(mem, operations.DefaultConfig())

	repo := repository.NewMemory([]repository.Table{
		{Name: "Person", Kind: "NODE", Properties: []repository.Property{{Name: "name", Type: "STRING"}}},
	}, engine)
	resolver := repository.NewStaticResolver()
	resolver.Register("kg01abc", repo)

	qcfg := queue.DefaultConfig()
	qcfg.MaxConcurrent = maxConcurrent
	qcfg.PopTimeout = 20 * time.Millisecond
	qcfg.IdleSleep = 5 * time.Millisecond
	q := queue.New(qcfg, nil, func(ctx context.Context, cq string, params map[string]any, graphID string) (*queue.Result, error) {
		res, err := engine(ctx, cq, params)
		if err != nil {
			return nil, err
		}
		return &queue.Result{Columns: res.Columns, Rows: res.Rows, RowCount: res.RowCount()}, nil
	}, nil)
	t.Cleanup(q.Stop)

	g := New(opts, breaker, creditSvc, q, bus, resolver, nil, nil)

	validator := middleware.TokenValidatorFunc(func(_ context.Context, token string) (*middleware.User, error) {
		if token == "good" {
			return &middleware.User{ID: "user-1", Tier: "standard"}, nil
		}
		return nil, errors.New("bad token")
	})
	server := httptest.NewServer(g.Router(validator))
	t.Cleanup(server.Close)

	return &gatewayFixture{gateway: g, server: server, store: store, queue: q, bus: bus}
}

func (f *gatewayFixture) post(t *testing.T, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (f *gatewayFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return f.getWith(t, path, nil)
}

func (f *gatewayFixture) getWith(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer good")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestStatusEndpointIsUnauthenticated(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)
	resp, err := http.Get(f.server.URL + "/v1/status")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestQueryRequiresAuth(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)
	resp, err := http.Post(f.server.URL+"/v1/graphs/kg01abc/query", "application/json",
		strings.NewReader(`{"query":"MATCH (n) RETURN n LIMIT 10"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSmallQueryReturnsJSONImmediate(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query",
		`{"query":"MATCH (n) RETURN n LIMIT 10"}`, nil)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "JSON_IMMEDIATE", body["strategy"])
	assert.Equal(t, []any{"n"}, body["columns"])
	assert.LessOrEqual(t, body["row_count"].(float64), float64(10))

	// Query cost is zero; the pool is untouched.
	assert.True(t, f.store.pools["kg01abc"].CurrentBalance.Equal(decimal.NewFromInt(1000)))
}

func TestLargeQueryStreamsNDJSON(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query",
		`{"query":"MATCH (n) RETURN n"}`, map[string]string{"Accept": "application/x-ndjson"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var lines []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NotEmpty(t, lines)

	assert.Equal(t, []any{"n"}, lines[0]["columns"])
	final := lines[len(lines)-1]
	assert.Equal(t, true, final["complete"])
	assert.Equal(t, float64(25), final["totalRows"])
}

func TestBusySystemQueuesAndStreamsSSE(t *testing.T) {
	release := make(chan struct{})
	blockerRunning := make(chan struct{})
	var once sync.Once
	engine := func(ctx context.Context, q string, p map[string]any) (*repository.Result, error) {
		if strings.Contains(q, "blocker") {
			once.Do(func() { close(blockerRunning) })
			<-release
			return rowsOfSize(1), nil
		}
		return defaultEngine(ctx, q, p)
	}
	f := newFixture(t, engine, 1)
	defer close(release)

	// Occupy the single execution slot.
	_, err := f.queue.Submit("MATCH (blocker) RETURN blocker", nil, "kg01abc", "user-0", decimal.Zero, 5)
	require.NoError(t, err)
	<-blockerRunning

	type streamOutcome struct {
		names []string
		err   error
	}
	done := make(chan streamOutcome, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPost, f.server.URL+"/v1/graphs/kg01abc/query",
			strings.NewReader(`{"query":"MATCH (n) RETURN n LIMIT 50"}`))
		if err != nil {
			done <- streamOutcome{err: err}
			return
		}
		req.Header.Set("Authorization", "Bearer good")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- streamOutcome{err: err}
			return
		}
		defer resp.Body.Close()

		var names []string
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "event: ") {
				names = append(names, strings.TrimPrefix(line, "event: "))
			}
			if strings.HasPrefix(line, "event: complete") || strings.HasPrefix(line, "event: error") {
				break
			}
		}
		done <- streamOutcome{names: names}
	}()

	// Let the queued query report its position, then free the slot.
	time.Sleep(300 * time.Millisecond)
	release <- struct{}{}

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.NotEmpty(t, out.names)
		assert.Equal(t, "queued", out.names[0])
		assert.Contains(t, out.names, "started")
		assert.Contains(t, out.names, "chunk")
		assert.Equal(t, "complete", out.names[len(out.names)-1])
	case <-time.After(10 * time.Second):
		t.Fatal("SSE stream did not complete")
	}
}

func TestWriteQueryRejected(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query", `{"query":"CREATE (n:X)"}`, nil)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "staging ingest pipeline")
}

func TestBulkQueryRejected(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)
	resp := f.post(t, "/v1/graphs/kg01abc/query", `{"query":"COPY nodes FROM 'x.csv'"}`, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	engine := func(context.Context, string, map[string]any) (*repository.Result, error) {
		return nil, errors.New("engine down")
	}
	f := newFixture(t, engine, 10)

	for i := 0; i < 5; i++ {
		resp := f.post(t, "/v1/graphs/kg01abc/query",
			`{"query":"MATCH (n) RETURN n LIMIT 10"}`, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	resp := f.post(t, "/v1/graphs/kg01abc/query",
		`{"query":"MATCH (n) RETURN n LIMIT 10"}`, nil)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "circuit_open", body["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAsyncModeQueues(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query?mode=async",
		`{"query":"MATCH (n) RETURN n LIMIT 10"}`, nil)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["query_id"])
	links := body["_links"].(map[string]any)
	assert.Contains(t, links["monitor"], "/v1/operations/")

	// The queued query eventually completes and is queryable.
	queryID := body["query_id"].(string)
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp := f.get(t, "/v1/queries/"+queryID)
		status := decodeBody(t, resp)["status"]
		if status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("query stuck in status %v", status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// eventTypes polls the bus history for an operation until a terminal event
// lands, then returns the event types in order.
func eventTypes(t *testing.T, bus *operations.Bus, operationID string) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		history, err := bus.History(context.Background(), operationID)
		require.NoError(t, err)
		for _, ev := range history {
			if ev.Type == operations.EventCompleted || ev.Type == operations.EventFailed {
				types := make([]string, 0, len(history))
				for _, h := range history {
					types = append(types, h.Type)
				}
				return types
			}
		}
		if time.Now().After(deadline) {
			var types []string
			for _, h := range history {
				types = append(types, h.Type)
			}
			t.Fatalf("no terminal event for %s, saw %v", operationID, types)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestQueuedQueryEmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query?mode=async",
		`{"query":"MATCH (n) RETURN n LIMIT 10"}`, nil)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	operationID := body["operation_id"].(string)
	types := eventTypes(t, f.bus, operationID)
	// The worker races the handler's queued emit, so the log order is not
	// guaranteed; every lifecycle event must land exactly once.
	assert.ElementsMatch(t, []string{
		operations.EventQueued,
		operations.EventStarted,
		operations.EventCompleted,
	}, types)
}

func TestFailedQueuedQueryEmitsFailedEvent(t *testing.T) {
	engine := func(context.Context, string, map[string]any) (*repository.Result, error) {
		return nil, errors.New("engine down")
	}
	f := newFixture(t, engine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query?mode=async",
		`{"query":"MATCH (n) RETURN n LIMIT 10"}`, nil)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	operationID := body["operation_id"].(string)
	types := eventTypes(t, f.bus, operationID)
	assert.ElementsMatch(t, []string{
		operations.EventQueued,
		operations.EventStarted,
		operations.EventFailed,
	}, types)
}

func TestQueryStatusHonorsPreferWait(t *testing.T) {
	engine := func(ctx context.Context, q string, p map[string]any) (*repository.Result, error) {
		time.Sleep(150 * time.Millisecond)
		return rowsOfSize(5), nil
	}
	f := newFixture(t, engine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query?mode=async",
		`{"query":"MATCH (n) RETURN n"}`, nil)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	queryID := body["query_id"].(string)

	// A single long poll returns the finished result.
	resp = f.getWith(t, "/v1/queries/"+queryID, map[string]string{"Prefer": "wait=5"})
	status := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", status["status"])
	require.NotNil(t, status["result"])
}

func TestOperationStreamDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.DisableSSE = true
	f := newFixtureOpts(t, defaultEngine, 10, opts)

	resp := f.get(t, "/v1/operations/op_whatever/stream")
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "sse_disabled", body["code"])
}

func TestSSEDisabledFallsBackToNDJSON(t *testing.T) {
	opts := DefaultOptions()
	opts.DisableSSE = true
	f := newFixtureOpts(t, defaultEngine, 10, opts)

	resp := f.post(t, "/v1/graphs/kg01abc/query?mode=stream",
		`{"query":"MATCH (n) RETURN n"}`, map[string]string{"Accept": "text/event-stream"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
}

func TestConfiguredChunkSizeApplies(t *testing.T) {
	opts := DefaultOptions()
	opts.Chunks = streaming.ChunkPolicy{Standard: 10, Enterprise: 10, Premium: 10}
	f := newFixtureOpts(t, defaultEngine, 10, opts)

	resp := f.post(t, "/v1/graphs/kg01abc/query",
		`{"query":"MATCH (n) RETURN n"}`, map[string]string{"Accept": "application/x-ndjson"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lines []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	// 25 rows at a configured chunk size of 10: chunks of 10, 10, 5.
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, float64(10), lines[0]["rowCount"])
	assert.Equal(t, float64(10), lines[1]["rowCount"])
	assert.Equal(t, float64(5), lines[2]["rowCount"])
}

func TestUnknownGraphReturns404(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)
	resp := f.post(t, "/v1/graphs/kg09zzz/query",
		`{"query":"MATCH (n) RETURN n LIMIT 10"}`, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBalanceCheckEndpoint(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.get(t, "/v1/graphs/kg01abc/credits/balance/check?operation_type=agent_call")
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["has_access"])
	assert.Equal(t, true, body["has_sufficient"])
}

func TestCreditSummaryNoPool(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)
	resp := f.get(t, "/v1/graphs/kg09zzz/credits/summary")
	resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestSchemaInfoEndpoint(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.get(t, "/v1/graphs/kg01abc/schema/info")
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"Person"}, body["node_labels"])
}

func TestSchemaValidateEndpoint(t *testing.T) {
	f := newFixture(t, defaultEngine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/schema/validate", `{
		"nodes": [{"name": "Person", "primary_key": "name",
		           "properties": [{"name": "name", "type": "STRING"}]}]
	}`, nil)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])

	resp = f.post(t, "/v1/graphs/kg01abc/schema/validate", `{"nodes": []}`, nil)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["valid"])
}

func TestInteractiveToolGetsTruncatedResult(t *testing.T) {
	engine := func(context.Context, string, map[string]any) (*repository.Result, error) {
		return rowsOfSize(500), nil
	}
	f := newFixture(t, engine, 10)

	resp := f.post(t, "/v1/graphs/kg01abc/query",
		`{"query":"MATCH (n) RETURN n"}`,
		map[string]string{"User-Agent": "PostmanRuntime/7.36"})
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SYNC_TESTING", body["strategy"])
	assert.Equal(t, true, body["truncated"])
	assert.Equal(t, float64(100), body["row_count"])
	assert.Equal(t, float64(500), body["total_rows"])
	assert.NotNil(t, body["suggestion"])
}
