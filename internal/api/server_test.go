package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/auction/intent"
	"AgentMarket-Chain/internal/auction/task"
	"AgentMarket-Chain/internal/auth"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/internal/registry"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000ad000")
	operator = common.HexToAddress("0x00000000000000000000000000000000000a0e00")
	workerA  = common.HexToAddress("0x000000000000000000000000000000000000a00a")
	workerB  = common.HexToAddress("0x000000000000000000000000000000000000b00b")
	seller   = common.HexToAddress("0x0000000000000000000000000000000000005e11")
	buyer    = common.HexToAddress("0x0000000000000000000000000000000000000b1e")
)

type testServer struct {
	clock   *chain.ManualClock
	engine  *chain.Engine
	ledger  *ledger.Ledger
	tasks   *task.Auction
	intents *intent.Auction
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	ts := &testServer{clock: chain.NewManualClock(time.Unix(1_700_000_000, 0))}
	sink := events.NewMemorySink(0)
	ts.engine = chain.NewEngine(chain.WithClock(ts.clock), chain.WithSink(sink))
	ts.ledger = ledger.New(ts.engine, admin)
	reg := registry.NewMemoryRegistry(
		registry.Agent{ID: 1, Wallet: workerA, Type: registry.AgentTypeWorker, Active: true, Reputation: 80},
		registry.Agent{ID: 2, Wallet: workerB, Type: registry.AgentTypeWorker, Active: true, Reputation: 80},
		registry.Agent{ID: 3, Wallet: seller, Type: registry.AgentTypeSeller, Active: true},
	)
	ts.tasks = task.New(ts.engine, ts.ledger, reg, admin, task.WithOperators(operator))
	ts.intents = intent.New(ts.engine, ts.ledger, reg, admin, intent.WithOperators(operator))
	for _, component := range []common.Address{ts.tasks.Address(), ts.intents.Address()} {
		require.NoError(t, ts.ledger.Grant(ctx, chain.CallFrom(admin), access.RoleDepositor, component))
	}
	for _, addr := range []common.Address{operator, workerA, workerB, seller, buyer} {
		ts.engine.Mint(addr, money.MustEther("5"))
	}

	svc, err := auth.NewService(auth.Config{})
	require.NoError(t, err)
	srv, err := NewServer(":0", Deps{
		Engine:  ts.engine,
		Ledger:  ts.ledger,
		Tasks:   ts.tasks,
		Intents: ts.intents,
		Auth:    svc,
		Events:  sink,
	})
	require.NoError(t, err)
	ts.handler = srv.Handler()
	return ts
}

// do 发送一个请求；caller 为零地址时不带 X-Caller。
func (ts *testServer) do(t *testing.T, method, path string, caller common.Address, value, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != (common.Address{}) {
		req.Header.Set(auth.HeaderCaller, caller.Hex())
	}
	if value != "" {
		req.Header.Set(auth.HeaderValue, value)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", operator, "1.0", `{"work_type":"inference","max_bid":"1.0"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[taskView](t, rec)
	assert.Equal(t, uint64(1), created.ID)
	assert.Equal(t, "open", created.Status)
	assert.Equal(t, ether("1"), created.Escrow)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/bids", workerA, "", `{"agent_id":1,"amount":"0.8"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/bids", workerB, "", `{"agent_id":2,"amount":"0.5"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/select", workerA, "", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "bidding window still open")

	ts.clock.Advance(time.Hour + time.Second)
	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/select", workerA, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	winner := decodeBody[bidView](t, rec)
	assert.Equal(t, uint64(2), winner.AgentID)
	assert.Equal(t, "won", winner.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/complete", workerB, "", `{"output_hash":"0x`+strings.Repeat("ab", 32)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decodeBody[taskView](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/validate", operator, "", `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "verified", decodeBody[taskView](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/validate", operator, "", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal task cannot be validated twice")

	rec = ts.do(t, http.MethodGet, "/api/v1/treasury", common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[summaryView](t, rec)
	assert.Equal(t, ether("0.5"), summary.Balance)
	assert.Equal(t, ether("0.5"), summary.Revenue)

	rec = ts.do(t, http.MethodGet, "/api/v1/accounts/"+workerB.Hex(), common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ether("5.5"), decodeBody[accountView](t, rec).Balance)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/1/bids", common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bids := decodeBody[[]bidView](t, rec)
	require.Len(t, bids, 2)
	assert.Equal(t, "lost", bids[0].Status)
	assert.Equal(t, "won", bids[1].Status)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", operator, "1", `{"work_type":"x","max_bid":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cases := []struct {
		name   string
		caller common.Address
		value  string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing caller", common.Address{}, "", "/api/v1/tasks/1/bids", `{"agent_id":1,"amount":"0.5"}`, http.StatusForbidden, "UNAUTHORIZED"},
		{"bid above max", workerA, "", "/api/v1/tasks/1/bids", `{"agent_id":1,"amount":"1.5"}`, http.StatusBadRequest, "BID_EXCEEDS_MAX"},
		{"wrong wallet", workerB, "", "/api/v1/tasks/1/bids", `{"agent_id":1,"amount":"0.5"}`, http.StatusForbidden, "NOT_AGENT_WALLET"},
		{"unknown task", workerA, "", "/api/v1/tasks/9/bids", `{"agent_id":1,"amount":"0.5"}`, http.StatusNotFound, "TASK_NOT_FOUND"},
		{"escrow mismatch", operator, "0.5", "/api/v1/tasks", `{"work_type":"x","max_bid":"1"}`, http.StatusBadRequest, "ESCROW_MISMATCH"},
		{"not operator", workerA, "1", "/api/v1/tasks", `{"work_type":"x","max_bid":"1"}`, http.StatusForbidden, "UNAUTHORIZED"},
		{"unknown field", workerA, "", "/api/v1/tasks/1/bids", `{"agent":1}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tc.path, tc.caller, tc.value, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeBody[errorBody](t, rec)
			assert.EqualValues(t, tc.code, body.Code)
		})
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/bids", workerA, "", `{"agent_id":1,"amount":"0.5"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/bids", workerA, "", `{"agent_id":1,"amount":"0.4"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, "duplication", decodeBody[errorBody](t, rec).Kind)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/abc", common.Address{}, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntentAuctionOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/intents", buyer, "", `{"max_budget":"1","metadata_ref":"ipfs://req"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, buyer.Hex(), decodeBody[intentView](t, rec).Requester)

	rec = ts.do(t, http.MethodPost, "/api/v1/intents/1/offers", seller, "0.01", `{"agent_id":3,"offer_price":"0.8"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offer := decodeBody[offerView](t, rec)
	assert.Equal(t, "0.002", offer.Score)
	assert.Equal(t, ether("0.01"), offer.BidFee)

	rec = ts.do(t, http.MethodPost, "/api/v1/intents/1/offers", workerA, "0.01", `{"agent_id":1,"offer_price":"0.5"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "workers may not respond to intents")

	rec = ts.do(t, http.MethodPost, "/api/v1/intents/1/close", workerA, "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.clock.Advance(time.Hour + time.Second)
	rec = ts.do(t, http.MethodPost, "/api/v1/intents/1/close", workerA, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decodeBody[intentView](t, rec)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, offer.ID, closed.WinningOfferID)
	assert.Equal(t, ether("0.01"), closed.FeesForwarded)

	rec = ts.do(t, http.MethodPost, "/api/v1/intents/1/fulfill", operator, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/v1/intents/1/confirm", buyer, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	final := decodeBody[intentView](t, rec)
	assert.Equal(t, "confirmed", final.Status)
	assert.Equal(t, offer.ID, final.WinningOfferID)

	assert.Zero(t, money.MustEther("0.01").Cmp(ts.ledger.Balance()))
}

func TestTreasuryEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/treasury/deposit", buyer, "2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "depositors are restricted once granted")

	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/roles", admin, "", `{"role":"depositor","address":"`+buyer.Hex()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/deposit", buyer, "2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	pay := `{"to":"` + workerA.Hex() + `","amount":"0.5"}`
	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/pay", operator, "", pay)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/roles", admin, "", `{"role":"payer","address":"`+operator.Hex()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/pay", operator, "", pay)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/pay", operator, "", `{"to":"`+workerA.Hex()+`","amount":"9"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, ledger.CodeInsufficientFunds, decodeBody[errorBody](t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/pause", admin, "", `{"paused":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/treasury/pay", operator, "", pay)
	assert.Equal(t, http.StatusConflict, rec.Code, "paused treasury fails closed")

	rec = ts.do(t, http.MethodGet, "/healthz", common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[healthView](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, []string{"treasury"}, health.Paused)
	assert.Equal(t, ether("1.5"), health.Treasury)
}

func TestEventsEndpointFilters(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", operator, "1", `{"work_type":"x","max_bid":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/1/bids", workerA, "", `{"agent_id":1,"amount":"0.3"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/events?entity=task&entity_id=1", common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]events.Event](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, events.KindBidSubmitted, list[0].Kind, "newest first")
	assert.Equal(t, events.KindTaskCreated, list[1].Kind)

	rec = ts.do(t, http.MethodGet, "/api/v1/events?entity_id=x", common.Address{}, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/keeper", common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func TestListTasksQueryParameters(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/tasks", operator, "1", `{"work_type":"x","max_bid":"1"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/tasks/2/cancel", operator, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks?status=open&order=asc", common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]taskView](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(1), list[0].ID)
	assert.Equal(t, uint64(3), list[1].ID)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks?order=sideways", common.Address{}, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/stats", common.Address{}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 3, stats["total"])
	assert.EqualValues(t, 1, stats["cancelled"])
	assert.Equal(t, "2", stats["escrow_held"])
}
