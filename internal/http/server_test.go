package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet/internal/core"
	"wallet/internal/events"
	"wallet/internal/log"
	"wallet/internal/services"
	"wallet/internal/storage/memory"
)

type testServer struct {
	srv   *Server
	store *memory.Store
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	store := memory.New()
	opts.Ledger = services.NewLedgerService(store, &events.Recorder{}, log.Discard())
	opts.Reports = services.NewReportService(store, log.Discard())
	opts.Logger = log.Discard()
	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = 1000
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) }
	}
	srv := NewServer(opts)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testServer{srv: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

type mutationBody struct {
	Transaction *struct {
		ID       int64  `json:"id"`
		IsIncome bool   `json:"is_income"`
		Amount   string `json:"amount"`
		Category string `json:"category"`
		Date     string `json:"date"`
		Message  string `json:"message"`
	} `json:"transaction"`
	Profile struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Balance  string `json:"balance"`
	} `json:"profile"`
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, Options{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
		assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	}

	failing := newTestServer(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})
	rr := failing.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "db down")
}

func TestRequiresIdentity(t *testing.T) {
	ts := newTestServer(t, Options{})

	for _, user := range []string{"", "two words", strings.Repeat("x", 65)} {
		rr := ts.do(t, http.MethodGet, "/profile", user, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "user %q", user)
	}
}

func TestProfileLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})

	rr := ts.do(t, http.MethodGet, "/profile", "alice", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodPut, "/profile", "alice", "")
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ts.do(t, http.MethodPut, "/profile", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/profile", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	p := decode[map[string]any](t, rr)
	assert.Equal(t, "alice", p["username"])
	assert.Equal(t, "0", p["balance"])
}

func TestTransactionLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/profile", "alice", "").Code)

	rr := ts.do(t, http.MethodPost, "/transactions", "alice",
		`{"is_income":true,"amount":"100.10","category":"salary","date":"2024-03-01","message":"march"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	added := decode[mutationBody](t, rr)
	require.NotNil(t, added.Transaction)
	assert.Equal(t, "100.1", added.Profile.Balance)
	assert.Equal(t, "/transactions/1", rr.Header().Get("Location"))

	rr = ts.do(t, http.MethodPost, "/transactions", "alice",
		`{"is_income":false,"amount":"0.10","category":"coffee","date":"2024-03-02"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	coffee := decode[mutationBody](t, rr)
	assert.Equal(t, "100", coffee.Profile.Balance)

	rr = ts.do(t, http.MethodPut, "/transactions/2", "alice",
		`{"amount":"2.40","category":"coffee","date":"2024-03-02","message":"large"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	amended := decode[mutationBody](t, rr)
	assert.Equal(t, "97.7", amended.Profile.Balance)
	assert.Equal(t, "large", amended.Transaction.Message)
	assert.False(t, amended.Transaction.IsIncome)

	rr = ts.do(t, http.MethodGet, "/transactions/2", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2.4", decode[map[string]any](t, rr)["amount"])

	rr = ts.do(t, http.MethodGet, "/transactions", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Transactions []struct {
			ID int64 `json:"id"`
		} `json:"transactions"`
	}](t, rr)
	require.Len(t, list.Transactions, 2)
	assert.Equal(t, int64(2), list.Transactions[0].ID, "newest id first")

	rr = ts.do(t, http.MethodGet, "/transactions?limit=1", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, strings.Count(rr.Body.String(), `"id"`))

	rr = ts.do(t, http.MethodDelete, "/transactions/1", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	deleted := decode[mutationBody](t, rr)
	assert.Nil(t, deleted.Transaction)
	assert.Equal(t, "-2.4", deleted.Profile.Balance)

	rr = ts.do(t, http.MethodGet, "/transactions/1", "alice", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusMapping(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/profile", "alice", "").Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/profile", "bob", "").Code)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/transactions", "alice",
		`{"amount":"5","category":"food","date":"2024-03-01"}`).Code)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		want   int
	}{
		{"zero amount", http.MethodPost, "/transactions", "alice", `{"amount":"0","category":"food","date":"2024-03-01"}`, http.StatusUnprocessableEntity},
		{"negative amount", http.MethodPost, "/transactions", "alice", `{"amount":"-3","category":"food","date":"2024-03-01"}`, http.StatusUnprocessableEntity},
		{"unparseable amount", http.MethodPost, "/transactions", "alice", `{"amount":"abc","category":"food","date":"2024-03-01"}`, http.StatusUnprocessableEntity},
		{"missing category", http.MethodPost, "/transactions", "alice", `{"amount":"1","date":"2024-03-01"}`, http.StatusUnprocessableEntity},
		{"bad date", http.MethodPost, "/transactions", "alice", `{"amount":"1","category":"food","date":"01/03/2024"}`, http.StatusUnprocessableEntity},
		{"long message", http.MethodPost, "/transactions", "alice", `{"amount":"1","category":"food","date":"2024-03-01","message":"` + strings.Repeat("m", 256) + `"}`, http.StatusUnprocessableEntity},
		{"malformed body", http.MethodPost, "/transactions", "alice", `{"amount":`, http.StatusBadRequest},
		{"unknown profile", http.MethodPost, "/transactions", "carol", `{"amount":"1","category":"food","date":"2024-03-01"}`, http.StatusNotFound},
		{"foreign lookup", http.MethodGet, "/transactions/1", "bob", "", http.StatusNotFound},
		{"foreign amend", http.MethodPut, "/transactions/1", "bob", `{"category":"x","date":"2024-03-01"}`, http.StatusNotFound},
		{"foreign delete", http.MethodDelete, "/transactions/1", "bob", "", http.StatusNotFound},
		{"non-numeric id", http.MethodGet, "/transactions/abc", "alice", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/transactions?limit=-1", "alice", "", http.StatusBadRequest},
		{"amend zero amount", http.MethodPut, "/transactions/1", "alice", `{"amount":"0","category":"food","date":"2024-03-01"}`, http.StatusUnprocessableEntity},
		{"wrong method", http.MethodPatch, "/transactions/1", "alice", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}

	rr := ts.do(t, http.MethodGet, "/profile", "alice", "")
	assert.Equal(t, "-5", decode[map[string]any](t, rr)["balance"], "rejected requests must not move the balance")
}

func TestReports(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/profile", "alice", "").Code)
	for _, body := range []string{
		`{"is_income":true,"amount":"1000","category":"salary","date":"2024-03-01"}`,
		`{"amount":"30","category":"food","date":"2024-03-03"}`,
		`{"amount":"45.50","category":"food","date":"2024-03-09"}`,
		`{"amount":"60","category":"travel","date":"2024-03-10"}`,
		`{"amount":"500","category":"rent","date":"2024-02-01"}`,
	} {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/transactions", "alice", body).Code)
	}

	rr := ts.do(t, http.MethodGet, "/reports/max-category?from=2024-03-01&to=2024-03-31", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"name": "food", "amount": "75.5"}, decode[map[string]any](t, rr))

	rr = ts.do(t, http.MethodGet, "/reports/max-category?income=true&from=2024-04-01&to=2024-04-30", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"name": "nothing", "amount": "0"}, decode[map[string]any](t, rr))

	rr = ts.do(t, http.MethodGet, "/reports/max-category", "alice", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "window is required")

	rr = ts.do(t, http.MethodGet, "/reports/max-category?income=perhaps&from=2024-03-01&to=2024-03-31", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// defaults to March 2024 from the injected clock
	rr = ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sum := decode[map[string]any](t, rr)
	assert.Equal(t, "2024-03-01", sum["from"])
	assert.Equal(t, "2024-03-31", sum["to"])
	assert.Equal(t, "1000", sum["income"])
	assert.Equal(t, "135.5", sum["expense"])
	assert.Equal(t, "864.5", sum["net"])
	assert.Equal(t, "364.5", sum["balance"])

	rr = ts.do(t, http.MethodGet, "/reports/summary?from=2024-03-31&to=2024-03-01", "alice", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSummaryCacheInvalidatedByMutations(t *testing.T) {
	ts := newTestServer(t, Options{SummaryCacheTTL: time.Minute})
	for _, user := range []string{"alice", "bob"} {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/profile", user, "").Code)
	}
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/transactions", "alice",
		`{"amount":"10","category":"food","date":"2024-03-02"}`).Code)

	rr := ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))

	rr = ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))
	assert.Equal(t, "10", decode[map[string]any](t, rr)["expense"])

	rr = ts.do(t, http.MethodGet, "/reports/summary", "bob", "")
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"), "entries are per user")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/transactions/1", "alice",
		`{"amount":"12","category":"food","date":"2024-03-02"}`).Code)
	rr = ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Equal(t, "12", decode[map[string]any](t, rr)["expense"])

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/transactions/1", "alice", "").Code)
	rr = ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Equal(t, "0", decode[map[string]any](t, rr)["balance"])

	rr = ts.do(t, http.MethodGet, "/reports/summary", "bob", "")
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"), "other users keep their entries")
}

// interleavedReports runs during once, after the first summary has been
// read from the store and before it is returned.
type interleavedReports struct {
	*services.ReportService
	once   sync.Once
	during func()
}

func (r *interleavedReports) Summary(ctx context.Context, p core.Profile, from, to core.Date) (core.Summary, error) {
	sum, err := r.ReportService.Summary(ctx, p, from, to)
	r.once.Do(r.during)
	return sum, err
}

func TestSummaryReadBeforeConcurrentWriteIsNotCached(t *testing.T) {
	store := memory.New()
	reports := &interleavedReports{ReportService: services.NewReportService(store, log.Discard())}
	srv := NewServer(Options{
		Ledger:             services.NewLedgerService(store, nil, log.Discard()),
		Reports:            reports,
		Logger:             log.Discard(),
		RateLimitPerMinute: 1000,
		SummaryCacheTTL:    time.Minute,
		Now:                func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	ts := &testServer{srv: srv, store: store}
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/profile", "alice", "").Code)

	reports.during = func() {
		rr := ts.do(t, http.MethodPost, "/transactions", "alice",
			`{"amount":"10.00","category":"food","date":"2024-03-02"}`)
		assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}

	rr := ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Equal(t, "0", decode[map[string]any](t, rr)["expense"], "read happened before the add")

	rr = ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"), "a report older than the add must not be cached")
	sum := decode[map[string]any](t, rr)
	assert.Equal(t, "10", sum["expense"])
	assert.Equal(t, "-10", sum["balance"])

	rr = ts.do(t, http.MethodGet, "/reports/summary", "alice", "")
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))
	assert.Equal(t, "10", decode[map[string]any](t, rr)["expense"])
}

func TestRateLimitPerUser(t *testing.T) {
	ts := newTestServer(t, Options{RateLimitPerMinute: 2})

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/profile", "alice", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/profile", "alice", "").Code)

	rr := ts.do(t, http.MethodGet, "/profile", "alice", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), `"error"`)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/profile", "bob", "").Code, "budgets are per user")
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", "").Code, "probes are not limited")
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "203.0.113.9:5555", "", "203.0.113.9"},
		{"untrusted forwarder ignored", "203.0.113.9:5555", "198.51.100.1", "203.0.113.9"},
		{"trusted proxy", "10.1.2.3:5555", "198.51.100.1, 10.1.2.3", "198.51.100.1"},
		{"trusted proxy garbage header", "10.1.2.3:5555", "not-an-ip", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, extractClientIP(r))
		})
	}
}

func TestMoneyPrecisionSurvivesTheAPI(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/profile", "alice", "").Code)
	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/transactions", "alice",
			`{"is_income":true,"amount":"0.1","category":"tips","date":"2024-03-01"}`).Code)
	}
	p, err := ts.store.Profiles().FindByUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(core.MoneyFromCents(100)), "got %s", p.Balance)
}
