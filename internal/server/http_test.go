package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"LoopEngine/internal/engine"
	"LoopEngine/internal/market"
	"LoopEngine/internal/oracle"
	"LoopEngine/internal/swap"
	"LoopEngine/internal/token"
	"LoopEngine/internal/wad"
)

type testAdmin struct {
	book *token.Book
	m    *market.Market
	feed *oracle.Feed
}

func (a *testAdmin) Mint(asset, account string, amount *big.Int) {
	a.book.Mint(asset, account, amount)
}

func (a *testAdmin) SetAuthorization(owner string, granted bool) {
	a.m.SetAuthorization(owner, "engine", granted)
}

func (a *testAdmin) ApproveDelegation(owner string, amount *big.Int) {
	a.m.ApproveDelegation(owner, "engine", amount)
}

func (a *testAdmin) SetRate(rate *big.Int) error {
	return a.feed.SetRate(rate)
}

func newTestServer(t *testing.T) (*Server, *testAdmin) {
	t.Helper()

	book := token.NewBook()
	m := market.NewMarket(book, "market", "WSTETH", "WETH")
	m.FundLiquidity(wad.MustParse("1000000"))

	pool, err := swap.NewPool(book, "pool", 30)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.AddLiquidity("WSTETH", wad.MustParse("1000000"))
	pool.AddLiquidity("WETH", wad.MustParse("1100000"))

	feed, err := oracle.NewFeed(wad.MustParse("1.1"))
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	eng, err := engine.New(
		engine.DefaultConfig("admin"),
		engine.MarketParams{
			CollateralAsset:      "WSTETH",
			DebtAsset:            "WETH",
			LiquidationThreshold: wad.MustParse("0.81"),
		},
		"engine",
		engine.Deps{
			Lending:   m.Client("engine"),
			Swap:      pool.Client("engine"),
			Oracle:    feed,
			Custody:   book,
			Strategy:  engine.DelegatedDebtSettlement{},
			Snapshots: []engine.Snapshotter{book, m, pool},
			Logger:    zerolog.Nop(),
		},
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	admin := &testAdmin{book: book, m: m, feed: feed}
	srv := New(Deps{
		Engine: eng,
		Admin:  admin,
		Logger: zerolog.Nop(),
	})
	return srv, admin
}

func doRequest(t *testing.T, srv *Server, method, path, caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestOpenRequiresCallerHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/positions/open", "",
		`{"deposit":"1","leverage":"2"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestOpenRejectsBadPayload(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/positions/open", "alice", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/positions/open", "alice",
		`{"deposit":"abc","leverage":"2"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad deposit: status = %d, want 400", rec.Code)
	}
}

func TestOpenMissingDelegationForbidden(t *testing.T) {
	srv, admin := newTestServer(t)
	admin.Mint("WSTETH", "alice", wad.MustParse("1"))

	rec := doRequest(t, srv, http.MethodPost, "/v1/positions/open", "alice",
		`{"deposit":"1","leverage":"2"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["kind"] != "insufficient_delegation" {
		t.Errorf("kind = %v, want insufficient_delegation", body["kind"])
	}
}

func TestOpenPositionEndToEnd(t *testing.T) {
	srv, admin := newTestServer(t)
	admin.Mint("WSTETH", "alice", wad.MustParse("1"))

	rec := doRequest(t, srv, http.MethodPost, "/v1/positions/delegate", "alice",
		`{"amount":"1.1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delegate: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/positions/open", "alice",
		`{"deposit":"1","leverage":"2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("open: status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["owner"] != "alice" {
		t.Errorf("owner = %v, want alice", body["owner"])
	}
	if body["loan_amount"] != wad.MustParse("1.1").String() {
		t.Errorf("loan_amount = %v, want %s", body["loan_amount"], wad.MustParse("1.1"))
	}
	if body["health_factor"] == nil {
		t.Error("response missing health_factor")
	}
}

func TestCloseLifecycle(t *testing.T) {
	srv, admin := newTestServer(t)
	admin.Mint("WSTETH", "alice", wad.MustParse("1"))

	// Closing before opening is a 404.
	rec := doRequest(t, srv, http.MethodPost, "/v1/positions/close", "alice", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("close without position: status = %d, want 404", rec.Code)
	}

	doRequest(t, srv, http.MethodPost, "/v1/positions/delegate", "alice", `{"amount":"1.1"}`)
	doRequest(t, srv, http.MethodPost, "/v1/positions/authorize", "alice", `{"granted":true}`)
	rec = doRequest(t, srv, http.MethodPost, "/v1/positions/open", "alice",
		`{"deposit":"1","leverage":"2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("open: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/positions/close", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close: status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["returned"] == nil || body["returned"] == "0" {
		t.Errorf("close returned nothing: %v", body)
	}
}

func TestCloseWithoutAuthorizationForbidden(t *testing.T) {
	srv, admin := newTestServer(t)
	admin.Mint("WSTETH", "alice", wad.MustParse("1"))
	doRequest(t, srv, http.MethodPost, "/v1/positions/delegate", "alice", `{"amount":"1.1"}`)
	doRequest(t, srv, http.MethodPost, "/v1/positions/open", "alice",
		`{"deposit":"1","leverage":"2"}`)

	rec := doRequest(t, srv, http.MethodPost, "/v1/positions/close", "alice", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["kind"] != "authorization_not_granted" {
		t.Errorf("kind = %v, want authorization_not_granted", body["kind"])
	}
}

func TestPreviewOpenQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet,
		"/v1/positions/alice/preview?deposit=1&leverage=2", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["loan_amount"] != wad.MustParse("1.1").String() {
		t.Errorf("loan_amount = %v, want %s", body["loan_amount"], wad.MustParse("1.1"))
	}
}

func TestHealthFactorRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/positions/alice/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["unbounded"] != true {
		t.Errorf("empty position unbounded = %v, want true", body["unbounded"])
	}
}

func TestMaxLeverageRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/engine/max-leverage", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	max, ok := body["max_leverage"].(string)
	if !ok || !strings.HasPrefix(max, "4.89") {
		t.Errorf("max_leverage = %v, want 4.89...", body["max_leverage"])
	}
}

func TestPauseRoutes(t *testing.T) {
	srv, admin := newTestServer(t)
	admin.Mint("WSTETH", "alice", wad.MustParse("1"))

	rec := doRequest(t, srv, http.MethodPost, "/v1/admin/pause", "alice", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("pause by non-admin: status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/admin/pause", "admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status = %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/positions/open", "alice",
		`{"deposit":"1","leverage":"2"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("open while paused: status = %d, want 503", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/admin/unpause", "admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unpause: status = %d", rec.Code)
	}
}

func TestAdminRateRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/admin/rate", "admin", `{"rate":"1.25"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/admin/rate", "admin", `{"rate":"-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative rate: status = %d, want 400", rec.Code)
	}
}

func TestOperationsRouteWithoutAudit(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/positions/alice/operations", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when audit log is not configured", rec.Code)
	}
}
