package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stablevault/core/events"
	"stablevault/gateway/middleware"
	"stablevault/native/dsc"
	"stablevault/native/token"
	"stablevault/services/oracle"
	"stablevault/services/oracle/storage"
	"stablevault/state/vault"
	ledgerdb "stablevault/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	wethAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type harness struct {
	handler  http.Handler
	weth     *token.Ledger
	dsc      *token.Ledger
	prices   *oracle.Manager
	vault    *vault.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.Open("file:dscd_" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	prices, err := oracle.New(store, nil, []oracle.Feed{{ID: "ETH/USD", Decimals: 8}}, time.Minute, time.Hour, 1, oracle.WithLogger(quiet))
	require.NoError(t, err)
	_, err = prices.Post(ctx, "ETH/USD", decimal.NewFromInt(2000), "test")
	require.NoError(t, err)
	adapter, err := oracle.NewAdapter(store, oracle.WithMaxAge(time.Hour))
	require.NoError(t, err)

	weth := token.NewLedger("WETH", 18, common.Address{})
	debt := token.NewLedger("DSC", 18, engineAddr)
	ledgers, err := vault.Open(ledgerdb.NewMemDB())
	require.NoError(t, err)
	ledgers.TrackTokens(debt, weth)
	buffer := events.NewBuffer(32)
	engine, err := dsc.NewEngine(dsc.Config{
		Address: engineAddr,
		Assets: []dsc.AssetConfig{
			{Asset: wethAddr, FeedID: "ETH/USD", Decimals: 18, Token: weth.Caller(engineAddr)},
		},
		DebtToken: debt.Caller(engineAddr),
		Oracle:    adapter,
	}, dsc.WithEmitter(buffer), dsc.WithLedgerStore(ledgers), dsc.WithLogger(quiet))
	require.NoError(t, err)

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testSecret, Issuer: "dscd"}, quiet)
	require.NoError(t, err)

	srv, err := New(Config{ListenAddress: ":0"}, Runtime{
		Engine:        engine,
		Assets:        []Asset{{Symbol: "weth", Address: wethAddr, Feed: "ETH/USD", Ledger: weth}},
		Debt:          debt,
		Prices:        prices,
		Events:        buffer,
		Authenticator: auth,
		Logger:        quiet,
	})
	require.NoError(t, err)
	return &harness{handler: srv.Handler(), weth: weth, dsc: debt, prices: prices, vault: ledgers}
}

func bearer(t *testing.T, account common.Address, scopes ...string) string {
	t.Helper()
	tok, err := middleware.SignToken(testSecret, "dscd", account.Hex(), nil, scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, body, tok string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	var payload map[string]any
	if res.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload), res.Body.String())
	}
	return res, payload
}

// status is do without assertions, for use off the test goroutine.
func (h *harness) status(method, path, body, tok string) int {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res.Code
}

// fund credits WETH and approves the engine on both tokens through the API.
func (h *harness) fund(t *testing.T, account common.Address, weth string) string {
	t.Helper()
	amount, err := token.ParseUnits(weth, 18)
	require.NoError(t, err)
	require.NoError(t, h.weth.Credit(account, amount))
	tok := bearer(t, account, middleware.ScopeAccount)
	for _, symbol := range []string{"WETH", "DSC"} {
		res, _ := h.do(t, http.MethodPost, "/v1/tokens/approve", `{"token":"`+symbol+`","amount":"max"}`, tok)
		require.Equal(t, http.StatusOK, res.Code)
	}
	return tok
}

func TestPositionLifecycle(t *testing.T) {
	h := newHarness(t)
	tok := h.fund(t, alice, "10")

	res, body := h.do(t, http.MethodPost, "/v1/positions/open", `{"asset":"WETH","collateral":"10","debt":"5000"}`, tok)
	require.Equal(t, http.StatusOK, res.Code, body)
	require.Equal(t, "5000", body["debt"])

	res, body = h.do(t, http.MethodGet, "/v1/accounts/"+alice.Hex(), "", "")
	require.Equal(t, http.StatusOK, res.Code, body)
	require.Equal(t, "20000", body["collateral_usd"])
	require.Equal(t, "2", body["health_factor"])
	require.Equal(t, true, body["healthy"])

	res, body = h.do(t, http.MethodPost, "/v1/debt/mint", `{"amount":"5001"}`, tok)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, "health_factor_broken", body["error"])

	res, body = h.do(t, http.MethodPost, "/v1/debt/burn", `{"amount":"1000"}`, tok)
	require.Equal(t, http.StatusOK, res.Code, body)
	require.Equal(t, "4000", body["debt"])

	res, body = h.do(t, http.MethodPost, "/v1/positions/close", `{"asset":"WETH","collateral":"2","debt":"1000"}`, tok)
	require.Equal(t, http.StatusOK, res.Code, body)
	require.Equal(t, "3000", body["debt"])
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	require.Equal(t, "8", positions[0].(map[string]any)["amount"])

	res, body = h.do(t, http.MethodGet, "/v1/tokens/weth/balances/"+alice.Hex(), "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "2", body["balance"])

	res, body = h.do(t, http.MethodGet, "/v1/events?limit=3", "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, body["events"].([]any), 3)

	saved, err := h.vault.LoadTokenBalances("DSC")
	require.NoError(t, err)
	require.True(t, saved[alice].Eq(h.dsc.BalanceOf(alice)))
	saved, err = h.vault.LoadTokenBalances("WETH")
	require.NoError(t, err)
	require.True(t, saved[alice].Eq(h.weth.BalanceOf(alice)))
}

func TestLiquidationEndpoint(t *testing.T) {
	h := newHarness(t)
	aliceTok := h.fund(t, alice, "10")
	bobTok := h.fund(t, bob, "20")

	res, body := h.do(t, http.MethodPost, "/v1/positions/open", `{"asset":"WETH","collateral":"10","debt":"9000"}`, aliceTok)
	require.Equal(t, http.StatusOK, res.Code, body)
	res, body = h.do(t, http.MethodPost, "/v1/positions/open", `{"asset":"WETH","collateral":"20","debt":"4000"}`, bobTok)
	require.Equal(t, http.StatusOK, res.Code, body)

	liquidation := `{"asset":"WETH","defaulter":"` + alice.Hex() + `","debt_to_cover":"4000"}`
	res, body = h.do(t, http.MethodPost, "/v1/liquidations", liquidation, bobTok)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, "health_factor_ok", body["error"])

	oracleTok := bearer(t, bob, middleware.ScopeOracle)
	res, body = h.do(t, http.MethodPost, "/v1/oracle/prices", `{"asset":"weth","price":"1500"}`, oracleTok)
	require.Equal(t, http.StatusOK, res.Code, body)
	require.Equal(t, "150000000000", body["answer"])

	res, body = h.do(t, http.MethodPost, "/v1/liquidations", liquidation, bobTok)
	require.Equal(t, http.StatusOK, res.Code, body)
	require.Equal(t, "2.933333333333333332", body["seized"])
	require.Equal(t, "0.833333333333333333", body["health_before"])
	require.Equal(t, "1.06", body["health_after"])

	res, body = h.do(t, http.MethodGet, "/v1/accounts/"+alice.Hex(), "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "5000", body["debt"])
	require.Equal(t, "2.933333333333333332", token.FormatUnits(h.weth.BalanceOf(bob), 18))
}

func TestAuthAndValidation(t *testing.T) {
	h := newHarness(t)
	tok := h.fund(t, alice, "1")

	res, _ := h.do(t, http.MethodPost, "/v1/collateral/deposit", `{"asset":"WETH","amount":"1"}`, "")
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res, _ = h.do(t, http.MethodPost, "/v1/oracle/prices", `{"feed":"ETH/USD","price":"1"}`, tok)
	require.Equal(t, http.StatusForbidden, res.Code)

	res, body := h.do(t, http.MethodPost, "/v1/collateral/deposit", `{"asset":"WETH","amount":"abc"}`, tok)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "invalid_amount", body["error"])

	res, body = h.do(t, http.MethodPost, "/v1/collateral/deposit", `{"asset":"WETH","amount":"0"}`, tok)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "invalid_amount", body["error"])

	res, body = h.do(t, http.MethodPost, "/v1/collateral/deposit", `{"asset":"DOGE","amount":"1"}`, tok)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "unsupported_asset", body["error"])

	res, body = h.do(t, http.MethodPost, "/v1/collateral/deposit", `{"asset":"WETH","amount":"1","extra":true}`, tok)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "invalid_payload", body["error"])

	res, body = h.do(t, http.MethodPost, "/v1/collateral/redeem", `{"asset":"WETH","amount":"1"}`, tok)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, "insufficient_balance", body["error"])

	oracleTok := bearer(t, alice, middleware.ScopeOracle)
	res, body = h.do(t, http.MethodPost, "/v1/oracle/prices", `{"feed":"BTC/USD","price":"1"}`, oracleTok)
	require.Equal(t, http.StatusNotFound, res.Code)
	require.Equal(t, "unknown_feed", body["error"])
	res, body = h.do(t, http.MethodPost, "/v1/oracle/prices", `{"feed":"ETH/USD","price":"-1"}`, oracleTok)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "invalid_price", body["error"])

	res, _ = h.do(t, http.MethodGet, "/v1/accounts/not-an-address", "", "")
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestQueries(t *testing.T) {
	h := newHarness(t)

	res, body := h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", body["status"])

	res, body = h.do(t, http.MethodGet, "/v1/params", "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "1", body["min_health_factor"])
	require.Equal(t, "DSC", body["debt_token"])

	res, body = h.do(t, http.MethodGet, "/v1/prices/WETH/usd?amount=1.5", "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "3000", body["usd"])

	res, body = h.do(t, http.MethodGet, "/v1/prices/"+wethAddr.Hex()+"/usd?usd=100", "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "0.05", body["amount"])

	res, body = h.do(t, http.MethodGet, "/v1/assets", "", "")
	require.Equal(t, http.StatusOK, res.Code)
	assets := body["assets"].([]any)
	require.Len(t, assets, 1)
	require.Equal(t, "WETH", assets[0].(map[string]any)["symbol"])

	res, body = h.do(t, http.MethodGet, "/v1/accounts/"+bob.Hex(), "", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "inf", body["health_factor"])
}

func TestStalePriceIsUnavailable(t *testing.T) {
	h := newHarness(t)
	tok := h.fund(t, alice, "1")
	res, _ := h.do(t, http.MethodPost, "/v1/collateral/deposit", `{"asset":"WETH","amount":"1"}`, tok)
	require.Equal(t, http.StatusOK, res.Code)

	// A round answered before the adapter's one-hour window.
	stale := oracle.WithManagerClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	stale(h.prices)
	_, err := h.prices.Post(context.Background(), "ETH/USD", decimal.NewFromInt(2000), "test")
	require.NoError(t, err)

	res, body := h.do(t, http.MethodPost, "/v1/debt/mint", `{"amount":"1"}`, tok)
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	require.Equal(t, "stale_price", body["error"])
}

func TestConcurrentRequestsAreSerialised(t *testing.T) {
	h := newHarness(t)
	tok := h.fund(t, alice, "10")

	var wg sync.WaitGroup
	codes := make(chan int, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			codes <- h.status(http.MethodPost, "/v1/collateral/deposit", `{"asset":"WETH","amount":"0.1"}`, tok)
		}()
		go func() {
			defer wg.Done()
			codes <- h.status(http.MethodGet, "/v1/accounts/"+alice.Hex(), "", "")
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		require.Equal(t, http.StatusOK, code)
	}
	require.Equal(t, "8", token.FormatUnits(h.weth.BalanceOf(alice), 18))
}
