package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/runtimectl"
	"autotrade-core/internal/types"
)

type stubPort struct {
	portfolio *types.Portfolio
}

func (s *stubPort) Execute(ctx context.Context, decisions []types.DecisionPayload, snapshots map[string]float64) ([]string, error) {
	return nil, nil
}

func (s *stubPort) MarkToMarket(ctx context.Context, snapshots map[string]float64) error {
	return nil
}

func (s *stubPort) Portfolio() *types.Portfolio {
	return s.portfolio
}

func newTestServer() *Server {
	cfg := Config{
		Port:             8090,
		Host:             "127.0.0.1",
		AllowedOrigins:   "*",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		CronTriggerToken: "test-cron-token",
	}
	deps := Deps{
		PortfolioPort: &stubPort{portfolio: &types.Portfolio{StartingCash: 10000, Cash: 9000}},
		RuntimeCtl:    runtimectl.New(nil, types.ModeSimulator, nil, logging.Default()),
		Symbols:       []string{"BTC-USDT", "ETH-USDT"},
	}
	return NewServer(cfg, deps, logging.Default())
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestGetPortfolioReturnsCurrentState(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, basePath+"/portfolio", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var portfolio types.Portfolio
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &portfolio))
	assert.Equal(t, 9000.0, portfolio.Cash)
}

func TestRuntimeModeGetAndPatchRoundTrip(t *testing.T) {
	s := newTestServer()

	getReq := httptest.NewRequest(http.MethodGet, basePath+"/runtime-mode", nil)
	getW := httptest.NewRecorder()
	s.router.ServeHTTP(getW, getReq)
	assert.Equal(t, http.StatusOK, getW.Code)

	patchBody := strings.NewReader(`{"mode":"paper"}`)
	patchReq := httptest.NewRequest(http.MethodPatch, basePath+"/runtime-mode", patchBody)
	patchReq.Header.Set("Content-Type", "application/json")
	patchW := httptest.NewRecorder()
	s.router.ServeHTTP(patchW, patchReq)

	assert.Equal(t, http.StatusOK, patchW.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(patchW.Body.Bytes(), &body))
	assert.Equal(t, "paper", body["mode"])
}

func TestRuntimeModePatchRejectsUnknownMode(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPatch, basePath+"/runtime-mode", strings.NewReader(`{"mode":"bogus"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedulerCronTriggerRejectsBadToken(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, basePath+"/scheduler/cron-trigger", nil)
	req.Header.Set("x-cron-token", "wrong-token")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListDecisionsReturns503WithoutRepo(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, basePath+"/decisions?symbol=DOGE-USDT", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetDecisionReturns503WithoutRepo(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, basePath+"/decisions/run-123", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTracksSymbolMatchesConfiguredList(t *testing.T) {
	s := newTestServer()
	assert.True(t, s.tracksSymbol("BTC-USDT"))
	assert.False(t, s.tracksSymbol("DOGE-USDT"))
}
