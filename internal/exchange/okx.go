package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autotrade-core/internal/errkind"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

// OKXConfig configures an OKXClient. SymbolMap translates a logical
// symbol (e.g. "BTCUSDT") to the venue's instrument ID (e.g.
// "BTC-USDT-SWAP"); a symbol missing from the map is sent upper-cased
// and otherwise unchanged.
type OKXConfig struct {
	APIKey      string
	SecretKey   string
	Passphrase  string
	BaseURL     string
	DemoMode    bool
	SymbolMap   map[string]string
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
}

// OKXClient is a REST wrapper around the OKX trading API. It serializes
// every call through a mutex the way the original's asyncio.Lock does,
// so the retry loop never races two in-flight requests against the
// same nonce, and shapes outbound calls with a token-bucket limiter
// rather than OKX's own endpoint-weight accounting.
type OKXClient struct {
	cfg        OKXConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logging.Logger
	mu         sync.Mutex

	execMu     sync.Mutex
	executions []executionRecord

	latencyMu sync.Mutex
	latencies []float64
}

type executionRecord struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity float64
	Price    float64
}

const maxRecordedExecutions = 1000

// NewOKXClient builds a client against cfg.BaseURL. When cfg.DemoMode is
// set, every signed request carries the `x-simulated-trading: 1` header
// OKX's demo-trading environment requires; unsigned public GETs do not.
func NewOKXClient(cfg OKXConfig, log *logging.Logger) *OKXClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &OKXClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		log:        log.WithComponent("okx_client"),
	}
}

var _ Client = (*OKXClient)(nil)

// resolveInstID maps a logical symbol to the venue's instrument ID via
// the configured SymbolMap; an unmapped symbol is returned upper-cased
// and otherwise unchanged (e.g. btc-usdt -> BTC-USDT).
func (c *OKXClient) resolveInstID(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if id, ok := c.cfg.SymbolMap[symbol]; ok {
		return id
	}
	return symbol
}

func (c *OKXClient) PlaceOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (Order, error) {
	instID := c.resolveInstID(symbol)
	body := map[string]interface{}{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    string(side),
		"ordType": "market",
		"sz":      formatQty(quantity),
	}
	var raw okxOrderResponse
	if err := c.callWithRetries(ctx, "placeOrder", func(ctx context.Context) error {
		return c.signedRequest(ctx, http.MethodPost, "/api/v5/trade/order", body, &raw)
	}); err != nil {
		return Order{}, err
	}
	order := orderFromOKX(symbol, side, quantity, raw)
	c.recordExecution(order, side, quantity)
	return order, nil
}

func (c *OKXClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	instID := c.resolveInstID(symbol)
	body := map[string]interface{}{"instId": instID, "ordId": orderID}
	var raw okxOrderResponse
	return c.callWithRetries(ctx, "cancelOrder", func(ctx context.Context) error {
		return c.signedRequest(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, &raw)
	})
}

func (c *OKXClient) ModifyOrder(ctx context.Context, symbol, orderID string, quantity, price float64) (Order, error) {
	instID := c.resolveInstID(symbol)
	body := map[string]interface{}{"instId": instID, "ordId": orderID}
	if quantity > 0 {
		body["newSz"] = formatQty(quantity)
	}
	if price > 0 {
		body["newPx"] = formatQty(price)
	}
	var raw okxOrderResponse
	if err := c.callWithRetries(ctx, "modifyOrder", func(ctx context.Context) error {
		return c.signedRequest(ctx, http.MethodPost, "/api/v5/trade/amend-order", body, &raw)
	}); err != nil {
		return Order{}, err
	}
	return orderFromOKX(symbol, SideBuy, quantity, raw), nil
}

func (c *OKXClient) FetchOrder(ctx context.Context, symbol, orderID string) (Order, error) {
	instID := c.resolveInstID(symbol)
	var raw okxOrderResponse
	if err := c.callWithRetries(ctx, "fetchOrder", func(ctx context.Context) error {
		return c.signedGet(ctx, "/api/v5/trade/order", map[string]string{"instId": instID, "ordId": orderID}, &raw)
	}); err != nil {
		return Order{}, err
	}
	return orderFromOKX(symbol, SideBuy, 0, raw), nil
}

func (c *OKXClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	instID := c.resolveInstID(symbol)
	var raw okxOrderListResponse
	if err := c.callWithRetries(ctx, "fetchOpenOrders", func(ctx context.Context) error {
		return c.signedGet(ctx, "/api/v5/trade/orders-pending", map[string]string{"instId": instID}, &raw)
	}); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(raw.Data))
	for _, r := range raw.Data {
		out = append(out, orderFromOKX(symbol, SideBuy, 0, okxOrderResponse{Data: []okxOrderData{r}}))
	}
	return out, nil
}

func (c *OKXClient) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	var raw okxBalanceResponse
	if err := c.callWithRetries(ctx, "fetchBalance", func(ctx context.Context) error {
		return c.signedGet(ctx, "/api/v5/account/balance", nil, &raw)
	}); err != nil {
		return nil, err
	}
	out := make(map[string]Balance)
	for _, acct := range raw.Data {
		for _, d := range acct.Details {
			out[d.Ccy] = Balance{
				Currency: d.Ccy,
				Free:     parseFloatOrZero(d.AvailBal),
				Total:    parseFloatOrZero(d.Eq),
			}
		}
	}
	return out, nil
}

func (c *OKXClient) FetchPositions(ctx context.Context) ([]PositionInfo, error) {
	var raw okxPositionsResponse
	if err := c.callWithRetries(ctx, "fetchPositions", func(ctx context.Context) error {
		return c.signedGet(ctx, "/api/v5/account/positions", nil, &raw)
	}); err != nil {
		return nil, err
	}
	out := make([]PositionInfo, 0, len(raw.Data))
	for _, p := range raw.Data {
		side := SideBuy
		if strings.EqualFold(p.PosSide, "short") {
			side = SideSell
		}
		out = append(out, PositionInfo{
			Symbol:        p.InstID,
			Side:          side,
			Quantity:      parseFloatOrZero(p.Pos),
			EntryPrice:    parseFloatOrZero(p.AvgPx),
			MarkPrice:     parseFloatOrZero(p.MarkPx),
			UnrealizedPnL: parseFloatOrZero(p.Upl),
		})
	}
	return out, nil
}

func (c *OKXClient) FetchTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	instID := c.resolveInstID(symbol)
	params := map[string]string{"instId": instID}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var raw okxFillsResponse
	if err := c.callWithRetries(ctx, "fetchTradeHistory", func(ctx context.Context) error {
		return c.signedGet(ctx, "/api/v5/trade/fills", params, &raw)
	}); err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(raw.Data))
	for _, f := range raw.Data {
		side := SideBuy
		if strings.EqualFold(f.Side, "sell") {
			side = SideSell
		}
		ts, _ := strconv.ParseInt(f.Ts, 10, 64)
		out = append(out, Trade{
			OrderID:   f.OrdID,
			Symbol:    symbol,
			Side:      side,
			Price:     parseFloatOrZero(f.FillPx),
			Quantity:  parseFloatOrZero(f.FillSz),
			Timestamp: time.UnixMilli(ts),
		})
	}
	return out, nil
}

func (c *OKXClient) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	instID := c.resolveInstID(symbol)
	var raw okxTickerResponse
	if err := c.callWithRetries(ctx, "fetchTicker", func(ctx context.Context) error {
		return c.unsignedGet(ctx, "/api/v5/market/ticker", map[string]string{"instId": instID}, &raw)
	}); err != nil {
		return 0, err
	}
	if len(raw.Data) == 0 {
		return 0, errkind.New(errkind.TransientIOError, "okx.FetchTicker", "empty ticker response for "+instID)
	}
	return parseFloatOrZero(raw.Data[0].Last), nil
}

// okxTimeframeBar maps a candle interval in seconds to OKX's "bar"
// query parameter.
func okxTimeframeBar(timeframeSeconds int) string {
	switch {
	case timeframeSeconds <= 60:
		return "1m"
	case timeframeSeconds <= 300:
		return "5m"
	case timeframeSeconds <= 900:
		return "15m"
	case timeframeSeconds <= 3600:
		return "1H"
	case timeframeSeconds <= 14400:
		return "4H"
	default:
		return "1D"
	}
}

// FetchCandles retrieves recent OHLCV bars for symbol at the given
// timeframe, newest-first from OKX, returned oldest-first to match
// indicators.BuildSnapshot's expected ordering.
func (c *OKXClient) FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error) {
	instID := c.resolveInstID(symbol)
	params := map[string]string{
		"instId": instID,
		"bar":    okxTimeframeBar(timeframeSeconds),
		"limit":  strconv.Itoa(limit),
	}
	var raw okxCandlesResponse
	if err := c.callWithRetries(ctx, "fetchCandles", func(ctx context.Context) error {
		return c.unsignedGet(ctx, "/api/v5/market/candles", params, &raw)
	}); err != nil {
		return nil, err
	}
	candles := make([]types.Candle, 0, len(raw.Data))
	for _, row := range raw.Data {
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, types.Candle{
			OpenTime: time.UnixMilli(ts),
			Open:     parseFloatOrZero(row[1]),
			High:     parseFloatOrZero(row[2]),
			Low:      parseFloatOrZero(row[3]),
			Close:    parseFloatOrZero(row[4]),
			Volume:   parseFloatOrZero(row[5]),
		})
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// FetchFundingRate retrieves the current funding rate and open interest
// for a perpetual-swap instrument.
func (c *OKXClient) FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error) {
	instID := c.resolveInstID(symbol)
	var raw okxFundingResponse
	if err := c.callWithRetries(ctx, "fetchFundingRate", func(ctx context.Context) error {
		return c.unsignedGet(ctx, "/api/v5/public/funding-rate", map[string]string{"instId": instID}, &raw)
	}); err != nil {
		return types.DerivativesSnapshot{}, err
	}
	snapshot := types.DerivativesSnapshot{Symbol: symbol, ComputedAt: time.Now().UTC()}
	if len(raw.Data) > 0 {
		d := raw.Data[0]
		snapshot.FundingRate = parseFloatOrZero(d.FundingRate)
		if ms, err := strconv.ParseInt(d.NextFundingTime, 10, 64); err == nil {
			snapshot.NextFundingTime = time.UnixMilli(ms)
		}
	}
	return snapshot, nil
}

// GetLatencyStats returns the mean and p99 of recorded order-placement
// latencies in milliseconds, or false if none have been recorded yet.
func (c *OKXClient) GetLatencyStats() (mean, p99 float64, ok bool) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	if len(c.latencies) == 0 {
		return 0, 0, false
	}
	sorted := append([]float64(nil), c.latencies...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	idx := int(float64(len(sorted))*0.99) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sum / float64(len(sorted)), sorted[idx], true
}

// RecentExecutions returns a copy of the last recorded order payloads,
// capped at maxRecordedExecutions entries.
func (c *OKXClient) RecentExecutions() []executionRecord {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	out := make([]executionRecord, len(c.executions))
	copy(out, c.executions)
	return out
}

func (c *OKXClient) recordExecution(order Order, side OrderSide, quantity float64) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	c.executions = append(c.executions, executionRecord{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     side,
		Quantity: quantity,
		Price:    order.FillPrice(),
	})
	if len(c.executions) > maxRecordedExecutions {
		c.executions = c.executions[len(c.executions)-maxRecordedExecutions:]
	}
}

// callWithRetries serializes calls behind the client mutex and retries
// transient failures with jittered exponential backoff, mirroring the
// original client's asyncio.Lock-guarded retry loop.
func (c *OKXClient) callWithRetries(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := c.cfg.BaseBackoff
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxBackoff := c.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return errkind.Wrap(errkind.TransientIOError, "okx."+label, "rate limiter wait canceled", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		c.mu.Lock()
		started := time.Now()
		err := fn(ctx)
		c.mu.Unlock()
		if label == "placeOrder" {
			c.latencyMu.Lock()
			c.latencies = append(c.latencies, float64(time.Since(started).Microseconds())/1000.0)
			c.latencyMu.Unlock()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !errkind.Is(err, errkind.TransientIOError) {
			return err
		}
		if attempt >= maxRetries {
			break
		}
		jitter := 0.5 + float64(attempt)*0.1
		sleepFor := time.Duration(float64(delay) * jitter)
		if sleepFor > maxBackoff {
			sleepFor = maxBackoff
		}
		c.log.WithField("attempt", attempt).WithField("label", label).WithError(lastErr).Warn("okx call failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	return errkind.Wrap(errkind.FatalExchangeError, "okx."+label, "exceeded retries for "+label, lastErr)
}

func (c *OKXClient) signedRequest(ctx context.Context, method, path string, body map[string]interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errkind.Wrap(errkind.ValidationError, "okx.signedRequest", "failed to marshal request body", err)
		}
	}
	return c.doSigned(ctx, method, path, payload, out)
}

func (c *OKXClient) signedGet(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if len(params) > 0 {
		path += "?" + encodeQuery(params)
	}
	return c.doSigned(ctx, http.MethodGet, path, nil, out)
}

func (c *OKXClient) unsignedGet(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if len(params) > 0 {
		path += "?" + encodeQuery(params)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return errkind.Wrap(errkind.TransientIOError, "okx.unsignedGet", "failed to build request", err)
	}
	return c.do(req, out)
}

// doSigned builds and signs an OKX v5 request using HMAC-SHA256 over
// timestamp+method+requestPath+body, base64-encoded into OK-ACCESS-SIGN.
func (c *OKXClient) doSigned(ctx context.Context, method, path string, body []byte, out interface{}) error {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	prehash := timestamp + method + path + string(body)
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(prehash))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return errkind.Wrap(errkind.TransientIOError, "okx.doSigned", "failed to build request", err)
	}
	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sign)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.DemoMode {
		req.Header.Set("x-simulated-trading", "1")
	}
	return c.do(req, out)
}

func (c *OKXClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.TransientIOError, "okx.do", "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.Wrap(errkind.TransientIOError, "okx.do", "failed to read response body", err)
	}
	if resp.StatusCode >= 500 {
		return errkind.New(errkind.TransientIOError, "okx.do", fmt.Sprintf("server error %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		return errkind.New(errkind.FatalExchangeError, "okx.do", fmt.Sprintf("client error %d: %s", resp.StatusCode, respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errkind.Wrap(errkind.ValidationError, "okx.do", "failed to parse response", err)
	}
	return nil
}

func encodeQuery(params map[string]string) string {
	var sb strings.Builder
	first := true
	for k, v := range params {
		if !first {
			sb.WriteByte('&')
		}
		first = false
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
	}
	return sb.String()
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// okxOrderData is one entry of the OKX v5 "data" array for order
// endpoints.
type okxOrderData struct {
	OrdID   string `json:"ordId"`
	InstID  string `json:"instId"`
	Px      string `json:"px"`
	AvgPx   string `json:"avgPx"`
	FillPx  string `json:"fillPx"`
	Sz      string `json:"sz"`
	State   string `json:"state"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type okxOrderResponse struct {
	Code string         `json:"code"`
	Msg  string         `json:"msg"`
	Data []okxOrderData `json:"data"`
}

type okxOrderListResponse struct {
	Code string         `json:"code"`
	Data []okxOrderData `json:"data"`
}

type okxBalanceDetail struct {
	Ccy      string `json:"ccy"`
	AvailBal string `json:"availBal"`
	Eq       string `json:"eq"`
}

type okxBalanceAccount struct {
	Details []okxBalanceDetail `json:"details"`
}

type okxBalanceResponse struct {
	Data []okxBalanceAccount `json:"data"`
}

type okxPositionData struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	MarkPx  string `json:"markPx"`
	Upl     string `json:"upl"`
}

type okxPositionsResponse struct {
	Data []okxPositionData `json:"data"`
}

type okxFillData struct {
	OrdID  string `json:"ordId"`
	Side   string `json:"side"`
	FillPx string `json:"fillPx"`
	FillSz string `json:"fillSz"`
	Ts     string `json:"ts"`
}

type okxFillsResponse struct {
	Data []okxFillData `json:"data"`
}

type okxTickerData struct {
	Last string `json:"last"`
}

type okxTickerResponse struct {
	Data []okxTickerData `json:"data"`
}

// okxCandlesResponse carries each candle as an array of strings, per
// OKX's wire format: [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
type okxCandlesResponse struct {
	Data [][]string `json:"data"`
}

type okxFundingData struct {
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type okxFundingResponse struct {
	Data []okxFundingData `json:"data"`
}

// orderFromOKX maps the venue's order payload onto the CCXT-style Order
// type, preferring the first data entry when present.
func orderFromOKX(logicalSymbol string, side OrderSide, quantity float64, raw okxOrderResponse) Order {
	order := Order{
		Symbol:    logicalSymbol,
		Side:      side,
		Quantity:  quantity,
		CreatedAt: time.Now().UTC(),
	}
	if len(raw.Data) == 0 {
		order.Status = StatusError
		return order
	}
	d := raw.Data[0]
	order.ID = d.OrdID
	order.InfoState = d.State
	order.InfoAvgPx = parseFloatOrZero(d.AvgPx)
	order.InfoFillPx = parseFloatOrZero(d.FillPx)
	order.InfoPx = parseFloatOrZero(d.Px)
	if d.SCode != "" && d.SCode != "0" {
		order.Status = StatusRejected
		return order
	}
	switch strings.ToLower(d.State) {
	case "filled":
		order.Status = StatusFilled
	case "canceled", "cancelled":
		order.Status = StatusCanceled
	case "", "live", "partially_filled":
		order.Status = StatusOpen
	default:
		order.Status = StatusOpen
	}
	return order
}
