// Package kraken implements the exchange capability interface against the
// Kraken REST API.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/pkg/config"
)

const defaultBaseURL = "https://api.kraken.com"

// Client is a Kraken REST client implementing exchange.Exchange.
type Client struct {
	apiKey    string
	apiSecret []byte // decoded
	baseURL   string

	httpClient *http.Client

	// ordermin per pair, AssetPairs is static enough to cache forever
	minSizeMu sync.RWMutex
	minSizes  map[string]decimal.Decimal
}

// NewClient creates a new Kraken client. The API secret is base64 as issued
// by Kraken.
func NewClient(cfg config.KrakenConfig) (*Client, error) {
	secret, err := base64.StdEncoding.DecodeString(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decode kraken api secret: %w", err)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  secret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		minSizes:   map[string]decimal.Decimal{},
	}, nil
}

// Name identifies the exchange for dedup keys.
func (c *Client) Name() string { return "kraken" }

// BaseAsset returns the base asset code for an engine pair like XBT/USD.
func (c *Client) BaseAsset(pair string) string {
	if i := strings.IndexByte(pair, '/'); i > 0 {
		return pair[:i]
	}
	return pair
}

// requestPair converts an engine pair (XBT/USD) to the request form (XBTUSD).
func requestPair(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// sign builds the API-Sign header: HMAC-SHA512 of the URI path plus
// SHA256(nonce + POST data), keyed with the decoded secret.
func (c *Client) sign(path, nonce, body string) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, c.apiSecret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// krakenEnvelope is the common response wrapper.
type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// public issues an unauthenticated GET and unwraps the envelope.
func (c *Client) public(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	reqURL := c.baseURL + "/0/public/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

// private issues a signed POST and unwraps the envelope.
func (c *Client) private(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(time.Now().UnixMicro(), 10)
	params.Set("nonce", nonce)
	body := params.Encode()

	path := "/0/private/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", c.sign(path, nonce, body))
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kraken api error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var env krakenEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(env.Error) > 0 {
		return nil, fmt.Errorf("kraken api error: %s", strings.Join(env.Error, ", "))
	}
	return env.Result, nil
}

// tickerInfo is the Ticker endpoint payload per pair. Kraken reports
// price/volume tuples as string arrays.
type tickerInfo struct {
	Ask  []string `json:"a"` // price, whole lot volume, lot volume
	Bid  []string `json:"b"`
	Last []string `json:"c"` // price, lot volume
}

// GetTicker fetches the current ticker for a pair.
func (c *Client) GetTicker(ctx context.Context, pair string) (*exchange.Ticker, error) {
	params := url.Values{"pair": {requestPair(pair)}}
	raw, err := c.public(ctx, "Ticker", params)
	if err != nil {
		return nil, fmt.Errorf("ticker %s: %w", pair, err)
	}

	// The result is keyed by Kraken's own pair name (e.g. XXBTZUSD).
	var result map[string]tickerInfo
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal ticker %s: %w", pair, err)
	}

	for _, info := range result {
		t := &exchange.Ticker{Pair: pair, TS: time.Now()}
		if t.Last, err = firstDecimal(info.Last); err != nil {
			return nil, fmt.Errorf("ticker %s last: %w", pair, err)
		}
		if t.Bid, err = firstDecimal(info.Bid); err != nil {
			return nil, fmt.Errorf("ticker %s bid: %w", pair, err)
		}
		if t.Ask, err = firstDecimal(info.Ask); err != nil {
			return nil, fmt.Errorf("ticker %s ask: %w", pair, err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("ticker %s: empty result", pair)
}

func firstDecimal(tuple []string) (decimal.Decimal, error) {
	if len(tuple) == 0 {
		return decimal.Zero, fmt.Errorf("empty tuple")
	}
	return decimal.NewFromString(tuple[0])
}

// GetBalance fetches the account balance, with Kraken's legacy asset prefixes
// (XXBT, ZUSD) stripped to plain codes.
func (c *Client) GetBalance(ctx context.Context) (exchange.Balance, error) {
	raw, err := c.private(ctx, "Balance", nil)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}

	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal balance: %w", err)
	}

	balance := exchange.Balance{}
	for asset, amount := range result {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", asset, err)
		}
		balance[normalizeAsset(asset)] = d
	}
	return balance, nil
}

// normalizeAsset strips Kraken's X/Z prefix from legacy 4-letter codes.
func normalizeAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		return asset[1:]
	}
	return asset
}

// orderInfo is the QueryOrders payload per order.
type orderInfo struct {
	Status  string  `json:"status"`
	OpenTM  float64 `json:"opentm"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Cost    string  `json:"cost"`
	Fee     string  `json:"fee"`
	Price   string  `json:"price"` // average execution price
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

// GetOrder fetches one order by transaction ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	params := url.Values{"txid": {orderID}}
	raw, err := c.private(ctx, "QueryOrders", params)
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", orderID, err)
	}

	var result map[string]orderInfo
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", orderID, err)
	}
	info, ok := result[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}

	order := &exchange.Order{
		OrderID:  orderID,
		Pair:     info.Descr.Pair,
		Side:     info.Descr.Type,
		Type:     info.Descr.OrderType,
		Status:   mapOrderStatus(info.Status),
		OpenedAt: time.Unix(int64(info.OpenTM), 0),
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&order.Volume, info.Vol},
		{&order.VolumeExec, info.VolExec},
		{&order.Cost, info.Cost},
		{&order.Fee, info.Fee},
		{&order.AvgPrice, info.Price},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("parse order %s: %w", orderID, err)
		}
	}
	return order, nil
}

func mapOrderStatus(status string) string {
	switch status {
	case "pending", "open":
		return exchange.OrderStatusOpen
	case "closed":
		return exchange.OrderStatusClosed
	case "canceled":
		return exchange.OrderStatusCanceled
	case "expired":
		return exchange.OrderStatusExpired
	}
	return status
}

// tradeInfo is the TradesHistory payload per trade.
type tradeInfo struct {
	OrderTxID string  `json:"ordertxid"`
	Pair      string  `json:"pair"`
	Time      float64 `json:"time"`
	Type      string  `json:"type"`
	Price     string  `json:"price"`
	Cost      string  `json:"cost"`
	Fee       string  `json:"fee"`
	Vol       string  `json:"vol"`
}

type tradesHistoryResult struct {
	Trades map[string]tradeInfo `json:"trades"`
}

// GetFills fetches recent trades. Kraken has no per-order trade query, so an
// OrderID filter fetches recent history and filters client side.
func (c *Client) GetFills(ctx context.Context, filter exchange.FillFilter) ([]*exchange.Fill, error) {
	params := url.Values{}
	since := filter.Since
	if filter.OrderID != "" && since.IsZero() {
		since = time.Now().Add(-time.Hour)
	}
	if !since.IsZero() {
		params.Set("start", strconv.FormatInt(since.Unix(), 10))
	}

	raw, err := c.private(ctx, "TradesHistory", params)
	if err != nil {
		return nil, fmt.Errorf("trades history: %w", err)
	}

	var result tradesHistoryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal trades history: %w", err)
	}

	wantPair := requestPair(filter.Pair)
	var fills []*exchange.Fill
	for txid, trade := range result.Trades {
		if filter.OrderID != "" && trade.OrderTxID != filter.OrderID {
			continue
		}
		if filter.Pair != "" && !pairMatches(trade.Pair, wantPair) {
			continue
		}
		f, err := convertTrade(txid, trade)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// pairMatches compares a trade's pair against the request form, tolerating
// Kraken's legacy prefixed names (XXBTZUSD for XBTUSD).
func pairMatches(tradePair, want string) bool {
	if tradePair == want {
		return true
	}
	return stripLegacy(tradePair) == stripLegacy(want)
}

// stripLegacy removes the X/Z asset prefixes from an 8-letter legacy pair.
func stripLegacy(pair string) string {
	if len(pair) == 8 && (pair[0] == 'X' || pair[0] == 'Z') && (pair[4] == 'X' || pair[4] == 'Z') {
		return pair[1:4] + pair[5:]
	}
	return pair
}

func convertTrade(txid string, trade tradeInfo) (*exchange.Fill, error) {
	f := &exchange.Fill{
		TxID:       txid,
		OrderID:    trade.OrderTxID,
		Pair:       trade.Pair,
		Side:       trade.Type,
		ExecutedAt: time.Unix(int64(trade.Time), 0),
	}
	var err error
	if f.Price, err = decimal.NewFromString(trade.Price); err != nil {
		return nil, fmt.Errorf("parse trade %s price: %w", txid, err)
	}
	if f.Amount, err = decimal.NewFromString(trade.Vol); err != nil {
		return nil, fmt.Errorf("parse trade %s volume: %w", txid, err)
	}
	if f.Cost, err = decimal.NewFromString(trade.Cost); err != nil {
		return nil, fmt.Errorf("parse trade %s cost: %w", txid, err)
	}
	if trade.Fee != "" {
		if f.Fee, err = decimal.NewFromString(trade.Fee); err != nil {
			return nil, fmt.Errorf("parse trade %s fee: %w", txid, err)
		}
	}
	return f, nil
}

type addOrderResult struct {
	TxID []string `json:"txid"`
}

// PlaceOrder submits a new order and returns it with the assigned txid.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	params := url.Values{
		"pair":      {requestPair(req.Pair)},
		"type":      {req.Side},
		"ordertype": {req.Type},
		"volume":    {req.Volume.String()},
	}
	if req.Type == exchange.OrderTypeLimit {
		params.Set("price", req.Price.String())
	}

	raw, err := c.private(ctx, "AddOrder", params)
	if err != nil {
		return nil, fmt.Errorf("add order %s %s: %w", req.Side, req.Pair, err)
	}

	var result addOrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal add order: %w", err)
	}
	if len(result.TxID) == 0 {
		return nil, fmt.Errorf("add order %s %s: no txid returned", req.Side, req.Pair)
	}

	return &exchange.Order{
		OrderID:  result.TxID[0],
		Pair:     req.Pair,
		Side:     req.Side,
		Type:     req.Type,
		Status:   exchange.OrderStatusOpen,
		Price:    req.Price,
		Volume:   req.Volume,
		OpenedAt: time.Now(),
	}, nil
}

type assetPairInfo struct {
	OrderMin string `json:"ordermin"`
}

// MinOrderSize fetches the exchange minimum order volume for a pair.
// Cached after the first lookup.
func (c *Client) MinOrderSize(ctx context.Context, pair string) (decimal.Decimal, error) {
	c.minSizeMu.RLock()
	if min, ok := c.minSizes[pair]; ok {
		c.minSizeMu.RUnlock()
		return min, nil
	}
	c.minSizeMu.RUnlock()

	params := url.Values{"pair": {requestPair(pair)}}
	raw, err := c.public(ctx, "AssetPairs", params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("asset pairs %s: %w", pair, err)
	}

	var result map[string]assetPairInfo
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Zero, fmt.Errorf("unmarshal asset pairs %s: %w", pair, err)
	}

	for _, info := range result {
		min, err := decimal.NewFromString(info.OrderMin)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse ordermin %s: %w", pair, err)
		}
		c.minSizeMu.Lock()
		c.minSizes[pair] = min
		c.minSizeMu.Unlock()
		return min, nil
	}
	return decimal.Zero, fmt.Errorf("asset pairs %s: empty result", pair)
}
