package kraken

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/pkg/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(config.KrakenConfig{
		APIKey:    "test-key",
		APISecret: base64.StdEncoding.EncodeToString([]byte("test-secret")),
		BaseURL:   server.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGetTicker(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Ticker" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("pair"); got != "XBTUSD" {
			t.Errorf("Expected pair XBTUSD, got %s", got)
		}
		io.WriteString(w, `{"error":[],"result":{"XXBTZUSD":{
			"a":["100100.5","1","1.000"],
			"b":["100099.1","2","2.000"],
			"c":["100100.0","0.05"]}}}`)
	})

	ticker, err := c.GetTicker(context.Background(), "XBT/USD")
	if err != nil {
		t.Fatal(err)
	}
	if !ticker.Bid.Equal(decimal.NewFromFloat(100099.1)) {
		t.Errorf("Expected bid 100099.1, got %s", ticker.Bid)
	}
	if !ticker.Last.Equal(decimal.NewFromFloat(100100.0)) {
		t.Errorf("Expected last 100100.0, got %s", ticker.Last)
	}
	if ticker.Pair != "XBT/USD" {
		t.Errorf("Pair not preserved: %s", ticker.Pair)
	}
}

func TestGetBalanceNormalizesAssets(t *testing.T) {
	var capturedHeaders http.Header
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		capturedHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		values, err := url.ParseQuery(string(body))
		if err != nil || values.Get("nonce") == "" {
			t.Errorf("Expected form body with nonce, got %q", string(body))
		}
		io.WriteString(w, `{"error":[],"result":{"XXBT":"1.2345","ZUSD":"1500.00","DOT":"10"}}`)
	})

	balance, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if capturedHeaders.Get("API-Key") != "test-key" {
		t.Error("API-Key header missing")
	}
	if capturedHeaders.Get("API-Sign") == "" {
		t.Error("API-Sign header missing")
	}

	if !balance["XBT"].Equal(decimal.NewFromFloat(1.2345)) {
		t.Errorf("XXBT not normalized to XBT: %v", balance)
	}
	if !balance["USD"].Equal(decimal.NewFromInt(1500)) {
		t.Errorf("ZUSD not normalized to USD: %v", balance)
	}
	if !balance["DOT"].Equal(decimal.NewFromInt(10)) {
		t.Errorf("Plain asset code mangled: %v", balance)
	}
}

func TestGetFillsFiltersByOrder(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":[],"result":{"trades":{
			"TX-A":{"ordertxid":"ORD-1","pair":"XXBTZUSD","time":1756600000.1,"type":"sell","price":"100000.0","cost":"50000.0","fee":"130.0","vol":"0.5"},
			"TX-B":{"ordertxid":"ORD-2","pair":"XXBTZUSD","time":1756600001.2,"type":"buy","price":"99000.0","cost":"9900.0","fee":"25.0","vol":"0.1"}
		}}}`)
	})

	fills, err := c.GetFills(context.Background(), exchange.FillFilter{OrderID: "ORD-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 {
		t.Fatalf("Expected 1 fill for ORD-1, got %d", len(fills))
	}
	f := fills[0]
	if f.TxID != "TX-A" || f.Side != "sell" {
		t.Errorf("Wrong fill selected: %+v", f)
	}
	if !f.Amount.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("Expected amount 0.5, got %s", f.Amount)
	}
	if !f.Fee.Equal(decimal.NewFromInt(130)) {
		t.Errorf("Expected fee 130, got %s", f.Fee)
	}
}

func TestGetFillsFiltersByPair(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":[],"result":{"trades":{
			"TX-A":{"ordertxid":"ORD-1","pair":"XXBTZUSD","time":1756600000,"type":"sell","price":"100000","cost":"50000","fee":"130","vol":"0.5"},
			"TX-C":{"ordertxid":"ORD-3","pair":"SOLUSD","time":1756600002,"type":"sell","price":"200","cost":"2000","fee":"5","vol":"10"}
		}}}`)
	})

	fills, err := c.GetFills(context.Background(), exchange.FillFilter{Pair: "XBT/USD"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 || fills[0].TxID != "TX-A" {
		t.Fatalf("Expected only the XBT/USD fill, got %+v", fills)
	}
}

func TestPlaceOrder(t *testing.T) {
	var captured url.Values
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured, _ = url.ParseQuery(string(body))
		io.WriteString(w, `{"error":[],"result":{"txid":["ORD-NEW"],"descr":{"order":"sell 0.5 XBTUSD @ market"}}}`)
	})

	order, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XBT/USD",
		Side:   exchange.SideSell,
		Type:   exchange.OrderTypeMarket,
		Volume: decimal.NewFromFloat(0.5),
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.OrderID != "ORD-NEW" {
		t.Errorf("Expected ORD-NEW, got %s", order.OrderID)
	}
	if captured.Get("pair") != "XBTUSD" || captured.Get("type") != "sell" || captured.Get("ordertype") != "market" {
		t.Errorf("Wrong order params: %v", captured)
	}
	if captured.Get("price") != "" {
		t.Error("Market order must not carry a price")
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":["EOrder:Insufficient funds"],"result":null}`)
	})

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XBT/USD",
		Side:   exchange.SideSell,
		Type:   exchange.OrderTypeMarket,
		Volume: decimal.NewFromFloat(0.5),
	})
	if err == nil {
		t.Fatal("Expected API error")
	}
}

func TestMinOrderSizeCached(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{"error":[],"result":{"XXBTZUSD":{"ordermin":"0.0001"}}}`)
	})

	for i := 0; i < 3; i++ {
		min, err := c.MinOrderSize(context.Background(), "XBT/USD")
		if err != nil {
			t.Fatal(err)
		}
		if !min.Equal(decimal.NewFromFloat(0.0001)) {
			t.Errorf("Expected 0.0001, got %s", min)
		}
	}
	if calls != 1 {
		t.Errorf("Expected one AssetPairs call, got %d", calls)
	}
}

func TestStripLegacy(t *testing.T) {
	cases := map[string]string{
		"XXBTZUSD": "XBTUSD",
		"XBTUSD":   "XBTUSD",
		"SOLUSD":   "SOLUSD",
	}
	for in, want := range cases {
		if got := stripLegacy(in); got != want {
			t.Errorf("stripLegacy(%s) = %s, want %s", in, got, want)
		}
	}
}
