package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, mux *http.ServeMux) *APIClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewAPIClient(srv.URL, "DU123", 5, false)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestAPIClientConnect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"authenticated": true, "connected": true})
	})
	mux.HandleFunc("/iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"accounts": []string{"DU123"}})
	})
	c := newTestGateway(t, mux)

	ok, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAPIClientConnectUnauthenticated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"authenticated": false, "connected": true, "competing": true})
	})
	c := newTestGateway(t, mux)

	ok, err := c.Connect(context.Background())
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestAPIClientPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/portfolio/DU123/positions/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"conid": 265598, "contractDesc": "AAPL", "ticker": "AAPL", "position": 25, "avgCost": 101.2},
			{"conid": 76792991, "contractDesc": "TSLA", "ticker": "TSLA", "position": 0, "avgCost": 0},
			{"conid": 272093, "contractDesc": "MSFT NASDAQ", "position": -5, "avgCost": 410},
		})
	})
	c := newTestGateway(t, mux)

	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, int64(25), positions[0].Quantity)
	assert.Equal(t, "MSFT", positions[1].Symbol)
	assert.Equal(t, int64(-5), positions[1].Quantity)
}

func TestAPIClientPlaceOrderConfirmsWarnings(t *testing.T) {
	var replies int32
	var mu sync.Mutex
	var ticket map[string][]cpOrderTicket

	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		writeJSON(w, []map[string]interface{}{{"conid": "265598", "symbol": "AAPL"}})
	})
	mux.HandleFunc("/iserver/account/DU123/orders", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ticket))
		writeJSON(w, []map[string]interface{}{{"id": "q1", "message": []string{"price exceeds 3% constraint"}}})
	})
	mux.HandleFunc("/iserver/reply/q1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&replies, 1)
		writeJSON(w, []map[string]interface{}{{"order_id": "987", "order_status": "PreSubmitted"}})
	})
	c := newTestGateway(t, mux)

	h, err := c.PlaceOrder(context.Background(), stopReq("aapl", Buy, 10, "100.00"))
	require.NoError(t, err)
	assert.Equal(t, "987", h.ID)
	assert.Equal(t, Pending, h.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&replies))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ticket["orders"], 1)
	sent := ticket["orders"][0]
	assert.Equal(t, int64(265598), sent.Conid)
	assert.Equal(t, "STP", sent.OrderType)
	assert.Equal(t, "BUY", sent.Side)
	require.NotNil(t, sent.Price)
	assert.Equal(t, 100.0, *sent.Price)
}

func TestAPIClientConcurrentPlacementsDoNotInterleave(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	var questions int
	record := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{{"conid": "265598", "symbol": "AAPL"}})
	})
	mux.HandleFunc("/iserver/account/DU123/orders", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		questions++
		id := fmt.Sprintf("q%d", questions)
		mu.Unlock()
		record("order:" + id)
		writeJSON(w, []map[string]interface{}{{"id": id, "message": []string{"confirm"}}})
	})
	mux.HandleFunc("/iserver/reply/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		id := strings.TrimPrefix(r.URL.Path, "/iserver/reply/")
		record("reply:" + id)
		writeJSON(w, []map[string]interface{}{{"order_id": "o-" + id, "order_status": "Submitted"}})
	})
	mux.HandleFunc("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		record("list")
		writeJSON(w, map[string]interface{}{"orders": []map[string]interface{}{
			{"orderId": 11, "ticker": "AAPL", "status": "Submitted", "side": "BUY", "orderType": "Stop", "totalSize": 10, "auxPrice": "101"},
		}})
	})
	mux.HandleFunc("/iserver/account/DU123/order/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		record("cancel")
		writeJSON(w, map[string]string{"msg": "Request was submitted"})
	})
	c := newTestGateway(t, mux)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.PlaceOrder(context.Background(), stopReq("AAPL", Buy, 10, "100.00"))
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.CancelAll(context.Background()))
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 10)
	for i, call := range calls {
		switch {
		case strings.HasPrefix(call, "order:"):
			require.Less(t, i+1, len(calls))
			assert.Equal(t, "reply:"+strings.TrimPrefix(call, "order:"), calls[i+1], "calls: %v", calls)
		case call == "list":
			require.Less(t, i+1, len(calls))
			assert.Equal(t, "cancel", calls[i+1], "calls: %v", calls)
		}
	}
}

func TestAPIClientPlaceOrderRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{{"conid": 265598, "symbol": "AAPL"}})
	})
	mux.HandleFunc("/iserver/account/DU123/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{{"error": "insufficient buying power"}})
	})
	c := newTestGateway(t, mux)

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Instrument: NewStock("AAPL"), Action: Buy, Quantity: 10, Type: Market})
	assert.True(t, errors.Is(err, ErrOrderRejected))
}

func TestAPIClientErrorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/account/order/status/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/iserver/account/order/status/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "order not found"})
	})
	mux.HandleFunc("/iserver/account/order/status/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"order_id": 3, "order_status": "Filled"})
	})
	c := newTestGateway(t, mux)
	ctx := context.Background()

	_, err := c.OrderStatus(ctx, OrderHandle{ID: "1"})
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))

	_, err = c.OrderStatus(ctx, OrderHandle{ID: "2"})
	assert.True(t, errors.Is(err, ErrNotFound))

	st, err := c.OrderStatus(ctx, OrderHandle{ID: "3"})
	require.NoError(t, err)
	assert.Equal(t, Filled, st)
}

func TestAPIClientCancelAllAndOpenOrders(t *testing.T) {
	var mu sync.Mutex
	var cancelled []string
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"orders": []map[string]interface{}{
			{"orderId": 11, "ticker": "AAPL", "status": "Submitted", "side": "BUY", "orderType": "Stop", "totalSize": 10, "auxPrice": "101"},
			{"orderId": 12, "ticker": "AAPL", "status": "Filled", "side": "BUY", "orderType": "Stop", "totalSize": 10},
			{"orderId": 13, "ticker": "AAPL", "status": "PreSubmitted", "side": "SELL", "orderType": "Limit", "totalSize": 30, "price": "103"},
		}})
	})
	mux.HandleFunc("/iserver/account/DU123/order/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		mu.Lock()
		cancelled = append(cancelled, r.URL.Path[len("/iserver/account/DU123/order/"):])
		mu.Unlock()
		writeJSON(w, map[string]string{"msg": "Request was submitted"})
	})
	c := newTestGateway(t, mux)
	ctx := context.Background()

	open, err := c.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, Stop, open[0].Type)
	assert.True(t, open[0].Price.Equal(px("101")))
	assert.Equal(t, Limit, open[1].Type)
	assert.Equal(t, int64(30), open[1].Quantity)

	require.NoError(t, c.CancelAll(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"11", "13"}, cancelled)
}

func TestAPIClientAccountSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/account/pnl/partitioned", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"upnl": map[string]interface{}{
			"DU123.Core": map[string]interface{}{"dpl": -250.0, "upl": -50.0, "nl": 99750.0},
		}})
	})
	mux.HandleFunc("/iserver/account/trades", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"execution_id": "e1", "symbol": "AAPL", "order_ref": "a"},
			{"execution_id": "e2", "symbol": "AAPL", "order_ref": "a"},
			{"execution_id": "e3", "symbol": "AAPL"},
		})
	})
	c := newTestGateway(t, mux)

	s, err := c.AccountSummary(context.Background())
	require.NoError(t, err)
	assert.True(t, s.RealizedPnL.Equal(px("-200")), s.RealizedPnL.String())
	assert.True(t, s.UnrealizedPnL.Equal(px("-50")))
	assert.Equal(t, 2, s.TradeCount)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, Pending, mapStatus("PreSubmitted"))
	assert.Equal(t, Working, mapStatus("Submitted"))
	assert.Equal(t, Working, mapStatus("PendingCancel"))
	assert.Equal(t, Filled, mapStatus("Filled"))
	assert.Equal(t, Cancelled, mapStatus("ApiCancelled"))
	assert.Equal(t, Errored, mapStatus("Inactive"))
}
