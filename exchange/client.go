// exchange/client.go
package exchange

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"auto_ibkr_go/logs"

	"github.com/shopspring/decimal"
)

// Ensure APIClient struct implements Gateway interface
var _ Gateway = (*APIClient)(nil)

// maxReplyRounds bounds the order-confirmation dialogue of the Client Portal API.
const maxReplyRounds = 5

// APIClient talks to an Interactive Brokers Client Portal gateway over REST.
type APIClient struct {
	BaseURL   string
	AccountID string
	Http      *http.Client

	conidCache map[string]int64
	conidMutex sync.RWMutex
	mu         sync.Mutex // serializes requests through this client
	// orderMu keeps multi-request order calls (place plus reply confirmations,
	// list plus cancel) from interleaving on the shared session.
	orderMu sync.Mutex
}

// NewAPIClient creates a new API client instance.
func NewAPIClient(baseURL, accountID string, timeoutSeconds int, insecureSkipVerify bool) *APIClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		// The local gateway ships with a self-signed certificate.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AccountID:  accountID,
		Http:       &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second, Transport: transport},
		conidCache: make(map[string]int64),
	}
}

// --- Wire types ---

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

type cpPosition struct {
	Conid       int64   `json:"conid"`
	ContractDes string  `json:"contractDesc"`
	Ticker      string  `json:"ticker"`
	Position    float64 `json:"position"`
	AvgCost     float64 `json:"avgCost"`
}

type cpOrderTicket struct {
	Conid           int64    `json:"conid"`
	OrderType       string   `json:"orderType"`
	Side            string   `json:"side"`
	Quantity        int64    `json:"quantity"`
	Price           *float64 `json:"price,omitempty"`
	Tif             string   `json:"tif"`
	COID            string   `json:"cOID,omitempty"`
	ListingExchange string   `json:"listingExchange,omitempty"`
}

// cpOrderReply is either an accepted order or a question that needs confirming.
type cpOrderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ReplyID     string   `json:"id"`
	Message     []string `json:"message"`
	Error       string   `json:"error"`
}

type cpOrderStatus struct {
	OrderID      json.Number `json:"order_id"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	OrderStatus  string      `json:"order_status"`
	CumFill      json.Number `json:"cum_fill"`
	AveragePrice json.Number `json:"average_price"`
}

type cpLiveOrder struct {
	OrderID        json.Number `json:"orderId"`
	Ticker         string      `json:"ticker"`
	Status         string      `json:"status"`
	Side           string      `json:"side"`
	OrderType      string      `json:"orderType"`
	TotalSize      json.Number `json:"totalSize"`
	FilledQuantity json.Number `json:"filledQuantity"`
	Price          string      `json:"price"`
	AuxPrice       string      `json:"auxPrice"`
	OrderRef       string      `json:"order_ref"`
}

type cpPnL struct {
	Upnl map[string]struct {
		DailyPnL      float64 `json:"dpl"`
		NetLiquidity  float64 `json:"nl"`
		UnrealizedPnL float64 `json:"upl"`
	} `json:"upnl"`
}

type cpTrade struct {
	ExecutionID string `json:"execution_id"`
	Symbol      string `json:"symbol"`
	OrderRef    string `json:"order_ref"`
}

type cpSecdef struct {
	Conid    json.Number `json:"conid"`
	Symbol   string      `json:"symbol"`
	Sections []struct {
		SecType string `json:"secType"`
	} `json:"sections"`
}

type cpError struct {
	Error string `json:"error"`
}

// sendRequest is a generic request sending function, handling encoding, sending and error mapping.
func (c *APIClient) sendRequest(ctx context.Context, method, endpoint string, params url.Values, body interface{}, target interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fullURL := c.BaseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "auto_ibkr_go")

	resp, err := c.Http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrGatewayUnavailable, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(respBody))
		var apiErr cpError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500:
			return fmt.Errorf("%w: HTTP %d on %s: %s", ErrGatewayUnavailable, resp.StatusCode, endpoint, msg)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: HTTP 404 on %s: %s", ErrNotFound, endpoint, msg)
		default:
			return fmt.Errorf("%w: HTTP %d on %s: %s", ErrOrderRejected, resp.StatusCode, endpoint, msg)
		}
	}

	if target != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}

// Connect verifies the gateway session is authenticated and ties it to the account.
func (c *APIClient) Connect(ctx context.Context) (bool, error) {
	var st authStatus
	if err := c.sendRequest(ctx, http.MethodPost, "/iserver/auth/status", nil, nil, &st); err != nil {
		return false, err
	}
	if !st.Authenticated || !st.Connected {
		return false, fmt.Errorf("%w: session not authenticated (connected=%t, competing=%t, message=%q)",
			ErrGatewayUnavailable, st.Connected, st.Competing, st.Message)
	}
	if c.AccountID == "" {
		return false, errors.New("no account id configured, set IBKR_ACCOUNT_ID")
	}
	// The iserver order endpoints require the account list to be loaded once per session.
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/accounts", nil, nil, nil); err != nil {
		return false, err
	}
	logs.Infof("[API Client] Gateway session authenticated for account %s", c.AccountID)
	return true, nil
}

// Disconnect ends the brokerage session.
func (c *APIClient) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sendRequest(ctx, http.MethodPost, "/logout", nil, nil, nil); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	logs.Info("[API Client] Gateway session closed.")
	return nil
}

func (c *APIClient) Positions(ctx context.Context) ([]PositionSnapshot, error) {
	var raw []cpPosition
	endpoint := fmt.Sprintf("/portfolio/%s/positions/0", c.AccountID)
	if err := c.sendRequest(ctx, http.MethodGet, endpoint, nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		if p.Position == 0 {
			continue
		}
		symbol := p.Ticker
		if symbol == "" {
			if f := strings.Fields(p.ContractDes); len(f) > 0 {
				symbol = f[0]
			}
		}
		c.rememberConid(symbol, p.Conid)
		out = append(out, PositionSnapshot{
			Symbol:   strings.ToUpper(symbol),
			Quantity: int64(p.Position),
			AvgCost:  decimal.NewFromFloat(p.AvgCost),
		})
	}
	return out, nil
}

func (c *APIClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}
	conid, err := c.lookupConid(ctx, req.Instrument.Symbol)
	if err != nil {
		return nil, err
	}

	ticket := cpOrderTicket{
		Conid:           conid,
		OrderType:       cpOrderType(req.Type),
		Side:            string(req.Action),
		Quantity:        req.Quantity,
		Tif:             "DAY",
		COID:            req.ClientID,
		ListingExchange: req.Instrument.Exchange,
	}
	if req.Type != Market {
		p, _ := req.Price.Float64()
		ticket.Price = &p
	}

	var replies []cpOrderReply
	endpoint := fmt.Sprintf("/iserver/account/%s/orders", c.AccountID)
	if err := c.sendRequest(ctx, http.MethodPost, endpoint, nil, map[string]interface{}{"orders": []cpOrderTicket{ticket}}, &replies); err != nil {
		return nil, err
	}

	// Precautionary warnings come back as questions and must be confirmed.
	for round := 0; round < maxReplyRounds; round++ {
		if len(replies) == 0 {
			return nil, fmt.Errorf("%w: empty order response", ErrGatewayUnavailable)
		}
		r := replies[0]
		if r.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrOrderRejected, r.Error)
		}
		if r.OrderID != "" {
			logs.Debugf("[API Client] Order %s accepted (%s): %s", r.OrderID, r.OrderStatus, req)
			return &OrderHandle{
				ID:       r.OrderID,
				ClientID: req.ClientID,
				Symbol:   strings.ToUpper(req.Instrument.Symbol),
				Action:   req.Action,
				Type:     req.Type,
				Quantity: req.Quantity,
				Price:    req.Price,
				Status:   mapStatus(r.OrderStatus),
			}, nil
		}
		if r.ReplyID == "" {
			return nil, fmt.Errorf("%w: unrecognised order response", ErrOrderRejected)
		}
		logs.Debugf("[API Client] Confirming order warning %s: %s", r.ReplyID, strings.Join(r.Message, "; "))
		replies = nil
		if err := c.sendRequest(ctx, http.MethodPost, "/iserver/reply/"+r.ReplyID, nil, map[string]bool{"confirmed": true}, &replies); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: order confirmation did not settle after %d rounds", ErrOrderRejected, maxReplyRounds)
}

func (c *APIClient) CancelOrder(ctx context.Context, order OrderHandle) error {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	return c.cancelOrder(ctx, order)
}

func (c *APIClient) cancelOrder(ctx context.Context, order OrderHandle) error {
	endpoint := fmt.Sprintf("/iserver/account/%s/order/%s", c.AccountID, order.ID)
	return c.sendRequest(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// CancelAll cancels every live order one by one; the REST API has no bulk cancel.
func (c *APIClient) CancelAll(ctx context.Context) error {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	open, err := c.OpenOrders(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range open {
		if err := c.cancelOrder(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *APIClient) OrderStatus(ctx context.Context, order OrderHandle) (OrderStatus, error) {
	var st cpOrderStatus
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/account/order/status/"+order.ID, nil, nil, &st); err != nil {
		return "", err
	}
	return mapStatus(st.OrderStatus), nil
}

func (c *APIClient) OpenOrders(ctx context.Context) ([]OrderHandle, error) {
	var resp struct {
		Orders []cpLiveOrder `json:"orders"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/account/orders", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]OrderHandle, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		status := mapStatus(o.Status)
		if !status.IsOpen() {
			continue
		}
		total, _ := o.TotalSize.Float64()
		filled, _ := o.FilledQuantity.Float64()
		price := o.Price
		if price == "" {
			price = o.AuxPrice
		}
		p, _ := decimal.NewFromString(price)
		out = append(out, OrderHandle{
			ID:        o.OrderID.String(),
			ClientID:  o.OrderRef,
			Symbol:    strings.ToUpper(o.Ticker),
			Action:    Action(strings.ToUpper(o.Side)),
			Type:      fromCPOrderType(o.OrderType),
			Quantity:  int64(total),
			Price:     p,
			Status:    status,
			FilledQty: int64(filled),
		})
	}
	return out, nil
}

func (c *APIClient) AccountSummary(ctx context.Context) (AccountSummary, error) {
	var pnl cpPnL
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/account/pnl/partitioned", nil, nil, &pnl); err != nil {
		return AccountSummary{}, err
	}
	var summary AccountSummary
	for key, row := range pnl.Upnl {
		if !strings.HasPrefix(key, c.AccountID) {
			continue
		}
		summary.UnrealizedPnL = decimal.NewFromFloat(row.UnrealizedPnL)
		summary.RealizedPnL = decimal.NewFromFloat(row.DailyPnL - row.UnrealizedPnL)
		summary.NetLiquidation = decimal.NewFromFloat(row.NetLiquidity)
	}

	var trades []cpTrade
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/account/trades", nil, nil, &trades); err != nil {
		return AccountSummary{}, err
	}
	summary.TradeCount = countOrders(trades)
	return summary, nil
}

// countOrders counts distinct orders among executions; partial fills of one order count once.
func countOrders(trades []cpTrade) int {
	seen := make(map[string]bool, len(trades))
	for _, t := range trades {
		key := t.OrderRef
		if key == "" {
			key = t.ExecutionID
		}
		seen[key] = true
	}
	return len(seen)
}

// lookupConid resolves a stock symbol to its contract id, caching the answer.
func (c *APIClient) lookupConid(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(symbol)
	c.conidMutex.RLock()
	conid, ok := c.conidCache[symbol]
	c.conidMutex.RUnlock()
	if ok {
		return conid, nil
	}

	var results []cpSecdef
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("secType", "STK")
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/secdef/search", params, nil, &results); err != nil {
		return 0, fmt.Errorf("contract lookup for %s: %w", symbol, err)
	}
	for _, r := range results {
		if !strings.EqualFold(r.Symbol, symbol) && r.Symbol != "" {
			continue
		}
		id, err := strconv.ParseInt(r.Conid.String(), 10, 64)
		if err != nil {
			continue
		}
		c.rememberConid(symbol, id)
		return id, nil
	}
	return 0, fmt.Errorf("%w: no stock contract for %s", ErrNotFound, symbol)
}

func (c *APIClient) rememberConid(symbol string, conid int64) {
	if symbol == "" || conid == 0 {
		return
	}
	c.conidMutex.Lock()
	c.conidCache[strings.ToUpper(symbol)] = conid
	c.conidMutex.Unlock()
}

// mapStatus folds the venue's status vocabulary into OrderStatus.
func mapStatus(s string) OrderStatus {
	switch strings.ToLower(s) {
	case "pendingsubmit", "presubmitted", "pending":
		return Pending
	case "submitted", "pendingcancel", "working":
		return Working
	case "filled":
		return Filled
	case "cancelled", "apicancelled", "canceled":
		return Cancelled
	case "inactive", "rejected":
		return Errored
	default:
		return Pending
	}
}

func cpOrderType(t OrderType) string {
	switch t {
	case Limit:
		return "LMT"
	case Stop:
		return "STP"
	default:
		return "MKT"
	}
}

func fromCPOrderType(s string) OrderType {
	switch strings.ToLower(s) {
	case "limit", "lmt":
		return Limit
	case "stop", "stp":
		return Stop
	default:
		return Market
	}
}
