package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"auto_ibkr_go/logs"
	"auto_ibkr_go/profit"
	"auto_ibkr_go/utils"

	"github.com/shopspring/decimal"
)

//
// In-memory brokerage used for simulation mode and tests
//

// Ensure MockClient implements Gateway interface
var _ Gateway = (*MockClient)(nil)

// Gateway operation names accepted by FailNext.
const (
	OpConnect    = "connect"
	OpPositions  = "positions"
	OpPlace      = "place"
	OpCancel     = "cancel"
	OpCancelAll  = "cancel_all"
	OpStatus     = "status"
	OpOpenOrders = "open_orders"
	OpAccount    = "account"
)

var startingCash = decimal.NewFromInt(100000)

// MockClient simulates a venue: it matches STOP, LIMIT and MARKET orders
// against prices pushed with SetPrice and books fills per symbol.
type MockClient struct {
	mu           sync.RWMutex
	connected    bool
	accountants  map[string]*profit.Accountant
	openOrders   map[string]*OrderHandle
	closedOrders map[string]*OrderHandle
	byClientID   map[string]string
	nextOrderID  int64
	currentPrice map[string]decimal.Decimal
	tradeCount   int

	// Test levers.
	cancelAckPolls  int
	pendingCancels  map[string]int
	holdMarketFills bool
	failures        map[string]int
	pnlOffset       decimal.Decimal
	tradeOffset     int
	placed          []OrderRequest

	// Price simulator.
	stopChan        chan struct{}
	stopOnce        sync.Once
	simSymbol       string
	simInitialPrice float64
	simAmplitude    float64
	simulationTime  float64
}

// NewMockClient creates a connected mock client with no positions.
func NewMockClient() *MockClient {
	return &MockClient{
		connected:      true,
		accountants:    make(map[string]*profit.Accountant),
		openOrders:     make(map[string]*OrderHandle),
		closedOrders:   make(map[string]*OrderHandle),
		byClientID:     make(map[string]string),
		nextOrderID:    1000,
		currentPrice:   make(map[string]decimal.Decimal),
		pendingCancels: make(map[string]int),
		failures:       make(map[string]int),
		stopChan:       make(chan struct{}),
	}
}

// Start runs a sine-wave price simulator for symbol until Stop is called.
func (c *MockClient) Start(symbol string, initialPrice, amplitude float64) {
	c.mu.Lock()
	c.simSymbol = strings.ToUpper(symbol)
	c.simInitialPrice = initialPrice
	c.simAmplitude = amplitude
	c.mu.Unlock()
	logs.Infof("[Mock] Price simulator started for %s. Initial price: %.2f, amplitude: %.2f", symbol, initialPrice, amplitude)
	go c.runPriceSimulator()
}

// Stop gracefully stops the simulator goroutine.
func (c *MockClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *MockClient) runPriceSimulator() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.simulationTime += 0.1
			price := c.simInitialPrice + c.simAmplitude*math.Sin(c.simulationTime)
			symbol := c.simSymbol
			c.mu.Unlock()
			c.SetPrice(symbol, decimal.NewFromFloat(price).Round(2))
		}
	}
}

// --- Test and simulation levers ---

// SetPrice moves the market for symbol and matches resting orders against it.
func (c *MockClient) SetPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	c.currentPrice[symbol] = price
	c.matchOrders_noLock(symbol)
}

// SetPosition seeds a position as if it had been opened at avgCost before the session.
func (c *MockClient) SetPosition(symbol string, qty int64, avgCost decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	acct := profit.NewAccountant(symbol)
	if qty != 0 {
		side := string(Buy)
		if qty < 0 {
			side = string(Sell)
		}
		acct.RecordFill(profit.Fill{Side: side, Price: avgCost, Quantity: utils.AbsInt64(qty)})
	}
	c.accountants[symbol] = acct
}

// SetRealizedPnL forces the account's realized P&L to v.
func (c *MockClient) SetRealizedPnL(v decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pnlOffset = v.Sub(c.realizedPnL_noLock()).Add(c.pnlOffset)
}

// SetTradeCount forces the session trade count to n.
func (c *MockClient) SetTradeCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tradeOffset = n - c.tradeCount
}

// SetCancelAckDelay makes cancellations confirm only after n status polls.
func (c *MockClient) SetCancelAckDelay(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelAckPolls = n
}

// HoldMarketFills keeps MARKET orders WORKING until ReleaseMarketFills.
func (c *MockClient) HoldMarketFills(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdMarketFills = hold
}

// ReleaseMarketFills fills every held MARKET order at the current price.
func (c *MockClient) ReleaseMarketFills() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdMarketFills = false
	for _, o := range c.sortedOpen_noLock() {
		if o.Type == Market {
			c.fill_noLock(o, c.marketPrice_noLock(o.Symbol))
		}
	}
}

// FailNext makes the next n calls of op fail with ErrGatewayUnavailable.
func (c *MockClient) FailNext(op string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = n
}

// PlacedOrders returns every accepted order request in submission order.
func (c *MockClient) PlacedOrders() []OrderRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]OrderRequest, len(c.placed))
	copy(out, c.placed)
	return out
}

// --- Gateway implementation ---

func (c *MockClient) Connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectedFailure_noLock(OpConnect); err != nil {
		return false, err
	}
	c.connected = true
	logs.Debug("[Mock] Session connected.")
	return true, nil
}

func (c *MockClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	logs.Debug("[Mock] Session closed.")
	return nil
}

func (c *MockClient) Positions(ctx context.Context) ([]PositionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard_noLock(OpPositions); err != nil {
		return nil, err
	}
	out := make([]PositionSnapshot, 0, len(c.accountants))
	for symbol, acct := range c.accountants {
		pos := acct.Position()
		if pos.Quantity == 0 {
			continue
		}
		out = append(out, PositionSnapshot{Symbol: symbol, Quantity: pos.Quantity, AvgCost: pos.AverageCost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (c *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard_noLock(OpPlace); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	// A retried submission with the same client id returns the original order.
	if req.ClientID != "" {
		if id, ok := c.byClientID[req.ClientID]; ok {
			existing := c.lookup_noLock(id)
			logs.Debugf("[Mock] Duplicate client id %s, returning order %s", req.ClientID, id)
			cp := *existing
			return &cp, nil
		}
	}

	c.nextOrderID++
	order := &OrderHandle{
		ID:       strconv.FormatInt(c.nextOrderID, 10),
		ClientID: req.ClientID,
		Symbol:   strings.ToUpper(req.Instrument.Symbol),
		Action:   req.Action,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   Working,
	}
	c.openOrders[order.ID] = order
	if req.ClientID != "" {
		c.byClientID[req.ClientID] = order.ID
	}
	c.placed = append(c.placed, req)
	logs.Debugf("[Mock] Order %s accepted: %s", order.ID, req)

	if order.Type == Market && !c.holdMarketFills {
		c.fill_noLock(order, c.marketPrice_noLock(order.Symbol))
	} else if order.Type != Market {
		if price, ok := c.currentPrice[order.Symbol]; ok && triggers(order, price) {
			c.fill_noLock(order, fillPrice(order, price))
		}
	}

	cp := *order
	return &cp, nil
}

func (c *MockClient) CancelOrder(ctx context.Context, order OrderHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard_noLock(OpCancel); err != nil {
		return err
	}
	if _, ok := c.closedOrders[order.ID]; ok {
		return nil
	}
	if _, ok := c.openOrders[order.ID]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
	}
	c.requestCancel_noLock(order.ID)
	return nil
}

func (c *MockClient) CancelAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard_noLock(OpCancelAll); err != nil {
		return err
	}
	for _, o := range c.sortedOpen_noLock() {
		c.requestCancel_noLock(o.ID)
	}
	return nil
}

func (c *MockClient) OrderStatus(ctx context.Context, order OrderHandle) (OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard_noLock(OpStatus); err != nil {
		return "", err
	}
	if remaining, ok := c.pendingCancels[order.ID]; ok {
		remaining--
		if remaining <= 0 {
			delete(c.pendingCancels, order.ID)
			c.cancel_noLock(order.ID)
		} else {
			c.pendingCancels[order.ID] = remaining
		}
	}
	o := c.lookup_noLock(order.ID)
	if o == nil {
		return "", fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
	}
	return o.Status, nil
}

func (c *MockClient) OpenOrders(ctx context.Context) ([]OrderHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard_noLock(OpOpenOrders); err != nil {
		return nil, err
	}
	open := c.sortedOpen_noLock()
	out := make([]OrderHandle, 0, len(open))
	for _, o := range open {
		out = append(out, *o)
	}
	return out, nil
}

func (c *MockClient) AccountSummary(ctx context.Context) (AccountSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard_noLock(OpAccount); err != nil {
		return AccountSummary{}, err
	}
	unrealized := decimal.Zero
	for symbol, acct := range c.accountants {
		if price, ok := c.currentPrice[symbol]; ok {
			acct.MarkToMarket(price)
		}
		unrealized = unrealized.Add(acct.Position().UnrealizedProfit)
	}
	realized := c.realizedPnL_noLock()
	return AccountSummary{
		RealizedPnL:    realized,
		UnrealizedPnL:  unrealized,
		NetLiquidation: startingCash.Add(realized).Add(unrealized),
		TradeCount:     c.tradeCount + c.tradeOffset,
	}, nil
}

// --- Internal helpers (caller must hold the lock) ---

func (c *MockClient) guard_noLock(op string) error {
	if err := c.injectedFailure_noLock(op); err != nil {
		return err
	}
	if !c.connected {
		return fmt.Errorf("%w: mock session not connected", ErrGatewayUnavailable)
	}
	return nil
}

func (c *MockClient) injectedFailure_noLock(op string) error {
	if n := c.failures[op]; n > 0 {
		c.failures[op] = n - 1
		return fmt.Errorf("%w: injected %s failure", ErrGatewayUnavailable, op)
	}
	return nil
}

func (c *MockClient) requestCancel_noLock(id string) {
	if c.cancelAckPolls > 0 {
		if _, pending := c.pendingCancels[id]; !pending {
			c.pendingCancels[id] = c.cancelAckPolls
		}
		return
	}
	c.cancel_noLock(id)
}

func (c *MockClient) cancel_noLock(id string) {
	o, ok := c.openOrders[id]
	if !ok {
		return
	}
	o.Status = Cancelled
	delete(c.openOrders, id)
	c.closedOrders[id] = o
	logs.Debugf("[Mock] Order %s cancelled", id)
}

func (c *MockClient) fill_noLock(o *OrderHandle, price decimal.Decimal) {
	o.Status = Filled
	o.FilledQty = o.Quantity
	o.AvgPrice = price
	delete(c.openOrders, o.ID)
	delete(c.pendingCancels, o.ID)
	c.closedOrders[o.ID] = o

	acct, ok := c.accountants[o.Symbol]
	if !ok {
		acct = profit.NewAccountant(o.Symbol)
		c.accountants[o.Symbol] = acct
	}
	acct.RecordFill(profit.Fill{
		Side:      string(o.Action),
		Price:     price,
		Quantity:  o.Quantity,
		Timestamp: time.Now().UnixMilli(),
		OrderID:   o.ID,
	})
	c.tradeCount++
	logs.Infof("[Mock] %s %s order %s filled: %s %d @ %s", o.Symbol, o.Type, o.ID, o.Action, o.Quantity, price)
}

func (c *MockClient) matchOrders_noLock(symbol string) {
	price := c.currentPrice[symbol]
	for _, o := range c.sortedOpen_noLock() {
		if o.Symbol != symbol {
			continue
		}
		if o.Type == Market {
			if !c.holdMarketFills {
				c.fill_noLock(o, price)
			}
			continue
		}
		if triggers(o, price) {
			c.fill_noLock(o, fillPrice(o, price))
		}
	}
}

func (c *MockClient) marketPrice_noLock(symbol string) decimal.Decimal {
	if p, ok := c.currentPrice[symbol]; ok {
		return p
	}
	if acct, ok := c.accountants[symbol]; ok {
		return acct.Position().AverageCost
	}
	return decimal.Zero
}

func (c *MockClient) realizedPnL_noLock() decimal.Decimal {
	total := c.pnlOffset
	for _, acct := range c.accountants {
		total = total.Add(acct.RealizedPnL())
	}
	return total
}

func (c *MockClient) lookup_noLock(id string) *OrderHandle {
	if o, ok := c.openOrders[id]; ok {
		return o
	}
	if o, ok := c.closedOrders[id]; ok {
		return o
	}
	return nil
}

// sortedOpen_noLock returns open orders in submission order so matching is deterministic.
func (c *MockClient) sortedOpen_noLock() []*OrderHandle {
	out := make([]*OrderHandle, 0, len(c.openOrders))
	for _, o := range c.openOrders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a < b
	})
	return out
}

// triggers reports whether a resting order executes at price.
func triggers(o *OrderHandle, price decimal.Decimal) bool {
	switch {
	case o.Type == Stop && o.Action == Buy:
		return price.GreaterThanOrEqual(o.Price)
	case o.Type == Stop && o.Action == Sell:
		return price.LessThanOrEqual(o.Price)
	case o.Type == Limit && o.Action == Buy:
		return price.LessThanOrEqual(o.Price)
	case o.Type == Limit && o.Action == Sell:
		return price.GreaterThanOrEqual(o.Price)
	}
	return false
}

// fillPrice is the market price for triggered stops and the limit price for limits.
func fillPrice(o *OrderHandle, price decimal.Decimal) decimal.Decimal {
	if o.Type == Limit {
		return o.Price
	}
	return price
}
