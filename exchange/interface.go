package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Action is the order direction (BUY or SELL).
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Opposite returns the action that closes a position opened with a.
func (a Action) Opposite() Action {
	if a == Buy {
		return Sell
	}
	return Buy
}

// OrderType defines the order type.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

// OrderStatus is the normalized lifecycle status of an order.
type OrderStatus string

const (
	Pending   OrderStatus = "PENDING"
	Working   OrderStatus = "WORKING"
	Filled    OrderStatus = "FILLED"
	Cancelled OrderStatus = "CANCELLED"
	Errored   OrderStatus = "ERROR"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == Filled || s == Cancelled || s == Errored
}

// IsOpen reports whether the order may still execute.
func (s OrderStatus) IsOpen() bool {
	return s == Pending || s == Working
}

// Instrument identifies a tradable equity.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// NewStock returns a SMART-routed USD stock instrument.
func NewStock(symbol string) Instrument {
	return Instrument{Symbol: strings.ToUpper(symbol), Exchange: "SMART", Currency: "USD"}
}

// OrderRequest describes a new order. Price is the limit price for LIMIT orders,
// the trigger price for STOP orders and ignored for MARKET orders.
type OrderRequest struct {
	Instrument Instrument
	Action     Action
	Quantity   int64
	Type       OrderType
	Price      decimal.Decimal
	ClientID   string
}

// Validate checks the request is well formed before it reaches the venue.
func (r OrderRequest) Validate() error {
	if r.Instrument.Symbol == "" {
		return fmt.Errorf("order request missing symbol")
	}
	if r.Action != Buy && r.Action != Sell {
		return fmt.Errorf("invalid order action %q", r.Action)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order quantity must be positive, got %d", r.Quantity)
	}
	switch r.Type {
	case Market:
	case Limit, Stop:
		if !r.Price.IsPositive() {
			return fmt.Errorf("%s order requires a positive price, got %s", r.Type, r.Price)
		}
	default:
		return fmt.Errorf("unsupported order type %q", r.Type)
	}
	return nil
}

func (r OrderRequest) String() string {
	if r.Type == Market {
		return fmt.Sprintf("%s %d %s MKT", r.Action, r.Quantity, r.Instrument.Symbol)
	}
	return fmt.Sprintf("%s %d %s %s @ %s", r.Action, r.Quantity, r.Instrument.Symbol, r.Type, r.Price)
}

// OrderHandle is a local copy of an order known to the venue. The gateway
// remains the authority on its status.
type OrderHandle struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	Symbol    string          `json:"symbol"`
	Action    Action          `json:"action"`
	Type      OrderType       `json:"type"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    OrderStatus     `json:"status"`
	FilledQty int64           `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

// PositionSnapshot is the signed share count held at the time of the read.
type PositionSnapshot struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// AccountSummary aggregates the session figures the risk checks need.
type AccountSummary struct {
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	TradeCount     int             `json:"trade_count"`
}

// Gateway defines the interface that brokerage clients need to implement.
// Every call may fail with ErrGatewayUnavailable; positions may lag fills.
type Gateway interface {
	// Connect opens (or verifies) the brokerage session.
	Connect(ctx context.Context) (bool, error)

	// Disconnect releases the session. Only the process owner calls it.
	Disconnect() error

	// Positions returns every position currently held on the account.
	Positions(ctx context.Context) ([]PositionSnapshot, error)

	// PlaceOrder submits a new order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error)

	// CancelOrder requests cancellation; confirmation is observed via OrderStatus.
	CancelOrder(ctx context.Context, order OrderHandle) error

	// CancelAll requests cancellation of every open order on the account.
	CancelAll(ctx context.Context) error

	// OrderStatus polls the current status of an order.
	OrderStatus(ctx context.Context, order OrderHandle) (OrderStatus, error)

	// OpenOrders lists orders that are still PENDING or WORKING.
	OpenOrders(ctx context.Context) ([]OrderHandle, error)

	// AccountSummary returns session P&L and trade count.
	AccountSummary(ctx context.Context) (AccountSummary, error)
}

// PositionFor finds the snapshot for symbol, returning a flat snapshot when absent.
func PositionFor(positions []PositionSnapshot, symbol string) PositionSnapshot {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p
		}
	}
	return PositionSnapshot{Symbol: symbol}
}
