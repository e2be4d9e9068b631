package profit

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Fill is a single execution, the input to P&L tracking.
type Fill struct {
	Side      string          // "BUY" or "SELL"
	Price     decimal.Decimal // Execution price
	Quantity  int64           // Shares, always positive
	Timestamp int64
	OrderID   string
}

// PositionState represents the overall position state of one symbol.
type PositionState struct {
	Quantity         int64           // Signed. Negative for short positions.
	AverageCost      decimal.Decimal // Weighted average cost of the open shares.
	RealizedProfit   decimal.Decimal // Cumulative profit from closing fills.
	UnrealizedProfit decimal.Decimal // Mark-to-market of the open shares.
}

// Accountant tracks fills for one symbol using the weighted average cost method.
type Accountant struct {
	mu      sync.Mutex
	symbol  string
	pos     PositionState
	history []Fill
}

// NewAccountant creates a new accounting core.
func NewAccountant(symbol string) *Accountant {
	return &Accountant{symbol: symbol, history: make([]Fill, 0)}
}

// RecordFill books an execution and returns the P&L it realized.
func (a *Accountant) RecordFill(f Fill) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, f)

	isBuy := f.Side == "BUY"
	signed := f.Quantity
	if !isBuy {
		signed = -f.Quantity
	}
	cur := a.pos.Quantity
	realized := decimal.Zero

	// Opposite side to the open position closes shares first.
	isClosing := (cur > 0 && !isBuy) || (cur < 0 && isBuy)
	if isClosing {
		closeQty := absInt(cur)
		if f.Quantity < closeQty {
			closeQty = f.Quantity
		}
		diff := f.Price.Sub(a.pos.AverageCost)
		if isBuy {
			diff = diff.Neg()
		}
		realized = diff.Mul(decimal.NewFromInt(closeQty))
		a.pos.RealizedProfit = a.pos.RealizedProfit.Add(realized)
	}

	next := cur + signed
	switch {
	case !isClosing:
		oldValue := a.pos.AverageCost.Mul(decimal.NewFromInt(absInt(cur)))
		newValue := oldValue.Add(f.Price.Mul(decimal.NewFromInt(f.Quantity)))
		a.pos.AverageCost = newValue.Div(decimal.NewFromInt(absInt(next)))
	case next == 0:
		a.pos.AverageCost = decimal.Zero
	case cur*next < 0:
		// Reversal: the remainder opens at this fill's price.
		a.pos.AverageCost = f.Price
	}
	a.pos.Quantity = next
	return realized
}

// MarkToMarket updates the unrealized P&L using the latest price.
func (a *Accountant) MarkToMarket(price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos.UnrealizedProfit = price.Sub(a.pos.AverageCost).Mul(decimal.NewFromInt(a.pos.Quantity))
}

// Position returns a copy of the current position state.
func (a *Accountant) Position() PositionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

// RealizedPnL returns cumulative realized profit.
func (a *Accountant) RealizedPnL() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos.RealizedProfit
}

// FillCount returns the number of executions booked.
func (a *Accountant) FillCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// Symbol returns the symbol this accountant tracks.
func (a *Accountant) Symbol() string { return a.symbol }

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
