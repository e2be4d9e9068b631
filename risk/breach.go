// risk/breach.go
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Breach is a violated limit found by a check. Several breaches in one
// cycle still lead to a single liquidation.
type Breach interface {
	Check() string
	Description() string
}

// TimeCutoffBreach means the session is past its exit time. It also ends the guardian loop.
type TimeCutoffBreach struct {
	Now    time.Time
	Cutoff time.Time
}

func (b *TimeCutoffBreach) Check() string { return CheckTimeCutoff }
func (b *TimeCutoffBreach) Description() string {
	return fmt.Sprintf("Time cutoff reached: %s is past exit time %s", b.Now.Format("15:04:05"), b.Cutoff.Format("15:04"))
}

// DrawdownBreach means realized P&L fell below the daily threshold.
type DrawdownBreach struct {
	RealizedPnL decimal.Decimal
	Threshold   decimal.Decimal
}

func (b *DrawdownBreach) Check() string { return CheckDrawdown }
func (b *DrawdownBreach) Description() string {
	return fmt.Sprintf("Daily drawdown exceeded: realized P&L %s below %s", b.RealizedPnL.StringFixed(2), b.Threshold.StringFixed(2))
}

// PositionCountBreach means too many symbols are held at once.
type PositionCountBreach struct {
	Open int
	Max  int
}

func (b *PositionCountBreach) Check() string { return CheckPositionCount }
func (b *PositionCountBreach) Description() string {
	return fmt.Sprintf("Max open positions exceeded: %d > %d", b.Open, b.Max)
}

// PositionSizeBreach means a single position is larger than allowed.
type PositionSizeBreach struct {
	Symbol   string
	Quantity int64
	Max      int64
}

func (b *PositionSizeBreach) Check() string { return CheckPositionSize }
func (b *PositionSizeBreach) Description() string {
	return fmt.Sprintf("Position size exceeded: %s %d > %d", b.Symbol, b.Quantity, b.Max)
}

// TradeCountBreach means the session traded more often than allowed.
type TradeCountBreach struct {
	Trades int
	Max    int
}

func (b *TradeCountBreach) Check() string { return CheckTradeCount }
func (b *TradeCountBreach) Description() string {
	return fmt.Sprintf("Max trades exceeded: %d > %d", b.Trades, b.Max)
}
