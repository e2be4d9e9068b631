// risk/checks.go
package risk

import (
	"context"
	"time"

	"auto_ibkr_go/exchange"
	"auto_ibkr_go/utils"
)

// Check names used in logs, metrics and breach reports.
const (
	CheckTimeCutoff    = "time_cutoff"
	CheckDrawdown      = "daily_drawdown"
	CheckPositionCount = "open_positions"
	CheckPositionSize  = "position_size"
	CheckTradeCount    = "trade_count"
)

// Check evaluates one limit against fresh broker state.
// A nil Breach with a nil error means the limit holds. An error means the
// check could not run this cycle.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, gw exchange.Gateway, now time.Time) (Breach, error)
}

// DefaultChecks returns the five account checks for limits.
func DefaultChecks(limits Limits) []Check {
	return []Check{
		&timeCutoffCheck{limits: limits},
		&drawdownCheck{limits: limits},
		&positionCountCheck{limits: limits},
		&positionSizeCheck{limits: limits},
		&tradeCountCheck{limits: limits},
	}
}

type timeCutoffCheck struct{ limits Limits }

func (c *timeCutoffCheck) Name() string { return CheckTimeCutoff }

func (c *timeCutoffCheck) Evaluate(ctx context.Context, gw exchange.Gateway, now time.Time) (Breach, error) {
	if !c.limits.PastCutoff(now) {
		return nil, nil
	}
	return &TimeCutoffBreach{Now: now.In(c.limits.CutoffOn(now).Location()), Cutoff: c.limits.CutoffOn(now)}, nil
}

type drawdownCheck struct{ limits Limits }

func (c *drawdownCheck) Name() string { return CheckDrawdown }

func (c *drawdownCheck) Evaluate(ctx context.Context, gw exchange.Gateway, now time.Time) (Breach, error) {
	summary, err := gw.AccountSummary(ctx)
	if err != nil {
		return nil, err
	}
	if summary.RealizedPnL.LessThan(c.limits.MaxDailyDrawdown) {
		return &DrawdownBreach{RealizedPnL: summary.RealizedPnL, Threshold: c.limits.MaxDailyDrawdown}, nil
	}
	return nil, nil
}

type positionCountCheck struct{ limits Limits }

func (c *positionCountCheck) Name() string { return CheckPositionCount }

func (c *positionCountCheck) Evaluate(ctx context.Context, gw exchange.Gateway, now time.Time) (Breach, error) {
	positions, err := gw.Positions(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make(map[string]bool)
	for _, p := range positions {
		if p.Quantity != 0 {
			symbols[p.Symbol] = true
		}
	}
	if len(symbols) > c.limits.MaxOpenPositions {
		return &PositionCountBreach{Open: len(symbols), Max: c.limits.MaxOpenPositions}, nil
	}
	return nil, nil
}

type positionSizeCheck struct{ limits Limits }

func (c *positionSizeCheck) Name() string { return CheckPositionSize }

func (c *positionSizeCheck) Evaluate(ctx context.Context, gw exchange.Gateway, now time.Time) (Breach, error) {
	positions, err := gw.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var worst *PositionSizeBreach
	for _, p := range positions {
		size := utils.AbsInt64(p.Quantity)
		if size > c.limits.MaxPositionSize && (worst == nil || size > worst.Quantity) {
			worst = &PositionSizeBreach{Symbol: p.Symbol, Quantity: size, Max: c.limits.MaxPositionSize}
		}
	}
	if worst == nil {
		return nil, nil
	}
	return worst, nil
}

type tradeCountCheck struct{ limits Limits }

func (c *tradeCountCheck) Name() string { return CheckTradeCount }

func (c *tradeCountCheck) Evaluate(ctx context.Context, gw exchange.Gateway, now time.Time) (Breach, error) {
	summary, err := gw.AccountSummary(ctx)
	if err != nil {
		return nil, err
	}
	if summary.TradeCount > c.limits.MaxTradesPerDay {
		return &TradeCountBreach{Trades: summary.TradeCount, Max: c.limits.MaxTradesPerDay}, nil
	}
	return nil, nil
}
