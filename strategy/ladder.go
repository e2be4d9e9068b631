package strategy

import (
	"errors"
	"fmt"
	"strings"

	"auto_ibkr_go/exchange"
	"auto_ibkr_go/utils"

	"github.com/shopspring/decimal"
)

// ErrInvalidParameters is returned before any order is placed when the ladder
// parameters cannot produce a valid plan.
var ErrInvalidParameters = errors.New("invalid ladder parameters")

// Direction is the side of the trade being scaled into.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection accepts LONG/SHORT in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case Long:
		return Long, nil
	case Short:
		return Short, nil
	}
	return "", fmt.Errorf("%w: direction must be LONG or SHORT, got %q", ErrInvalidParameters, s)
}

// EntryAction is the order action that adds to the position.
func (d Direction) EntryAction() exchange.Action {
	if d == Short {
		return exchange.Sell
	}
	return exchange.Buy
}

// ExitAction is the order action that reduces the position.
func (d Direction) ExitAction() exchange.Action {
	return d.EntryAction().Opposite()
}

// sign is +1 for LONG and -1 for SHORT.
func (d Direction) sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// BuildLevels returns count trigger prices starting at initial and stepping by
// increment in the trade direction: ascending for LONG, descending for SHORT.
func BuildLevels(dir Direction, initial, increment decimal.Decimal, count int) ([]decimal.Decimal, error) {
	if dir != Long && dir != Short {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidParameters, dir)
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: count must be at least 1, got %d", ErrInvalidParameters, count)
	}
	if !increment.IsPositive() {
		return nil, fmt.Errorf("%w: increment must be positive, got %s", ErrInvalidParameters, increment)
	}
	if !initial.IsPositive() {
		return nil, fmt.Errorf("%w: initial price must be positive, got %s", ErrInvalidParameters, initial)
	}

	step := increment.Mul(dir.sign())
	levels := make([]decimal.Decimal, count)
	for i := range levels {
		levels[i] = initial.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	if !levels[count-1].IsPositive() {
		return nil, fmt.Errorf("%w: ladder runs below zero at level %d (%s)", ErrInvalidParameters, count, levels[count-1])
	}
	return levels, nil
}

// InitialStopPrice is stopDistance behind the first level.
func InitialStopPrice(levels []decimal.Decimal, stopDistance decimal.Decimal, dir Direction) decimal.Decimal {
	return levels[0].Sub(stopDistance.Mul(dir.sign()))
}

// ExitTargetPrice is one increment beyond the last level.
func ExitTargetPrice(levels []decimal.Decimal, increment decimal.Decimal, dir Direction) decimal.Decimal {
	return levels[len(levels)-1].Add(increment.Mul(dir.sign()))
}

// FilledRungs converts a live share count into the number of ladder levels that
// must have executed, capped at the ladder length.
func FilledRungs(quantity, positionSize int64, levels int) int {
	rungs := int(utils.CeilDiv(utils.AbsInt64(quantity), positionSize))
	if rungs > levels {
		rungs = levels
	}
	return rungs
}

// StopPriceForFilled anchors the stop to the lowest (LONG) or highest (SHORT)
// executed level, levels[:rungs]. With no rungs filled it equals InitialStopPrice.
func StopPriceForFilled(levels []decimal.Decimal, rungs int, stopDistance decimal.Decimal, dir Direction) decimal.Decimal {
	if rungs < 1 {
		rungs = 1
	}
	if rungs > len(levels) {
		rungs = len(levels)
	}
	anchor := levels[0]
	for _, lvl := range levels[1:rungs] {
		if (dir == Long && lvl.LessThan(anchor)) || (dir == Short && lvl.GreaterThan(anchor)) {
			anchor = lvl
		}
	}
	return anchor.Sub(stopDistance.Mul(dir.sign()))
}

// Plan is the fully computed order layout of one run.
type Plan struct {
	Levels       []decimal.Decimal
	InitialStop  decimal.Decimal
	Target       decimal.Decimal
	TargetQty    int64
	PositionSize int64
}

// BuildPlan computes levels, stop and target for p, rounded to tick.
func BuildPlan(p Params, tick decimal.Decimal) (Plan, error) {
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	levels, err := BuildLevels(p.Direction, p.InitialPrice, p.Increment, p.NumIncrements)
	if err != nil {
		return Plan{}, err
	}
	if tick.IsPositive() {
		if p.Increment.LessThan(tick) {
			return Plan{}, fmt.Errorf("%w: increment %s is below the tick size %s", ErrInvalidParameters, p.Increment, tick)
		}
		if p.StopDistance.LessThan(tick) {
			return Plan{}, fmt.Errorf("%w: stop distance %s is below the tick size %s", ErrInvalidParameters, p.StopDistance, tick)
		}
	}
	for i := range levels {
		levels[i] = utils.RoundToTick(levels[i], tick)
		if i > 0 && !levels[i].Sub(levels[i-1]).Mul(p.Direction.sign()).IsPositive() {
			return Plan{}, fmt.Errorf("%w: levels %s and %s collapse at tick %s", ErrInvalidParameters, levels[i-1], levels[i], tick)
		}
	}
	stop := utils.RoundToTick(InitialStopPrice(levels, p.StopDistance, p.Direction), tick)
	if !stop.IsPositive() {
		return Plan{}, fmt.Errorf("%w: stop price %s is not positive", ErrInvalidParameters, stop)
	}
	return Plan{
		Levels:       levels,
		InitialStop:  stop,
		Target:       utils.RoundToTick(ExitTargetPrice(levels, p.Increment, p.Direction), tick),
		TargetQty:    int64(p.NumIncrements) * p.PositionSize,
		PositionSize: p.PositionSize,
	}, nil
}

// StopPrice returns the tick-rounded stop trigger for a live position size.
func (pl Plan) StopPrice(quantity int64, stopDistance decimal.Decimal, dir Direction, tick decimal.Decimal) decimal.Decimal {
	rungs := FilledRungs(quantity, pl.PositionSize, len(pl.Levels))
	return utils.RoundToTick(StopPriceForFilled(pl.Levels, rungs, stopDistance, dir), tick)
}
