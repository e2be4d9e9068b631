// Package liquidator holds the shared close-everything action used by the
// scaled-entry engine when a run ends and by the guardian on a breach.
package liquidator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"auto_ibkr_go/exchange"
	"auto_ibkr_go/logs"
	"auto_ibkr_go/metrics"
	"auto_ibkr_go/telemetry"
	"auto_ibkr_go/utils"

	"github.com/sirupsen/logrus"
)

// ErrUnresolved is returned when a flatten order is still not terminal after its retry.
var ErrUnresolved = errors.New("liquidation left unresolved orders")

// Config bounds the wait for flatten orders.
type Config struct {
	FillTimeout  time.Duration
	PollInterval time.Duration
}

// Report summarises one FlattenAll run.
type Report struct {
	OrdersCancelled    int           `json:"orders_cancelled"`
	PositionsFlattened int           `json:"positions_flattened"`
	Unresolved         []string      `json:"unresolved,omitempty"`
	Noop               bool          `json:"noop"`
	Duration           time.Duration `json:"duration"`
}

// Liquidator cancels orders and closes positions through the shared gateway.
type Liquidator struct {
	gw    exchange.Gateway
	cfg   Config
	sink  telemetry.Sink
	mu    sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
}

func New(gw exchange.Gateway, cfg Config, sink telemetry.Sink) *Liquidator {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Liquidator{gw: gw, cfg: cfg, sink: sink, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CleanupOrders cancels every open order for symbol. Failures are logged and
// skipped; the number of accepted cancellations is returned.
func (l *Liquidator) CleanupOrders(ctx context.Context, symbol string) int {
	open, err := l.gw.OpenOrders(ctx)
	if err != nil {
		logs.Warnf("[Liquidator] Cannot list open orders for %s: %v", symbol, err)
		return 0
	}

	cancelled, failed := 0, 0
	for _, o := range open {
		if !strings.EqualFold(o.Symbol, symbol) || !o.Status.IsOpen() {
			continue
		}
		if err := l.gw.CancelOrder(ctx, o); err != nil {
			failed++
			logs.Warnf("[Liquidator] Failed to cancel %s order %s (%s %d @ %s): %v", symbol, o.ID, o.Action, o.Quantity, o.Price, err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 || failed > 0 {
		logs.WithFields(logrus.Fields{"symbol": symbol, "cancelled": cancelled, "failed": failed}).Info("[Liquidator] Order cleanup finished")
	}
	return cancelled
}

// exitOrder is a flatten order in flight for one position.
type exitOrder struct {
	symbol string
	handle *exchange.OrderHandle
	err    error
}

// FlattenAll cancels every open order on the account and closes every
// non-zero position with an opposing market order. Calls are serialized.
// With nothing open it returns immediately without touching the venue.
func (l *Liquidator) FlattenAll(ctx context.Context) (Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	var report Report

	open, openErr := l.gw.OpenOrders(ctx)
	if openErr != nil {
		logs.Warnf("[Liquidator] Cannot list open orders, cancelling blind: %v", openErr)
	}
	positions, err := l.gw.Positions(ctx)
	if err != nil {
		metrics.IncLiquidation("error")
		return report, fmt.Errorf("reading positions before flatten: %w", err)
	}
	positions = nonZero(positions)

	if openErr == nil && len(open) == 0 && len(positions) == 0 {
		report.Noop = true
		metrics.IncLiquidation("noop")
		logs.Debug("[Liquidator] Nothing to flatten.")
		return report, nil
	}

	logs.Warnf("[Liquidator] Flattening account: %d open orders, %d positions", len(open), len(positions))

	if openErr != nil || len(open) > 0 {
		if err := l.gw.CancelAll(ctx); err != nil {
			logs.Errorf("[Liquidator] Cancel-all failed: %v", err)
		} else {
			report.OrdersCancelled = len(open)
		}
		// An entry may have filled while the cancel was in flight.
		if fresh, err := l.gw.Positions(ctx); err == nil {
			positions = nonZero(fresh)
		} else {
			logs.Warnf("[Liquidator] Position re-read after cancel failed, using earlier snapshot: %v", err)
		}
	}

	exits := make([]exitOrder, 0, len(positions))
	for _, p := range positions {
		h, err := l.placeExit(ctx, p.Symbol, p.Quantity)
		exits = append(exits, exitOrder{symbol: p.Symbol, handle: h, err: err})
	}

	var retry []exitOrder
	for _, ex := range exits {
		if l.settle(ctx, ex) {
			report.PositionsFlattened++
			continue
		}
		retry = append(retry, ex)
	}

	for _, ex := range retry {
		logs.Warnf("[Liquidator] %s flatten unresolved after %s, retrying once", ex.symbol, l.cfg.FillTimeout)
		if ex.handle != nil {
			if err := l.gw.CancelOrder(ctx, *ex.handle); err != nil {
				logs.Warnf("[Liquidator] Cancel of stuck order %s failed: %v", ex.handle.ID, err)
			}
		}
		remaining, err := l.positionOf(ctx, ex.symbol)
		if err != nil {
			logs.Errorf("[Liquidator] Cannot re-read %s position: %v", ex.symbol, err)
			report.Unresolved = append(report.Unresolved, ex.symbol)
			continue
		}
		if remaining == 0 {
			report.PositionsFlattened++
			continue
		}
		h, err := l.placeExit(ctx, ex.symbol, remaining)
		if l.settle(ctx, exitOrder{symbol: ex.symbol, handle: h, err: err}) {
			report.PositionsFlattened++
			continue
		}
		report.Unresolved = append(report.Unresolved, ex.symbol)
	}

	report.Duration = time.Since(start)
	sort.Strings(report.Unresolved)

	fields := map[string]string{
		"orders_cancelled":    strconv.Itoa(report.OrdersCancelled),
		"positions_flattened": strconv.Itoa(report.PositionsFlattened),
	}
	if len(report.Unresolved) > 0 {
		metrics.IncLiquidation("unresolved")
		fields["unresolved"] = strings.Join(report.Unresolved, ",")
		logs.Errorf("[Liquidator] Flatten incomplete: %d orders cancelled, %d positions flattened, unresolved %v. Operator attention required.",
			report.OrdersCancelled, report.PositionsFlattened, report.Unresolved)
		l.sink.Publish(telemetry.Event{Source: "liquidator", Kind: "liquidation", Message: "flatten incomplete", Fields: fields})
		return report, fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(report.Unresolved, ", "))
	}

	metrics.IncLiquidation("ok")
	logs.Infof("[Liquidator] Flatten complete: %d orders cancelled, %d positions flattened in %s",
		report.OrdersCancelled, report.PositionsFlattened, report.Duration.Round(time.Millisecond))
	l.sink.Publish(telemetry.Event{Source: "liquidator", Kind: "liquidation", Message: "flatten complete", Fields: fields})
	return report, nil
}

func (l *Liquidator) placeExit(ctx context.Context, symbol string, qty int64) (*exchange.OrderHandle, error) {
	action := exchange.Sell
	if qty < 0 {
		action = exchange.Buy
	}
	req := exchange.OrderRequest{
		Instrument: exchange.NewStock(symbol),
		Action:     action,
		Quantity:   utils.AbsInt64(qty),
		Type:       exchange.Market,
	}
	h, err := l.gw.PlaceOrder(ctx, req)
	if err != nil {
		logs.Errorf("[Liquidator] Flatten order %s failed: %v", req, err)
		return nil, err
	}
	logs.Infof("[Liquidator] Flatten order %s placed: %s", h.ID, req)
	return h, nil
}

// settle waits for ex to fill. It reports false on placement error, timeout
// or any terminal status other than FILLED.
func (l *Liquidator) settle(ctx context.Context, ex exitOrder) bool {
	if ex.err != nil || ex.handle == nil {
		return false
	}
	st, err := l.awaitTerminal(ctx, *ex.handle)
	if err != nil {
		logs.Warnf("[Liquidator] %s flatten order %s: %v", ex.symbol, ex.handle.ID, err)
		return false
	}
	if st != exchange.Filled {
		logs.Warnf("[Liquidator] %s flatten order %s ended %s", ex.symbol, ex.handle.ID, st)
		return false
	}
	return true
}

// awaitTerminal polls the order status until it is terminal or FillTimeout passes.
func (l *Liquidator) awaitTerminal(ctx context.Context, h exchange.OrderHandle) (exchange.OrderStatus, error) {
	if h.Status.IsTerminal() {
		return h.Status, nil
	}
	deadline := time.Now().Add(l.cfg.FillTimeout)
	for {
		st, err := l.gw.OrderStatus(ctx, h)
		if err == nil && st.IsTerminal() {
			return st, nil
		}
		if err != nil {
			logs.Debugf("[Liquidator] Status read for %s failed: %v", h.ID, err)
		}
		if !time.Now().Before(deadline) {
			return st, fmt.Errorf("%w waiting for order %s", exchange.ErrTimeout, h.ID)
		}
		if err := l.sleep(ctx, l.cfg.PollInterval); err != nil {
			return st, err
		}
	}
}

func (l *Liquidator) positionOf(ctx context.Context, symbol string) (int64, error) {
	positions, err := l.gw.Positions(ctx)
	if err != nil {
		return 0, err
	}
	return exchange.PositionFor(positions, symbol).Quantity, nil
}

func nonZero(positions []exchange.PositionSnapshot) []exchange.PositionSnapshot {
	out := positions[:0:0]
	for _, p := range positions {
		if p.Quantity != 0 {
			out = append(out, p)
		}
	}
	return out
}
