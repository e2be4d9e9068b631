// strategy/scalein.go
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"auto_ibkr_go/config"
	"auto_ibkr_go/exchange"
	"auto_ibkr_go/logs"
	"auto_ibkr_go/metrics"
	"auto_ibkr_go/telemetry"
	"auto_ibkr_go/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrUnrecoverable marks a second consecutive failure on a critical path.
var ErrUnrecoverable = errors.New("unrecoverable engine failure")

// ErrAlreadyRun is returned when Run is called on an engine that has left IDLE.
var ErrAlreadyRun = errors.New("engine already ran")

// errStopRequested aborts placement when shutdown or cancellation arrives mid-call.
var errStopRequested = errors.New("stop requested")

// State is the scaled-entry engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePlacingEntries
	StateMonitoring
	StateClosing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlacingEntries:
		return "PLACING_ENTRIES"
	case StateMonitoring:
		return "MONITORING"
	case StateClosing:
		return "CLOSING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminal reports whether the engine has finished.
func (s State) IsTerminal() bool { return s == StateDone || s == StateFailed }

// Params are the inputs of one ladder run.
type Params struct {
	Symbol        string
	Direction     Direction
	InitialPrice  decimal.Decimal
	PositionSize  int64
	Increment     decimal.Decimal
	StopDistance  decimal.Decimal
	NumIncrements int
}

// Validate rejects parameters that cannot produce a ladder.
func (p Params) Validate() error {
	switch {
	case strings.TrimSpace(p.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidParameters)
	case p.Direction != Long && p.Direction != Short:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidParameters, p.Direction)
	case p.NumIncrements < 1:
		return fmt.Errorf("%w: num_increments must be at least 1, got %d", ErrInvalidParameters, p.NumIncrements)
	case !p.Increment.IsPositive():
		return fmt.Errorf("%w: increment must be positive, got %s", ErrInvalidParameters, p.Increment)
	case !p.InitialPrice.IsPositive():
		return fmt.Errorf("%w: initial price must be positive, got %s", ErrInvalidParameters, p.InitialPrice)
	case p.PositionSize <= 0:
		return fmt.Errorf("%w: position size must be positive, got %d", ErrInvalidParameters, p.PositionSize)
	case !p.StopDistance.IsPositive():
		return fmt.Errorf("%w: stop distance must be positive, got %s", ErrInvalidParameters, p.StopDistance)
	}
	return nil
}

// ParamsFromConfig builds run parameters from the scale_in strategy block.
func ParamsFromConfig(symbol string, c *config.ScaleInConfig) (Params, error) {
	if c == nil {
		return Params{}, fmt.Errorf("%w: scale_in config missing", ErrInvalidParameters)
	}
	dir, err := ParseDirection(c.Direction)
	if err != nil {
		return Params{}, err
	}
	p := Params{
		Symbol:        strings.ToUpper(symbol),
		Direction:     dir,
		InitialPrice:  decimal.NewFromFloat(c.EntryPrice),
		PositionSize:  c.PositionSize,
		Increment:     decimal.NewFromFloat(c.Increment),
		StopDistance:  decimal.NewFromFloat(c.StopDistance),
		NumIncrements: c.NumIncrements,
	}
	return p, p.Validate()
}

// OrderCleaner cancels the working orders of one symbol.
type OrderCleaner interface {
	CleanupOrders(ctx context.Context, symbol string) int
}

// EngineConfig holds the engine's pacing and bounds.
type EngineConfig struct {
	PollInterval       time.Duration
	PlacementDelay     time.Duration
	CancelTimeout      time.Duration
	CancelPollInterval time.Duration
	RetryBackoff       time.Duration
	MaxReadFailures    int
	TickSize           decimal.Decimal
}

// DefaultEngineConfig returns one-second polling and a ten-second cancel bound.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:       time.Second,
		PlacementDelay:     200 * time.Millisecond,
		CancelTimeout:      10 * time.Second,
		CancelPollInterval: 250 * time.Millisecond,
		RetryBackoff:       500 * time.Millisecond,
		MaxReadFailures:    10,
		TickSize:           utils.DefaultTick,
	}
}

// EngineConfigFromConfig maps normal_config and the ladder tick size onto EngineConfig.
func EngineConfigFromConfig(n *config.NormalConfig, s *config.ScaleInConfig) EngineConfig {
	cfg := DefaultEngineConfig()
	if n != nil {
		cfg.PollInterval = time.Duration(n.EnginePollIntervalMs) * time.Millisecond
		cfg.PlacementDelay = time.Duration(n.PlacementDelayMs) * time.Millisecond
		cfg.CancelTimeout = time.Duration(n.CancelTimeoutSeconds) * time.Second
		cfg.CancelPollInterval = time.Duration(n.StatusPollIntervalMs) * time.Millisecond
		cfg.RetryBackoff = time.Duration(n.RetryBackoffMs) * time.Millisecond
		cfg.MaxReadFailures = n.MaxReadFailures
	}
	if s != nil && s.TickSize > 0 {
		cfg.TickSize = decimal.NewFromFloat(s.TickSize)
	}
	return cfg
}

// StopState is the single live protective stop and the size it was placed for.
type StopState struct {
	Order    exchange.OrderHandle `json:"order"`
	Quantity int64                `json:"quantity"`
}

// Snapshot is a point-in-time view of the engine for the status endpoint.
type Snapshot struct {
	RunID     string            `json:"run_id,omitempty"`
	Symbol    string            `json:"symbol,omitempty"`
	Direction Direction         `json:"direction,omitempty"`
	State     string            `json:"state"`
	Position  int64             `json:"position"`
	Stop      *StopState        `json:"stop,omitempty"`
	Levels    []decimal.Decimal `json:"levels,omitempty"`
	Target    decimal.Decimal   `json:"target"`
	LastError string            `json:"last_error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Engine places a ladder of stop-to-enter orders plus an aggregate profit
// target, then keeps exactly one protective stop sized to the live position
// until the position returns to zero.
type Engine struct {
	gw      exchange.Gateway
	cleaner OrderCleaner
	cfg     EngineConfig
	sink    telemetry.Sink
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	params    Params
	plan      Plan
	runID     string
	stop      *StopState
	position  int64
	lastErr   error
	updatedAt time.Time

	// Owned by the Run goroutine.
	entries      []exchange.OrderHandle
	target       *exchange.OrderHandle
	sawFill      bool
	readFailures int
	stopFailures int
	log          *logrus.Entry
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewEngine wires an engine to the shared gateway and the order cleaner.
func NewEngine(gw exchange.Gateway, cleaner OrderCleaner, cfg EngineConfig, sink telemetry.Sink) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 250 * time.Millisecond
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 10
	}
	if !cfg.TickSize.IsPositive() {
		cfg.TickSize = utils.DefaultTick
	}
	if sink == nil {
		sink = telemetry.Discard
	}
	limit := rate.Inf
	if cfg.PlacementDelay > 0 {
		limit = rate.Every(cfg.PlacementDelay)
	}
	return &Engine{
		gw:         gw,
		cleaner:    cleaner,
		cfg:        cfg,
		sink:       sink,
		limiter:    rate.NewLimiter(limit, 1),
		sleep:      sleepCtx,
		state:      StateIdle,
		log:        logs.WithFields(logrus.Fields{}),
		shutdownCh: make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Shutdown asks Run to stop at its next safe checkpoint and clean up.
// A cancel/replace pair already in flight always completes first.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() { close(e.shutdownCh) })
}

func (e *Engine) stopping(ctx context.Context) bool {
	select {
	case <-e.shutdownCh:
		return true
	default:
		return ctx.Err() != nil
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a copy of the engine's observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		RunID:     e.runID,
		Symbol:    e.params.Symbol,
		Direction: e.params.Direction,
		State:     e.state.String(),
		Position:  e.position,
		Levels:    append([]decimal.Decimal(nil), e.plan.Levels...),
		Target:    e.plan.Target,
		UpdatedAt: e.updatedAt,
	}
	if e.stop != nil {
		cp := *e.stop
		s.Stop = &cp
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

// Run executes one ladder to completion and returns the terminal state.
// Cancelling ctx behaves like Shutdown.
func (e *Engine) Run(ctx context.Context, p Params) (State, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return e.State(), ErrAlreadyRun
	}
	p.Symbol = strings.ToUpper(p.Symbol)
	e.params = p
	e.runID = uuid.NewString()
	e.mu.Unlock()

	e.log = logs.WithFields(logrus.Fields{"symbol": p.Symbol, "run_id": e.runID[:8]})

	plan, err := BuildPlan(p, e.cfg.TickSize)
	if err != nil {
		e.setErr(err)
		e.transition(StateFailed, err.Error())
		return StateFailed, err
	}
	e.mu.Lock()
	e.plan = plan
	e.mu.Unlock()

	e.log.Infof("[Engine] %s ladder: levels %v, initial stop %s, target %s x%d",
		p.Direction, plan.Levels, plan.InitialStop, plan.Target, plan.TargetQty)

	e.transition(StatePlacingEntries, "run started")
	if err := e.placeLadder(ctx); err != nil {
		return e.fail(ctx, err)
	}
	if e.stopping(ctx) {
		return e.close(ctx, "shutdown during placement")
	}

	e.transition(StateMonitoring, fmt.Sprintf("%d entries and target placed", len(e.entries)))
	return e.monitor(ctx)
}

// placeLadder submits every entry then the aggregate target, paced by the limiter.
func (e *Engine) placeLadder(ctx context.Context) error {
	p := e.params
	for i, lvl := range e.plan.Levels {
		if e.stopping(ctx) {
			return nil
		}
		req := exchange.OrderRequest{
			Instrument: exchange.NewStock(p.Symbol),
			Action:     p.Direction.EntryAction(),
			Quantity:   p.PositionSize,
			Type:       exchange.Stop,
			Price:      lvl,
		}
		h, err := e.place(ctx, req)
		if errors.Is(err, errStopRequested) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("placing entry %d/%d at %s: %w", i+1, len(e.plan.Levels), lvl, err)
		}
		e.entries = append(e.entries, *h)
	}
	if e.stopping(ctx) {
		return nil
	}

	req := exchange.OrderRequest{
		Instrument: exchange.NewStock(p.Symbol),
		Action:     p.Direction.ExitAction(),
		Quantity:   e.plan.TargetQty,
		Type:       exchange.Limit,
		Price:      e.plan.Target,
	}
	h, err := e.place(ctx, req)
	if errors.Is(err, errStopRequested) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("placing profit target at %s: %w", e.plan.Target, err)
	}
	e.target = h
	return nil
}

// place submits a ladder order. Shutdown or cancellation while it waits aborts
// the placement with errStopRequested.
func (e *Engine) place(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderHandle, error) {
	return e.submit(ctx, req, true)
}

// submit sends req, retrying once after RetryBackoff under the same client id.
// Venue rejections are not retried. A venue handle in ERROR status is logged
// but not treated as a call failure.
func (e *Engine) submit(ctx context.Context, req exchange.OrderRequest, interruptible bool) (*exchange.OrderHandle, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	var h *exchange.OrderHandle
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if werr := e.limiter.Wait(ctx); werr != nil {
			if interruptible && e.stopping(ctx) {
				return nil, errStopRequested
			}
			return nil, werr
		}
		h, err = e.gw.PlaceOrder(ctx, req)
		if err == nil {
			break
		}
		if interruptible && e.stopping(ctx) {
			e.log.Warnf("[Engine] Order %s interrupted by shutdown: %v", req, err)
			return nil, errStopRequested
		}
		if exchange.IsRejection(err) {
			return nil, err
		}
		if attempt == 1 {
			e.log.Warnf("[Engine] Order %s failed, retrying once: %v", req, err)
			if serr := e.sleep(ctx, e.cfg.RetryBackoff); serr != nil {
				if interruptible && e.stopping(ctx) {
					return nil, errStopRequested
				}
				return nil, err
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if h.Status == exchange.Errored {
		e.log.Warnf("[Engine] Venue marked order %s (%s) as ERROR", h.ID, req)
	} else {
		e.log.Infof("[Engine] Order %s placed: %s", h.ID, req)
	}
	return h, nil
}

func (e *Engine) monitor(ctx context.Context) (State, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if e.stopping(ctx) {
			return e.close(ctx, "shutdown requested")
		}
		closed, err := e.tick(ctx)
		if err != nil {
			return e.fail(ctx, err)
		}
		if closed {
			return e.close(ctx, "position closed")
		}
		select {
		case <-ctx.Done():
		case <-e.shutdownCh:
		case <-ticker.C:
		}
	}
}

// tick re-reads the position and brings the protective stop in line with it.
// It reports true once a position that was open has returned to zero.
func (e *Engine) tick(ctx context.Context) (bool, error) {
	positions, err := e.gw.Positions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		e.readFailures++
		e.log.Warnf("[Engine] Position read failed (%d/%d): %v", e.readFailures, e.cfg.MaxReadFailures, err)
		if e.readFailures >= e.cfg.MaxReadFailures {
			return false, fmt.Errorf("%w: %d consecutive position reads failed: %v", ErrUnrecoverable, e.readFailures, err)
		}
		return false, nil
	}
	e.readFailures = 0

	qty := exchange.PositionFor(positions, e.params.Symbol).Quantity
	size := utils.AbsInt64(qty)
	e.setPosition(qty)
	stop := e.currentStop()

	switch {
	case qty == 0 && stop == nil && !e.sawFill:
		return false, nil
	case qty == 0:
		return true, nil
	}
	e.sawFill = true

	if !e.sameSide(qty) {
		return false, fmt.Errorf("%w: position %d is on the wrong side of a %s ladder", ErrUnrecoverable, qty, e.params.Direction)
	}

	switch {
	case stop == nil:
		return false, e.placeStop(ctx, qty)
	case stop.Quantity != size:
		return e.replaceStop(ctx, *stop, qty)
	}
	return false, nil
}

func (e *Engine) sameSide(qty int64) bool {
	if e.params.Direction == Short {
		return qty < 0
	}
	return qty > 0
}

// placeStop places a protective stop for the live position. The placement is
// retried once; a second failure escalates.
func (e *Engine) placeStop(ctx context.Context, qty int64) error {
	size := utils.AbsInt64(qty)
	price := e.plan.StopPrice(qty, e.params.StopDistance, e.params.Direction, e.cfg.TickSize)
	req := exchange.OrderRequest{
		Instrument: exchange.NewStock(e.params.Symbol),
		Action:     e.params.Direction.ExitAction(),
		Quantity:   size,
		Type:       exchange.Stop,
		Price:      price,
	}
	h, err := e.submit(context.WithoutCancel(ctx), req, false)
	if err != nil {
		return fmt.Errorf("%w: protective stop for %d shares: %v", ErrUnrecoverable, size, err)
	}
	e.setStop(&StopState{Order: *h, Quantity: size})
	e.stopFailures = 0
	e.log.WithFields(logrus.Fields{"position": qty, "stop_id": h.ID, "state": StateMonitoring.String()}).
		Infof("[Engine] Protective stop placed: %d @ %s", size, price)
	e.sink.Publish(telemetry.Event{
		Source: "engine", Kind: "stop", Symbol: e.params.Symbol,
		Message: "protective stop placed",
		Fields:  map[string]string{"stop_id": h.ID, "quantity": strconv.FormatInt(size, 10), "price": price.String()},
	})
	return nil
}

// replaceStop cancels the current stop, waits for the cancel to be confirmed
// and only then places a stop for the new size. The pair runs detached from
// ctx so a shutdown cannot interrupt it halfway.
func (e *Engine) replaceStop(ctx context.Context, old StopState, qty int64) (bool, error) {
	pctx := context.WithoutCancel(ctx)
	e.log.WithFields(logrus.Fields{"position": qty, "stop_id": old.Order.ID, "stop_qty": old.Quantity}).
		Info("[Engine] Position changed, replacing protective stop")

	st, confirmed, err := e.cancelAndAwait(pctx, old.Order)
	if err != nil {
		return false, fmt.Errorf("%w: cancelling stop %s: %v", ErrUnrecoverable, old.Order.ID, err)
	}
	if !confirmed {
		e.stopFailures++
		e.log.Warnf("[Engine] Cancel of stop %s not confirmed within %s (status %s), keeping it (%d/2)",
			old.Order.ID, e.cfg.CancelTimeout, st, e.stopFailures)
		if e.stopFailures >= 2 {
			return false, fmt.Errorf("%w: stop %s still %s after two cancel attempts", ErrUnrecoverable, old.Order.ID, st)
		}
		return false, nil
	}

	e.setStop(nil)
	if st == exchange.Filled {
		e.log.Warnf("[Engine] Stop %s filled before its cancel landed, position is exiting", old.Order.ID)
		return true, nil
	}

	// The position may have moved again while the cancel was pending.
	if positions, rerr := e.gw.Positions(pctx); rerr == nil {
		fresh := exchange.PositionFor(positions, e.params.Symbol).Quantity
		e.setPosition(fresh)
		if fresh == 0 {
			return true, nil
		}
		qty = fresh
	}
	if err := e.placeStop(pctx, qty); err != nil {
		return false, err
	}
	metrics.IncStopReplacement(e.params.Symbol)
	return false, nil
}

// cancelAndAwait requests cancellation of h and polls until it is terminal or
// CancelTimeout elapses. After the timeout one last status read decides: a
// readable open status means the stop is still live, an unreadable one is
// treated as cancelled.
func (e *Engine) cancelAndAwait(ctx context.Context, h exchange.OrderHandle) (exchange.OrderStatus, bool, error) {
	if err := e.cancel(ctx, h); err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			e.log.Warnf("[Engine] Stop %s unknown to the venue, treating as cancelled", h.ID)
			return exchange.Cancelled, true, nil
		}
		return "", false, err
	}

	deadline := time.Now().Add(e.cfg.CancelTimeout)
	for time.Now().Before(deadline) {
		st, err := e.gw.OrderStatus(ctx, h)
		if err == nil && st.IsTerminal() {
			return st, true, nil
		}
		if err != nil {
			e.log.Debugf("[Engine] Status read for stop %s failed: %v", h.ID, err)
		}
		if err := e.sleep(ctx, e.cfg.CancelPollInterval); err != nil {
			return "", false, err
		}
	}

	st, err := e.gw.OrderStatus(ctx, h)
	switch {
	case err != nil:
		e.log.Warnf("[Engine] Stop %s cancel timed out and status is unreadable (%v), assuming cancelled", h.ID, err)
		return exchange.Cancelled, true, nil
	case st.IsTerminal():
		return st, true, nil
	}
	return st, false, nil
}

func (e *Engine) cancel(ctx context.Context, h exchange.OrderHandle) error {
	err := e.gw.CancelOrder(ctx, h)
	if err == nil || errors.Is(err, exchange.ErrNotFound) {
		return err
	}
	e.log.Warnf("[Engine] Cancel of %s failed, retrying once: %v", h.ID, err)
	if serr := e.sleep(ctx, e.cfg.RetryBackoff); serr != nil {
		return err
	}
	return e.gw.CancelOrder(ctx, h)
}

// close runs CLOSING: cancel whatever is still working for the symbol, then DONE.
func (e *Engine) close(ctx context.Context, reason string) (State, error) {
	e.transition(StateClosing, reason)
	cctx := context.WithoutCancel(ctx)
	n := e.cleaner.CleanupOrders(cctx, e.params.Symbol)
	e.setStop(nil)

	if positions, err := e.gw.Positions(cctx); err == nil {
		if q := exchange.PositionFor(positions, e.params.Symbol).Quantity; q != 0 {
			e.setPosition(q)
			e.log.Warnf("[Engine] Closed with %d shares still open and no protective stop", q)
		}
	}
	e.transition(StateDone, fmt.Sprintf("%d orders cleaned up", n))
	return StateDone, nil
}

// fail records err, cleans up best-effort and enters FAILED.
func (e *Engine) fail(ctx context.Context, err error) (State, error) {
	e.setErr(err)
	e.log.WithFields(logrus.Fields{"state": e.State().String(), "position": e.Snapshot().Position}).
		Errorf("[Engine] Unrecoverable error: %v", err)
	n := e.cleaner.CleanupOrders(context.WithoutCancel(ctx), e.params.Symbol)
	e.setStop(nil)
	e.transition(StateFailed, fmt.Sprintf("%d orders cleaned up after error", n))
	return StateFailed, err
}

func (e *Engine) transition(to State, reason string) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.updatedAt = time.Now()
	pos := e.position
	stopID := ""
	if e.stop != nil {
		stopID = e.stop.Order.ID
	}
	symbol := e.params.Symbol
	e.mu.Unlock()

	entry := e.log.WithFields(logrus.Fields{"from": from.String(), "state": to.String(), "position": pos, "stop_id": stopID})
	switch to {
	case StateFailed:
		entry.Errorf("[Engine] %s -> %s: %s", from, to, reason)
	default:
		entry.Infof("[Engine] %s -> %s: %s", from, to, reason)
	}
	metrics.SetEngineState(symbol, int(to))
	e.sink.Publish(telemetry.Event{
		Source: "engine", Kind: "state", Symbol: symbol,
		Message: fmt.Sprintf("%s -> %s", from, to),
		Fields:  map[string]string{"reason": reason, "position": strconv.FormatInt(pos, 10)},
	})
}

func (e *Engine) currentStop() *StopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == nil {
		return nil
	}
	cp := *e.stop
	return &cp
}

func (e *Engine) setStop(s *StopState) {
	e.mu.Lock()
	e.stop = s
	e.updatedAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) setPosition(q int64) {
	e.mu.Lock()
	e.position = q
	e.updatedAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}
