package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"auto_ibkr_go/config"
	"auto_ibkr_go/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGateway replays a position script and records every order call.
// It also checks the stop invariants as calls arrive.
type scriptedGateway struct {
	mu sync.Mutex

	position    func(call int) int64
	posCalls    int
	posErr      error
	lastQty     int64
	stuckCancel bool
	ackAfter    int
	failPlaceAt int // 1-based placement index that always fails; 0 disables
	placeErr    error

	nextID     int
	placements int
	orders     map[string]*exchange.OrderHandle
	pending    map[string]int
	log        []string
	violations []string
}

func newScriptedGateway(position func(call int) int64) *scriptedGateway {
	return &scriptedGateway{
		position: position,
		nextID:   100,
		orders:   make(map[string]*exchange.OrderHandle),
		pending:  make(map[string]int),
	}
}

func (g *scriptedGateway) Connect(ctx context.Context) (bool, error) { return true, nil }
func (g *scriptedGateway) Disconnect() error                         { return nil }

func (g *scriptedGateway) Positions(ctx context.Context) ([]exchange.PositionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.posErr != nil {
		return nil, g.posErr
	}
	q := g.position(g.posCalls)
	g.posCalls++
	g.lastQty = q
	if q == 0 {
		return nil, nil
	}
	return []exchange.PositionSnapshot{{Symbol: "AAPL", Quantity: q}}, nil
}

// protectiveStops returns live SELL stops, which only the protective stop uses
// in a LONG run.
func (g *scriptedGateway) protectiveStops_noLock() []*exchange.OrderHandle {
	var out []*exchange.OrderHandle
	for _, o := range g.orders {
		if o.Type == exchange.Stop && o.Action == exchange.Sell && o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	return out
}

func (g *scriptedGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placements++
	if g.failPlaceAt > 0 && g.placements >= g.failPlaceAt {
		g.log = append(g.log, "place-fail")
		if g.placeErr != nil {
			return nil, g.placeErr
		}
		return nil, fmt.Errorf("%w: scripted", exchange.ErrGatewayUnavailable)
	}
	if req.Type == exchange.Stop && req.Action == exchange.Sell {
		if live := g.protectiveStops_noLock(); len(live) > 0 {
			g.violations = append(g.violations, fmt.Sprintf("stop placed while %s still live", live[0].ID))
		}
		if abs := g.lastQty; abs < 0 || req.Quantity > abs {
			g.violations = append(g.violations, fmt.Sprintf("stop %d exceeds position %d", req.Quantity, g.lastQty))
		}
	}
	g.nextID++
	h := &exchange.OrderHandle{
		ID: strconv.Itoa(g.nextID), ClientID: req.ClientID, Symbol: req.Instrument.Symbol,
		Action: req.Action, Type: req.Type, Quantity: req.Quantity, Price: req.Price, Status: exchange.Working,
	}
	g.orders[h.ID] = h
	g.log = append(g.log, fmt.Sprintf("place %s %s %d", req.Type, req.Action, req.Quantity))
	cp := *h
	return &cp, nil
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, order exchange.OrderHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = append(g.log, "cancel "+order.ID)
	if _, ok := g.orders[order.ID]; !ok {
		return exchange.ErrNotFound
	}
	if !g.stuckCancel {
		g.pending[order.ID] = g.ackAfter
	}
	return nil
}

func (g *scriptedGateway) CancelAll(ctx context.Context) error { return nil }

func (g *scriptedGateway) OrderStatus(ctx context.Context, order exchange.OrderHandle) (exchange.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[order.ID]
	if !ok {
		return "", exchange.ErrNotFound
	}
	if n, ok := g.pending[order.ID]; ok {
		if n <= 0 {
			delete(g.pending, order.ID)
			o.Status = exchange.Cancelled
			g.log = append(g.log, "cancelled "+order.ID)
		} else {
			g.pending[order.ID] = n - 1
		}
	}
	return o.Status, nil
}

func (g *scriptedGateway) OpenOrders(ctx context.Context) ([]exchange.OrderHandle, error) {
	return nil, nil
}

func (g *scriptedGateway) AccountSummary(ctx context.Context) (exchange.AccountSummary, error) {
	return exchange.AccountSummary{}, nil
}

func (g *scriptedGateway) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.log...)
}

func (g *scriptedGateway) problems() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.violations...)
}

type countingCleaner struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingCleaner) CleanupOrders(ctx context.Context, symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, symbol)
	return 0
}

func (c *countingCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:       time.Millisecond,
		CancelTimeout:      50 * time.Millisecond,
		CancelPollInterval: time.Millisecond,
		RetryBackoff:       time.Millisecond,
		MaxReadFailures:    3,
		TickSize:           dec("0.01"),
	}
}

func longParams() Params {
	return Params{
		Symbol: "AAPL", Direction: Long, InitialPrice: dec("100"),
		PositionSize: 10, Increment: dec("1"), StopDistance: dec("1"), NumIncrements: 3,
	}
}

// positions steps through values, holding each for the given number of reads.
func positions(steps ...[2]int64) func(int) int64 {
	return func(call int) int64 {
		n := 0
		for _, s := range steps {
			n += int(s[1])
			if call < n {
				return s[0]
			}
		}
		return steps[len(steps)-1][0]
	}
}

func indexOf(calls []string, want string, from int) int {
	for i := from; i < len(calls); i++ {
		if calls[i] == want {
			return i
		}
	}
	return -1
}

func TestEngineTracksPositionWithSingleStop(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 2}, [2]int64{10, 2}, [2]int64{25, 3}, [2]int64{0, 1}))
	gw.ackAfter = 2
	cleaner := &countingCleaner{}
	engine := NewEngine(gw, cleaner, testEngineConfig(), nil)

	state, err := engine.Run(context.Background(), longParams())
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Empty(t, gw.problems())
	assert.Equal(t, 1, cleaner.count())

	calls := gw.calls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{
		"place STOP BUY 10", "place STOP BUY 10", "place STOP BUY 10", "place LIMIT SELL 30",
	}, calls[:4])

	first := indexOf(calls, "place STOP SELL 10", 4)
	require.NotEqual(t, -1, first, "no stop for 10 shares in %v", calls)
	cancel := indexOf(calls, "cancel 105", first)
	confirmed := indexOf(calls, "cancelled 105", cancel)
	replaced := indexOf(calls, "place STOP SELL 25", first)
	require.NotEqual(t, -1, cancel)
	require.NotEqual(t, -1, confirmed)
	require.NotEqual(t, -1, replaced)
	assert.Less(t, cancel, confirmed)
	assert.Less(t, confirmed, replaced)

	snap := engine.Snapshot()
	assert.Equal(t, "DONE", snap.State)
	assert.Nil(t, snap.Stop)
	assert.Len(t, snap.Levels, 3)
}

func TestEngineStopPriceFromExecutedLevels(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{10, 2}, [2]int64{0, 1}))
	engine := NewEngine(gw, &countingCleaner{}, testEngineConfig(), nil)

	_, err := engine.Run(context.Background(), longParams())
	require.NoError(t, err)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	var stop *exchange.OrderHandle
	for _, o := range gw.orders {
		if o.Type == exchange.Stop && o.Action == exchange.Sell {
			stop = o
		}
	}
	require.NotNil(t, stop)
	assert.True(t, stop.Price.Equal(dec("99")), stop.Price.String())
}

func TestEngineKeepsStopWhenCancelUnconfirmed(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{10, 1}, [2]int64{25, 1}))
	gw.stuckCancel = true
	cleaner := &countingCleaner{}
	engine := NewEngine(gw, cleaner, testEngineConfig(), nil)

	state, err := engine.Run(context.Background(), longParams())
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, ErrUnrecoverable), "got %v", err)
	assert.Empty(t, gw.problems())
	assert.Equal(t, 1, cleaner.count())

	stops := 0
	for _, c := range gw.calls() {
		if c == "place STOP SELL 10" || c == "place STOP SELL 25" {
			stops++
		}
	}
	assert.Equal(t, 1, stops, "replacement must not be placed while the old stop is live")
}

func TestEngineRejectsInvalidParameters(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 1}))
	cleaner := &countingCleaner{}
	engine := NewEngine(gw, cleaner, testEngineConfig(), nil)

	p := longParams()
	p.NumIncrements = 0
	state, err := engine.Run(context.Background(), p)
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, ErrInvalidParameters))
	assert.Empty(t, gw.calls())
	assert.Equal(t, 0, cleaner.count())

	state, err = engine.Run(context.Background(), longParams())
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, ErrAlreadyRun))
}

func TestEnginePlacementFailureCleansUp(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 1}))
	gw.failPlaceAt = 3
	cleaner := &countingCleaner{}
	engine := NewEngine(gw, cleaner, testEngineConfig(), nil)

	state, err := engine.Run(context.Background(), longParams())
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, exchange.ErrGatewayUnavailable))
	assert.Equal(t, 1, cleaner.count())
	assert.Equal(t, []string{"place STOP BUY 10", "place STOP BUY 10", "place-fail", "place-fail"}, gw.calls())
	assert.Equal(t, "FAILED", engine.Snapshot().State)
	assert.NotEmpty(t, engine.Snapshot().LastError)
}

func TestEngineDoesNotRetryRejectedOrders(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 1}))
	gw.failPlaceAt = 2
	gw.placeErr = fmt.Errorf("%w: price outside limits", exchange.ErrOrderRejected)
	cleaner := &countingCleaner{}
	engine := NewEngine(gw, cleaner, testEngineConfig(), nil)

	state, err := engine.Run(context.Background(), longParams())
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, exchange.ErrOrderRejected))
	assert.Equal(t, []string{"place STOP BUY 10", "place-fail"}, gw.calls())
	assert.Equal(t, 1, cleaner.count())
}

func TestEngineContextCancelDuringPacedPlacement(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 1}))
	cleaner := &countingCleaner{}
	cfg := testEngineConfig()
	cfg.PlacementDelay = 100 * time.Millisecond
	engine := NewEngine(gw, cleaner, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	state, err := engine.Run(ctx, longParams())
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Equal(t, []string{"place STOP BUY 10"}, gw.calls())
	assert.Equal(t, 1, cleaner.count())
	assert.Empty(t, engine.Snapshot().LastError)
}

func TestEngineClosesWhenFlattenedExternally(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 3}, [2]int64{20, 3}, [2]int64{0, 1}))
	cleaner := &countingCleaner{}
	engine := NewEngine(gw, cleaner, testEngineConfig(), nil)

	state, err := engine.Run(context.Background(), longParams())
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Equal(t, 1, cleaner.count())
	assert.Empty(t, gw.problems())
}

func TestEngineEscalatesPersistentReadFailures(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 1}))
	gw.posErr = exchange.ErrGatewayUnavailable
	engine := NewEngine(gw, &countingCleaner{}, testEngineConfig(), nil)

	state, err := engine.Run(context.Background(), longParams())
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, ErrUnrecoverable))
}

func TestEngineShutdownRunsCleanup(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{10, 1}))
	cleaner := &countingCleaner{}
	engine := NewEngine(gw, cleaner, testEngineConfig(), nil)

	done := make(chan State, 1)
	go func() {
		state, _ := engine.Run(context.Background(), longParams())
		done <- state
	}()

	require.Eventually(t, func() bool { return engine.Snapshot().Stop != nil }, time.Second, time.Millisecond)
	engine.Shutdown()
	engine.Shutdown()

	select {
	case state := <-done:
		assert.Equal(t, StateDone, state)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, 1, cleaner.count())
}

func TestEngineContextCancelActsAsShutdown(t *testing.T) {
	gw := newScriptedGateway(positions([2]int64{0, 1}))
	engine := NewEngine(gw, &countingCleaner{}, testEngineConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan State, 1)
	go func() {
		state, _ := engine.Run(ctx, longParams())
		done <- state
	}()
	require.Eventually(t, func() bool { return engine.State() == StateMonitoring }, time.Second, time.Millisecond)
	cancel()

	select {
	case state := <-done:
		assert.Equal(t, StateDone, state)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineWithMockVenue(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.SetPrice("AAPL", dec("99.5"))
	cleaner := &countingCleaner{}
	engine := NewEngine(mock, cleaner, testEngineConfig(), nil)

	done := make(chan State, 1)
	go func() {
		state, _ := engine.Run(context.Background(), longParams())
		done <- state
	}()
	require.Eventually(t, func() bool { return engine.State() == StateMonitoring }, time.Second, time.Millisecond)

	mock.SetPrice("AAPL", dec("101.2"))
	require.Eventually(t, func() bool {
		s := engine.Snapshot()
		return s.Stop != nil && s.Stop.Quantity == 20
	}, time.Second, time.Millisecond)

	// Price falls through the stop.
	mock.SetPrice("AAPL", dec("98.9"))
	select {
	case state := <-done:
		assert.Equal(t, StateDone, state)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not close")
	}

	positions, err := mock.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestParamsFromConfig(t *testing.T) {
	c := config.NewScaleInConfig()
	c.EntryPrice = 230.5
	c.PositionSize = 10

	p, err := ParamsFromConfig("aapl", c)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", p.Symbol)
	assert.Equal(t, Long, p.Direction)
	assert.True(t, p.InitialPrice.Equal(dec("230.5")))

	c.Direction = "sideways"
	_, err = ParamsFromConfig("AAPL", c)
	assert.True(t, errors.Is(err, ErrInvalidParameters))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "PLACING_ENTRIES", StatePlacingEntries.String())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateMonitoring.IsTerminal())
}
