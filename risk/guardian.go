// risk/guardian.go
package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"auto_ibkr_go/exchange"
	"auto_ibkr_go/liquidator"
	"auto_ibkr_go/logs"
	"auto_ibkr_go/metrics"
	"auto_ibkr_go/telemetry"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrUnrecoverable is returned by Run when the broker connection cannot be restored.
var ErrUnrecoverable = errors.New("guardian lost the broker connection")

// Guardian states.
const (
	StateIdle    = "IDLE"
	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
)

// Flattener closes every position on the account.
type Flattener interface {
	FlattenAll(ctx context.Context) (liquidator.Report, error)
}

// localCheck is implemented by checks that need no broker read.
type localCheck interface {
	local() bool
}

func (c *timeCutoffCheck) local() bool { return true }

// GuardianConfig controls the loop timing.
type GuardianConfig struct {
	Interval          time.Duration
	HeartbeatInterval time.Duration
	// Consecutive cycles in which every broker read failed before a reconnect is tried.
	MaxFailedCycles int
}

// CheckResult is the outcome of one check in one cycle.
type CheckResult struct {
	Name    string `json:"name"`
	Breach  string `json:"breach,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CycleResult summarises one guardian pass.
type CycleResult struct {
	Number       int           `json:"number"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	Checks       []CheckResult `json:"checks"`
	Breaches     int           `json:"breaches"`
	Skipped      int           `json:"skipped"`
	Flattened    bool          `json:"flattened"`
	FlattenError string        `json:"flatten_error,omitempty"`
	Cutoff       bool          `json:"cutoff"`
	ReadsFailed  bool          `json:"reads_failed"`
}

// Snapshot is the guardian view served on the status endpoint.
type Snapshot struct {
	State     string       `json:"state"`
	Cycles    int          `json:"cycles"`
	LastCycle *CycleResult `json:"last_cycle,omitempty"`
	StopCause string       `json:"stop_cause,omitempty"`
}

// Guardian runs the account checks on a fixed interval and liquidates the
// account when any of them is breached.
type Guardian struct {
	gw        exchange.Gateway
	flattener Flattener
	cfg       GuardianConfig
	sink      telemetry.Sink
	now       func() time.Time

	mu        sync.Mutex
	state     string
	cycles    int
	last      *CycleResult
	stopCause string

	lastHeartbeat time.Time
	shutdownCh    chan struct{}
	shutdownOnce  sync.Once
}

func NewGuardian(gw exchange.Gateway, flattener Flattener, cfg GuardianConfig, sink telemetry.Sink) *Guardian {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxFailedCycles <= 0 {
		cfg.MaxFailedCycles = 3
	}
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Guardian{
		gw:         gw,
		flattener:  flattener,
		cfg:        cfg,
		sink:       sink,
		now:        time.Now,
		state:      StateIdle,
		shutdownCh: make(chan struct{}),
	}
}

// Shutdown stops the loop immediately.
func (g *Guardian) Shutdown() {
	g.shutdownOnce.Do(func() { close(g.shutdownCh) })
}

// Snapshot returns the last cycle and counters.
func (g *Guardian) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Snapshot{State: g.state, Cycles: g.cycles, StopCause: g.stopCause}
	if g.last != nil {
		cp := *g.last
		cp.Checks = append([]CheckResult(nil), g.last.Checks...)
		s.LastCycle = &cp
	}
	return s
}

// Run evaluates every check once per interval until shutdown, context
// cancellation, a time-cutoff breach, or an unrecoverable connection loss.
func (g *Guardian) Run(ctx context.Context, limits Limits) error {
	checks := DefaultChecks(limits)
	g.setState(StateRunning, "")
	g.lastHeartbeat = g.now()

	cutoff := "disabled"
	if !limits.TimerDisabled {
		cutoff = limits.CutoffOn(g.now()).Format("15:04 MST")
	}
	logs.Infof("[Guardian] Started. Interval %s, exit %s, max size %d, max positions %d, max trades %d, max drawdown %s",
		g.cfg.Interval, cutoff, limits.MaxPositionSize, limits.MaxOpenPositions, limits.MaxTradesPerDay, limits.MaxDailyDrawdown.StringFixed(2))

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	failedCycles := 0
	for {
		res := g.runCycle(ctx, checks)

		if res.Cutoff {
			g.stop("time cutoff reached")
			return nil
		}

		if res.ReadsFailed {
			failedCycles++
			if failedCycles >= g.cfg.MaxFailedCycles {
				if err := g.reconnect(ctx); err != nil {
					g.stop("connection lost")
					return fmt.Errorf("%w: %v", ErrUnrecoverable, err)
				}
				failedCycles = 0
			}
		} else {
			failedCycles = 0
		}

		g.heartbeat()

		select {
		case <-ctx.Done():
			g.stop("context cancelled")
			return nil
		case <-g.shutdownCh:
			g.stop("shutdown requested")
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Guardian) reconnect(ctx context.Context) error {
	logs.Warnf("[Guardian] Every broker read failed for %d cycles, reconnecting...", g.cfg.MaxFailedCycles)
	ok, err := g.gw.Connect(ctx)
	if err != nil {
		logs.Errorf("[Guardian] Reconnect failed: %v", err)
		return err
	}
	if !ok {
		logs.Error("[Guardian] Reconnect refused by the gateway.")
		return exchange.ErrGatewayUnavailable
	}
	logs.Info("[Guardian] Reconnected to the gateway.")
	return nil
}

// runCycle evaluates every check concurrently and liquidates once if any breached.
func (g *Guardian) runCycle(ctx context.Context, checks []Check) CycleResult {
	start := g.now()
	results := make([]CheckResult, len(checks))
	breaches := make([]Breach, len(checks))

	var eg errgroup.Group
	for i, c := range checks {
		eg.Go(func() error {
			results[i] = CheckResult{Name: c.Name()}
			defer func() {
				if r := recover(); r != nil {
					results[i].Skipped = true
					results[i].Error = fmt.Sprintf("panic: %v", r)
				}
			}()
			b, err := c.Evaluate(ctx, g.gw, start)
			if err != nil {
				results[i].Skipped = true
				results[i].Error = err.Error()
				return nil
			}
			if b != nil {
				breaches[i] = b
				results[i].Breach = b.Description()
			}
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	g.cycles++
	number := g.cycles
	g.mu.Unlock()

	res := CycleResult{Number: number, Started: start, Checks: results}
	remote, remoteFailed := 0, 0
	var found []string
	for i, r := range results {
		_, isLocal := checks[i].(localCheck)
		if !isLocal {
			remote++
		}
		if r.Skipped {
			res.Skipped++
			if !isLocal {
				remoteFailed++
			}
			metrics.IncCheckSkipped(r.Name)
			logs.Warnf("[Guardian] Check %s skipped this cycle: %s", r.Name, r.Error)
			continue
		}
		if b := breaches[i]; b != nil {
			res.Breaches++
			found = append(found, b.Check())
			if _, ok := b.(*TimeCutoffBreach); ok {
				res.Cutoff = true
			}
			metrics.IncBreach(b.Check())
			logs.WithFields(logrus.Fields{"check": b.Check()}).Errorf("[Guardian] BREACH: %s", b.Description())
			g.sink.Publish(telemetry.Event{Source: "guardian", Kind: "breach", Message: b.Description(), Fields: map[string]string{"check": b.Check()}})
		}
	}
	res.ReadsFailed = remote > 0 && remoteFailed == remote

	if res.Breaches > 0 {
		logs.Warnf("[Guardian] %d breach(es) this cycle (%s), liquidating account", res.Breaches, strings.Join(found, ", "))
		report, err := g.flattener.FlattenAll(context.WithoutCancel(ctx))
		res.Flattened = true
		if err != nil {
			res.FlattenError = err.Error()
			logs.Errorf("[Guardian] Liquidation did not complete: %v", err)
		} else {
			logs.Infof("[Guardian] Liquidation done: %d orders cancelled, %d positions flattened", report.OrdersCancelled, report.PositionsFlattened)
		}
	} else {
		logs.Debugf("[Guardian] Cycle %d: %d checks passed, %d skipped", number, len(checks)-res.Skipped, res.Skipped)
	}

	res.Duration = g.now().Sub(start)
	metrics.IncGuardianCycle()

	g.mu.Lock()
	g.last = &res
	g.mu.Unlock()
	return res
}

func (g *Guardian) heartbeat() {
	if g.cfg.HeartbeatInterval <= 0 {
		return
	}
	now := g.now()
	if now.Sub(g.lastHeartbeat) < g.cfg.HeartbeatInterval {
		return
	}
	g.lastHeartbeat = now
	snap := g.Snapshot()
	breaches := 0
	if snap.LastCycle != nil {
		breaches = snap.LastCycle.Breaches
	}
	logs.Infof("[Guardian] Heartbeat: %d cycles completed, last cycle had %d breaches", snap.Cycles, breaches)
}

func (g *Guardian) setState(state, cause string) {
	g.mu.Lock()
	g.state = state
	g.stopCause = cause
	g.mu.Unlock()
}

func (g *Guardian) stop(cause string) {
	g.setState(StateStopped, cause)
	g.mu.Lock()
	cycles := g.cycles
	g.mu.Unlock()
	logs.Infof("[Guardian] Stopped after %d cycles: %s", cycles, cause)
	g.sink.Publish(telemetry.Event{
		Source: "guardian", Kind: "state", Message: "guardian stopped",
		Fields: map[string]string{"cause": cause, "cycles": strconv.Itoa(cycles)},
	})
}
