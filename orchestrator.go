// orchestrator.go
package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auto_ibkr_go/config"
	"auto_ibkr_go/exchange"
	"auto_ibkr_go/liquidator"
	"auto_ibkr_go/logs"
	"auto_ibkr_go/monitor"
	"auto_ibkr_go/risk"
	"auto_ibkr_go/strategy"
	"auto_ibkr_go/telemetry"
)

// Process modes selected with -mode.
const (
	ModeAll      = "all"
	ModeGuardian = "guardian"
	ModeScaleIn  = "scale-in"
	ModeFlatten  = "flatten"
)

type Orchestrator struct {
	cfg        *config.Config
	mode       string
	gateway    exchange.Gateway
	mock       *exchange.MockClient
	liquidator *liquidator.Liquidator
	engine     *strategy.Engine
	params     strategy.Params
	guardian   *risk.Guardian
	limits     risk.Limits
	hub        *telemetry.Hub
	monitor    *monitor.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	workers    sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

func NewOrchestrator(cfg *config.Config, mode string) (*Orchestrator, error) {
	runEngine, runGuardian, err := resolveMode(cfg, mode)
	if err != nil {
		return nil, err
	}

	var inner exchange.Gateway
	var mock *exchange.MockClient
	if cfg.UseSimulation {
		mock = exchange.NewMockClient()
		inner = mock
		logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")
	} else {
		inner = exchange.NewAPIClient(cfg.Broker.BaseURL, cfg.Broker.AccountID, cfg.Normal.HTTPTimeoutSeconds, cfg.Broker.InsecureSkipVerify)
	}
	gateway := exchange.NewSafeGateway(inner, cfg.Normal.GatewayMaxRetries, time.Duration(cfg.Normal.RetryBackoffMs)*time.Millisecond)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), time.Duration(cfg.Normal.HTTPTimeoutSeconds*(cfg.Normal.GatewayMaxRetries+1))*time.Second)
	defer cancelConnect()
	if ok, err := gateway.Connect(connectCtx); err != nil || !ok {
		if err == nil {
			err = exchange.ErrGatewayUnavailable
		}
		return nil, fmt.Errorf("failed to connect to the broker gateway: %w", err)
	}
	logs.Info("[Orchestrator] Broker session is up.")

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		mode:    mode,
		gateway: gateway,
		mock:    mock,
		hub:     telemetry.NewHub(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	o.liquidator = liquidator.New(gateway, liquidator.Config{
		FillTimeout:  time.Duration(cfg.Normal.FillTimeoutSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Normal.StatusPollIntervalMs) * time.Millisecond,
	}, o.hub)

	if runEngine {
		o.params, err = strategy.ParamsFromConfig(cfg.Symbol, cfg.ScaleIn)
		if err != nil {
			cancel()
			return nil, err
		}
		o.engine = strategy.NewEngine(gateway, o.liquidator, strategy.EngineConfigFromConfig(cfg.Normal, cfg.ScaleIn), o.hub)
		if mock != nil {
			entry, _ := o.params.InitialPrice.Float64()
			increment, _ := o.params.Increment.Float64()
			mock.Start(o.params.Symbol, entry, increment*float64(o.params.NumIncrements+1))
		}
	}
	if runGuardian {
		o.limits, err = risk.LimitsFromConfig(cfg.Guardian)
		if err != nil {
			cancel()
			return nil, err
		}
		o.guardian = risk.NewGuardian(gateway, o.liquidator, risk.GuardianConfig{
			Interval:          time.Duration(cfg.Normal.GuardianIntervalSeconds) * time.Second,
			HeartbeatInterval: time.Duration(cfg.Normal.HeartbeatIntervalMinute) * time.Minute,
			MaxFailedCycles:   3,
		}, o.hub)
	}

	if cfg.Monitor != nil && cfg.Monitor.Enabled {
		src := monitor.Sources{Gateway: gateway, Hub: o.hub}
		if o.engine != nil {
			src.Engine = o.engine.Snapshot
		}
		if o.guardian != nil {
			src.Guardian = o.guardian.Snapshot
		}
		o.monitor = monitor.NewServer(cfg.Monitor.Port, src)
	}

	if err := o.reconcile(ctx); err != nil {
		cancel()
		return nil, err
	}
	return o, nil
}

// resolveMode decides which workers run for mode given what the config enables.
func resolveMode(cfg *config.Config, mode string) (engine, guardian bool, err error) {
	switch mode {
	case ModeAll:
		return cfg.ScaleInEnabled, cfg.GuardianEnabled, nil
	case ModeScaleIn:
		if !cfg.ScaleInEnabled {
			return false, false, fmt.Errorf("mode %q requires the scale_in strategy to be enabled", mode)
		}
		return true, false, nil
	case ModeGuardian:
		if !cfg.GuardianEnabled {
			return false, false, fmt.Errorf("mode %q requires the guardian strategy to be enabled", mode)
		}
		return false, true, nil
	case ModeFlatten:
		return false, false, nil
	}
	return false, false, fmt.Errorf("unknown mode %q (want %s, %s, %s or %s)", mode, ModeAll, ModeGuardian, ModeScaleIn, ModeFlatten)
}

// reconcile logs what the account already holds. Nothing is restored from
// disk; the broker is the only source of truth.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	positions, err := o.gateway.Positions(ctx)
	if err != nil {
		return fmt.Errorf("failed to read positions at startup: %w", err)
	}
	open, err := o.gateway.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to read open orders at startup: %w", err)
	}

	if len(positions) == 0 && len(open) == 0 {
		logs.Info("[Orchestrator] No positions or working orders on the account. This is a fresh start.")
		return nil
	}
	for _, p := range positions {
		logs.Warnf("[Orchestrator-Reconciliation] Existing position: %s %d @ %s", p.Symbol, p.Quantity, p.AvgCost.StringFixed(2))
	}
	for _, h := range open {
		logs.Warnf("[Orchestrator-Reconciliation] Working order %s: %s %s %d %s @ %s", h.ID, h.Symbol, h.Action, h.Quantity, h.Type, h.Price)
	}
	if o.engine != nil {
		if q := exchange.PositionFor(positions, o.params.Symbol).Quantity; q != 0 {
			logs.Warnf("[Orchestrator-Reconciliation] %s already holds %d shares; the ladder will protect the combined position.", o.params.Symbol, q)
		}
	}
	return nil
}

// Start launches the engine, guardian, event hub and status server.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.hub.Run(o.ctx)
	}()
	if o.monitor != nil {
		o.monitor.Start()
	}

	if o.engine != nil {
		o.workers.Add(1)
		go func() {
			defer o.workers.Done()
			state, err := o.engine.Run(o.ctx, o.params)
			if err != nil {
				logs.Errorf("[Orchestrator] Scale-in run ended %s: %v", state, err)
				return
			}
			logs.Infof("[Orchestrator] Scale-in run ended %s.", state)
		}()
	}
	if o.guardian != nil {
		o.workers.Add(1)
		go func() {
			defer o.workers.Done()
			if err := o.guardian.Run(o.ctx, o.limits); err != nil {
				logs.Errorf("[Orchestrator] Guardian stopped: %v", err)
				return
			}
			logs.Info("[Orchestrator] Guardian stopped.")
		}()
	}

	go func() {
		o.workers.Wait()
		close(o.done)
	}()
	logs.Infof("[Orchestrator] Mode %s started, press Ctrl+C to exit.", o.mode)
}

// Done is closed once every worker has returned on its own.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Flatten closes the whole account immediately.
func (o *Orchestrator) Flatten(ctx context.Context) error {
	report, err := o.liquidator.FlattenAll(ctx)
	if err != nil {
		return err
	}
	if report.Noop {
		logs.Info("[Orchestrator] Account already flat.")
	}
	return nil
}

// Stop shuts the workers down, optionally flattens, and releases the session.
// Only the orchestrator disconnects the gateway.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		logs.Info("Received close signal, starting graceful shutdown...")
		if o.engine != nil {
			o.engine.Shutdown()
		}
		if o.guardian != nil {
			o.guardian.Shutdown()
		}
		o.workers.Wait()

		final := context.Background()
		if o.cfg.Normal.FlattenOnShutdown {
			logs.Warn("[Orchestrator] flatten_on_shutdown is set, closing all positions...")
			if err := o.Flatten(final); err != nil {
				logs.Errorf("[Orchestrator] Shutdown flatten incomplete: %v", err)
			}
		}
		o.printFinalSummary(final)

		if o.monitor != nil {
			shutdownCtx, cancel := context.WithTimeout(final, 2*time.Second)
			if err := o.monitor.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				logs.Warnf("[Orchestrator] Status server shutdown: %v", err)
			}
			cancel()
		}
		o.cancel()
		o.wg.Wait()

		if o.mock != nil {
			o.mock.Stop()
		}
		if err := o.gateway.Disconnect(); err != nil {
			logs.Warnf("[Orchestrator] Disconnect failed: %v", err)
		}
		logs.Info("All services stopped successfully.")
	})
}

func (o *Orchestrator) printFinalSummary(ctx context.Context) {
	logs.Info("\n--- Final Session Summary ---")
	summary, err := o.gateway.AccountSummary(ctx)
	if err != nil {
		logs.Errorf("Failed to read account summary: %v", err)
	} else {
		logs.Infof("Realized P&L: %s", summary.RealizedPnL.StringFixed(2))
		logs.Infof("Unrealized P&L: %s", summary.UnrealizedPnL.StringFixed(2))
		logs.Infof("Trades today: %d", summary.TradeCount)
	}
	positions, err := o.gateway.Positions(ctx)
	if err != nil {
		logs.Errorf("Failed to read positions: %v", err)
	} else if len(positions) == 0 {
		logs.Info("No open positions.")
	} else {
		for _, p := range positions {
			logs.Warnf("Open position left: %s %d @ %s", p.Symbol, p.Quantity, p.AvgCost.StringFixed(2))
		}
	}
	if o.engine != nil {
		snap := o.engine.Snapshot()
		logs.Infof("Scale-in engine: %s (run %s)", snap.State, snap.RunID)
	}
	if o.guardian != nil {
		snap := o.guardian.Snapshot()
		logs.Infof("Guardian: %s after %d cycles", snap.State, snap.Cycles)
	}
	logs.Info("--------------------")
}
