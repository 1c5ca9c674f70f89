// orchestrator.go
package main

import (
	"context"
	"fmt"
	"time"

	"tango_bot/broker"
	"tango_bot/config"
	"tango_bot/httpapi"
	"tango_bot/investment"
	"tango_bot/journal"
	"tango_bot/logs"
	"tango_bot/monitor"
	"tango_bot/notify"
	"tango_bot/position"
	"tango_bot/profit"
	"tango_bot/risk"
	"tango_bot/state"

	"golang.org/x/sync/errgroup"
)

// Simulated market used when use_simulation is set.
const (
	simInitialPrice = 2000.0
	simAmplitude    = 5.0
	simSpread       = 0.2
)

type Orchestrator struct {
	cfg          *config.Config
	client       broker.Client
	sim          *broker.SimClient
	store        *position.Store
	accountant   *profit.Accountant
	stateManager *state.StateManager
	journal      *journal.Journal
	queue        *notify.Queue
	loop         *monitor.Loop
	server       *httpapi.Server
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig, stateFilePath string) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg}

	if cfg.UseSimulation {
		o.sim = broker.NewSimClient(cfg.Tango.ContractSize)
		o.sim.SetPriceSimulationParams(cfg.Symbol, simInitialPrice, simAmplitude, simSpread)
		o.sim.Start()
		o.client = o.sim
		logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")
	} else {
		if envCfg.BridgeURL == "" {
			return nil, fmt.Errorf("%w: MT5_BRIDGE_URL must be set when use_simulation is false", config.ErrInvalid)
		}
		o.client = broker.NewAPIClient(envCfg.BridgeKey, envCfg.BridgeSecret, envCfg.BridgeURL, cfg.Normal.HTTPTimeoutSeconds)
		ctx, cancel := context.WithTimeout(context.Background(), o.actionTimeout())
		err := o.client.Ping(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to reach broker bridge: %w", err)
		}
	}

	eval, err := profit.NewEvaluator(cfg.Tango.ContractSize, cfg.Tango.PointValue)
	if err != nil {
		o.Close()
		return nil, err
	}
	manager, err := risk.NewManager(cfg, eval)
	if err != nil {
		o.Close()
		return nil, err
	}

	stateManager, err := state.NewStateManager(stateFilePath)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	o.stateManager = stateManager
	logs.Infof("State manager initialized successfully, state will be persisted to: %s", stateFilePath)

	if err := o.dropStaleState(); err != nil {
		o.Close()
		return nil, err
	}

	o.accountant = profit.NewAccountant()
	saved := stateManager.GetFullState()
	o.accountant.Restore(saved.RealizedProfit, saved.ClosedCount)

	j, err := journal.Open(cfg.Journal.Path, cfg.Symbol)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to open action journal: %w", err)
	}
	o.journal = j

	var notifier monitor.Notifier = notify.Nop{}
	tg := notify.NewTelegram(envCfg.TelegramBotToken, envCfg.TelegramChatID)
	if tg.Configured() {
		o.queue = notify.NewQueue(tg, fmt.Sprintf("[%s]", cfg.Symbol), 128)
		notifier = o.queue
		logs.Info("Telegram alerts enabled.")
	}

	var exposure *investment.Manager
	if cfg.MaxTotalVolume > 0 {
		exposure = investment.NewManager(cfg.MaxTotalVolume)
	}

	o.store = position.NewStore(o.client, cfg.Symbol, cfg.MagicNumber, stateManager)
	o.loop = monitor.New(cfg, monitor.Deps{
		Client:     o.client,
		Store:      o.store,
		Manager:    manager,
		Evaluator:  eval,
		Accountant: o.accountant,
		Exposure:   exposure,
		State:      stateManager,
		Journal:    j,
		Notifier:   notifier,
	})

	if cfg.HTTP.ListenAddr != "" {
		var actions httpapi.ActionLog
		if j != nil {
			actions = j
		}
		o.server = httpapi.NewServer(cfg.HTTP.ListenAddr, o.loop, actions, 2*o.actionTimeout())
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.actionTimeout())
	defer cancel()
	if _, err := o.store.Sync(ctx); err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to reconcile positions on startup: %w", err)
	}
	logs.Infof("[Orchestrator] Reconciled %d open position(s) for %s (magic %d).", o.store.OpenCount(), cfg.Symbol, cfg.MagicNumber)
	return o, nil
}

// dropStaleState forgets persisted bookkeeping when the broker holds none of our positions.
// Realized totals survive a fresh start.
func (o *Orchestrator) dropStaleState() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.actionTimeout())
	defer cancel()
	open, err := o.client.ListOpenPositions(ctx, o.cfg.Symbol, o.cfg.MagicNumber)
	if err != nil {
		return fmt.Errorf("failed to list positions at startup: %w", err)
	}
	saved := o.stateManager.GetFullState()
	if len(open) > 0 || len(saved.Positions) == 0 {
		return nil
	}
	logs.Warnf("[Orchestrator] No open positions on the broker. Forgetting %d persisted position record(s).", len(saved.Positions))
	for ticket := range saved.Positions {
		if err := o.stateManager.RemovePosition(ticket); err != nil {
			return fmt.Errorf("failed to reset state for #%d: %w", ticket, err)
		}
	}
	return nil
}

func (o *Orchestrator) actionTimeout() time.Duration {
	return time.Duration(o.cfg.Normal.ActionTimeoutSeconds) * time.Second
}

// Loop exposes the command surface for one-shot CLI commands.
func (o *Orchestrator) Loop() *monitor.Loop { return o.loop }

// Run drives the control loop, the alert queue and the HTTP API until ctx is cancelled
// or one of them fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The queue outlives the loop so shutdown alerts are still delivered.
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	if o.queue != nil {
		g.Go(func() error { return o.queue.Run(queueCtx) })
	}

	// Commands from the HTTP API must queue even if they arrive before Run starts.
	o.loop.AcceptCommands()
	g.Go(func() error {
		defer stopQueue()
		o.loop.Run(gctx.Done())
		return nil
	})

	if o.server != nil {
		g.Go(func() error {
			if err := o.server.Start(gctx); err != nil {
				return fmt.Errorf("http api on %s: %w", o.server.Addr(), err)
			}
			return nil
		})
	}

	logs.Infof("Strategy %s started on %s, press Ctrl+C to exit.", o.cfg.Strategy, o.cfg.Symbol)
	err := g.Wait()
	o.printFinalSummary()
	return err
}

// Close releases the journal and the simulated market.
func (o *Orchestrator) Close() {
	if o.sim != nil {
		o.sim.Stop()
	}
	if err := o.journal.Close(); err != nil {
		logs.Errorf("Failed to close action journal: %v", err)
	}
}

func (o *Orchestrator) printFinalSummary() {
	ctx, cancel := context.WithTimeout(context.Background(), o.actionTimeout())
	defer cancel()

	logs.Info("--- Final PnL Summary ---")
	realized := o.accountant.GetSummary()
	logs.Infof("Realized profit: %.2f (hedges %.2f) over %d closed position(s), %d win / %d loss",
		realized.RealizedProfit, realized.RealizedHedgeProfit, realized.ClosedCount, realized.Wins, realized.Losses)

	s, err := o.loop.Status(ctx)
	if err != nil {
		logs.Errorf("Failed to get open positions for summary: %v", err)
		return
	}
	logs.Infof("Open positions: %d (Unrealized PnL: %.2f)", s.Count, s.TotalProfit)
	logs.Info("--------------------")
	logs.Infof("Final total PnL: %.2f", realized.RealizedProfit+s.TotalProfit)
	logs.Info("--------------------")
}
