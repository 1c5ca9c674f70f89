// monitor/loop.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tango_bot/broker"
	"tango_bot/config"
	"tango_bot/investment"
	"tango_bot/journal"
	"tango_bot/logs"
	"tango_bot/position"
	"tango_bot/profit"
	"tango_bot/risk"
	"tango_bot/state"

	"github.com/google/uuid"
)

// ErrPositionCap is returned when an open would exceed max_positions.
var ErrPositionCap = errors.New("position cap reached")

// Recorder journals action outcomes.
type Recorder interface {
	Record(e journal.Entry) error
}

// Notifier receives operator alerts. Implementations must not block.
type Notifier interface {
	Notify(text string)
}

// Deps are the collaborators of the loop. Journal, Notifier, Exposure and State may be nil.
type Deps struct {
	Client     broker.Client
	Store      *position.Store
	Manager    risk.RiskManager
	Evaluator  *profit.Evaluator
	Accountant *profit.Accountant
	Exposure   *investment.Manager
	State      state.StateManagerInterface
	Journal    Recorder
	Notifier   Notifier
}

// Outcome is what happened to one action.
type Outcome struct {
	Action risk.Action
	Status string // one of the journal statuses
	Err    error
	Ticket int64 // ticket created by an open, 0 otherwise
}

// CycleReport summarizes one evaluation cycle.
type CycleReport struct {
	Closed   []position.Tracked
	Decision risk.Decision
	Outcomes []Outcome
	Err      error // sync, price or stale-data failure; no action was dispatched
}

type command struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Loop is the single owner of the position store. Cycles never overlap and manual
// commands run between cycles on the loop goroutine.
type Loop struct {
	client     broker.Client
	store      *position.Store
	manager    risk.RiskManager
	eval       *profit.Evaluator
	accountant *profit.Accountant
	exposure   *investment.Manager
	state      state.StateManagerInterface
	journal    Recorder
	notifier   Notifier

	symbol         string
	magic          int64
	lotSize        float64
	maxPositions   int
	interval       time.Duration
	actionTimeout  time.Duration
	staleAfter     time.Duration
	heartbeat      time.Duration
	closeAllOnStop bool
	now            func() time.Time

	commands chan command
	running  atomic.Bool

	lastQuote      broker.Quote
	connectionLost bool
	staleReported  bool
	lastNotice     map[int64]string
}

// New wires a loop from configuration and its collaborators.
func New(cfg *config.Config, deps Deps) *Loop {
	l := &Loop{
		client:         deps.Client,
		store:          deps.Store,
		manager:        deps.Manager,
		eval:           deps.Evaluator,
		accountant:     deps.Accountant,
		exposure:       deps.Exposure,
		state:          deps.State,
		journal:        deps.Journal,
		notifier:       deps.Notifier,
		symbol:         cfg.Symbol,
		magic:          cfg.MagicNumber,
		lotSize:        cfg.LotSize,
		maxPositions:   deps.Manager.Thresholds().MaxPositions,
		interval:       time.Duration(cfg.Normal.MonitorIntervalSeconds) * time.Second,
		actionTimeout:  time.Duration(cfg.Normal.ActionTimeoutSeconds) * time.Second,
		staleAfter:     time.Duration(cfg.Normal.StaleQuoteSeconds) * time.Second,
		heartbeat:      time.Duration(cfg.Normal.HeartbeatIntervalMinutes) * time.Minute,
		closeAllOnStop: cfg.CloseAllOnStop,
		now:            time.Now,
		commands:       make(chan command),
		lastNotice:     make(map[int64]string),
	}
	if l.accountant == nil {
		l.accountant = profit.NewAccountant()
	}
	l.store.SetOnClosed(l.onPositionClosed)
	return l
}

// AcceptCommands makes OpenInitial, CloseAll and Status queue for the loop goroutine
// instead of running inline. Call it before sharing the loop with other goroutines
// that may issue commands ahead of Run.
func (l *Loop) AcceptCommands() {
	l.running.Store(true)
}

// Run drives cycles until stopChan is closed. Stop is honoured between cycles.
func (l *Loop) Run(stopChan <-chan struct{}) {
	ctx := context.Background()
	l.AcceptCommands()
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	lastHeartbeat := l.now()

	logs.Infof("[Monitor] Control loop started for %s (magic %d), interval %s", l.symbol, l.magic, l.interval)
	l.RunCycle(ctx)

	for {
		select {
		case <-stopChan:
			logs.Info("[Monitor] Received stop signal, finishing.")
			l.shutdown(ctx)
			return
		case cmd := <-l.commands:
			cmd.run(ctx)
			close(cmd.done)
		case <-ticker.C:
			l.RunCycle(ctx)
			if l.now().Sub(lastHeartbeat) >= l.heartbeat {
				logs.WithFields(logs.Fields{
					"open":     l.store.OpenCount(),
					"realized": l.accountant.GetRealizedPNL(),
				}).Info("[Heartbeat] Monitor service still running...")
				lastHeartbeat = l.now()
			}
		}
	}
}

func (l *Loop) shutdown(ctx context.Context) {
	if _, err := l.sync(ctx); err != nil {
		logs.Errorf("[Monitor] Final sync failed: %v", err)
	}
	if l.closeAllOnStop {
		n, err := l.closeAll(ctx, "shutdown")
		if err != nil {
			logs.Errorf("[Monitor] Close-all on stop incomplete (%d closed): %v", n, err)
		}
	}
	// Commands already handed over would otherwise wait forever.
	for {
		select {
		case cmd := <-l.commands:
			cmd.run(ctx)
			close(cmd.done)
		default:
			return
		}
	}
}

// do runs fn on the loop goroutine, or inline when the loop is not running.
func (l *Loop) do(ctx context.Context, fn func(ctx context.Context)) error {
	if !l.running.Load() {
		fn(ctx)
		return nil
	}
	cmd := command{run: fn, done: make(chan struct{})}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) sync(ctx context.Context) ([]position.Tracked, error) {
	sctx, cancel := context.WithTimeout(ctx, l.actionTimeout)
	defer cancel()
	closed, err := l.store.Sync(sctx)
	l.trackConnection(err)
	return closed, err
}

func (l *Loop) quote(ctx context.Context) (broker.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, l.actionTimeout)
	defer cancel()
	q, err := l.client.CurrentPrice(qctx, l.symbol)
	l.trackConnection(err)
	if err == nil {
		l.lastQuote = q
	}
	return q, err
}

// trackConnection reports transitions into and out of a lost connection once each.
func (l *Loop) trackConnection(err error) {
	switch {
	case errors.Is(err, broker.ErrConnectionLost):
		if !l.connectionLost {
			l.connectionLost = true
			l.alert(fmt.Sprintf("Broker connection lost: %v. Dispatch suspended, retrying.", err))
		}
	case err == nil && l.connectionLost:
		l.connectionLost = false
		l.alert("Broker connection restored.")
	}
}

// RunCycle performs one sync, evaluate, dispatch sequence. The quote is taken first so
// that positions found closed by the sync are booked against the latest price.
func (l *Loop) RunCycle(ctx context.Context) CycleReport {
	var report CycleReport

	q, err := l.quote(ctx)
	if err != nil {
		logs.Errorf("[Monitor] Failed to get price: %v", err)
		report.Err = err
		return report
	}

	closed, err := l.sync(ctx)
	if err != nil {
		logs.Errorf("[Monitor] Position sync failed, no transitions this cycle: %v", err)
		report.Err = err
		return report
	}
	report.Closed = closed

	if l.exposure != nil {
		l.exposure.CheckAndUpdate(l.store.TotalVolume())
	}

	decision, err := l.manager.CheckAndManageRisk(risk.Snapshot{
		Positions: l.store.Snapshot(),
		Quote:     q,
		Now:       l.now(),
	})
	if err != nil {
		if !l.staleReported {
			l.staleReported = true
			l.alert(fmt.Sprintf("Price data unreliable, actions skipped: %v", err))
			l.record(journal.Entry{Kind: "price", Status: journal.StatusSkipped, Description: "cycle skipped", Error: err.Error()})
		} else {
			logs.Warnf("[Monitor] Skipping cycle: %v", err)
		}
		report.Err = err
		return report
	}
	if l.staleReported {
		l.staleReported = false
		logs.Info("[Monitor] Price data fresh again.")
	}
	report.Decision = decision

	for _, pe := range decision.Errors {
		l.notice(pe.Ticket, "evaluation", journal.StatusFailed, "evaluation failed", pe.Err)
	}
	report.Outcomes = l.dispatch(ctx, decision.Actions, q)
	return report
}

// dispatch executes actions in order, each with its own timeout. A lost connection
// suspends the rest of the batch, local stage changes included; they are recomputed next cycle.
func (l *Loop) dispatch(ctx context.Context, actions []risk.Action, q broker.Quote) []Outcome {
	outcomes := make([]Outcome, 0, len(actions))
	suspended := false
	for _, action := range actions {
		if suspended {
			o := Outcome{Action: action, Status: journal.StatusSkipped, Err: broker.ErrConnectionLost}
			l.report(o)
			outcomes = append(outcomes, o)
			continue
		}
		o := l.execute(ctx, action, q)
		l.report(o)
		outcomes = append(outcomes, o)
		if errors.Is(o.Err, broker.ErrConnectionLost) {
			suspended = true
			l.trackConnection(o.Err)
		}
	}
	return outcomes
}

func (l *Loop) execute(ctx context.Context, action risk.Action, q broker.Quote) Outcome {
	out := Outcome{Action: action, Status: journal.StatusApplied}
	fail := func(status string, err error) Outcome {
		out.Status, out.Err = status, err
		return out
	}

	switch act := action.(type) {
	case *risk.NoOpAction:
		return fail(journal.StatusSuppressed, nil)

	case *risk.AdvanceStageAction:
		if err := l.store.AdvanceStage(act.Ticket, act.To); err != nil {
			return fail(journal.StatusFailed, err)
		}

	case *risk.OpenHedgeAction:
		// Checked against the store before every send so a retried or duplicated
		// decision can never overfill the group.
		origin, ok := l.store.Get(act.OriginTicket)
		switch {
		case !ok || origin.Stage == position.StageClosed:
			return fail(journal.StatusSuppressed, fmt.Errorf("original #%d is no longer open", act.OriginTicket))
		case origin.HedgesOpened >= act.Target:
			return fail(journal.StatusSuppressed, fmt.Errorf("original #%d already has %d of %d hedges", act.OriginTicket, origin.HedgesOpened, act.Target))
		case l.store.OpenCount() >= l.maxPositions:
			return fail(journal.StatusSuppressed, fmt.Errorf("%w: %d open", ErrPositionCap, l.store.OpenCount()))
		case l.store.GroupSize(act.OriginTicket) >= l.maxPositions:
			return fail(journal.StatusSuppressed, fmt.Errorf("%w: group of #%d is full", ErrPositionCap, act.OriginTicket))
		}
		if err := l.store.MarkHedgeTarget(act.OriginTicket, act.Target); err != nil {
			return fail(journal.StatusFailed, err)
		}
		actx, cancel := context.WithTimeout(ctx, l.actionTimeout)
		ticket, err := l.client.OpenPosition(actx, broker.OpenRequest{
			Symbol:    act.Symbol,
			Direction: act.Direction,
			Volume:    act.Volume,
			Magic:     act.Magic,
			Comment:   act.Comment,
			RequestID: uuid.NewString(),
		})
		cancel()
		if err != nil {
			return fail(journal.StatusFailed, err)
		}
		out.Ticket = ticket
		hedge := broker.Position{
			Ticket:     ticket,
			Symbol:     act.Symbol,
			Direction:  act.Direction,
			Volume:     act.Volume,
			EntryPrice: q.EntryPrice(act.Direction),
			Magic:      act.Magic,
			Comment:    act.Comment,
			OpenTime:   l.now(),
		}
		if err := l.store.RecordHedgeOpened(act.OriginTicket, act.Target, hedge); err != nil {
			logs.Errorf("[Monitor] Hedge #%d opened but bookkeeping failed: %v", ticket, err)
		}

	case *risk.SetStopLossAction:
		cur, ok := l.store.Get(act.Ticket)
		switch {
		case !ok || cur.Stage == position.StageClosed:
			return fail(journal.StatusSuppressed, fmt.Errorf("#%d is no longer open", act.Ticket))
		case !position.IsTighter(cur.Direction, cur.StopLoss, act.StopLoss):
			return fail(journal.StatusSuppressed, fmt.Errorf("%w: current %.5f, target %.5f", position.ErrStopLoosening, cur.StopLoss, act.StopLoss))
		}
		actx, cancel := context.WithTimeout(ctx, l.actionTimeout)
		err := l.client.ModifyStopLoss(actx, act.Ticket, act.StopLoss)
		cancel()
		if err != nil {
			return fail(journal.StatusFailed, err)
		}
		if err := l.store.ApplyStopLoss(act.Ticket, act.StopLoss, act.Stage); err != nil {
			logs.Errorf("[Monitor] Stop on #%d accepted but bookkeeping failed: %v", act.Ticket, err)
		}

	case *risk.OpenInitialAction:
		if l.store.OpenCount() >= l.maxPositions {
			return fail(journal.StatusSuppressed, fmt.Errorf("%w: %d of %d positions open", ErrPositionCap, l.store.OpenCount(), l.maxPositions))
		}
		if l.exposure != nil {
			if err := l.exposure.CanOpen(l.store.TotalVolume(), act.Volume); err != nil {
				return fail(journal.StatusSuppressed, err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, l.actionTimeout)
		ticket, err := l.client.OpenPosition(actx, broker.OpenRequest{
			Symbol:    act.Symbol,
			Direction: act.Direction,
			Volume:    act.Volume,
			Magic:     act.Magic,
			Comment:   position.InitialComment,
			RequestID: uuid.NewString(),
		})
		cancel()
		if err != nil {
			return fail(journal.StatusFailed, err)
		}
		out.Ticket = ticket
		l.store.Insert(broker.Position{
			Ticket:     ticket,
			Symbol:     act.Symbol,
			Direction:  act.Direction,
			Volume:     act.Volume,
			EntryPrice: q.EntryPrice(act.Direction),
			Magic:      act.Magic,
			Comment:    position.InitialComment,
			OpenTime:   l.now(),
		})

	case *risk.ClosePositionAction:
		actx, cancel := context.WithTimeout(ctx, l.actionTimeout)
		err := l.client.ClosePosition(actx, act.Ticket)
		cancel()
		if err != nil && !errors.Is(err, broker.ErrPositionNotFound) {
			return fail(journal.StatusFailed, err)
		}

	default:
		return fail(journal.StatusFailed, fmt.Errorf("unknown action type %T", act))
	}
	return out
}

// report logs, journals and alerts an outcome. Repeated identical notices for a ticket are logged at debug only.
func (l *Loop) report(o Outcome) {
	ticket := risk.TicketOf(o.Action)
	switch o.Status {
	case journal.StatusApplied:
		delete(l.lastNotice, ticket)
		entry := logs.WithFields(logs.Fields{"ticket": ticket, "kind": o.Action.Kind()})
		if o.Ticket != 0 {
			entry = entry.WithField("new_ticket", o.Ticket)
		}
		if _, ok := o.Action.(*risk.AdvanceStageAction); ok {
			entry.Debug("[Monitor] " + o.Action.Description())
		} else {
			entry.Info("[Monitor] " + o.Action.Description())
			l.alert(fmt.Sprintf("%s (done)", o.Action.Description()))
		}
		l.record(journal.Entry{Kind: o.Action.Kind(), Ticket: ticket, Status: o.Status, Description: o.Action.Description()})
	default:
		l.notice(ticket, o.Action.Kind(), o.Status, o.Action.Description(), o.Err)
	}
}

// notice reports a failed, suppressed or skipped outcome once per distinct message.
func (l *Loop) notice(ticket int64, kind, status, description string, err error) {
	msg := description
	if err != nil {
		msg = fmt.Sprintf("%s: %v", description, err)
	}
	fields := logs.Fields{"ticket": ticket, "kind": kind, "status": status}
	if l.lastNotice[ticket] == msg {
		logs.WithFields(fields).Debug("[Monitor] " + msg)
		return
	}
	l.lastNotice[ticket] = msg

	if status == journal.StatusFailed {
		logs.WithFields(fields).Error("[Monitor] " + msg)
	} else {
		logs.WithFields(fields).Warn("[Monitor] " + msg)
	}
	e := journal.Entry{Kind: kind, Ticket: ticket, Status: status, Description: description}
	if err != nil {
		e.Error = err.Error()
	}
	l.record(e)
	l.alert(fmt.Sprintf("%s %s", status, msg))
}

func (l *Loop) record(e journal.Entry) {
	if l.journal == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if err := l.journal.Record(e); err != nil {
		logs.Errorf("[Monitor] Failed to journal %s: %v", e.Kind, err)
	}
}

func (l *Loop) alert(text string) {
	if l.notifier != nil {
		l.notifier.Notify(text)
	}
}

// onPositionClosed books realized profit. The exit is taken at the stop when the last
// quote had reached it, otherwise at the last mark.
func (l *Loop) onPositionClosed(p position.Tracked) {
	delete(l.lastNotice, p.Ticket)
	exit := p.StopLoss
	if l.lastQuote.Bid > 0 {
		mark := l.lastQuote.MarkPrice(p.Direction)
		stopReached := p.StopLoss != 0 && !position.IsTighter(p.Direction, p.StopLoss, mark)
		if !stopReached {
			exit = mark
		}
	}
	pnl := p.Profit
	if exit != 0 && l.eval != nil {
		if v, err := l.eval.ProfitAt(p.Position, exit); err == nil {
			pnl = v
		}
	}
	l.accountant.RecordClose(profit.ClosedTrade{
		Ticket:     p.Ticket,
		Direction:  string(p.Direction),
		Role:       string(p.Tag.Role),
		Volume:     p.Volume,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exit,
		Profit:     pnl,
		ClosedAt:   l.now(),
	})
	if l.state != nil {
		if err := l.state.AddRealizedPNL(pnl); err != nil {
			logs.Errorf("[Monitor] Failed to persist realized profit: %v", err)
		}
	}
	desc := fmt.Sprintf("Position #%d %s %s closed, realized about %.2f", p.Ticket, p.Tag.Role, p.Direction, pnl)
	logs.WithFields(logs.Fields{"ticket": p.Ticket, "exit": exit, "pnl": pnl}).Info("[Monitor] " + desc)
	l.record(journal.Entry{Kind: "position_closed", Ticket: p.Ticket, Status: journal.StatusObserved, Description: desc})
	l.alert(desc)
}
