package risk

import (
	"fmt"
	"sort"
	"time"

	"tango_bot/config"
	"tango_bot/position"
	"tango_bot/profit"
	"tango_bot/utils"

	"github.com/shopspring/decimal"
)

// Ensure TangoManager implements RiskManager.
var _ RiskManager = (*TangoManager)(nil)

// TangoManager hedges losing originals once and walks every profitable position's stop
// through breakeven and fixed trailing steps.
type TangoManager struct {
	cfg        config.TangoConfig
	eval       *profit.Evaluator
	symbol     string
	magic      int64
	staleAfter time.Duration
}

// NewTangoManager creates the manager. cfg must already be validated.
func NewTangoManager(cfg config.TangoConfig, eval *profit.Evaluator, symbol string, magic int64, staleAfter time.Duration) *TangoManager {
	return &TangoManager{
		cfg:        cfg,
		eval:       eval,
		symbol:     symbol,
		magic:      magic,
		staleAfter: staleAfter,
	}
}

func (m *TangoManager) Thresholds() config.TangoConfig { return m.cfg }

// CheckAndManageRisk evaluates positions in ascending ticket order. Slots taken by hedges
// decided earlier in the same cycle are already counted when later positions are evaluated.
func (m *TangoManager) CheckAndManageRisk(snap Snapshot) (Decision, error) {
	if err := CheckQuote(snap.Quote, snap.Now, m.staleAfter); err != nil {
		return Decision{}, err
	}

	positions := make([]position.Tracked, 0, len(snap.Positions))
	openCount := 0
	groupSize := make(map[int64]int)
	for _, p := range snap.Positions {
		if p.Stage == position.StageClosed {
			continue
		}
		positions = append(positions, p)
		openCount++
		groupSize[p.Tag.OriginTicket]++
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticket < positions[j].Ticket })

	d := Decision{Profits: make(map[int64]float64, len(positions))}
	for _, p := range positions {
		stage := p.Stage
		if stage == position.StageNew {
			d.Actions = append(d.Actions, &AdvanceStageAction{Ticket: p.Ticket, From: stage, To: position.StageMonitoring})
			stage = position.StageMonitoring
		}

		pnl, err := m.eval.Profit(p.Position, snap.Quote)
		if err != nil {
			d.Errors = append(d.Errors, PositionError{Ticket: p.Ticket, Err: err})
			continue
		}
		d.Profits[p.Ticket] = pnl

		if p.IsOriginal() {
			hedges := m.hedgeActions(&d, p, stage, pnl, openCount, groupSize[p.Ticket])
			openCount += hedges
			groupSize[p.Ticket] += hedges
		}
		if err := m.stopActions(&d, p, stage, pnl); err != nil {
			d.Errors = append(d.Errors, PositionError{Ticket: p.Ticket, Err: err})
		}
	}
	return d, nil
}

func (m *TangoManager) freeSlots(openCount, groupSize int) int {
	free := m.cfg.MaxPositions - openCount
	if g := m.cfg.MaxPositions - groupSize; g < free {
		free = g
	}
	if free < 0 {
		return 0
	}
	return free
}

// hedgeActions appends the hedge opens for an original and returns how many it decided.
func (m *TangoManager) hedgeActions(d *Decision, p position.Tracked, stage position.Stage, pnl float64, openCount, groupSize int) int {
	var first, target int
	switch {
	case stage == position.StageMonitoring && p.HedgesOpened == 0 && pnl <= -m.cfg.LossTrigger:
		// The trigger: decide how many hedges this original gets.
		free := m.freeSlots(openCount, groupSize)
		if free == 0 {
			d.Actions = append(d.Actions, &NoOpAction{
				Ticket: p.Ticket,
				Reason: fmt.Sprintf("hedge trigger reached (profit %.2f) but no free position slot", pnl),
			})
			return 0
		}
		first, target = 1, min(m.cfg.MaxPositions-1, free)
	case stage == position.StageHedgeTriggered && p.HedgesOpened < p.HedgeTarget:
		// A partial fill: re-attempt the missing hedges, never the ones that already filled.
		free := m.freeSlots(openCount, groupSize)
		if free == 0 {
			d.Actions = append(d.Actions, &NoOpAction{
				Ticket: p.Ticket,
				Reason: fmt.Sprintf("%d of %d hedges open, no free slot for the rest", p.HedgesOpened, p.HedgeTarget),
			})
			return 0
		}
		first, target = p.HedgesOpened+1, p.HedgeTarget
		if last := p.HedgesOpened + free; last < target {
			target = last
		}
	default:
		return 0
	}

	goal := max(target, p.HedgeTarget)
	for slot := first; slot <= target; slot++ {
		d.Actions = append(d.Actions, &OpenHedgeAction{
			OriginTicket: p.Ticket,
			Symbol:       m.symbol,
			Direction:    p.Direction.Opposite(),
			Volume:       p.Volume,
			Magic:        m.magic,
			Slot:         slot,
			Target:       goal,
			Comment:      position.HedgeComment(p.Ticket, slot),
		})
	}
	return target - first + 1
}

// lockedProfit is the dollar profit the stop should lock and the stage that implies.
// ok is false below breakeven. Trailing supersedes breakeven when both qualify.
func (m *TangoManager) lockedProfit(pnl float64) (lock float64, stage position.Stage, ok bool) {
	be, step := m.cfg.ProfitBreakeven, m.cfg.ProfitTrailStep
	if pnl < be {
		return 0, "", false
	}
	if pnl < be+step {
		return 0, position.StageBreakevenSet, true
	}
	steps := decimal.NewFromFloat(pnl - be).Div(decimal.NewFromFloat(step)).Floor()
	lock, _ = steps.Mul(decimal.NewFromFloat(step)).Float64()
	return lock, position.StageTrailing, true
}

func (m *TangoManager) stopActions(d *Decision, p position.Tracked, stage position.Stage, pnl float64) error {
	lock, target, ok := m.lockedProfit(pnl)
	if !ok {
		return nil
	}
	sl, err := m.eval.StopForLockedProfit(p.Position, lock)
	if err != nil {
		return err
	}

	switch {
	case position.IsTighter(p.Direction, p.StopLoss, sl):
		d.Actions = append(d.Actions, &SetStopLossAction{
			Ticket:       p.Ticket,
			Direction:    p.Direction,
			Current:      p.StopLoss,
			StopLoss:     sl,
			LockedProfit: lock,
			Stage:        target,
		})
	case target.After(stage):
		// The broker already holds a stop at or beyond the target.
		d.Actions = append(d.Actions, &AdvanceStageAction{Ticket: p.Ticket, From: stage, To: target})
	case !utils.FloatEquals(p.StopLoss, sl):
		d.Actions = append(d.Actions, &NoOpAction{
			Ticket: p.Ticket,
			Reason: fmt.Sprintf("stop %.5f for %.2f locked would loosen current stop %.5f", sl, lock, p.StopLoss),
		})
	}
	return nil
}
