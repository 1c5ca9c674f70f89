package monitor

import (
	"context"
	"errors"
	"fmt"

	"tango_bot/broker"
	"tango_bot/journal"
	"tango_bot/position"
	"tango_bot/profit"
	"tango_bot/risk"
)

// PositionStatus is one line of the status summary.
type PositionStatus struct {
	Ticket       int64   `json:"ticket"`
	Direction    string  `json:"direction"`
	Volume       float64 `json:"volume"`
	EntryPrice   float64 `json:"entry_price"`
	StopLoss     float64 `json:"stop_loss"`
	Profit       float64 `json:"profit"`
	Stage        string  `json:"stage"`
	Role         string  `json:"role"`
	OriginTicket int64   `json:"origin_ticket"`
	GroupID      string  `json:"group_id"`
}

// Summary is the operator view of the managed positions.
type Summary struct {
	Symbol         string           `json:"symbol"`
	Bid            float64          `json:"bid"`
	Ask            float64          `json:"ask"`
	Count          int              `json:"count"`
	TotalProfit    float64          `json:"total_profit"`
	Winning        int              `json:"winning"`
	Losing         int              `json:"losing"`
	Hedged         int              `json:"hedged"`
	Positions      []PositionStatus `json:"positions"`
	Realized       profit.Summary   `json:"realized"`
	ConnectionLost bool             `json:"connection_lost"`
	ExposureHalted bool             `json:"exposure_halted"`
}

// OpenInitial opens a new original position of the configured lot size, subject to the
// position cap and the exposure guard. It returns the broker ticket.
func (l *Loop) OpenInitial(ctx context.Context, dir broker.Direction) (int64, error) {
	var (
		ticket int64
		outErr error
	)
	err := l.do(ctx, func(ctx context.Context) {
		if _, err := l.sync(ctx); err != nil {
			outErr = err
			return
		}
		q, err := l.quote(ctx)
		if err != nil {
			outErr = err
			return
		}
		if err := risk.CheckQuote(q, l.now(), l.staleAfter); err != nil {
			outErr = err
			l.notice(0, "open_initial", journal.StatusSuppressed, "initial open refused", err)
			return
		}
		o := l.execute(ctx, &risk.OpenInitialAction{Symbol: l.symbol, Direction: dir, Volume: l.lotSize, Magic: l.magic}, q)
		l.report(o)
		ticket, outErr = o.Ticket, o.Err
	})
	if err != nil {
		return 0, err
	}
	return ticket, outErr
}

// CloseAll closes every managed position and returns how many closes the broker accepted.
func (l *Loop) CloseAll(ctx context.Context) (int, error) {
	var (
		n      int
		outErr error
	)
	err := l.do(ctx, func(ctx context.Context) {
		n, outErr = l.closeAll(ctx, "close-all command")
	})
	if err != nil {
		return 0, err
	}
	return n, outErr
}

func (l *Loop) closeAll(ctx context.Context, reason string) (int, error) {
	if _, err := l.sync(ctx); err != nil {
		return 0, err
	}
	var (
		closed int
		errs   []error
	)
	for _, p := range l.store.Snapshot() {
		if p.Stage == position.StageClosed {
			continue
		}
		o := l.execute(ctx, &risk.ClosePositionAction{Ticket: p.Ticket, Reason: reason}, l.lastQuote)
		l.report(o)
		if o.Status == journal.StatusApplied {
			closed++
			continue
		}
		errs = append(errs, fmt.Errorf("#%d: %w", p.Ticket, o.Err))
	}
	// Book the closes now rather than on the next cycle.
	_, _ = l.quote(ctx)
	if _, err := l.sync(ctx); err != nil {
		errs = append(errs, err)
	}
	return closed, errors.Join(errs...)
}

// Status syncs and summarizes the managed positions.
func (l *Loop) Status(ctx context.Context) (Summary, error) {
	var (
		s      Summary
		outErr error
	)
	err := l.do(ctx, func(ctx context.Context) {
		s, outErr = l.status(ctx)
	})
	if err != nil {
		return Summary{}, err
	}
	return s, outErr
}

func (l *Loop) status(ctx context.Context) (Summary, error) {
	if _, err := l.sync(ctx); err != nil {
		return Summary{}, err
	}
	s := Summary{Symbol: l.symbol, Realized: l.accountant.GetSummary()}
	if l.exposure != nil {
		s.ExposureHalted = l.exposure.IsTradingHalted()
	}
	q, qerr := l.quote(ctx)
	if qerr == nil {
		s.Bid, s.Ask = q.Bid, q.Ask
	}
	s.ConnectionLost = l.connectionLost

	for _, p := range l.store.Snapshot() {
		if p.Stage == position.StageClosed {
			continue
		}
		pnl := p.Profit
		if qerr == nil && l.eval != nil {
			if v, err := l.eval.Profit(p.Position, q); err == nil {
				pnl = v
			}
		}
		s.Count++
		s.TotalProfit += pnl
		switch {
		case pnl > 0:
			s.Winning++
		case pnl < 0:
			s.Losing++
		}
		if p.IsOriginal() && p.HedgesOpened > 0 {
			s.Hedged++
		}
		s.Positions = append(s.Positions, PositionStatus{
			Ticket:       p.Ticket,
			Direction:    string(p.Direction),
			Volume:       p.Volume,
			EntryPrice:   p.EntryPrice,
			StopLoss:     p.StopLoss,
			Profit:       pnl,
			Stage:        string(p.Stage),
			Role:         string(p.Tag.Role),
			OriginTicket: p.Tag.OriginTicket,
			GroupID:      p.Tag.GroupID,
		})
	}
	return s, nil
}
