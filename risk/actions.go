// risk/actions.go
package risk

import (
	"fmt"

	"tango_bot/broker"
	"tango_bot/position"
)

// Action is one decision returned by the risk manager. The monitor switches on the concrete type.
type Action interface {
	Description() string
	// Kind is a short stable name used by the journal and the API.
	Kind() string
}

// NoOpAction is a decision not to act that must still be reported, e.g. a suppressed stop move.
type NoOpAction struct {
	Ticket int64
	Reason string
}

func (a *NoOpAction) Kind() string { return "noop" }
func (a *NoOpAction) Description() string {
	return fmt.Sprintf("No operation on #%d: %s", a.Ticket, a.Reason)
}

// AdvanceStageAction moves a position to a later stage without any broker call.
type AdvanceStageAction struct {
	Ticket int64
	From   position.Stage
	To     position.Stage
}

func (a *AdvanceStageAction) Kind() string { return "advance_stage" }
func (a *AdvanceStageAction) Description() string {
	return fmt.Sprintf("Advance #%d from %s to %s", a.Ticket, a.From, a.To)
}

// OpenHedgeAction opens one opposite-direction hedge for an original, with no SL/TP.
type OpenHedgeAction struct {
	OriginTicket int64
	Symbol       string
	Direction    broker.Direction
	Volume       float64
	Magic        int64
	Slot         int // 1-based hedge number within the group
	Target       int // hedges decided when the trigger fired
	Comment      string
}

func (a *OpenHedgeAction) Kind() string { return "open_hedge" }
func (a *OpenHedgeAction) Description() string {
	return fmt.Sprintf("Open hedge %d/%d for #%d: %s %.2f %s", a.Slot, a.Target, a.OriginTicket, a.Direction, a.Volume, a.Symbol)
}

// SetStopLossAction moves a stop strictly in the position's favour.
type SetStopLossAction struct {
	Ticket       int64
	Direction    broker.Direction
	Current      float64 // 0 means no stop
	StopLoss     float64
	LockedProfit float64 // dollars locked above entry, 0 for breakeven
	Stage        position.Stage
}

func (a *SetStopLossAction) Kind() string { return "set_stop_loss" }
func (a *SetStopLossAction) Description() string {
	if a.LockedProfit == 0 {
		return fmt.Sprintf("Breakeven stop on #%d %s: %.5f -> %.5f", a.Ticket, a.Direction, a.Current, a.StopLoss)
	}
	return fmt.Sprintf("Trail stop on #%d %s: %.5f -> %.5f (locks %.2f)", a.Ticket, a.Direction, a.Current, a.StopLoss, a.LockedProfit)
}

// OpenInitialAction opens a new original position on operator request.
type OpenInitialAction struct {
	Symbol    string
	Direction broker.Direction
	Volume    float64
	Magic     int64
}

func (a *OpenInitialAction) Kind() string { return "open_initial" }
func (a *OpenInitialAction) Description() string {
	return fmt.Sprintf("Open initial %s %.2f %s", a.Direction, a.Volume, a.Symbol)
}

// ClosePositionAction closes one managed position at market.
type ClosePositionAction struct {
	Ticket int64
	Reason string
}

func (a *ClosePositionAction) Kind() string { return "close_position" }
func (a *ClosePositionAction) Description() string {
	return fmt.Sprintf("Close #%d (%s)", a.Ticket, a.Reason)
}

// TicketOf returns the position an action concerns, the origin for hedges, 0 for initial opens.
func TicketOf(a Action) int64 {
	switch act := a.(type) {
	case *NoOpAction:
		return act.Ticket
	case *AdvanceStageAction:
		return act.Ticket
	case *OpenHedgeAction:
		return act.OriginTicket
	case *SetStopLossAction:
		return act.Ticket
	case *ClosePositionAction:
		return act.Ticket
	}
	return 0
}
