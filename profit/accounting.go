package profit

import (
	"sync"
	"time"
)

// ClosedTrade is one managed position that left the broker.
type ClosedTrade struct {
	Ticket     int64
	Direction  string
	Role       string
	Volume     float64
	EntryPrice float64
	ExitPrice  float64 // the stop when one was set, otherwise the last mark seen
	Profit     float64
	ClosedAt   time.Time
}

// Summary aggregates realized results.
type Summary struct {
	RealizedProfit      float64
	RealizedHedgeProfit float64
	ClosedCount         int
	Wins                int
	Losses              int
}

// Accountant tracks realized profit of closed positions.
type Accountant struct {
	mu           sync.Mutex
	summary      Summary
	tradeHistory []ClosedTrade
}

// NewAccountant creates a new accounting core.
func NewAccountant() *Accountant {
	return &Accountant{tradeHistory: make([]ClosedTrade, 0)}
}

// RecordClose books a closed position.
func (a *Accountant) RecordClose(trade ClosedTrade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tradeHistory = append(a.tradeHistory, trade)
	a.summary.RealizedProfit += trade.Profit
	if trade.Role == "hedge" {
		a.summary.RealizedHedgeProfit += trade.Profit
	}
	a.summary.ClosedCount++
	switch {
	case trade.Profit > 0:
		a.summary.Wins++
	case trade.Profit < 0:
		a.summary.Losses++
	}
}

// Restore recovers realized profit from persistent state.
func (a *Accountant) Restore(realizedProfit float64, closedCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.RealizedProfit = realizedProfit
	a.summary.ClosedCount = closedCount
}

// GetRealizedPNL returns cumulative realized profit.
func (a *Accountant) GetRealizedPNL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary.RealizedProfit
}

// GetSummary returns a copy of the realized summary.
func (a *Accountant) GetSummary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// History returns the trades closed during this run, oldest first.
func (a *Accountant) History() []ClosedTrade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ClosedTrade, len(a.tradeHistory))
	copy(out, a.tradeHistory)
	return out
}
