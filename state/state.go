// state/state.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tango_bot/logs"
)

// StateManagerInterface is what the position store and the orchestrator need from persistence.
type StateManagerInterface interface {
	// GetFullState returns a deep copy of the persisted state for startup reconciliation.
	GetFullState() AppState
	// PutPosition records the bookkeeping the broker does not keep for a ticket.
	PutPosition(ticket int64, meta PositionMeta) error
	// RemovePosition drops a ticket once it is closed.
	RemovePosition(ticket int64) error
	// AddRealizedPNL accumulates the realized profit of a closed position.
	AddRealizedPNL(pnl float64) error
}

// PositionMeta is the per-ticket bookkeeping that must survive a restart.
type PositionMeta struct {
	Stage        string `json:"stage"`
	Role         string `json:"role"`
	GroupID      string `json:"group_id"`
	OriginTicket int64  `json:"origin_ticket"`
	HedgeTarget  int    `json:"hedge_target,omitempty"`
	HedgesOpened int    `json:"hedges_opened,omitempty"`
}

// AppState is the top-level structure persisted to the state file.
type AppState struct {
	Positions      map[int64]PositionMeta `json:"positions"`
	RealizedProfit float64                `json:"realized_profit"`
	ClosedCount    int                    `json:"closed_count"`
}

// StateManager is the JSON file implementation of StateManagerInterface.
type StateManager struct {
	mu       sync.RWMutex
	filePath string
	state    *AppState
}

// NewStateManager loads existing state, or creates an empty state file if none exists.
func NewStateManager(filePath string) (*StateManager, error) {
	sm := &StateManager{
		filePath: filePath,
		state:    &AppState{Positions: make(map[int64]PositionMeta)},
	}

	if err := sm.load(); err != nil {
		if os.IsNotExist(err) {
			logs.Infof("[State] State file not found at %s. Starting with a fresh state.", filePath)
			if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
			if err := sm.save(); err != nil {
				return nil, fmt.Errorf("failed to create initial empty state file: %w", err)
			}
			return sm, nil
		}
		return nil, fmt.Errorf("failed to load initial state: %w", err)
	}
	if sm.state.Positions == nil {
		sm.state.Positions = make(map[int64]PositionMeta)
	}
	return sm, nil
}

// save writes atomically. Caller holds the lock.
func (sm *StateManager) save() error {
	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for saving: %w", err)
	}

	tmpFilePath := sm.filePath + ".tmp"
	if err := os.WriteFile(tmpFilePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary state file: %w", err)
	}
	return os.Rename(tmpFilePath, sm.filePath)
}

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, sm.state)
}

func (sm *StateManager) GetFullState() AppState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	copied := *sm.state
	copied.Positions = make(map[int64]PositionMeta, len(sm.state.Positions))
	for ticket, meta := range sm.state.Positions {
		copied.Positions[ticket] = meta
	}
	return copied
}

func (sm *StateManager) PutPosition(ticket int64, meta PositionMeta) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if existing, ok := sm.state.Positions[ticket]; ok && existing == meta {
		return nil
	}
	sm.state.Positions[ticket] = meta
	return sm.save()
}

func (sm *StateManager) RemovePosition(ticket int64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.state.Positions[ticket]; !ok {
		return nil
	}
	delete(sm.state.Positions, ticket)
	return sm.save()
}

func (sm *StateManager) AddRealizedPNL(pnl float64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.RealizedProfit += pnl
	sm.state.ClosedCount++
	return sm.save()
}
