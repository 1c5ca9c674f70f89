// investment/invest_manager.go
package investment

import (
	"errors"
	"fmt"

	"tango_bot/logs"
	"tango_bot/utils"
)

// ErrExposureLimit is returned when a new position would push total volume past the limit.
var ErrExposureLimit = errors.New("exposure limit reached")

// Manager guards total open volume for operator-initiated opens. Hedges are not subject to it.
type Manager struct {
	volumeLimit     float64
	isLimitExceeded bool
}

// NewManager creates a new exposure guard. A limit of 0 disables it.
func NewManager(limit float64) *Manager {
	return &Manager{volumeLimit: limit}
}

// CheckAndUpdate re-evaluates the halted flag against the current open volume.
func (m *Manager) CheckAndUpdate(currentVolume float64) {
	if m.volumeLimit <= 0 {
		if m.isLimitExceeded {
			m.isLimitExceeded = false
			logs.Infof("[Exposure] Volume limit removed, resuming initial opens.")
		}
		return
	}

	if currentVolume >= m.volumeLimit-utils.Epsilon {
		if !m.isLimitExceeded {
			logs.Warnf("[Exposure] Open volume %.2f lots has reached the limit of %.2f lots. New initial opens are blocked.",
				currentVolume, m.volumeLimit)
		}
		m.isLimitExceeded = true
	} else {
		if m.isLimitExceeded {
			logs.Infof("[Exposure] Open volume %.2f lots is back below the limit of %.2f lots. Initial opens resumed.",
				currentVolume, m.volumeLimit)
		}
		m.isLimitExceeded = false
	}
}

// CanOpen reports whether extra lots may be opened on top of currentVolume.
func (m *Manager) CanOpen(currentVolume, extra float64) error {
	m.CheckAndUpdate(currentVolume)
	if m.volumeLimit <= 0 {
		return nil
	}
	if currentVolume+extra > m.volumeLimit+utils.Epsilon {
		return fmt.Errorf("%w: %.2f open + %.2f requested > %.2f lots", ErrExposureLimit, currentVolume, extra, m.volumeLimit)
	}
	return nil
}

// IsTradingHalted returns whether new initial opens are paused.
func (m *Manager) IsTradingHalted() bool {
	return m.isLimitExceeded
}
