// risk/manager.go
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tango_bot/broker"
	"tango_bot/config"
	"tango_bot/position"
	"tango_bot/profit"
)

var (
	// ErrStaleData means the quote is too old or malformed to act on. Monitoring continues.
	ErrStaleData = errors.New("stale price data")
	// ErrUnsupportedStrategy is returned for strategy kinds this engine does not run.
	ErrUnsupportedStrategy = errors.New("unsupported strategy")
)

// StrategyKind is the closed set of strategy variants selectable in configuration.
type StrategyKind string

const (
	KindMACrossover    StrategyKind = "ma_crossover"
	KindRSI            StrategyKind = "rsi"
	KindBollingerBands StrategyKind = "bollinger_bands"
	KindMACD           StrategyKind = "macd"
	KindTango          StrategyKind = "tango"
)

// ParseStrategyKind maps a configured name onto the closed set.
func ParseStrategyKind(name string) (StrategyKind, error) {
	switch k := StrategyKind(strings.ToLower(strings.TrimSpace(name))); k {
	case KindMACrossover, KindRSI, KindBollingerBands, KindMACD, KindTango:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", config.ErrInvalid, name)
}

// Snapshot is everything one evaluation sees: store copies, the quote and the evaluation time.
type Snapshot struct {
	Positions []position.Tracked
	Quote     broker.Quote
	Now       time.Time
}

// PositionError is an evaluation failure confined to one position.
type PositionError struct {
	Ticket int64
	Err    error
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Actions []Action
	Errors  []PositionError
	Profits map[int64]float64
}

// RiskManager decides what to do with the managed positions. Implementations are pure:
// they read the snapshot and return actions, the monitor executes them.
type RiskManager interface {
	// CheckAndManageRisk evaluates one cycle. ErrStaleData means no action may be taken.
	CheckAndManageRisk(snap Snapshot) (Decision, error)
	// Thresholds returns the thresholds in use.
	Thresholds() config.TangoConfig
}

// NewManager builds the manager for the configured strategy. Only Tango is implemented here;
// the indicator strategies are rejected as a configuration error.
func NewManager(cfg *config.Config, eval *profit.Evaluator) (RiskManager, error) {
	kind, err := ParseStrategyKind(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if kind != KindTango {
		return nil, fmt.Errorf("%w: %w: %s", config.ErrInvalid, ErrUnsupportedStrategy, kind)
	}
	if err := cfg.Tango.Validate(); err != nil {
		return nil, err
	}
	staleAfter := time.Duration(cfg.Normal.StaleQuoteSeconds) * time.Second
	return NewTangoManager(*cfg.Tango, eval, cfg.Symbol, cfg.MagicNumber, staleAfter), nil
}

// CheckQuote rejects quotes older than maxAge at now, and malformed ones.
func CheckQuote(q broker.Quote, now time.Time, maxAge time.Duration) error {
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return fmt.Errorf("%w: malformed quote bid=%v ask=%v", ErrStaleData, q.Bid, q.Ask)
	}
	if q.Time.IsZero() {
		return fmt.Errorf("%w: quote has no timestamp", ErrStaleData)
	}
	if age := now.Sub(q.Time); age > maxAge {
		return fmt.Errorf("%w: quote is %s old (limit %s)", ErrStaleData, age.Round(time.Millisecond), maxAge)
	}
	return nil
}
