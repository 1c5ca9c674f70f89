package profit

import (
	"fmt"
	"math"

	"tango_bot/broker"
	"tango_bot/config"
	"tango_bot/utils"

	"github.com/shopspring/decimal"
)

var decimalZero = decimal.Zero

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// Evaluator converts between prices and account-currency profit for one symbol.
// Pure and stateless apart from the instrument constants.
type Evaluator struct {
	contractSize decimal.Decimal
	pointValue   decimal.Decimal
	digits       int
}

// NewEvaluator validates the instrument constants.
func NewEvaluator(contractSize, pointValue float64) (*Evaluator, error) {
	if contractSize <= 0 {
		return nil, fmt.Errorf("%w: contract_size must be positive, got %v", config.ErrInvalid, contractSize)
	}
	if pointValue <= 0 {
		return nil, fmt.Errorf("%w: point_value must be positive, got %v", config.ErrInvalid, pointValue)
	}
	return &Evaluator{
		contractSize: decFromFloat(contractSize),
		pointValue:   decFromFloat(pointValue),
		digits:       utils.PrecisionFromStep(pointValue),
	}, nil
}

func (e *Evaluator) exposure(volume float64) (decimal.Decimal, error) {
	if volume <= 0 {
		return decimalZero, fmt.Errorf("%w: position volume must be positive, got %v", config.ErrInvalid, volume)
	}
	return decFromFloat(volume).Mul(e.contractSize), nil
}

// Profit is the floating profit of p at q: (mark - entry) x sign x volume x contractSize,
// where mark is the bid for BUY and the ask for SELL.
func (e *Evaluator) Profit(p broker.Position, q broker.Quote) (float64, error) {
	return e.ProfitAt(p, q.MarkPrice(p.Direction))
}

// ProfitAt is the profit of p if it were closed at mark.
func (e *Evaluator) ProfitAt(p broker.Position, mark float64) (float64, error) {
	exposure, err := e.exposure(p.Volume)
	if err != nil {
		return 0, err
	}
	diff := decFromFloat(mark).Sub(decFromFloat(p.EntryPrice))
	return decToFloat(diff.Mul(decFromFloat(p.Direction.Sign())).Mul(exposure)), nil
}

// PriceOffset is the price distance worth dollars on a position of the given volume.
func (e *Evaluator) PriceOffset(dollars, volume float64) (float64, error) {
	offset, err := e.priceOffset(dollars, volume)
	if err != nil {
		return 0, err
	}
	return decToFloat(offset), nil
}

func (e *Evaluator) priceOffset(dollars, volume float64) (decimal.Decimal, error) {
	exposure, err := e.exposure(volume)
	if err != nil {
		return decimalZero, err
	}
	return decFromFloat(dollars).Div(exposure), nil
}

// StopForLockedProfit is the stop price that locks dollars of profit on p: the entry moved by the
// matching price offset in the position's favour, snapped to the point grid toward the entry so it
// never locks more than asked.
func (e *Evaluator) StopForLockedProfit(p broker.Position, dollars float64) (float64, error) {
	offset, err := e.priceOffset(dollars, p.Volume)
	if err != nil {
		return 0, err
	}
	raw := decFromFloat(p.EntryPrice).Add(offset.Mul(decFromFloat(p.Direction.Sign())))
	steps := raw.Div(e.pointValue)
	if p.Direction == broker.Buy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return utils.RoundToPrecision(decToFloat(steps.Mul(e.pointValue)), e.digits), nil
}
