package profit

import (
	"testing"

	"tango_bot/broker"
	"tango_bot/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gold(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(100, 0.01)
	require.NoError(t, err)
	return e
}

func TestNewEvaluator_RejectsNonPositive(t *testing.T) {
	_, err := NewEvaluator(0, 0.01)
	assert.ErrorIs(t, err, config.ErrInvalid)
	_, err = NewEvaluator(100, 0)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestProfit_UsesSideMark(t *testing.T) {
	e := gold(t)
	q := broker.Quote{Bid: 1999, Ask: 1999.5}

	buy := broker.Position{Direction: broker.Buy, Volume: 0.1, EntryPrice: 2000}
	p, err := e.Profit(buy, q)
	require.NoError(t, err)
	assert.Equal(t, -10.0, p)

	sell := broker.Position{Direction: broker.Sell, Volume: 0.1, EntryPrice: 2001}
	p, err = e.Profit(sell, q)
	require.NoError(t, err)
	assert.Equal(t, 15.0, p)
}

func TestProfit_ZeroVolumeIsConfigurationError(t *testing.T) {
	_, err := gold(t).Profit(broker.Position{Direction: broker.Buy, EntryPrice: 2000}, broker.Quote{Bid: 1, Ask: 1})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestPriceOffset(t *testing.T) {
	off, err := gold(t).PriceOffset(20, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, off)

	off, err = gold(t).PriceOffset(10, 0.3)
	require.NoError(t, err)
	assert.InDelta(t, 0.3333333, off, 1e-6)
}

func TestStopForLockedProfit(t *testing.T) {
	e := gold(t)
	sell := broker.Position{Direction: broker.Sell, Volume: 0.1, EntryPrice: 1999}
	buy := broker.Position{Direction: broker.Buy, Volume: 0.1, EntryPrice: 2000}

	sl, err := e.StopForLockedProfit(sell, 0)
	require.NoError(t, err)
	assert.Equal(t, 1999.0, sl)

	sl, err = e.StopForLockedProfit(sell, 20)
	require.NoError(t, err)
	assert.Equal(t, 1997.0, sl)

	sl, err = e.StopForLockedProfit(buy, 40)
	require.NoError(t, err)
	assert.Equal(t, 2004.0, sl)
}

func TestStopForLockedProfit_SnapsTowardEntry(t *testing.T) {
	e := gold(t)
	// 10 dollars on 0.3 lots is 0.3333.. of price.
	buy := broker.Position{Direction: broker.Buy, Volume: 0.3, EntryPrice: 2000}
	sl, err := e.StopForLockedProfit(buy, 10)
	require.NoError(t, err)
	assert.Equal(t, 2000.33, sl)

	sell := broker.Position{Direction: broker.Sell, Volume: 0.3, EntryPrice: 2000}
	sl, err = e.StopForLockedProfit(sell, 10)
	require.NoError(t, err)
	assert.Equal(t, 1999.67, sl)
}
