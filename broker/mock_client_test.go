package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimClient_OpenAndProfit(t *testing.T) {
	ctx := context.Background()
	c := NewSimClient(100)
	c.SetMid("XAUUSD", 2000)

	ticket, err := c.OpenPosition(ctx, OpenRequest{Symbol: "XAUUSD", Direction: Buy, Volume: 0.1, Magic: 7, Comment: "Tango_Initial"})
	require.NoError(t, err)

	c.SetMid("XAUUSD", 1999)
	positions, err := c.ListOpenPositions(ctx, "XAUUSD", 7)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, ticket, positions[0].Ticket)
	assert.InDelta(t, -10.0, positions[0].Profit, 1e-9)

	other, err := c.ListOpenPositions(ctx, "XAUUSD", 8)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSimClient_ModifyRejectsStopThroughMarket(t *testing.T) {
	ctx := context.Background()
	c := NewSimClient(100)
	c.SetMid("XAUUSD", 2000)
	ticket, err := c.OpenPosition(ctx, OpenRequest{Symbol: "XAUUSD", Direction: Sell, Volume: 0.1})
	require.NoError(t, err)

	err = c.ModifyStopLoss(ctx, ticket, 1999)
	assert.ErrorIs(t, err, ErrOrderRejected)

	c.SetMid("XAUUSD", 1997)
	require.NoError(t, c.ModifyStopLoss(ctx, ticket, 1999))
	assert.ErrorIs(t, c.ModifyStopLoss(ctx, 1, 1999), ErrPositionNotFound)
}

func TestSimClient_StopHitClosesPosition(t *testing.T) {
	ctx := context.Background()
	c := NewSimClient(100)
	c.SetMid("XAUUSD", 2000)
	ticket, err := c.OpenPosition(ctx, OpenRequest{Symbol: "XAUUSD", Direction: Buy, Volume: 0.1})
	require.NoError(t, err)
	c.SetMid("XAUUSD", 2003)
	require.NoError(t, c.ModifyStopLoss(ctx, ticket, 2001))

	c.SetMid("XAUUSD", 2001)
	positions, err := c.ListOpenPositions(ctx, "XAUUSD", 0)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSimClient_FailureInjection(t *testing.T) {
	ctx := context.Background()
	c := NewSimClient(100)
	c.SetMid("XAUUSD", 2000)
	c.InjectOpenFailures(nil, ErrOrderRejected)

	_, err := c.OpenPosition(ctx, OpenRequest{Symbol: "XAUUSD", Direction: Sell, Volume: 0.1})
	require.NoError(t, err)
	_, err = c.OpenPosition(ctx, OpenRequest{Symbol: "XAUUSD", Direction: Sell, Volume: 0.1})
	assert.ErrorIs(t, err, ErrOrderRejected)
	_, err = c.OpenPosition(ctx, OpenRequest{Symbol: "XAUUSD", Direction: Sell, Volume: 0.1})
	require.NoError(t, err)

	opens, _, _ := c.CallCounts()
	assert.Equal(t, 3, opens)

	c.SetConnectionDown(true)
	_, err = c.CurrentPrice(ctx, "XAUUSD")
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, c.Ping(ctx), ErrConnectionLost)
}

func TestSimClient_QuoteTime(t *testing.T) {
	c := NewSimClient(100)
	c.SetPrice("XAUUSD", 1999.9, 2000.1)
	old := time.Now().Add(-time.Minute)
	c.SetQuoteTime("XAUUSD", old)

	q, err := c.CurrentPrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, old, q.Time)
	assert.Equal(t, 2000.1, q.EntryPrice(Buy))
	assert.Equal(t, 1999.9, q.EntryPrice(Sell))
}
