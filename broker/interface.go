package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrOrderRejected is returned when the broker declines an open, modify or close request
	// (insufficient margin, invalid stops, market closed...).
	ErrOrderRejected = errors.New("order rejected by broker")
	// ErrConnectionLost is returned when the broker or price feed cannot be reached.
	ErrConnectionLost = errors.New("broker connection lost")
	// ErrPositionNotFound is returned when a ticket is not open on the broker.
	ErrPositionNotFound = errors.New("position not found")
)

// Direction is the side of a position.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// ParseDirection accepts BUY/SELL in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("invalid direction %q, expected BUY or SELL", s)
}

// Opposite returns the hedging direction.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for BUY and -1 for SELL.
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

// Position is one open trade as reported by the broker.
type Position struct {
	Ticket     int64
	Symbol     string
	Direction  Direction
	Volume     float64
	EntryPrice float64
	StopLoss   float64 // 0 means no stop
	TakeProfit float64 // 0 means no take profit
	Profit     float64 // broker-reported floating P&L, informational only
	Magic      int64
	Comment    string
	OpenTime   time.Time
}

// Quote is the latest bid/ask for a symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// MarkPrice is the price a position of the given direction would close at.
func (q Quote) MarkPrice(d Direction) float64 {
	if d == Sell {
		return q.Ask
	}
	return q.Bid
}

// EntryPrice is the price a new position of the given direction would fill at.
func (q Quote) EntryPrice(d Direction) float64 {
	if d == Sell {
		return q.Bid
	}
	return q.Ask
}

// OpenRequest describes a market order opening a new position with no SL/TP.
type OpenRequest struct {
	Symbol    string
	Direction Direction
	Volume    float64
	Magic     int64
	Comment   string
	RequestID string // idempotency key forwarded to the broker
}

// OrderGateway executes order mutations. Errors are never retried inside the gateway.
type OrderGateway interface {
	// OpenPosition opens a market position and returns its broker ticket.
	OpenPosition(ctx context.Context, req OpenRequest) (int64, error)
	// ModifyStopLoss sets a new stop price on an open position.
	ModifyStopLoss(ctx context.Context, ticket int64, stopLoss float64) error
	// ClosePosition closes an open position at market.
	ClosePosition(ctx context.Context, ticket int64) error
	// ListOpenPositions returns the open positions for a symbol carrying the given magic number.
	ListOpenPositions(ctx context.Context, symbol string, magic int64) ([]Position, error)
}

// PriceFeed supplies polled quotes.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (Quote, error)
}

// Client is a full broker connection.
type Client interface {
	OrderGateway
	PriceFeed
	// Ping checks that the terminal is reachable.
	Ping(ctx context.Context) error
}
