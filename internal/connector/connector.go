// Package connector defines the exchange contract consumed by the strategy
// engines. Implementations own signing, rate limiting and symbol
// normalization; the engines only see this interface.
package connector

import (
	"context"
	"time"
)

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Ticker is the per-symbol market snapshot the engines operate on.
type Ticker struct {
	Symbol          string
	LastPrice       float64
	FundingRate     float64
	NextFundingTime time.Time
}

// Order is the acknowledged result of a protected order placement.
type Order struct {
	OrderID    string
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	TakeProfit float64
	StopLoss   float64
}

// PositionUpdate is a push event from the position stream. Size zero means
// the position no longer exists on the exchange.
type PositionUpdate struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
}

type Unsubscribe func()

type Connector interface {
	Init(ctx context.Context) error
	// PlaceOrderWithProtection opens a market position with take-profit and
	// stop-loss attached to the same order, never as a follow-up call.
	PlaceOrderWithProtection(ctx context.Context, symbol string, side Side, size, takeProfit, stopLoss float64) (Order, error)
	ClosePosition(ctx context.Context, symbol string, side Side) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetServerTime(ctx context.Context) (time.Time, error)
	SubscribeTicker(symbol string, cb func(Ticker)) (Unsubscribe, error)
	SubscribePositions(cb func(PositionUpdate)) (Unsubscribe, error)
}
