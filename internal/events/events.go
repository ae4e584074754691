// Package events defines the strategy lifecycle notifications as a typed sum:
// one struct per event, a single publish path, no stringly-typed names beyond
// the Kind tag used for persistence.
package events

import (
	"time"

	"funding-bot/internal/connector"
)

type Kind string

const (
	KindCountdown         Kind = "countdown"
	KindPositionOpening   Kind = "position_opening"
	KindPositionOpened    Kind = "position_opened"
	KindPositionClosed    Kind = "position_closed"
	KindPositionReopening Kind = "position_reopening"
	KindFundingCollected  Kind = "funding_collected"
	KindStrategyError     Kind = "error"
)

type Event interface {
	Kind() Kind
	Strategy() string
}

type Countdown struct {
	StrategyID       string
	SecondsRemaining int64
	FundingRate      float64
}

func (e Countdown) Kind() Kind       { return KindCountdown }
func (e Countdown) Strategy() string { return e.StrategyID }

type PositionOpening struct {
	StrategyID     string
	Symbol         string
	Side           connector.Side
	Price          float64
	PositionNumber int
}

func (e PositionOpening) Kind() Kind       { return KindPositionOpening }
func (e PositionOpening) Strategy() string { return e.StrategyID }

type PositionOpened struct {
	StrategyID     string
	PositionNumber int
	Side           connector.Side
	EntryPrice     float64
	TakeProfit     float64
	StopLoss       float64
}

func (e PositionOpened) Kind() Kind       { return KindPositionOpened }
func (e PositionOpened) Strategy() string { return e.StrategyID }

type PositionClosed struct {
	StrategyID     string
	PositionNumber int
	Side           connector.Side
	Reason         string
}

func (e PositionClosed) Kind() Kind       { return KindPositionClosed }
func (e PositionClosed) Strategy() string { return e.StrategyID }

type PositionReopening struct {
	StrategyID       string
	Attempt          int
	SecondsRemaining int64
}

func (e PositionReopening) Kind() Kind       { return KindPositionReopening }
func (e PositionReopening) Strategy() string { return e.StrategyID }

type FundingCollected struct {
	StrategyID  string
	Amount      float64
	FundingRate float64
	ReopenCount int
}

func (e FundingCollected) Kind() Kind       { return KindFundingCollected }
func (e FundingCollected) Strategy() string { return e.StrategyID }

type StrategyError struct {
	StrategyID string
	Err        string
	Action     string
}

func (e StrategyError) Kind() Kind       { return KindStrategyError }
func (e StrategyError) Strategy() string { return e.StrategyID }

// Envelope pairs an event with its publish time for persistence consumers.
type Envelope struct {
	Time  time.Time
	Event Event
}
