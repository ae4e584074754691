package strategy

import (
	"errors"
	"time"

	"funding-bot/internal/connector"
	"funding-bot/internal/state"
)

type Mode string

const (
	// ModeFundingCollection opens a hedge ahead of the settlement and
	// rotates into the opposite side afterward.
	ModeFundingCollection Mode = "funding_collection"
	// ModePreciseTiming opens a single latency-compensated position at
	// funding time plus a configured offset.
	ModePreciseTiming Mode = "precise_timing"
)

type SideChoice string

const (
	ChooseBuy  SideChoice = "Buy"
	ChooseSell SideChoice = "Sell"
	ChooseAuto SideChoice = "Auto"
)

// Config is the immutable input for one strategy instance.
type Config struct {
	UserID            string
	Symbol            string
	Mode              Mode
	Side              SideChoice
	Leverage          int
	MarginUSD         float64
	ExecutionDelaySec int
	TimingOffset      time.Duration
	TakeProfitPercent float64
	StopLossPercent   float64
	AutoRepeat        bool
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeFundingCollection
	}
	if c.Side == "" {
		c.Side = ChooseAuto
	}
	if c.Mode == ModeFundingCollection && c.ExecutionDelaySec == 0 {
		c.ExecutionDelaySec = 5
	}
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("symbol is required")
	}
	if c.MarginUSD <= 0 {
		return errors.New("margin must be > 0")
	}
	if c.Leverage <= 0 {
		return errors.New("leverage must be > 0")
	}
	switch c.Mode {
	case ModeFundingCollection, ModePreciseTiming:
	default:
		return errors.New("unknown mode: " + string(c.Mode))
	}
	switch c.Side {
	case ChooseBuy, ChooseSell, ChooseAuto:
	default:
		return errors.New("unknown side: " + string(c.Side))
	}
	if c.ExecutionDelaySec < 0 {
		return errors.New("execution delay must be >= 0")
	}
	if c.TakeProfitPercent < 0 || c.StopLossPercent < 0 {
		return errors.New("take-profit and stop-loss percent must be >= 0")
	}
	return nil
}

type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusMonitoring    Status = "monitoring"
	StatusExecuting     Status = "executing"
	StatusPosition1Open Status = "position_1_open"
	StatusFundingTime   Status = "funding_time"
	StatusBothOpen      Status = "both_open"
	StatusCycling       Status = "cycling"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// recordStatus maps the engine lifecycle onto the durable status mirror.
func recordStatus(s Status) state.RecordStatus {
	switch s {
	case StatusInitializing:
		return state.StatusActive
	case StatusMonitoring, StatusCycling:
		return state.StatusWaiting
	case StatusExecuting, StatusPosition1Open, StatusFundingTime, StatusBothOpen:
		return state.StatusExecuting
	case StatusCompleted:
		return state.StatusCompleted
	case StatusError:
		return state.StatusError
	default:
		return state.StatusActive
	}
}

// Position is one of the two slots held by an instance.
type Position struct {
	Exists     bool
	Side       connector.Side
	Size       float64
	EntryPrice float64
	TakeProfit float64
	StopLoss   float64
	OpenedAt   time.Time
}
