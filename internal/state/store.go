package state

import "context"

type RecordStatus string

const (
	StatusActive    RecordStatus = "ACTIVE"
	StatusWaiting   RecordStatus = "WAITING"
	StatusExecuting RecordStatus = "EXECUTING"
	StatusCompleted RecordStatus = "COMPLETED"
	StatusError     RecordStatus = "ERROR"
	StatusCancelled RecordStatus = "CANCELLED"
)

// StrategyRecord is the durable mirror of one strategy instance. It is
// written on every status change and read back for crash recovery; while the
// process is live the in-memory instance is the source of truth.
type StrategyRecord struct {
	ID                string
	UserID            string
	Symbol            string
	Mode              string
	Side              string
	Leverage          int
	MarginUSD         float64
	ExecutionDelaySec int
	TimingOffsetMS    int64
	TakeProfitPercent float64
	StopLossPercent   float64
	AutoRepeat        bool
	ReopenCount       int
	Status            RecordStatus
	FundingRate       float64
	NextFundingTimeMS int64
	EntryPrice        float64
	Quantity          float64
	ErrorMessage      string
	CreatedAtMS       int64
	UpdatedAtMS       int64
}

type Store interface {
	SaveRecord(ctx context.Context, record StrategyRecord) error
	UpdateRecordStatus(ctx context.Context, id string, status RecordStatus, errorMessage string) error
	GetRecord(ctx context.Context, id string) (StrategyRecord, bool, error)
	ListRecordsByStatus(ctx context.Context, statuses ...RecordStatus) ([]StrategyRecord, error)
	Close() error
}
