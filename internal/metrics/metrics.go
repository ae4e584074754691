package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	StrategiesStarted  Counter
	StrategiesRestored Counter
	OrdersPlaced       Counter
	OrdersFailed       Counter
	PositionsReopened  Counter
	FailsafeCloses     Counter
	FundingCollections Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		StrategiesStarted:  n,
		StrategiesRestored: n,
		OrdersPlaced:       n,
		OrdersFailed:       n,
		PositionsReopened:  n,
		FailsafeCloses:     n,
		FundingCollections: n,
	}
}
