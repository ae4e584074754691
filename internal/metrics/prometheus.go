package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(counter)
		return counter
	}

	m := &Metrics{
		StrategiesStarted:  promCounter{newCounter("strategies_started_total", "Total number of strategies started.")},
		StrategiesRestored: promCounter{newCounter("strategies_restored_total", "Total number of strategies restored on boot.")},
		OrdersPlaced:       promCounter{newCounter("orders_placed_total", "Total number of orders placed.")},
		OrdersFailed:       promCounter{newCounter("orders_failed_total", "Total number of order placement failures.")},
		PositionsReopened:  promCounter{newCounter("positions_reopened_total", "Total number of first-slot reopens.")},
		FailsafeCloses:     promCounter{newCounter("failsafe_closes_total", "Total number of positions closed by the failsafe monitor.")},
		FundingCollections: promCounter{newCounter("funding_collections_total", "Total number of funding settlements observed with an open position.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
