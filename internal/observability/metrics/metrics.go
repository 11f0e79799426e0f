// Package metrics exposes engine, API and keeper metrics in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
)

const namespace = "agentmarket"

// Collector holds every metric the daemon exports. It implements the engine's
// transaction observer.
type Collector struct {
	registry *prometheus.Registry

	txTotal      *prometheus.CounterVec
	txRejected   *prometheus.CounterVec
	txDuration   *prometheus.HistogramVec
	eventsTotal  *prometheus.CounterVec
	treasuryFlow *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	keeperJobs   *prometheus.CounterVec
}

// New builds a collector on a dedicated registry, including Go runtime and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		txTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions by operation and result code.",
		}, []string{"op", "result"}),
		txRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_rejections_total",
			Help:      "Rejected transactions by operation and error kind.",
		}, []string{"op", "kind"}),
		txDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time spent executing a transaction, including event publication.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed events by kind.",
		}, []string{"kind"}),
		treasuryFlow: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "treasury_flow_ether_total",
			Help:      "Ether moved into or out of the treasury.",
		}, []string{"direction"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler", "method"}),
		keeperJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_jobs_total",
			Help:      "Keeper jobs by action and outcome.",
		}, []string{"action", "outcome"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// TxCommitted records a committed transaction and its events.
func (c *Collector) TxCommitted(op string, elapsed time.Duration, batch []events.Event) {
	c.txTotal.WithLabelValues(op, "ok").Inc()
	c.txDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	for _, evt := range batch {
		c.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.KindTreasuryDeposit:
			c.addFlow("in", evt.Attrs["amount"])
		case events.KindTreasuryPayout:
			c.addFlow("out", evt.Attrs["amount"])
		}
	}
}

// TxRejected records a rolled back transaction.
func (c *Collector) TxRejected(op string, code xerrors.Code, kind xerrors.Kind, elapsed time.Duration) {
	c.txTotal.WithLabelValues(op, string(code)).Inc()
	c.txRejected.WithLabelValues(op, string(kind)).Inc()
	c.txDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// KeeperJob records the outcome of one keeper job.
func (c *Collector) KeeperJob(action, outcome string) {
	c.keeperJobs.WithLabelValues(action, outcome).Inc()
}

// RegisterTreasury exports the live treasury balance and profit as gauges
// evaluated at scrape time.
func (c *Collector) RegisterTreasury(balance, profit func() *big.Int) {
	factory := promauto.With(c.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "treasury_balance_ether",
		Help:      "Current treasury balance.",
	}, func() float64 { return money.ToFloat(balance()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "treasury_profit_ether",
		Help:      "Treasury inflows minus outflows.",
	}, func() float64 { return money.ToFloat(profit()) })
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) addFlow(direction, raw string) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return
	}
	c.treasuryFlow.WithLabelValues(direction).Add(money.ToFloat(amount))
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
