// Package metrics collects dispatch telemetry from the proxy into a private
// Prometheus registry. The CLI writes it out in the text exposition format
// after each command.
package metrics

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/proxy"
)

// Collector implements proxy.Observer.
type Collector struct {
	registry *prometheus.Registry

	batches          *prometheus.CounterVec
	batchSteps       *prometheus.HistogramVec
	steps            *prometheus.CounterVec
	feesCharged      *prometheus.CounterVec
	feeAmount        *prometheus.CounterVec
	reentrancyDenied prometheus.Counter
}

var _ proxy.Observer = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "comboproxy"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "batches_total",
			Help:      "Dispatches by entry point and outcome",
		},
		[]string{"method", "result"},
	)
	c.batchSteps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "batch_steps",
			Help:      "Number of steps per dispatch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"method"},
	)
	c.steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "steps_total",
			Help:      "Handler executions by handler and outcome",
		},
		[]string{"handler", "result"},
	)
	c.feesCharged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fee",
			Name:      "charges_total",
			Help:      "Fee transfers to the collector by asset",
		},
		[]string{"asset"},
	)
	c.feeAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fee",
			Name:      "amount_total",
			Help:      "Fee amount charged by asset, in base units (float approximation)",
		},
		[]string{"asset"},
	)
	c.reentrancyDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "reentrancy_denied_total",
			Help:      "Nested dispatches and callbacks refused by the reentrancy guard",
		},
	)

	c.registry.MustRegister(c.batches, c.batchSteps, c.steps, c.feesCharged, c.feeAmount, c.reentrancyDenied)
	return c
}

// Registry exposes the underlying registry for gathering.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) BatchDone(method string, steps int, err error) {
	c.batches.WithLabelValues(method, result(err)).Inc()
	c.batchSteps.WithLabelValues(method).Observe(float64(steps))
}

func (c *Collector) StepDone(handler string, err error) {
	c.steps.WithLabelValues(handler, result(err)).Inc()
}

func (c *Collector) FeeCharged(asset common.Address, amount *uint256.Int) {
	label := asset.Hex()
	c.feesCharged.WithLabelValues(label).Inc()
	f, _ := new(big.Float).SetInt(amount.ToBig()).Float64()
	c.feeAmount.WithLabelValues(label).Add(f)
}

func (c *Collector) ReentrancyDenied() { c.reentrancyDenied.Inc() }

// WriteTextfile writes every collected metric to path.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// result labels an outcome by its error type.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	return clierr.TypeName(clierr.Code(clierr.ExitCode(err)))
}
