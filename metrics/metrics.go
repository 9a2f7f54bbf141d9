package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wippyai/wasm-netbridge/bridge"
	"github.com/wippyai/wasm-netbridge/dispatch"
	"github.com/wippyai/wasm-netbridge/handle"
)

// Collector turns bridge activity into Prometheus metrics. It is a handle
// observer, a bridge event observer, an import hook and a dispatch fault
// handler; wire whichever of those a run needs.
type Collector struct {
	live      *prometheus.GaugeVec
	created   *prometheus.CounterVec
	stale     *prometheus.CounterVec
	failures  *prometheus.CounterVec
	delivered *prometheus.CounterVec
	imports   *prometheus.CounterVec
	faults    *prometheus.CounterVec
}

// New creates a collector whose metric names start with namespace.
func New(namespace string) *Collector {
	return &Collector{
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_live",
			Help:      "Live bridge handles by kind.",
		}, []string{"kind"}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handles_created_total",
			Help:      "Bridge handles created by kind.",
		}, []string{"kind"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_completions_total",
			Help:      "Host completions discarded after abort or delete.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_failures_total",
			Help:      "Host transport failures by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_delivered_total",
			Help:      "Callbacks delivered to the guest by kind.",
		}, []string{"kind"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_calls_total",
			Help:      "Guest calls into the bridge import module.",
		}, []string{"import"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_faults_total",
			Help:      "Guest callbacks that trapped, by dynCall signature.",
		}, []string{"signature"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.live, c.created, c.stale, c.failures, c.delivered, c.imports, c.faults}
}

// OnHandleEvent tracks live and created handles.
func (c *Collector) OnHandleEvent(e handle.Event) {
	kind := string(e.Kind)
	switch e.Type {
	case handle.EventRegistered:
		c.live.WithLabelValues(kind).Inc()
		c.created.WithLabelValues(kind).Inc()
	case handle.EventRemoved:
		c.live.WithLabelValues(kind).Dec()
	}
}

func (c *Collector) StaleCompletion(kind handle.Kind) {
	c.stale.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) TransportFailure(kind handle.Kind) {
	c.failures.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) CallbackDelivered(kind handle.Kind) {
	c.delivered.WithLabelValues(string(kind)).Inc()
}

// ImportCalled counts one guest call of the named import.
func (c *Collector) ImportCalled(name string) {
	c.imports.WithLabelValues(name).Inc()
}

// CallbackFault counts a trapped guest callback. Its signature matches
// dispatch.FaultHandler.
func (c *Collector) CallbackFault(sig dispatch.Signature, _ uint32, _ error) {
	c.faults.WithLabelValues(string(sig)).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ handle.Observer      = (*Collector)(nil)
	_ bridge.EventObserver = (*Collector)(nil)
)
