package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "sipbot"

	DirIn  = "in"
	DirOut = "out"
)

// Durations are in seconds
var durBuckets = []float64{
	1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600,
}

// Metrics holds the prometheus collectors of one client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg prometheus.Registerer

	sipMessages    *prometheus.CounterVec
	dispatchErrors *prometheus.CounterVec
	registrations  *prometheus.CounterVec
	calls          *prometheus.CounterVec
	callsActive    prometheus.Gauge
	durCall        prometheus.Histogram
	packetsRTP     *prometheus.CounterVec
	droppedRTP     *prometheus.CounterVec
	portsLeased    prometheus.Gauge
}

func mustRegister[T prometheus.Collector](m *Metrics, c T) T {
	err := m.reg.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

// New registers the collectors with reg, or with the default registerer
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{reg: reg}

	m.sipMessages = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "messages",
		Help:      "Number of SIP messages sent or received",
	}, []string{"dir", "method", "kind"}))

	m.dispatchErrors = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "dispatch_errors",
		Help:      "Number of inbound SIP messages that could not be routed",
	}, []string{"reason"}))

	m.registrations = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "registrations",
		Help:      "Number of REGISTER exchanges by outcome",
	}, []string{"result"}))

	m.calls = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "calls",
		Help:      "Number of calls by direction and outcome",
	}, []string{"dir", "result"}))

	m.callsActive = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "calls_active",
		Help:      "Number of currently active calls",
	}))

	m.durCall = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sip",
		Name:      "dur_call_sec",
		Help:      "Call duration from answer to teardown",
		Buckets:   durBuckets,
	}))

	m.packetsRTP = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets",
		Help:      "Number of RTP packets sent or received",
	}, []string{"dir"}))

	m.droppedRTP = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_dropped",
		Help:      "Number of inbound RTP packets dropped",
	}, []string{"reason"}))

	m.portsLeased = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "ports_leased",
		Help:      "Number of RTP ports currently leased",
	}))

	return m
}

func (m *Metrics) SipMessage(dir, method, kind string) {
	if m == nil {
		return
	}
	m.sipMessages.WithLabelValues(dir, method, kind).Inc()
}

func (m *Metrics) DispatchError(reason string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) CallStarted(dir string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(dir, "started").Inc()
	m.callsActive.Inc()
}

func (m *Metrics) CallFailed(dir string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(dir, "failed").Inc()
}

func (m *Metrics) CallEnded(dir string, dur time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(dir, "ended").Inc()
	m.callsActive.Dec()
	m.durCall.Observe(dur.Seconds())
}

func (m *Metrics) PacketRTP(dir string) {
	if m == nil {
		return
	}
	m.packetsRTP.WithLabelValues(dir).Inc()
}

func (m *Metrics) DroppedRTP(reason string) {
	if m == nil {
		return
	}
	m.droppedRTP.WithLabelValues(reason).Inc()
}

func (m *Metrics) PortLeased() {
	if m == nil {
		return
	}
	m.portsLeased.Inc()
}

func (m *Metrics) PortReleased() {
	if m == nil {
		return
	}
	m.portsLeased.Dec()
}

// Handler serves the default gatherer for the metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
