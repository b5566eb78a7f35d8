package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics are the link and protocol counters. All methods are safe on a
// nil receiver so components can run without a registry.
type Metrics struct {
	Frames           *prometheus.CounterVec // labels: opcode
	FramingErrors    *prometheus.CounterVec // labels: kind
	ReportFields     *prometheus.CounterVec // labels: result=parsed|skipped|dropped
	HandshakeAttempt *prometheus.CounterVec // labels: result
	Commands         *prometheus.CounterVec // labels: opcode, result
	ChannelValue     *prometheus.GaugeVec   // labels: slot
	ReadErrors       prometheus.Counter
}

// New registers and returns the dashbridge metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbridge_frames_total",
			Help: "Frames received from the MCU by opcode.",
		}, []string{"opcode"}),
		FramingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbridge_framing_errors_total",
			Help: "Inbound lines dropped because they did not decode.",
		}, []string{"kind"}),
		ReportFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbridge_report_fields_total",
			Help: "PID report fields by parse result.",
		}, []string{"result"}),
		HandshakeAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbridge_handshake_attempts_total",
			Help: "Firmware handshake attempts by result.",
		}, []string{"result"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbridge_commands_total",
			Help: "Commands written to the MCU.",
		}, []string{"opcode", "result"}),
		ChannelValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashbridge_channel_value",
			Help: "Last value of each subscribed channel.",
		}, []string{"slot"}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashbridge_link_read_errors_total",
			Help: "Serial read failures.",
		}),
	}
	reg.MustRegister(m.Frames, m.FramingErrors, m.ReportFields, m.HandshakeAttempt, m.Commands, m.ChannelValue, m.ReadErrors)
	return m
}

func (m *Metrics) Frame(opcode string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(opcode).Inc()
}

func (m *Metrics) FramingError(kind string) {
	if m == nil {
		return
	}
	m.FramingErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Fields(parsed, skipped, dropped int) {
	if m == nil {
		return
	}
	m.ReportFields.WithLabelValues("parsed").Add(float64(parsed))
	m.ReportFields.WithLabelValues("skipped").Add(float64(skipped))
	m.ReportFields.WithLabelValues("dropped").Add(float64(dropped))
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.HandshakeAttempt.WithLabelValues(result).Inc()
}

func (m *Metrics) Command(opcode string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(opcode, result).Inc()
}

func (m *Metrics) Channels(values []float64) {
	if m == nil {
		return
	}
	for i, v := range values {
		m.ChannelValue.WithLabelValues(strconv.Itoa(i)).Set(v)
	}
}

func (m *Metrics) ReadError() {
	if m == nil {
		return
	}
	m.ReadErrors.Inc()
}
