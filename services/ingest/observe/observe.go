// Package observe turns pipeline and broker events into logs and Prometheus
// metrics.
package observe

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ingestd/services/ingest"
	"ingestd/services/ingest/broker"
)

var states = []broker.State{broker.Disconnected, broker.Connecting, broker.Ready, broker.Degraded}

// Observer implements ingest.Observer and broker.Observer.
type Observer struct {
	logger zerolog.Logger

	published   *prometheus.CounterVec
	invalid     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

var (
	_ ingest.Observer = (*Observer)(nil)
	_ broker.Observer = (*Observer)(nil)
)

// New registers the gateway metrics on reg.
func New(logger zerolog.Logger, reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		logger: logger,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_reports_published_total",
			Help: "Publish attempts by outcome.",
		}, []string{"outcome"}),
		invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_reports_invalid_total",
			Help: "Submissions refused before publishing, by field and violation.",
		}, []string{"field", "violation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestd_publish_duration_seconds",
			Help:    "Time from acquiring a connection to the broker ack or failure.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"outcome"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestd_broker_state",
			Help: "1 for the current broker connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_broker_transitions_total",
			Help: "Broker connection state changes by target state.",
		}, []string{"to"}),
	}

	for _, c := range []prometheus.Collector{o.published, o.invalid, o.duration, o.state, o.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	o.setState(broker.Disconnected)

	return o, nil
}

// BrokerTransition records a connection state change.
func (o *Observer) BrokerTransition(t broker.Transition) {
	o.setState(t.To)
	o.transitions.WithLabelValues(t.To.String()).Inc()

	switch t.To {
	case broker.Ready:
		o.logger.Info().Stringer("from", t.From).Msg("broker connection ready")
	case broker.Degraded:
		o.logger.Warn().Err(t.Err).Msg("broker connection degraded")
	case broker.Disconnected:
		if t.Err != nil {
			o.logger.Warn().Err(t.Err).Int("retries", t.Retries).Msg("broker unavailable")
			return
		}
		o.logger.Info().Msg("broker connection closed")
	default:
		o.logger.Debug().Stringer("from", t.From).Stringer("to", t.To).Msg("broker state")
	}
}

// PublishCompleted records the outcome of one publish attempt.
func (o *Observer) PublishCompleted(e ingest.PublishEvent) {
	outcome := e.Outcome.String()
	o.published.WithLabelValues(outcome).Inc()
	o.duration.WithLabelValues(outcome).Observe(e.Duration.Seconds())

	switch e.Outcome {
	case ingest.Delivered:
		o.logger.Debug().Str("report_id", e.ReportID).Dur("duration", e.Duration).Msg("report delivered")
	case ingest.Rejected:
		o.logger.Error().
			Str("report_id", e.ReportID).
			Str("subject", e.Subject).
			Str("reason", e.Reason).
			Err(e.Err).
			Msg("broker rejected report")
	default:
		o.logger.Warn().Str("report_id", e.ReportID).Err(e.Err).Dur("duration", e.Duration).Msg("report not delivered")
	}
}

// ReportInvalid records a refused submission.
func (o *Observer) ReportInvalid(e ingest.ValidationEvent) {
	field := fieldLabel(e.Field)
	o.invalid.WithLabelValues(field, string(e.Violation)).Inc()
	o.logger.Debug().Str("field", e.Field).Str("violation", string(e.Violation)).Err(e.Err).Msg("report refused")
}

func (o *Observer) setState(current broker.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		o.state.WithLabelValues(s.String()).Set(v)
	}
}

// fieldLabel keeps label cardinality bounded: "processes[12]" becomes
// "processes" and body-level failures become "body".
func fieldLabel(field string) string {
	if field == "" {
		return "body"
	}
	if i := strings.IndexByte(field, '['); i > 0 {
		return field[:i]
	}
	return field
}
