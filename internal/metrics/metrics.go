// Package metrics exposes Prometheus collectors fed by rotator, scheduler and
// codec hooks.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhaori96/krot/v2"
	"github.com/zhaori96/krot/v2/token"
)

const namespace = "krot"

// Verification results used as the "result" label.
const (
	ResultVerified         = "verified"
	ResultUnknownKeyID     = "unknown_kid"
	ResultUnsupportedAlg   = "unsupported_alg"
	ResultInvalidSignature = "invalid_signature"
)

type Metrics struct {
	registry *prometheus.Registry

	Rotations        prometheus.Counter
	LifecycleErrors  *prometheus.CounterVec
	Introductions    prometheus.Counter
	Evictions        prometheus.Counter
	LateTicks        prometheus.Counter
	TokensSigned     prometheus.Counter
	Verifications    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg, or on a fresh registry
// when reg is nil. A collector that is already registered is reused.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{registry: reg}

	var err error
	if m.Rotations, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotations_total",
		Help:      "Promotions of a key to primary, scheduled or forced.",
	})); err != nil {
		return nil, err
	}

	if m.LifecycleErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifecycle_errors_total",
		Help:      "Failed introductions and promotions.",
	}, []string{"event"})); err != nil {
		return nil, err
	}

	if m.Introductions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "introductions_total",
		Help:      "Standby keys introduced.",
	})); err != nil {
		return nil, err
	}

	if m.Evictions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Keys evicted from the verification set.",
	})); err != nil {
		return nil, err
	}

	if m.LateTicks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_late_ticks_total",
		Help:      "Scheduler ticks that ran more than two intervals after the previous one.",
	})); err != nil {
		return nil, err
	}

	if m.TokensSigned, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_signed_total",
		Help:      "Tokens signed.",
	})); err != nil {
		return nil, err
	}

	if m.Verifications, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_verifications_total",
		Help:      "Decoded tokens by verification result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}

	if m.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}

	if m.HTTPRequestTimes, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}

// Instrument hooks the rotator and its scheduler. Call it before Start.
func (m *Metrics) Instrument(rotator *krot.Rotator) error {
	rotator.AfterRotation(func(*krot.Rotator) {
		m.Rotations.Inc()
	})

	rotator.AfterIntroduction(func(*krot.Rotator) {
		m.Introductions.Inc()
	})

	rotator.OnError(func(_ *krot.Rotator, event krot.EventKind, _ error) {
		m.LifecycleErrors.WithLabelValues(event.String()).Inc()
	})

	rotator.Scheduler().AfterTick(func(s *krot.Scheduler) {
		report := s.LastReport()
		m.Evictions.Add(float64(len(report.Evicted)))
		if report.Late {
			m.LateTicks.Inc()
		}
	})

	_, err := register(m.registry, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "published_keys",
		Help:      "Keys currently published for verification.",
	}, func() float64 {
		return float64(len(rotator.Keys()))
	}))
	if err != nil {
		return err
	}

	_, err = register(m.registry, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_events",
		Help:      "Lifecycle events waiting in the scheduler queue.",
	}, func() float64 {
		return float64(len(rotator.Scheduler().Pending()))
	}))
	return err
}

// InstrumentCodec counts signatures and verification results.
func (m *Metrics) InstrumentCodec(codec *token.Codec) {
	codec.OnSign(func(token.Header) {
		m.TokensSigned.Inc()
	})

	codec.OnVerify(func(decoded *token.Decoded) {
		m.Verifications.WithLabelValues(VerificationResult(decoded)).Inc()
	})
}

// VerificationResult maps a decoded token to its "result" label.
func VerificationResult(decoded *token.Decoded) string {
	switch {
	case decoded.Verified:
		return ResultVerified
	case errors.Is(decoded.Reason, token.ErrUnknownKeyID):
		return ResultUnknownKeyID
	case errors.Is(decoded.Reason, token.ErrUnsupportedAlgorithm):
		return ResultUnsupportedAlg
	default:
		return ResultInvalidSignature
	}
}

// ObserveRequest records one HTTP request against its route pattern.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestTimes.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
