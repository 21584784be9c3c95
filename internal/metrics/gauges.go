// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 事件埋点指标 (Counter/Histogram), 作为端点监听器注册
// =============================================================================
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/rudp/internal/rudp"
)

// SessionMetrics 会话事件指标, 实现 rudp.Listener
type SessionMetrics struct {
	Connected       prometheus.Counter
	Disconnects     *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	SmoothedRTT     prometheus.Histogram
	Messages        *prometheus.CounterVec
	MessageBytes    *prometheus.HistogramVec
	Errors          *prometheus.CounterVec
}

// NewSessionMetrics 创建并注册指标集合
func NewSessionMetrics(registry prometheus.Registerer, role string) *SessionMetrics {
	labels := prometheus.Labels{"role": role}

	m := &SessionMetrics{
		Connected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "connected_total",
			Help:        "Sessions that completed the handshake",
			ConstLabels: labels,
		}),

		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "disconnects_total",
			Help:        "Session closures by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "duration_seconds",
			Help:        "Session lifetime from creation to close",
			ConstLabels: labels,
			Buckets:     []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}),

		SmoothedRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "srtt_seconds",
			Help:        "Smoothed round-trip time of a session at close",
			ConstLabels: labels,
			Buckets:     []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "messages_total",
			Help:        "Payloads delivered to listeners by reliability",
			ConstLabels: labels,
		}, []string{"reliability"}),

		MessageBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "message_bytes",
			Help:        "Delivered payload size",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(16, 2, 8),
		}, []string{"reliability"}),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Errors reported by the endpoint by type",
			ConstLabels: labels,
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.Connected,
		m.Disconnects,
		m.SessionDuration,
		m.SmoothedRTT,
		m.Messages,
		m.MessageBytes,
		m.Errors,
	)

	return m
}

// OnConnected 实现 rudp.Listener
func (m *SessionMetrics) OnConnected(s *rudp.Session) {
	m.Connected.Inc()
}

// OnDisconnected 实现 rudp.Listener
func (m *SessionMetrics) OnDisconnected(s *rudp.Session, reason string) {
	m.Disconnects.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(time.Since(s.CreatedAt()).Seconds())
	if rtt := s.RTT(); rtt.Samples > 0 {
		m.SmoothedRTT.Observe(rtt.Smoothed.Seconds())
	}
}

// OnMessage 实现 rudp.Listener
func (m *SessionMetrics) OnMessage(s *rudp.Session, payload []byte, rel rudp.Reliability) {
	label := rel.String()
	m.Messages.WithLabelValues(label).Inc()
	m.MessageBytes.WithLabelValues(label).Observe(float64(len(payload)))
}

// OnError 实现 rudp.Listener
func (m *SessionMetrics) OnError(err error) {
	m.Errors.WithLabelValues(errorType(err)).Inc()
}

func errorType(err error) string {
	var perr *rudp.ProtocolError
	var terr *rudp.TransportError
	switch {
	case errors.As(err, &perr):
		return "protocol"
	case errors.As(err, &terr):
		return "transport"
	}
	return "other"
}
