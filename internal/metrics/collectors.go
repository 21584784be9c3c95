// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器 - 按需拉取端点统计
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/rudp/internal/rudp"
)

const namespace = "rudp"

// StatsSource 端点统计来源 (*rudp.Server / *rudp.Client 均满足)
type StatsSource interface {
	Stats() rudp.Stats
}

// EndpointCollector 端点指标收集器
type EndpointCollector struct {
	source StatsSource

	packetsDesc      *prometheus.Desc
	bytesDesc        *prometheus.Desc
	retransmitsDesc  *prometheus.Desc
	acksDesc         *prometheus.Desc
	duplicatesDesc   *prometheus.Desc
	decodeErrorsDesc *prometheus.Desc
	sendErrorsDesc   *prometheus.Desc
	sessionsDesc     *prometheus.Desc
	activeDesc       *prometheus.Desc
}

// NewEndpointCollector 创建端点收集器, role 作为常量标签 (server / client)
func NewEndpointCollector(role string, source StatsSource) *EndpointCollector {
	subsystem := "endpoint"
	labels := prometheus.Labels{"role": role}

	return &EndpointCollector{
		source: source,

		packetsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_total"),
			"Datagrams sent and received",
			[]string{"direction"}, labels,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_total"),
			"Bytes sent and received",
			[]string{"direction"}, labels,
		),
		retransmitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "retransmits_total"),
			"Reliable packets retransmitted",
			nil, labels,
		),
		acksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_total"),
			"Acknowledgements sent, and pending entries cleared by received acknowledgements",
			[]string{"direction"}, labels,
		),
		duplicatesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "duplicates_total"),
			"Sequenced datagrams dropped as duplicate or out of window",
			nil, labels,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "decode_errors_total"),
			"Datagrams rejected by the decoder",
			nil, labels,
		),
		sendErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "send_errors_total"),
			"Socket write failures",
			nil, labels,
		),
		sessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "sessions_total"),
			"Sessions opened and closed",
			[]string{"event"}, labels,
		),
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_sessions"),
			"Sessions currently in the table",
			nil, labels,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *EndpointCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsDesc
	ch <- c.bytesDesc
	ch <- c.retransmitsDesc
	ch <- c.acksDesc
	ch <- c.duplicatesDesc
	ch <- c.decodeErrorsDesc
	ch <- c.sendErrorsDesc
	ch <- c.sessionsDesc
	ch <- c.activeDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *EndpointCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	// 流量
	ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(s.PacketsSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(s.PacketsReceived), "received")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(s.BytesSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(s.BytesReceived), "received")

	// 可靠性
	ch <- prometheus.MustNewConstMetric(c.retransmitsDesc, prometheus.CounterValue, float64(s.Retransmits))
	ch <- prometheus.MustNewConstMetric(c.acksDesc, prometheus.CounterValue, float64(s.AcksSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.acksDesc, prometheus.CounterValue, float64(s.AcksReceived), "received")
	ch <- prometheus.MustNewConstMetric(c.duplicatesDesc, prometheus.CounterValue, float64(s.Duplicates))

	// 错误
	ch <- prometheus.MustNewConstMetric(c.decodeErrorsDesc, prometheus.CounterValue, float64(s.DecodeErrors))
	ch <- prometheus.MustNewConstMetric(c.sendErrorsDesc, prometheus.CounterValue, float64(s.SendErrors))

	// 会话
	ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.CounterValue, float64(s.SessionsOpened), "opened")
	ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.CounterValue, float64(s.SessionsClosed), "closed")
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(s.ActiveSessions))
}
