// Package metrics 注册生命周期子系统的 Prometheus 指标，HTTP 层通过 /-/metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lunara"

var (
	// UpstreamRequests 按目标（manifest/paper/hangar/artifact）与结果统计上游请求。
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Upstream catalog and artifact requests by target and result.",
	}, []string{"target", "result"})

	// ArtifactBytes 统计写入磁盘的构件字节数。
	ArtifactBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifact_bytes_total",
		Help:      "Bytes written to instance directories by kind (server/plugin).",
	}, []string{"kind"})

	// FetchDuration 记录单次下载耗时。
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "artifact_fetch_seconds",
		Help:      "Artifact download latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})

	// Operations 按操作与错误码统计生命周期操作结果，成功时 code 为 ok。
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Lifecycle operations by name and outcome code.",
	}, []string{"operation", "code"})

	// Instances 反映注册表中的实例数量。
	Instances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instances",
		Help:      "Number of server instances in the registry.",
	})
)

// Result 把 error 压缩为 ok/error 标签值。
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
