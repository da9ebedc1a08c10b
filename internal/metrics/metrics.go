package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage labels. Shared between the prometheus series and error
// accounting so dashboards and logs agree on naming.
const (
	StageEmbed    = "embed"
	StageSearch   = "search"
	StageGenerate = "generate"
	StageIngest   = "ingest"
	StageMemory   = "memory"
)

var (
	ingestTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragserve_ingest_total",
		Help: "Documents accepted into the primary collection.",
	})
	chatTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragserve_chat_total",
		Help: "Chat requests answered successfully.",
	})
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragserve_errors_total",
		Help: "Request failures by pipeline stage.",
	}, []string{"stage"})
	// Generation regularly runs for minutes while embedding sits in the
	// millisecond range, so the buckets span 5ms up to ~160s.
	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragserve_stage_seconds",
		Help:    "Pipeline stage latency in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
	}, []string{"stage"})
)

var (
	startedAt = time.Now()

	ingestCount atomic.Uint64
	chatCount   atomic.Uint64
	errorCount  atomic.Uint64
)

func MarkIngest() {
	ingestCount.Add(1)
	ingestTotal.Inc()
}

func MarkChat() {
	chatCount.Add(1)
	chatTotal.Inc()
}

func MarkError(stage string) {
	errorCount.Add(1)
	errorsTotal.WithLabelValues(stage).Inc()
}

func ObserveStage(stage string, cost time.Duration) {
	stageSeconds.WithLabelValues(stage).Observe(cost.Seconds())
}

// Snapshot is the in-process counter view surfaced by the health endpoint.
type Snapshot struct {
	UptimeSeconds int64  `json:"uptime_s"`
	Ingested      uint64 `json:"ingested"`
	Chats         uint64 `json:"chats"`
	Errors        uint64 `json:"errors"`
}

func Current() Snapshot {
	return Snapshot{
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Ingested:      ingestCount.Load(),
		Chats:         chatCount.Load(),
		Errors:        errorCount.Load(),
	}
}
