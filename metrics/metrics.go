// Package metrics provides Prometheus instrumentation for the encoding agent.
// All metrics are prefixed with "encodeagent_".
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent status gauges
var (
	AgentActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodeagent_agent_active",
			Help: "1 while the scheduling and encoding loops are running",
		},
	)

	AgentPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodeagent_agent_paused",
			Help: "1 while the agent is paused",
		},
	)

	EncoderActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodeagent_encoder_active",
			Help: "1 while an encoder process is running",
		},
	)

	EncodePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodeagent_encode_percent",
			Help: "Progress of the current encode in percent",
		},
	)

	EncodeFPS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "encodeagent_encode_fps",
			Help: "Frames per second reported by the encoder",
		},
		[]string{"kind"}, // "current", "average"
	)

	EncodeETASeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodeagent_encode_eta_seconds",
			Help: "Estimated seconds until the current encode finishes, -1 when unknown",
		},
	)
)

// Pipeline metrics
var (
	QueuedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encodeagent_queued_tasks",
			Help: "Number of discovered tasks waiting to be processed",
		},
	)

	TaskOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodeagent_task_outcomes_total",
			Help: "Total number of processed tasks by outcome",
		},
		[]string{"outcome"},
	)

	EncodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "encodeagent_encode_duration_seconds",
			Help:    "Wall time of encoder runs",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		},
	)

	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encodeagent_scans_total",
			Help: "Total number of input directory scans",
		},
		[]string{"status"}, // "success", "error"
	)

	CropDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "encodeagent_crop_duration_seconds",
			Help:    "Time spent computing smart crop rectangles",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

// Status is the subset of agent status mirrored into gauges.
type Status struct {
	AgentActive   bool
	Paused        bool
	EncoderActive bool
	Percent       float64
	FPS           float64
	AvgFPS        float64
	ETA           time.Duration
}

// SetStatus updates every status gauge.
func SetStatus(s Status) {
	AgentActive.Set(boolToFloat(s.AgentActive))
	AgentPaused.Set(boolToFloat(s.Paused))
	EncoderActive.Set(boolToFloat(s.EncoderActive))
	EncodePercent.Set(s.Percent)
	EncodeFPS.WithLabelValues("current").Set(s.FPS)
	EncodeFPS.WithLabelValues("average").Set(s.AvgFPS)
	if s.ETA < 0 {
		EncodeETASeconds.Set(-1)
	} else {
		EncodeETASeconds.Set(s.ETA.Seconds())
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
