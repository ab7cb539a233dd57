// Package dmetrics exports the per-container statistics table (spec §3
// container record: "one counter per operation kind") as Prometheus
// metrics, the way the teacher exports its per-op counters from
// common/telemetry. One CounterVec covers every container; a Recorder is
// the cheap per-container view the dispatcher holds.
package dmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dfuse",
		Name:      "ops_total",
		Help:      "FUSE operations dispatched, by container and operation kind.",
	}, []string{"container", "op"})

	opErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dfuse",
		Name:      "op_errors_total",
		Help:      "FUSE operations that replied with an errno.",
	}, []string{"container", "op"})

	readBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dfuse",
		Name:      "read_bytes",
		Help:      "Bytes returned per read, by source.",
		Buckets:   prometheus.ExponentialBuckets(4096, 4, 8),
	}, []string{"container", "source"})
)

// Read sources for the readBytes histogram.
const (
	SourcePreRead = "preread"
	SourceChunk   = "chunk"
	SourceBackend = "backend"
)

// Register installs the collectors on reg, typically
// prometheus.DefaultRegisterer from cmd.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(opsTotal, opErrors, readBytes)
}

// Recorder is the per-container statistics handle.
type Recorder struct {
	container string
}

// ForContainer returns the recorder labeled with the container UUID.
func ForContainer(containerUUID string) *Recorder {
	return &Recorder{container: containerUUID}
}

// Op counts one dispatched operation.
func (r *Recorder) Op(op string) {
	if r == nil {
		return
	}
	opsTotal.WithLabelValues(r.container, op).Inc()
}

// OpError counts one operation that replied with an errno.
func (r *Recorder) OpError(op string) {
	if r == nil {
		return
	}
	opErrors.WithLabelValues(r.container, op).Inc()
}

// Read records bytes served from one of the read paths.
func (r *Recorder) Read(source string, n int) {
	if r == nil || n < 0 {
		return
	}
	readBytes.WithLabelValues(r.container, source).Observe(float64(n))
}
