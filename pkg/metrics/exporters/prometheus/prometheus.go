// Package prometheus exports the engine counters as prometheus
// collectors registered on a registerer of the caller's choosing.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter implements metrics.Collector on prometheus primitives.
type Exporter struct {
	apiCalls *prometheus.CounterVec

	bytesReceived prometheus.Counter
	bytesSent     prometheus.Counter
	bytesWritten  prometheus.Counter

	blocksWritten        prometheus.Counter
	blocksIgnored        prometheus.Counter
	blockWriteErrors     prometheus.Counter
	blocksDeleted        prometheus.Counter
	blocksPendingDropped prometheus.Counter

	bucketCount prometheus.Gauge
}

// New builds an exporter and registers its collectors. Passing nil
// registers on the default registerer.
func New(reg prometheus.Registerer) (*Exporter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	e := &Exporter{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "api_calls_total",
			Help:      "Engine operations invoked, by operation name.",
		}, []string{"op"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "bytes_received_total",
			Help:      "Object payload bytes received from callers.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "bytes_sent_total",
			Help:      "Object payload bytes streamed to callers.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "bytes_written_total",
			Help:      "Bytes written to the block pool.",
		}),
		blocksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "blocks_written_total",
			Help:      "Blocks persisted to disk.",
		}),
		blocksIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "blocks_ignored_total",
			Help:      "Blocks skipped because identical content was already stored.",
		}),
		blockWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "block_write_errors_total",
			Help:      "Block writes that failed.",
		}),
		blocksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "blocks_deleted_total",
			Help:      "Block files removed after their last reference was released.",
		}),
		blocksPendingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3_cas",
			Name:      "blocks_pending_dropped_total",
			Help:      "Dispatched chunks abandoned by writes that aborted mid-stream.",
		}),
		bucketCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "s3_cas",
			Name:      "buckets",
			Help:      "Current number of buckets.",
		}),
	}

	for _, c := range []prometheus.Collector{
		e.apiCalls, e.bytesReceived, e.bytesSent, e.bytesWritten,
		e.blocksWritten, e.blocksIgnored, e.blockWriteErrors,
		e.blocksDeleted, e.blocksPendingDropped, e.bucketCount,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Exporter) APICall(op string)   { e.apiCalls.WithLabelValues(op).Inc() }
func (e *Exporter) BytesReceived(n int) { e.bytesReceived.Add(float64(n)) }
func (e *Exporter) BytesSent(n int)     { e.bytesSent.Add(float64(n)) }
func (e *Exporter) BytesWritten(n int)  { e.bytesWritten.Add(float64(n)) }
func (e *Exporter) BlockWritten()       { e.blocksWritten.Inc() }
func (e *Exporter) BlockIgnored()       { e.blocksIgnored.Inc() }
func (e *Exporter) BlockWriteError()    { e.blockWriteErrors.Inc() }
func (e *Exporter) BlockDeleted()       { e.blocksDeleted.Inc() }
func (e *Exporter) BlocksPendingDropped(n int) {
	e.blocksPendingDropped.Add(float64(n))
}
func (e *Exporter) BucketCreated()       { e.bucketCount.Inc() }
func (e *Exporter) BucketDeleted()       { e.bucketCount.Dec() }
func (e *Exporter) SetBucketCount(n int) { e.bucketCount.Set(float64(n)) }
