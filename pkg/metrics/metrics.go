// Package metrics defines the counter sink the CAS engine reports
// into. The engine only calls the Collector interface; emission
// backends live in exporters subpackages or outside the module.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Collector receives the engine's counters. Implementations must be
// safe for concurrent use and cheap enough to call on the data path.
type Collector interface {
	// APICall counts one invocation of a named engine operation.
	APICall(op string)

	BytesReceived(n int)
	BytesSent(n int)
	BytesWritten(n int)

	BlockWritten()
	BlockIgnored()
	BlockWriteError()
	BlockDeleted()

	// BlocksPendingDropped counts chunks that were dispatched but
	// abandoned because their write aborted mid-stream.
	BlocksPendingDropped(n int)

	BucketCreated()
	BucketDeleted()
	SetBucketCount(n int)
}

// Nop is the default collector, discarding everything.
type Nop struct{}

func (Nop) APICall(string)           {}
func (Nop) BytesReceived(int)        {}
func (Nop) BytesSent(int)            {}
func (Nop) BytesWritten(int)         {}
func (Nop) BlockWritten()            {}
func (Nop) BlockIgnored()            {}
func (Nop) BlockWriteError()         {}
func (Nop) BlockDeleted()            {}
func (Nop) BlocksPendingDropped(int) {}
func (Nop) BucketCreated()           {}
func (Nop) BucketDeleted()           {}
func (Nop) SetBucketCount(int)       {}

// Counters is an in-memory collector backed by atomic counters, used
// by tests.
type Counters struct {
	bytesReceived atomic.Int64
	bytesSent     atomic.Int64
	bytesWritten  atomic.Int64

	blocksWritten        atomic.Int64
	blocksIgnored        atomic.Int64
	blockWriteErrors     atomic.Int64
	blocksDeleted        atomic.Int64
	blocksPendingDropped atomic.Int64

	bucketCount atomic.Int64

	mu    sync.Mutex
	calls map[string]int64
}

// NewCounters builds an empty in-memory collector.
func NewCounters() *Counters {
	return &Counters{calls: make(map[string]int64)}
}

func (c *Counters) APICall(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

func (c *Counters) BytesReceived(n int) { c.bytesReceived.Add(int64(n)) }
func (c *Counters) BytesSent(n int)     { c.bytesSent.Add(int64(n)) }
func (c *Counters) BytesWritten(n int)  { c.bytesWritten.Add(int64(n)) }
func (c *Counters) BlockWritten()       { c.blocksWritten.Add(1) }
func (c *Counters) BlockIgnored()       { c.blocksIgnored.Add(1) }
func (c *Counters) BlockWriteError()    { c.blockWriteErrors.Add(1) }
func (c *Counters) BlockDeleted()       { c.blocksDeleted.Add(1) }
func (c *Counters) BucketCreated()      { c.bucketCount.Add(1) }
func (c *Counters) BucketDeleted()      { c.bucketCount.Add(-1) }
func (c *Counters) BlocksPendingDropped(n int) {
	c.blocksPendingDropped.Add(int64(n))
}
func (c *Counters) SetBucketCount(n int) {
	c.bucketCount.Store(int64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BytesReceived        int64
	BytesSent            int64
	BytesWritten         int64
	BlocksWritten        int64
	BlocksIgnored        int64
	BlockWriteErrors     int64
	BlocksDeleted        int64
	BlocksPendingDropped int64
	BucketCount          int64
	APICalls             map[string]int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		BytesReceived:        c.bytesReceived.Load(),
		BytesSent:            c.bytesSent.Load(),
		BytesWritten:         c.bytesWritten.Load(),
		BlocksWritten:        c.blocksWritten.Load(),
		BlocksIgnored:        c.blocksIgnored.Load(),
		BlockWriteErrors:     c.blockWriteErrors.Load(),
		BlocksDeleted:        c.blocksDeleted.Load(),
		BlocksPendingDropped: c.blocksPendingDropped.Load(),
		BucketCount:          c.bucketCount.Load(),
		APICalls:             make(map[string]int64),
	}
	c.mu.Lock()
	for k, v := range c.calls {
		s.APICalls[k] = v
	}
	c.mu.Unlock()
	return s
}
