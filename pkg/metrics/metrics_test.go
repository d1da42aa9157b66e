package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()

	c.BytesReceived(100)
	c.BytesReceived(50)
	c.BytesSent(10)
	c.BytesWritten(70)
	c.BlockWritten()
	c.BlockWritten()
	c.BlockIgnored()
	c.BlockWriteError()
	c.BlockDeleted()
	c.BlocksPendingDropped(3)
	c.BucketCreated()
	c.BucketCreated()
	c.BucketDeleted()
	c.APICall("put_object")
	c.APICall("put_object")
	c.APICall("get_object")

	s := c.Snapshot()
	require.EqualValues(t, 150, s.BytesReceived)
	require.EqualValues(t, 10, s.BytesSent)
	require.EqualValues(t, 70, s.BytesWritten)
	require.EqualValues(t, 2, s.BlocksWritten)
	require.EqualValues(t, 1, s.BlocksIgnored)
	require.EqualValues(t, 1, s.BlockWriteErrors)
	require.EqualValues(t, 1, s.BlocksDeleted)
	require.EqualValues(t, 3, s.BlocksPendingDropped)
	require.EqualValues(t, 1, s.BucketCount)
	require.EqualValues(t, 2, s.APICalls["put_object"])
	require.EqualValues(t, 1, s.APICalls["get_object"])

	c.SetBucketCount(42)
	require.EqualValues(t, 42, c.Snapshot().BucketCount)
}

func TestCountersConcurrent(t *testing.T) {
	c := NewCounters()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.BytesReceived(1)
				c.APICall("op")
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	require.EqualValues(t, 1600, s.BytesReceived)
	require.EqualValues(t, 1600, s.APICalls["op"])
}
