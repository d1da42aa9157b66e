package storage

import (
	"context"
	"io"

	"github.com/threefoldtech/s3-cas/pkg/metrics"
)

// Instrument decorates a store so that bytes flowing to disk are
// reported into the metrics sink.
func Instrument(m metrics.Collector, store Store) Store {
	if m == nil {
		m = metrics.Nop{}
	}
	return &instrumentedStore{store: store, m: m}
}

type instrumentedStore struct {
	store Store
	m     metrics.Collector
}

func (i *instrumentedStore) String() string { return i.store.String() }

func (i *instrumentedStore) Has(ctx context.Context, key string) (bool, error) {
	return i.store.Has(ctx, key)
}

func (i *instrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return i.store.Get(ctx, key)
}

func (i *instrumentedStore) GetAt(ctx context.Context, key string) (ReaderAtCloser, error) {
	return i.store.GetAt(ctx, key)
}

func (i *instrumentedStore) Put(ctx context.Context, key string, source io.Reader) error {
	counter := &countingReader{r: source}
	err := i.store.Put(ctx, key, counter)
	i.m.BytesWritten(counter.n)
	return err
}

func (i *instrumentedStore) Delete(ctx context.Context, key string) error {
	return i.store.Delete(ctx, key)
}

func (i *instrumentedStore) Keys(ctx context.Context) ([]string, error) {
	return i.store.Keys(ctx)
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
