package cas

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 -- MD5 is the content identity of the format, not a security boundary
	"hash"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/threefoldtech/s3-cas/pkg/metastore"
)

func contentMD5(data []byte) metastore.BlockID {
	return metastore.BlockID(md5.Sum(data)) // #nosec G401
}

// storeBytes re-frames the stream into fixed-size chunks and lands
// every chunk in the block pool through the reserve-or-bump
// transaction, keeping at most concurrentChunks in flight. It returns
// the ordered block list, the MD5 of the whole stream, and the stream
// length.
//
// old is the value currently stored at the destination key, if any;
// blocks it references are not bumped again.
func (fs *CasFS) storeBytes(ctx context.Context, r io.Reader, old *metastore.Object) ([]metastore.BlockID, metastore.BlockID, uint64, error) {
	w := &chunkWriter{
		fs:   fs,
		ctx:  ctx,
		old:  old,
		buf:  make([]byte, 0, fs.blockSize),
		hash: md5.New(), // #nosec G401
		sem:  make(chan struct{}, fs.concurrentChunks),
		seen: make(map[metastore.BlockID]struct{}),
	}

	if _, err := io.Copy(w, r); err != nil {
		w.wg.Wait()
		w.reportDropped()
		return nil, metastore.BlockID{}, 0, err
	}
	return w.finish()
}

type chunkResult struct {
	seq int
	id  metastore.BlockID
}

// chunkWriter implements the bounded-concurrency chunk pipeline. Write
// is called from a single goroutine; flush units run concurrently.
type chunkWriter struct {
	fs  *CasFS
	ctx context.Context
	old *metastore.Object

	buf  []byte
	seq  int
	size uint64
	hash hash.Hash

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	seen    map[metastore.BlockID]struct{}
	results []chunkResult
	dropped int
	err     error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.hash.Write(p)
	w.size += uint64(total)
	w.fs.m.BytesReceived(total)

	for len(p) > 0 {
		if w.failed() {
			return 0, w.firstErr()
		}
		free := int(w.fs.blockSize) - len(w.buf)
		if free > len(p) {
			free = len(p)
		}
		w.buf = append(w.buf, p[:free]...)
		p = p[free:]

		if len(w.buf) == int(w.fs.blockSize) {
			w.dispatch(w.buf)
			w.buf = make([]byte, 0, w.fs.blockSize)
		}
	}
	return total, nil
}

// dispatch hands a full chunk to a flush unit, blocking while the
// in-flight window is exhausted so upstream backpressure propagates.
func (w *chunkWriter) dispatch(chunk []byte) {
	seq := w.seq
	w.seq++

	w.wg.Add(1)
	w.sem <- struct{}{}
	go w.flushChunk(chunk, seq)
}

func (w *chunkWriter) flushChunk(chunk []byte, seq int) {
	defer func() {
		<-w.sem
		w.wg.Done()
	}()

	if w.failed() {
		// dispatched but abandoned: the write already aborted
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		return
	}

	id := contentMD5(chunk)
	keyHas := w.markSeen(id)

	isNew, blk, err := w.fs.meta.WriteBlock(id, uint64(len(chunk)), keyHas, func(blk *metastore.Block) error {
		return w.fs.pool.Put(w.ctx, blk.DiskPath(w.fs.dirDepth), bytes.NewReader(chunk))
	})
	if err != nil {
		w.fs.m.BlockWriteError()
		w.fs.l.Error("chunk write failed", zap.Stringer("block", id), zap.Error(err))
		w.setErr(err)
		return
	}
	if isNew {
		w.fs.m.BlockWritten()
	} else {
		w.fs.m.BlockIgnored()
		w.fs.l.Debug("duplicate block", zap.Stringer("block", id), zap.Uint64("size", blk.Size))
	}

	w.mu.Lock()
	w.results = append(w.results, chunkResult{seq: seq, id: id})
	w.mu.Unlock()
}

// markSeen decides whether the destination key already holds a
// reference to the block: either through its previous value or through
// an earlier chunk of this same write.
func (w *chunkWriter) markSeen(id metastore.BlockID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return true
	}
	w.seen[id] = struct{}{}
	return w.old != nil && w.old.HasBlock(id)
}

func (w *chunkWriter) setErr(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

func (w *chunkWriter) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err != nil
}

func (w *chunkWriter) firstErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// reportDropped flushes the abandoned-chunk count into the sink. Only
// called once the window has drained.
func (w *chunkWriter) reportDropped() {
	w.mu.Lock()
	n := w.dropped
	w.dropped = 0
	w.mu.Unlock()
	if n > 0 {
		w.fs.m.BlocksPendingDropped(n)
	}
}

// finish flushes the trailing short chunk, waits for the window to
// drain, and assembles the block list in stream order.
func (w *chunkWriter) finish() ([]metastore.BlockID, metastore.BlockID, uint64, error) {
	if len(w.buf) > 0 {
		w.dispatch(w.buf)
		w.buf = nil
	}
	w.wg.Wait()

	if err := w.firstErr(); err != nil {
		w.reportDropped()
		return nil, metastore.BlockID{}, 0, err
	}

	sort.Slice(w.results, func(i, j int) bool { return w.results[i].seq < w.results[j].seq })
	ids := make([]metastore.BlockID, len(w.results))
	for i, res := range w.results {
		ids[i] = res.id
	}

	var sum metastore.BlockID
	copy(sum[:], w.hash.Sum(nil))
	return ids, sum, w.size, nil
}
