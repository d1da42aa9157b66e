// Package cas implements the content-addressable storage engine:
// objects written under bucket/key names are chunked into blocks
// identified by their MD5, stored once in a shared block pool, and
// reference counted across all referents.
package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/threefoldtech/s3-cas/pkg/kv"
	"github.com/threefoldtech/s3-cas/pkg/kv/bdgr"
	"github.com/threefoldtech/s3-cas/pkg/metastore"
	"github.com/threefoldtech/s3-cas/pkg/metrics"
	"github.com/threefoldtech/s3-cas/pkg/storage"
	"github.com/threefoldtech/s3-cas/pkg/storage/localfs"
)

const (
	// DefaultBlockSize is the chunk size objects are re-framed into.
	DefaultBlockSize = 1 * units.MiB

	// MaxBlockSize bounds configurable chunk sizes.
	MaxBlockSize = 1 * units.MiB

	// DefaultInlineThreshold disables inlining unless configured.
	DefaultInlineThreshold = 0

	// defaultConcurrentChunks bounds in-flight chunks per object write.
	defaultConcurrentChunks = 5

	// defaultMaxKeys caps a single object listing.
	defaultMaxKeys = 1000

	// defaultDirDepth inserts a directory separator after every byte of
	// a block path, fanning the tree out gradually.
	defaultDirDepth = 1
)

type settings struct {
	metaRoot string
	fsRoot   string

	engine     kv.Engine
	durability kv.Durability

	inlineThreshold  int
	blockSize        uint32
	dirDepth         int
	concurrentChunks int

	l *zap.Logger
	m metrics.Collector
}

func defaultSettings() *settings {
	return &settings{
		blockSize:        DefaultBlockSize,
		inlineThreshold:  DefaultInlineThreshold,
		dirDepth:         defaultDirDepth,
		concurrentChunks: defaultConcurrentChunks,
		l:                zap.NewNop(),
		m:                metrics.Nop{},
	}
}

// Option is a functor to configure a CasFS instance.
type Option func(*settings)

// MetaRoot sets the metadata root directory.
func MetaRoot(dir string) Option {
	return func(s *settings) { s.metaRoot = dir }
}

// FsRoot sets the block pool root directory.
func FsRoot(dir string) Option {
	return func(s *settings) { s.fsRoot = dir }
}

// StorageEngine selects the metadata transaction implementation.
func StorageEngine(e kv.Engine) Option {
	return func(s *settings) { s.engine = e }
}

// WithDurability selects how metadata commits are persisted.
func WithDurability(d kv.Durability) Option {
	return func(s *settings) { s.durability = d }
}

// InlineThreshold sets the maximum object size stored inside the
// object record. Zero disables inlining.
func InlineThreshold(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.inlineThreshold = n
		}
	}
}

// BlockSize overrides the chunk size. Values above MaxBlockSize are
// rejected by New.
func BlockSize(n uint32) Option {
	return func(s *settings) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// DirDepth sets how many path bytes share one directory level.
func DirDepth(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.dirDepth = n
		}
	}
}

// ConcurrentChunkWrites bounds the in-flight chunks of one object
// write.
func ConcurrentChunkWrites(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.concurrentChunks = n
		}
	}
}

// Logger injects a logger.
func Logger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.l = l
		}
	}
}

// WithMetrics injects a metrics sink.
func WithMetrics(m metrics.Collector) Option {
	return func(s *settings) {
		if m != nil {
			s.m = m
		}
	}
}

// CasFS is one metadata namespace over the shared block pool. In
// single-tenant deployments there is exactly one; in multi-tenant
// deployments the Router hands out one per tenant.
type CasFS struct {
	meta *metastore.MetaStore
	pool storage.Store

	blockSize        uint32
	inlineThreshold  int
	dirDepth         int
	concurrentChunks int

	l *zap.Logger
	m metrics.Collector
}

// New opens a single-tenant CasFS: every metadata partition lives in
// one store under <meta-root>/db and block files under <fs-root>.
func New(opts ...Option) (*CasFS, error) {
	s := defaultSettings()
	for _, apply := range opts {
		apply(s)
	}
	if s.metaRoot == "" || s.fsRoot == "" {
		return nil, fmt.Errorf("%w: meta root and fs root are required", ErrInvalidArgument)
	}
	if s.blockSize > MaxBlockSize {
		return nil, fmt.Errorf("%w: block size %d exceeds %d", ErrInvalidArgument, s.blockSize, MaxBlockSize)
	}

	store, err := bdgr.Open(filepath.Join(s.metaRoot, "db"), bdgr.Options{
		Durability: s.durability,
		Engine:     s.engine,
		Logger:     s.l,
	})
	if err != nil {
		return nil, err
	}

	cache, err := metastore.NewBlockCache(0)
	if err != nil {
		return nil, err
	}
	meta, err := metastore.New(store, store, cache, s.l)
	if err != nil {
		store.Close()
		return nil, err
	}

	pool := storage.Instrument(s.m, localfs.NewAtRoot(s.fsRoot))
	fs := newCasFS(meta, pool, s)

	// seed the bucket gauge
	if buckets, _, _, err := meta.NumKeys(); err == nil {
		s.m.SetBucketCount(buckets)
	}
	return fs, nil
}

func newCasFS(meta *metastore.MetaStore, pool storage.Store, s *settings) *CasFS {
	return &CasFS{
		meta:             meta,
		pool:             pool,
		blockSize:        s.blockSize,
		inlineThreshold:  s.inlineThreshold,
		dirDepth:         s.dirDepth,
		concurrentChunks: s.concurrentChunks,
		l:                s.l,
		m:                s.m,
	}
}

// Close releases the metadata store of this namespace.
func (fs *CasFS) Close() error {
	return fs.meta.Close()
}

// ObjectInfo is the caller-visible description of a stored object.
type ObjectInfo struct {
	Bucket    string
	Key       string
	Size      uint64
	ETag      string
	CreatedAt time.Time
}

func objectInfo(bucket, key string, obj *metastore.Object) *ObjectInfo {
	return &ObjectInfo{
		Bucket:    bucket,
		Key:       key,
		Size:      obj.Size,
		ETag:      obj.ETag(),
		CreatedAt: obj.CreatedAt,
	}
}

// ---- buckets ----

// CreateBucket creates a new bucket namespace.
func (fs *CasFS) CreateBucket(ctx context.Context, name string) error {
	fs.m.APICall("create_bucket")
	if name == "" {
		return fmt.Errorf("%w: bucket name is required", ErrInvalidArgument)
	}
	// reserved partition names all start with an underscore
	if name[0] == '_' {
		return fmt.Errorf("%w: bucket name %q", ErrInvalidArgument, name)
	}
	if err := fs.meta.CreateBucket(metastore.NewBucketMeta(name)); err != nil {
		return err
	}
	fs.m.BucketCreated()
	fs.l.Info("bucket created", zap.String("bucket", name))
	return nil
}

// BucketExists reports whether the bucket exists.
func (fs *CasFS) BucketExists(ctx context.Context, name string) (bool, error) {
	fs.m.APICall("bucket_exists")
	return fs.meta.BucketExists(name)
}

// ListBuckets returns every bucket of this namespace.
func (fs *CasFS) ListBuckets(ctx context.Context) ([]metastore.BucketMeta, error) {
	fs.m.APICall("list_buckets")
	return fs.meta.ListBuckets()
}

// DeleteBucket drops the bucket and every object in it, releasing and
// unlinking all blocks no longer referenced.
func (fs *CasFS) DeleteBucket(ctx context.Context, name string) error {
	fs.m.APICall("delete_bucket")
	released, err := fs.meta.DeleteBucket(name)
	if err != nil {
		return err
	}
	fs.removeBlockFiles(ctx, released)
	fs.m.BucketDeleted()
	fs.l.Info("bucket deleted", zap.String("bucket", name), zap.Int("blocks_released", len(released)))
	return nil
}

// removeBlockFiles unlinks released block files. This always runs
// after the releasing transaction committed; failures leak files and
// are logged, never surfaced.
func (fs *CasFS) removeBlockFiles(ctx context.Context, released []metastore.Block) {
	for _, blk := range released {
		if err := fs.pool.Delete(ctx, blk.DiskPath(fs.dirDepth)); err != nil {
			fs.l.Warn("could not unlink released block file",
				zap.String("path", blk.DiskPath(fs.dirDepth)), zap.Error(err))
			continue
		}
		fs.m.BlockDeleted()
	}
}

// ---- objects ----

// ListObjectsInput bounds an object listing.
type ListObjectsInput struct {
	Prefix            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListObjectsOutput is one page of an object listing.
type ListObjectsOutput struct {
	Objects []ObjectInfo

	// NextContinuationToken resumes the listing when truncated.
	NextContinuationToken string
	Truncated             bool
}

// ListObjects pages through a bucket in key order.
func (fs *CasFS) ListObjects(ctx context.Context, bucket string, in ListObjectsInput) (*ListObjectsOutput, error) {
	fs.m.APICall("list_objects")
	maxKeys := in.MaxKeys
	if maxKeys <= 0 || maxKeys > defaultMaxKeys {
		maxKeys = defaultMaxKeys
	}

	entries, next, err := fs.meta.ListObjects(bucket, in.Prefix, in.StartAfter, in.ContinuationToken, maxKeys)
	if err != nil {
		return nil, err
	}

	out := &ListObjectsOutput{
		Objects:               make([]ObjectInfo, 0, len(entries)),
		NextContinuationToken: next,
		Truncated:             next != "",
	}
	for _, e := range entries {
		obj := e.Object
		out.Objects = append(out.Objects, *objectInfo(bucket, e.Key, &obj))
	}
	return out, nil
}

// HeadObject returns object metadata without touching block files.
func (fs *CasFS) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	fs.m.APICall("head_object")
	obj, err := fs.meta.GetObject(bucket, key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, ErrNoSuchKey
	}
	return objectInfo(bucket, key, obj), nil
}

// DeleteObject removes the object and releases its blocks. Deleting an
// absent key is not an error.
func (fs *CasFS) DeleteObject(ctx context.Context, bucket, key string) error {
	fs.m.APICall("delete_object")
	released, err := fs.meta.DeleteObject(bucket, key)
	if err != nil {
		return err
	}
	fs.removeBlockFiles(ctx, released)
	fs.l.Debug("object deleted", zap.String("bucket", bucket), zap.String("key", key),
		zap.Int("blocks_released", len(released)))
	return nil
}

// PutObject stores the byte stream under (bucket, key), replacing any
// previous value. A declared size below zero means unknown; objects
// with a known size at or below the inline threshold are stored inside
// the record and never touch the block pool.
func (fs *CasFS) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (*ObjectInfo, error) {
	fs.m.APICall("put_object")
	if key == "" {
		return nil, fmt.Errorf("%w: object key is required", ErrInvalidArgument)
	}

	old, err := fs.meta.GetObject(bucket, key)
	if err != nil {
		return nil, err
	}

	if size >= 0 && fs.inlineThreshold > 0 && size <= int64(fs.inlineThreshold) {
		return fs.putInline(ctx, bucket, key, r, size, old)
	}

	ids, hash, written, err := fs.storeBytes(ctx, r, old)
	if err != nil {
		return nil, err
	}

	obj := metastore.NewSinglePartObject(hash, written, ids)
	return fs.finishPut(ctx, bucket, key, obj, old)
}

// putInline is the small-object fast path: the whole body is buffered,
// hashed once, and stored inside the object record.
func (fs *CasFS) putInline(ctx context.Context, bucket, key string, r io.Reader, size int64, old *metastore.Object) (*ObjectInfo, error) {
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("%w: declared %d bytes, read %d", ErrInvalidArgument, size, len(data))
	}
	fs.m.BytesReceived(len(data))

	obj := metastore.NewInlineObject(contentMD5(data), data)
	return fs.finishPut(ctx, bucket, key, obj, old)
}

// finishPut writes the object record, then runs the key-replacement
// pass against the value that was current when the write began. The
// record goes first: a crash in between leaks the old value's blocks
// instead of leaving a record referencing released ones.
func (fs *CasFS) finishPut(ctx context.Context, bucket, key string, obj *metastore.Object, old *metastore.Object) (*ObjectInfo, error) {
	if err := fs.meta.PutObject(bucket, key, obj); err != nil {
		return nil, err
	}

	released, err := fs.meta.ReplaceBlocks(old, obj.Blocks)
	if err != nil {
		// The new record is in place; the failed release pass only leaks.
		fs.l.Warn("key replacement release failed",
			zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
		return objectInfo(bucket, key, obj), nil
	}
	fs.removeBlockFiles(ctx, released)

	return objectInfo(bucket, key, obj), nil
}

// GetObject streams the selected byte range of an object. The stream
// opens block files lazily, one at a time, and must be closed.
func (fs *CasFS) GetObject(ctx context.Context, bucket, key string, rng Range) (io.ReadCloser, *ObjectInfo, error) {
	fs.m.APICall("get_object")
	obj, err := fs.meta.GetObject(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	if obj == nil {
		return nil, nil, ErrNoSuchKey
	}

	offset, length := rng.Resolve(obj.Size)

	if obj.Kind == metastore.KindInline {
		data := obj.Inline[offset : offset+length]
		fs.m.BytesSent(len(data))
		return io.NopCloser(bytes.NewReader(data)), objectInfo(bucket, key, obj), nil
	}

	refs, err := fs.resolveBlocks(obj)
	if err != nil {
		return nil, nil, err
	}
	return fs.newBlockStream(ctx, refs, offset, length), objectInfo(bucket, key, obj), nil
}

// CopyObject duplicates an object record under a new key of the same
// namespace, bumping the refcount of every referenced block. Block
// files are untouched.
func (fs *CasFS) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*ObjectInfo, error) {
	fs.m.APICall("copy_object")

	src, err := fs.meta.GetObject(srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrNoSuchKey
	}

	old, err := fs.meta.GetObject(dstBucket, dstKey)
	if err != nil {
		return nil, err
	}

	cp := *src
	cp.CreatedAt = time.Now().UTC()
	if cp.Kind != metastore.KindInline {
		already := make(map[metastore.BlockID]struct{})
		if old != nil {
			for _, id := range old.DistinctBlocks() {
				already[id] = struct{}{}
			}
		}
		if err := fs.meta.BumpBlocks(cp.DistinctBlocks(), already); err != nil {
			return nil, err
		}
	}
	return fs.finishPut(ctx, dstBucket, dstKey, &cp, old)
}

// NumKeys reports the key counts of the bucket, block and path trees.
func (fs *CasFS) NumKeys() (buckets, blocks, paths int, err error) {
	return fs.meta.NumKeys()
}

// DiskSpace reports the on-disk footprint of the metadata stores.
func (fs *CasFS) DiskSpace() (int64, error) {
	return fs.meta.DiskSpace()
}

// resolveBlocks maps the object's block list to disk paths and sizes.
func (fs *CasFS) resolveBlocks(obj *metastore.Object) ([]blockFileRef, error) {
	refs := make([]blockFileRef, 0, len(obj.Blocks))
	for _, id := range obj.Blocks {
		path, size, err := fs.meta.ResolveBlock(id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, blockFileRef{path: diskPathOf(path, fs.dirDepth), size: size})
	}
	return refs, nil
}

func diskPathOf(path []byte, depth int) string {
	blk := metastore.Block{Path: path}
	return blk.DiskPath(depth)
}
