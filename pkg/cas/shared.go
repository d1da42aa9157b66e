package cas

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/threefoldtech/s3-cas/pkg/kv"
	"github.com/threefoldtech/s3-cas/pkg/kv/bdgr"
	"github.com/threefoldtech/s3-cas/pkg/metastore"
	"github.com/threefoldtech/s3-cas/pkg/storage"
	"github.com/threefoldtech/s3-cas/pkg/storage/localfs"
)

// SharedBlockStore owns the cross-tenant state of a multi-tenant
// deployment: the _BLOCKS, _PATHS and _MULTIPART_PARTS partitions
// under <meta-root>/blocks/db, the block pool filesystem root, and the
// block resolution cache. It is created once at startup and injected
// into every tenant namespace.
type SharedBlockStore struct {
	store kv.Store
	pool  storage.Store
	cache *metastore.BlockCache

	settings *settings
}

// NewSharedBlockStore opens the shared block metadata and pool.
// MetaRoot and FsRoot are required; the remaining options configure
// every tenant namespace built on top.
func NewSharedBlockStore(opts ...Option) (*SharedBlockStore, error) {
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

	store, err := bdgr.Open(filepath.Join(s.metaRoot, "blocks", "db"), bdgr.Options{
		Durability: s.durability,
		Engine:     s.engine,
		Logger:     s.l,
	})
	if err != nil {
		return nil, err
	}
	cache, err := metastore.NewBlockCache(0)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &SharedBlockStore{
		store:    store,
		pool:     storage.Instrument(s.m, localfs.NewAtRoot(s.fsRoot)),
		cache:    cache,
		settings: s,
	}, nil
}

// Close closes the shared metadata store. Tenant namespaces must be
// closed first.
func (sb *SharedBlockStore) Close() error {
	return sb.store.Close()
}

// Router hands out per-tenant CasFS instances over one shared block
// store. Tenant namespaces are created lazily on first access and
// cached by tenant id.
type Router struct {
	shared *SharedBlockStore

	mu      sync.RWMutex
	tenants map[string]*CasFS
}

// NewRouter builds a router over the shared block store.
func NewRouter(shared *SharedBlockStore) *Router {
	return &Router{
		shared:  shared,
		tenants: make(map[string]*CasFS),
	}
}

// Tenant returns the namespace of the given tenant id, opening its
// metadata store under <meta-root>/user_<id>/db on first access.
func (r *Router) Tenant(id string) (*CasFS, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}

	r.mu.RLock()
	fs, ok := r.tenants[id]
	r.mu.RUnlock()
	if ok {
		return fs, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fs, ok := r.tenants[id]; ok {
		return fs, nil
	}

	fs, err := r.shared.openTenant(id)
	if err != nil {
		return nil, err
	}
	r.tenants[id] = fs
	return fs, nil
}

// Shutdown closes every open tenant namespace.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, fs := range r.tenants {
		if err := fs.Close(); err != nil {
			r.shared.settings.l.Warn("closing tenant store", zap.String("tenant", id), zap.Error(err))
		}
		delete(r.tenants, id)
	}
}

// openTenant is pure configuration: it opens the tenant's own metadata
// store and wires in shared references; the shared pool is not
// touched.
func (sb *SharedBlockStore) openTenant(id string) (*CasFS, error) {
	s := sb.settings
	store, err := bdgr.Open(filepath.Join(s.metaRoot, "user_"+id, "db"), bdgr.Options{
		Durability: s.durability,
		Engine:     s.engine,
		Logger:     s.l,
	})
	if err != nil {
		return nil, err
	}

	meta, err := metastore.New(store, sb.store, sb.cache, s.l)
	if err != nil {
		store.Close()
		return nil, err
	}

	tenant := *s
	tenant.l = s.l.With(zap.String("tenant", id))
	return newCasFS(meta, sb.pool, &tenant), nil
}
