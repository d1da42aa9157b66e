// Package metastore provides the typed metadata trees of the CAS
// engine: buckets, per-bucket objects, blocks, paths, and multipart
// parts, with the transactional reference-count discipline for the
// shared block pool.
package metastore

import (
	"encoding/binary"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/threefoldtech/s3-cas/pkg/kv"
)

type errString string

func (e errString) Error() string { return string(e) }

const (
	// ErrNoSuchBucket is returned when the addressed bucket does not exist.
	ErrNoSuchBucket errString = "no such bucket"

	// ErrBucketAlreadyExists is returned when creating a bucket that exists.
	ErrBucketAlreadyExists errString = "bucket already exists"

	// ErrCorrupt is returned when a required record decodes as malformed.
	ErrCorrupt errString = "corrupt metadata record"
)

// Partition names. The bucket list lives in the per-tenant store,
// blocks, paths and multipart parts in the shared store.
const (
	BucketsPartition   = "_BUCKETS"
	BlocksPartition    = "_BLOCKS"
	PathsPartition     = "_PATHS"
	MultipartPartition = "_MULTIPART_PARTS"
)

const defaultBlockCacheSize = 8192

// blockRef is the cached part of a block record used to resolve reads:
// it never changes while the block is alive.
type blockRef struct {
	path []byte
	size uint64
}

// BlockCache caches path/size resolution for live blocks. It is shared
// by every tenant of one block pool so that a release by any tenant
// invalidates the entry for all of them.
type BlockCache struct {
	c *lru.Cache
}

// NewBlockCache builds a cache bounded to size entries.
func NewBlockCache(size int) (*BlockCache, error) {
	if size <= 0 {
		size = defaultBlockCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &BlockCache{c: c}, nil
}

// MetaStore is the typed facade over the metadata partitions of one
// tenant namespace plus the shared block pool.
type MetaStore struct {
	meta   kv.Store // _BUCKETS and one partition per bucket
	shared kv.Store // _BLOCKS, _PATHS, _MULTIPART_PARTS

	buckets   kv.Partition
	blocks    kv.Partition
	paths     kv.Partition
	multipart kv.Partition

	cache *BlockCache
	l     *zap.Logger
}

// New builds a MetaStore. In single-tenant deployments meta and shared
// are the same store; in multi-tenant deployments shared is the block
// pool store and meta the tenant's own.
func New(meta, shared kv.Store, cache *BlockCache, l *zap.Logger) (*MetaStore, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if cache == nil {
		var err error
		cache, err = NewBlockCache(0)
		if err != nil {
			return nil, err
		}
	}

	buckets, err := meta.Partition(BucketsPartition)
	if err != nil {
		return nil, err
	}
	blocks, err := shared.Partition(BlocksPartition)
	if err != nil {
		return nil, err
	}
	paths, err := shared.Partition(PathsPartition)
	if err != nil {
		return nil, err
	}
	multipart, err := shared.Partition(MultipartPartition)
	if err != nil {
		return nil, err
	}

	return &MetaStore{
		meta:      meta,
		shared:    shared,
		buckets:   buckets,
		blocks:    blocks,
		paths:     paths,
		multipart: multipart,
		cache:     cache,
		l:         l,
	}, nil
}

// Close closes the tenant store. The shared store is owned by the
// block pool and closed by it; in single-tenant mode both are the same
// store and this closes everything.
func (m *MetaStore) Close() error {
	return m.meta.Close()
}

// ---- buckets ----

// CreateBucket records bucket metadata and creates its object
// partition.
func (m *MetaStore) CreateBucket(meta BucketMeta) error {
	err := m.meta.Update(func(tx kv.Tx) error {
		has, err := tx.Has(m.buckets, []byte(meta.Name))
		if err != nil {
			return err
		}
		if has {
			return ErrBucketAlreadyExists
		}
		return tx.Put(m.buckets, []byte(meta.Name), meta.MarshalBinary())
	})
	if err != nil {
		return err
	}
	_, err = m.meta.Partition(meta.Name)
	return err
}

// BucketExists reports whether a bucket record is present.
func (m *MetaStore) BucketExists(name string) (bool, error) {
	return m.buckets.Has([]byte(name))
}

// ListBuckets returns every bucket record in name order.
func (m *MetaStore) ListBuckets() ([]BucketMeta, error) {
	var out []BucketMeta
	err := m.buckets.Scan(kv.ScanOptions{}, func(_, value []byte) (bool, error) {
		var bm BucketMeta
		if err := bm.UnmarshalBinary(value); err != nil {
			return false, err
		}
		out = append(out, bm)
		return true, nil
	})
	return out, err
}

// DeleteBucket removes the bucket record and its object partition,
// releasing every block referenced by its objects. The released blocks
// are returned for disk cleanup; records are gone before any file is
// unlinked, so a crash leaks files instead of losing data.
func (m *MetaStore) DeleteBucket(name string) ([]Block, error) {
	part, err := m.bucketPartition(name)
	if err != nil {
		return nil, err
	}

	var lists [][]BlockID
	err = part.Scan(kv.ScanOptions{}, func(_, value []byte) (bool, error) {
		var obj Object
		if err := obj.UnmarshalBinary(value); err != nil {
			return false, err
		}
		if obj.Kind != KindInline {
			lists = append(lists, obj.DistinctBlocks())
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.meta.DropPartition(name); err != nil {
		return nil, err
	}
	if err := m.buckets.Delete([]byte(name)); err != nil {
		return nil, err
	}

	var released []Block
	for _, ids := range lists {
		blocks, err := m.ReleaseBlocks(ids)
		if err != nil {
			return released, err
		}
		released = append(released, blocks...)
	}
	return released, nil
}

func (m *MetaStore) bucketPartition(name string) (kv.Partition, error) {
	has, err := m.buckets.Has([]byte(name))
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrNoSuchBucket
	}
	return m.meta.Partition(name)
}

// ---- objects ----

// GetObject loads an object record, or nil when the key is absent.
func (m *MetaStore) GetObject(bucket, key string) (*Object, error) {
	part, err := m.bucketPartition(bucket)
	if err != nil {
		return nil, err
	}
	raw, err := part.Get([]byte(key))
	if err == kv.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var obj Object
	if err := obj.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &obj, nil
}

// PutObject writes an object record, replacing any previous value.
func (m *MetaStore) PutObject(bucket, key string, obj *Object) error {
	part, err := m.bucketPartition(bucket)
	if err != nil {
		return err
	}
	return part.Put([]byte(key), obj.MarshalBinary())
}

// DeleteObject removes the object record and releases its blocks. The
// record is deleted before refcounts move so that a crash in between
// leaks blocks rather than leaving a record referencing freed ones.
func (m *MetaStore) DeleteObject(bucket, key string) ([]Block, error) {
	part, err := m.bucketPartition(bucket)
	if err != nil {
		return nil, err
	}

	obj, err := m.GetObject(bucket, key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}

	if err := part.Delete([]byte(key)); err != nil {
		return nil, err
	}
	if obj.Kind == KindInline {
		return nil, nil
	}
	return m.ReleaseBlocks(obj.DistinctBlocks())
}

// ObjectEntry pairs an object key with its decoded record.
type ObjectEntry struct {
	Key    string
	Object Object
}

// ListObjects walks a bucket in key order. The continuation token and
// startAfter cursor compose per S3 rules: the higher of the two wins,
// a cursor past the prefix range yields nothing, one before it is
// ignored. Returns up to maxKeys entries and, when truncated, the key
// to pass as the next continuation token.
func (m *MetaStore) ListObjects(bucket, prefix, startAfter, token string, maxKeys int) ([]ObjectEntry, string, error) {
	part, err := m.bucketPartition(bucket)
	if err != nil {
		return nil, "", err
	}

	cursor := startAfter
	if token > cursor {
		cursor = token
	}
	if prefix != "" && cursor != "" {
		if cursor > prefix && !strings.HasPrefix(cursor, prefix) {
			return nil, "", nil
		}
		if cursor < prefix {
			cursor = ""
		}
	}

	entries := make([]ObjectEntry, 0, maxKeys)
	truncated := false
	err = part.Scan(kv.ScanOptions{
		Prefix:     []byte(prefix),
		StartAfter: []byte(cursor),
		Limit:      maxKeys + 1,
	}, func(key, value []byte) (bool, error) {
		if len(entries) == maxKeys {
			truncated = true
			return false, nil
		}
		var obj Object
		if err := obj.UnmarshalBinary(value); err != nil {
			return false, err
		}
		entries = append(entries, ObjectEntry{Key: string(key), Object: obj})
		return true, nil
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if truncated && len(entries) > 0 {
		next = entries[len(entries)-1].Key
	}
	return entries, next, nil
}

// ---- blocks ----

// WriteBlock is the reserve-or-bump step run once per chunk of a
// write. Inside a single write transaction it either registers a new
// block (allocating the shortest unused path prefix) or bumps the
// refcount of an existing one; keyHasBlock suppresses the bump when
// the writing key already references the block. The transaction is
// metadata-only; its lock window is the commit alone.
//
// For a new block, persist is invoked with the allocated record after
// the transaction commits: the committed path reservation is what
// makes the disk path exclusively ours to write. A persist failure
// undoes the reservation through the standard release discipline and
// fails the chunk. A crash between commit and persist leaves a record
// pointing at a missing file, the acknowledged durability hazard.
func (m *MetaStore) WriteBlock(id BlockID, size uint64, keyHasBlock bool, persist func(*Block) error) (bool, *Block, error) {
	var (
		isNew bool
		blk   Block
	)
	err := m.shared.Update(func(tx kv.Tx) error {
		isNew = false
		raw, err := tx.Get(m.blocks, id[:])
		switch {
		case err == nil:
			// Block exists: bump unless this key already references it.
			if uerr := blk.UnmarshalBinary(raw); uerr != nil {
				return uerr
			}
			if !keyHasBlock {
				blk.RC++
				return tx.Put(m.blocks, id[:], blk.MarshalBinary())
			}
			return nil

		case err == kv.ErrKeyNotFound:
			fresh, aerr := m.allocateBlock(tx, id, size)
			if aerr != nil {
				return aerr
			}
			isNew = true
			blk = *fresh
			return nil

		default:
			return err
		}
	})
	if err != nil {
		return false, nil, err
	}

	if isNew && persist != nil {
		if perr := persist(&blk); perr != nil {
			if _, rerr := m.ReleaseBlocks([]BlockID{id}); rerr != nil {
				m.l.Warn("could not undo block reservation",
					zap.Stringer("block", id), zap.Error(rerr))
			}
			return false, nil, perr
		}
	}
	return isNew, &blk, nil
}

// allocateBlock reserves the shortest unused prefix of the BlockID in
// the path tree and stages the fresh block record with rc 1.
func (m *MetaStore) allocateBlock(tx kv.Tx, id BlockID, size uint64) (*Block, error) {
	for n := 1; n <= BlockIDSize; n++ {
		has, err := tx.Has(m.paths, id[:n])
		if err != nil {
			return nil, err
		}
		if has {
			continue
		}
		if err := tx.Put(m.paths, id[:n], id[:]); err != nil {
			return nil, err
		}
		blk := &Block{Size: size, RC: 1, Path: append([]byte(nil), id[:n]...)}
		if err := tx.Put(m.blocks, id[:], blk.MarshalBinary()); err != nil {
			return nil, err
		}
		return blk, nil
	}
	// The full BlockID is always free when the block is absent.
	return nil, fmt.Errorf("no free path for block %s", id)
}

// ReleaseBlocks drops one reference from each given block inside a
// single transaction. Blocks whose last reference is released are
// removed from the block and path trees and returned so the caller can
// unlink their files after the commit.
func (m *MetaStore) ReleaseBlocks(ids []BlockID) ([]Block, error) {
	var (
		removed    []Block
		removedIDs []BlockID
	)
	err := m.shared.Update(func(tx kv.Tx) error {
		removed = removed[:0]
		removedIDs = removedIDs[:0]
		for _, id := range ids {
			raw, err := tx.Get(m.blocks, id[:])
			if err == kv.ErrKeyNotFound {
				// Double release; nothing left to do for this id.
				m.l.Warn("missing block record on release", zap.Stringer("block", id))
				continue
			}
			if err != nil {
				return err
			}
			var blk Block
			if err := blk.UnmarshalBinary(raw); err != nil {
				return err
			}
			if blk.RC == 1 {
				if err := tx.Delete(m.blocks, id[:]); err != nil {
					return err
				}
				if err := tx.Delete(m.paths, blk.Path); err != nil {
					return err
				}
				removed = append(removed, blk)
				removedIDs = append(removedIDs, id)
			} else {
				blk.RC--
				if err := tx.Put(m.blocks, id[:], blk.MarshalBinary()); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range removedIDs {
		m.cache.c.Remove(id)
	}
	return removed, nil
}

// ReplaceBlocks runs the key-replacement pass after a key has been
// overwritten: every block of the previous value that the new value no
// longer references loses one reference.
func (m *MetaStore) ReplaceBlocks(old *Object, newBlocks []BlockID) ([]Block, error) {
	if old == nil || old.Kind == KindInline {
		return nil, nil
	}
	current := make(map[BlockID]struct{}, len(newBlocks))
	for _, id := range newBlocks {
		current[id] = struct{}{}
	}
	var surplus []BlockID
	for _, id := range old.DistinctBlocks() {
		if _, ok := current[id]; !ok {
			surplus = append(surplus, id)
		}
	}
	if len(surplus) == 0 {
		return nil, nil
	}
	return m.ReleaseBlocks(surplus)
}

// BumpBlocks adds one reference to each given block, skipping ids in
// already (blocks the destination key's previous value references,
// whose reference is inherited). Every block must exist: this path is
// only valid for blocks another record already keeps alive.
func (m *MetaStore) BumpBlocks(ids []BlockID, already map[BlockID]struct{}) error {
	return m.shared.Update(func(tx kv.Tx) error {
		for _, id := range ids {
			if _, ok := already[id]; ok {
				continue
			}
			raw, err := tx.Get(m.blocks, id[:])
			if err == kv.ErrKeyNotFound {
				return ErrCorrupt
			}
			if err != nil {
				return err
			}
			var blk Block
			if err := blk.UnmarshalBinary(raw); err != nil {
				return err
			}
			blk.RC++
			if err := tx.Put(m.blocks, id[:], blk.MarshalBinary()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBlock loads a block record, or nil when absent.
func (m *MetaStore) GetBlock(id BlockID) (*Block, error) {
	raw, err := m.blocks.Get(id[:])
	if err == kv.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var blk Block
	if err := blk.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &blk, nil
}

// ResolveBlock returns the immutable path and size of a live block,
// through the shared cache.
func (m *MetaStore) ResolveBlock(id BlockID) ([]byte, uint64, error) {
	if v, ok := m.cache.c.Get(id); ok {
		ref := v.(blockRef)
		return ref.path, ref.size, nil
	}
	blk, err := m.GetBlock(id)
	if err != nil {
		return nil, 0, err
	}
	if blk == nil {
		return nil, 0, ErrCorrupt
	}
	m.cache.c.Add(id, blockRef{path: blk.Path, size: blk.Size})
	return blk.Path, blk.Size, nil
}

// WalkBlocks visits every block record in id order.
func (m *MetaStore) WalkBlocks(fn func(BlockID, Block) (bool, error)) error {
	return m.blocks.Scan(kv.ScanOptions{}, func(key, value []byte) (bool, error) {
		id, err := BlockIDFromBytes(key)
		if err != nil {
			return false, err
		}
		var blk Block
		if err := blk.UnmarshalBinary(value); err != nil {
			return false, err
		}
		return fn(id, blk)
	})
}

// ---- multipart parts ----

// InsertPart persists the metadata of one uploaded part.
func (m *MetaStore) InsertPart(key PartKey, part *Part) error {
	return m.multipart.Put(key.MarshalBinary(), part.MarshalBinary())
}

// GetPart loads a part record, or nil when absent.
func (m *MetaStore) GetPart(key PartKey) (*Part, error) {
	raw, err := m.multipart.Get(key.MarshalBinary())
	if err == kv.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var part Part
	if err := part.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &part, nil
}

// DeletePart removes one part record.
func (m *MetaStore) DeletePart(key PartKey) error {
	return m.multipart.Delete(key.MarshalBinary())
}

// NumberedPart pairs a part number with its record.
type NumberedPart struct {
	Number int
	Part   Part
}

// PartsForUpload lists the recorded parts of one upload in ascending
// part number.
func (m *MetaStore) PartsForUpload(bucket, key, uploadID string) ([]NumberedPart, error) {
	prefix := PartKey{Bucket: bucket, Key: key, UploadID: uploadID}.UploadPrefix()
	var out []NumberedPart
	err := m.multipart.Scan(kv.ScanOptions{Prefix: prefix}, func(k, v []byte) (bool, error) {
		if len(k) < 2 {
			return false, ErrCorrupt
		}
		var part Part
		if err := part.UnmarshalBinary(v); err != nil {
			return false, err
		}
		num := int(binary.BigEndian.Uint16(k[len(k)-2:]))
		out = append(out, NumberedPart{Number: num, Part: part})
		return true, nil
	})
	return out, err
}

// ---- inspection ----

// NumKeys reports the key counts of the bucket, block and path trees.
func (m *MetaStore) NumKeys() (buckets, blocks, paths int, err error) {
	if buckets, err = m.buckets.Count(); err != nil {
		return
	}
	if blocks, err = m.blocks.Count(); err != nil {
		return
	}
	paths, err = m.paths.Count()
	return
}

// DiskSpace reports the on-disk footprint of the metadata stores.
func (m *MetaStore) DiskSpace() (int64, error) {
	n, err := m.meta.Size()
	if err != nil {
		return 0, err
	}
	if m.meta == m.shared {
		return n, nil
	}
	s, err := m.shared.Size()
	if err != nil {
		return 0, err
	}
	return n + s, nil
}
