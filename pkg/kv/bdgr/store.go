// Package bdgr implements the kv.Store abstraction on top of badger.
//
// Partitions are mapped onto key prefixes inside a single badger
// instance, so a write transaction can span every partition of the
// store. Partition names are recorded under a reserved registry prefix
// so they can be listed and dropped.
package bdgr

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/threefoldtech/s3-cas/pkg/kv"
)

const (
	// registryPrefix tags keys holding partition names. Data keys start
	// with the partition name length, which is at least 1, so the two
	// key spaces cannot collide.
	registryPrefix = byte(0x00)

	// maxCommitRetries bounds the retry loop on optimistic transaction
	// conflicts inside Update.
	maxCommitRetries = 10
)

// Options configure a badger-backed store.
type Options struct {
	Durability kv.Durability
	Engine     kv.Engine
	Logger     *zap.Logger

	// InMemory runs badger without files, for tests.
	InMemory bool
}

type store struct {
	db     *badger.DB
	engine kv.Engine
	l      *zap.Logger

	mu    sync.Mutex // guards partition registry writes
	parts map[string]*partition
}

// Open opens or creates a store at dir.
func Open(dir string, opts Options) (kv.Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	bopts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(opts.Durability != kv.DurabilityBuffer).
		WithInMemory(opts.InMemory)
	if opts.InMemory {
		bopts.Dir = ""
		bopts.ValueDir = ""
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	return &store{
		db:     db,
		engine: opts.Engine,
		l:      opts.Logger,
		parts:  make(map[string]*partition),
	}, nil
}

func registryKey(name string) []byte {
	k := make([]byte, 0, len(name)+1)
	k = append(k, registryPrefix)
	return append(k, name...)
}

// dataPrefix frames a partition name as a key prefix: one length byte
// followed by the name. Names are limited to 255 bytes.
func dataPrefix(name string) []byte {
	p := make([]byte, 0, len(name)+1)
	p = append(p, byte(len(name)))
	return append(p, name...)
}

func (s *store) Partition(name string) (kv.Partition, error) {
	if name == "" || len(name) > 255 {
		return nil, fmt.Errorf("invalid partition name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[name]; ok {
		return p, nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(registryKey(name))
		if err == badger.ErrKeyNotFound {
			return txn.Set(registryKey(name), nil)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register partition %q: %w", name, err)
	}

	p := &partition{store: s, name: name, prefix: dataPrefix(name)}
	s.parts[name] = p
	return p, nil
}

func (s *store) PartitionExists(name string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(registryKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

func (s *store) Partitions() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{registryPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return names, err
}

func (s *store) DropPartition(name string) error {
	s.mu.Lock()
	delete(s.parts, name)
	s.mu.Unlock()

	if err := s.db.DropPrefix(dataPrefix(name)); err != nil {
		return fmt.Errorf("drop partition %q: %w", name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(registryKey(name))
	})
}

func (s *store) Update(fn func(kv.Tx) error) error {
	if s.engine == kv.EngineBestEffortUndo {
		tx := newUndoTx(s)
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	}

	// Badger transactions are optimistic; retry on conflict.
	var err error
	for i := 0; i < maxCommitRetries; i++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
		if err != badger.ErrConflict {
			return err
		}
	}
	return kv.ErrConflict
}

func (s *store) Begin() (kv.WriteTx, error) {
	if s.engine == kv.EngineBestEffortUndo {
		return newUndoTx(s), nil
	}
	return &badgerWriteTx{badgerTx{txn: s.db.NewTransaction(true)}}, nil
}

func (s *store) Size() (int64, error) {
	lsm, vlog := s.db.Size()
	return lsm + vlog, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

type partition struct {
	store  *store
	name   string
	prefix []byte
}

func (p *partition) Name() string { return p.name }

func (p *partition) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

func (p *partition) Get(key []byte) ([]byte, error) {
	var val []byte
	err := p.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(p.key(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, kv.ErrKeyNotFound
	}
	return val, err
}

func (p *partition) Put(key, value []byte) error {
	return p.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(p.key(key), value)
	})
}

func (p *partition) Delete(key []byte) error {
	return p.store.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(p.key(key))
	})
}

func (p *partition) Has(key []byte) (bool, error) {
	_, err := p.Get(key)
	if err == kv.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

func (p *partition) Count() (int, error) {
	var n int
	err := p.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p.prefix); it.ValidForPrefix(p.prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (p *partition) Scan(opts kv.ScanOptions, fn func(key, value []byte) (bool, error)) error {
	full := append(p.key(nil), opts.Prefix...)

	seek := full
	if len(opts.StartAfter) > 0 && bytes.Compare(opts.StartAfter, opts.Prefix) > 0 {
		// position strictly after StartAfter
		seek = append(p.key(nil), opts.StartAfter...)
		seek = append(seek, 0x00)
	}

	return p.store.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		it := txn.NewIterator(iopts)
		defer it.Close()

		n := 0
		for it.Seek(seek); it.ValidForPrefix(full); it.Next() {
			item := it.Item()
			key := item.Key()[len(p.prefix):]
			if len(opts.StartAfter) > 0 && bytes.Compare(key, opts.StartAfter) <= 0 {
				continue
			}

			var cont bool
			err := item.Value(func(val []byte) error {
				var err error
				cont, err = fn(key, val)
				return err
			})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			n++
			if opts.Limit > 0 && n >= opts.Limit {
				return nil
			}
		}
		return nil
	})
}

// badgerTx adapts a badger transaction to kv.Tx.
type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) pk(p kv.Partition, key []byte) []byte {
	return p.(*partition).key(key)
}

func (t *badgerTx) Get(p kv.Partition, key []byte) ([]byte, error) {
	item, err := t.txn.Get(t.pk(p, key))
	if err == badger.ErrKeyNotFound {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTx) Put(p kv.Partition, key, value []byte) error {
	return t.txn.Set(t.pk(p, key), value)
}

func (t *badgerTx) Delete(p kv.Partition, key []byte) error {
	return t.txn.Delete(t.pk(p, key))
}

func (t *badgerTx) Has(p kv.Partition, key []byte) (bool, error) {
	_, err := t.txn.Get(t.pk(p, key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

type badgerWriteTx struct {
	badgerTx
}

func (t *badgerWriteTx) Commit() error {
	if err := t.txn.Commit(); err != nil {
		if err == badger.ErrConflict {
			return kv.ErrConflict
		}
		return err
	}
	return nil
}

func (t *badgerWriteTx) Rollback() {
	t.txn.Discard()
}
