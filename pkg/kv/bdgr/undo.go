package bdgr

import (
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/threefoldtech/s3-cas/pkg/kv"
)

// undoTx implements the best-effort engine: every operation is applied
// to the store immediately, and an undo entry restoring the previous
// state is recorded. Rollback replays the undo list in reverse.
//
// This trades crash safety for throughput: a crash mid-transaction
// leaves whatever subset of operations had been applied.
type undoTx struct {
	store *store
	undo  []undoOp
	done  bool
}

type undoOp struct {
	key     []byte // full key, partition prefix included
	prev    []byte
	existed bool
}

func newUndoTx(s *store) *undoTx {
	return &undoTx{store: s}
}

func (t *undoTx) record(full []byte) error {
	op := undoOp{key: append([]byte(nil), full...)}
	err := t.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(full)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		op.existed = true
		op.prev, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return err
	}
	t.undo = append(t.undo, op)
	return nil
}

func (t *undoTx) Get(p kv.Partition, key []byte) ([]byte, error) {
	return p.Get(key)
}

func (t *undoTx) Has(p kv.Partition, key []byte) (bool, error) {
	return p.Has(key)
}

func (t *undoTx) Put(p kv.Partition, key, value []byte) error {
	full := p.(*partition).key(key)
	if err := t.record(full); err != nil {
		return err
	}
	return t.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(full, value)
	})
}

func (t *undoTx) Delete(p kv.Partition, key []byte) error {
	full := p.(*partition).key(key)
	if err := t.record(full); err != nil {
		return err
	}
	return t.store.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(full)
	})
}

func (t *undoTx) Commit() error {
	t.done = true
	t.undo = nil
	return nil
}

// Rollback restores the recorded previous state, best effort: a failed
// restore is logged and the remaining entries are still attempted.
func (t *undoTx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		op := t.undo[i]
		err := t.store.db.Update(func(txn *badger.Txn) error {
			if op.existed {
				return txn.Set(op.key, op.prev)
			}
			return txn.Delete(op.key)
		})
		if err != nil {
			t.store.l.Warn("undo failed, entry left behind",
				zap.Binary("key", op.key), zap.Error(err))
		}
	}
	t.undo = nil
}
