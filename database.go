package lmdb

import (
	"context"
	"sync"
)

// DB is the Database Facade: the object applications hold once Open
// succeeds. Async operations enqueue a command onto the write worker
// and wait on its Completion Bridge; synchronous operations go straight
// through the local Read Transaction Slot without touching the
// Command Channel at all (spec.md §4.5).
type DB struct {
	key   string
	entry *envEntry
	reads *readSlot

	mu        sync.Mutex
	writeOpen bool
	readOpen  bool
	closed    bool
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// checkOpenLocked reports whether db can still accept calls. A dead
// write worker (crashed via panic) puts the whole environment into the
// same terminal state as an explicit Close (spec.md §4.3.3 "Worker
// panic is fatal: the Environment transitions to Closed").
func (db *DB) checkOpenLocked() error {
	if db.closed {
		return ErrClosed
	}
	if db.entry.worker.isDead() {
		return ErrClosed
	}
	return nil
}

// ---- asynchronous, worker-mediated operations ----

// Put enqueues a write and waits for it to land in a committed
// transaction (spec.md §4.5).
func (db *DB) Put(ctx context.Context, key, value []byte) error {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	db.mu.Unlock()

	done := newFuture[struct{}]()
	db.entry.worker.enqueue(cmdPut{key: cloneBytes(key), value: cloneBytes(value), done: done})
	_, err := done.Wait(ctx)
	return err
}

// PutMany batches several key/value pairs into a single command; the
// write worker applies them inside one transaction (spec.md §4.5).
func (db *DB) PutMany(ctx context.Context, entries map[string][]byte) error {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	db.mu.Unlock()

	es := make([]entry, 0, len(entries))
	for k, v := range entries {
		es = append(es, entry{Key: cloneBytes([]byte(k)), Value: cloneBytes(v)})
	}
	done := newFuture[struct{}]()
	db.entry.worker.enqueue(cmdPutMany{entries: es, done: done})
	_, err := done.Wait(ctx)
	return err
}

// PutNoConfirm enqueues a fire-and-forget write. It is only legal
// between StartWriteTransaction and CommitWriteTransaction/
// AbortWriteTransaction (spec.md §4.5); that check happens here,
// synchronously, rather than round-tripping through the worker, which
// is why the command it enqueues carries no completion
// (SPEC_FULL.md's resolution of the PutNoConfirm open question).
func (db *DB) PutNoConfirm(key, value []byte) error {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	if !db.writeOpen {
		db.mu.Unlock()
		return ErrNoTransaction
	}
	db.mu.Unlock()

	db.entry.worker.enqueue(cmdPutNoConfirm{key: cloneBytes(key), value: cloneBytes(value)})
	return nil
}

// Delete enqueues a key removal (spec.md §4.5).
func (db *DB) Delete(ctx context.Context, key []byte) error {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	db.mu.Unlock()

	done := newFuture[struct{}]()
	db.entry.worker.enqueue(cmdDelete{key: cloneBytes(key), done: done})
	_, err := done.Wait(ctx)
	return err
}

// Get reads a key through the write worker, so its result reflects
// every write queued ahead of it outside an explicit write transaction
// (a pending implicit batch is committed before the read runs)
// (spec.md §4.5) — unlike GetSync, which reads through the caller's own
// Read Transaction Slot and, while an explicit read transaction is
// pinned, can observe an older snapshot. Writes inside a still-open
// explicit write transaction are not visible to Get until it commits.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return nil, err
	}
	db.mu.Unlock()

	done := newFuture[[]byte]()
	db.entry.worker.enqueue(cmdGetAsync{key: cloneBytes(key), done: done})
	return done.Wait(ctx)
}

// GetMany is the batched form of Get.
func (db *DB) GetMany(ctx context.Context, keys [][]byte) ([][]byte, error) {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return nil, err
	}
	db.mu.Unlock()

	cloned := make([][]byte, len(keys))
	for i, k := range keys {
		cloned[i] = cloneBytes(k)
	}
	done := newFuture[[][]byte]()
	db.entry.worker.enqueue(cmdGetManyAsync{keys: cloned, done: done})
	return done.Wait(ctx)
}

// ---- explicit write transaction control ----

// StartWriteTransaction opens an explicit write transaction. Every
// Put/PutMany/Delete/PutNoConfirm issued before the matching
// CommitWriteTransaction or AbortWriteTransaction lands in the same
// engine transaction (spec.md §4.5).
func (db *DB) StartWriteTransaction(ctx context.Context) error {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	if db.writeOpen {
		db.mu.Unlock()
		return ErrTransactionAlreadyOpen
	}
	db.mu.Unlock()

	done := newFuture[struct{}]()
	db.entry.worker.enqueue(cmdStartWrite{done: done})
	_, err := done.Wait(ctx)
	if err == nil {
		db.mu.Lock()
		db.writeOpen = true
		db.mu.Unlock()
	}
	return err
}

// CommitWriteTransaction commits the transaction opened by
// StartWriteTransaction, reporting any latched PutNoConfirm error
// (spec.md §4.3.2, §4.5).
func (db *DB) CommitWriteTransaction(ctx context.Context) error {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	if !db.writeOpen {
		db.mu.Unlock()
		return ErrNoTransaction
	}
	db.mu.Unlock()

	done := newFuture[struct{}]()
	db.entry.worker.enqueue(cmdCommitWrite{done: done})
	_, err := done.Wait(ctx)
	db.mu.Lock()
	db.writeOpen = false
	db.mu.Unlock()
	return err
}

// AbortWriteTransaction discards the transaction opened by
// StartWriteTransaction; every write issued inside it is rolled back
// (spec.md §4.5).
func (db *DB) AbortWriteTransaction(ctx context.Context) error {
	db.mu.Lock()
	if err := db.checkOpenLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	if !db.writeOpen {
		db.mu.Unlock()
		return ErrNoTransaction
	}
	db.mu.Unlock()

	done := newFuture[struct{}]()
	db.entry.worker.enqueue(cmdAbortWrite{done: done})
	_, err := done.Wait(ctx)
	db.mu.Lock()
	db.writeOpen = false
	db.mu.Unlock()
	return err
}

// ---- synchronous, read-slot-mediated operations ----

// GetSync reads through the Read Transaction Slot without going
// through the Command Channel (spec.md §4.4, §4.5). It never blocks on
// the write worker. Unless StartReadTransaction has pinned a snapshot,
// each call opens and discards its own short-lived read transaction, so
// it always observes the latest committed write; only between
// StartReadTransaction and CommitReadTransaction can it read a snapshot
// older than the latest commit (ResetReadTxn moves that pinned snapshot
// up to the latest commit without ending the read transaction).
func (db *DB) GetSync(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpenLocked(); err != nil {
		return nil, err
	}
	return db.reads.get(key)
}

// GetManySync is the batched form of GetSync, guaranteed to read every
// key from the same snapshot — the pinned one if a read transaction is
// open, otherwise one short-lived transaction shared by the whole batch
// (spec.md's supplemented get_many_sync).
func (db *DB) GetManySync(keys [][]byte) ([][]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpenLocked(); err != nil {
		return nil, err
	}
	return db.reads.getMany(keys)
}

// StartReadTransaction pins the Read Transaction Slot's snapshot open
// across multiple GetSync/GetManySync calls until CommitReadTransaction
// (spec.md §4.5); ResetReadTxn renews the pinned snapshot, and the next
// read pins the latest commit. Calling it again while a snapshot is
// already pinned is idempotent: the existing snapshot is reused, not
// replaced or rejected (spec.md §4.2).
func (db *DB) StartReadTransaction() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpenLocked(); err != nil {
		return err
	}
	if err := db.reads.startExplicit(); err != nil {
		return err
	}
	db.readOpen = true
	return nil
}

// CommitReadTransaction releases an explicit read transaction opened by
// StartReadTransaction. Calling it with none pinned is a safe no-op
// (spec.md §4.2), unlike CommitWriteTransaction's NoTransaction error.
func (db *DB) CommitReadTransaction() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpenLocked(); err != nil {
		return err
	}
	if err := db.reads.commitExplicit(); err != nil {
		return err
	}
	db.readOpen = false
	return nil
}

// ResetReadTxn releases the read slot's current snapshot, explicit or
// not, so the next read observes the latest committed data (spec.md
// §4.5). It is a no-op if no snapshot is open. An explicit read
// transaction stays open: the next read pins a fresh snapshot.
func (db *DB) ResetReadTxn() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.reads.reset()
	db.readOpen = false
}

// Close releases this handle's reference to the underlying
// environment. The environment itself is only torn down once every
// handle sharing it has closed (spec.md §3, §4.1).
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.reads.close()
	db.mu.Unlock()
	return releaseEnv(db.key)
}
