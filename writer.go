package lmdb

import (
	"log"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// writeWorker is the dedicated goroutine that owns every write
// transaction's lifetime for one environment (spec.md §4.3). It is the
// only code in this package that ever calls bdb.Begin(true) or touches
// the resulting *bolt.Tx, which is what makes the engine's single-writer,
// thread-affine rule structural rather than something callers must obey
// by convention (spec.md §9 "Cross-thread transaction affinity").
//
// The dispatch loop is grounded on the teacher's x/storm/main.go
// ClientPool.Start: a single goroutine draining one channel with a
// `for { select {...} } ` loop, generalized here with a non-blocking
// peek used to detect "the channel is momentarily empty" for
// auto-batching (spec.md §4.3.1).
type writeWorker struct {
	cmds   chan command
	bdb    *bolt.DB
	opts   *Options
	doneCh chan struct{}

	deadMu sync.Mutex
	dead   bool
}

func (w *writeWorker) markDead() {
	w.deadMu.Lock()
	w.dead = true
	w.deadMu.Unlock()
}

// isDead reports whether the worker goroutine has terminated after a
// panic. The Database Facade checks this and reports Closed to callers
// rather than letting an enqueue pile up behind a goroutine that will
// never read it again (spec.md §4.3.3 "Worker panic is fatal: the
// Environment transitions to Closed").
func (w *writeWorker) isDead() bool {
	w.deadMu.Lock()
	defer w.deadMu.Unlock()
	return w.dead
}

func startWriteWorker(bdb *bolt.DB, opts *Options) *writeWorker {
	w := &writeWorker{
		cmds:   make(chan command, opts.CommandQueueCapacity),
		bdb:    bdb,
		opts:   opts,
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w
}

// shutdown enqueues cmdShutdown and blocks until the worker goroutine
// has drained and exited (spec.md §3 invariant 5). If the worker has
// already died from a panic, enqueue's recover path fails the
// cmdShutdown immediately instead of blocking forever on a channel
// nothing will read again.
func (w *writeWorker) shutdown() {
	done := make(chan struct{})
	w.enqueue(cmdShutdown{done: done})
	<-done
	<-w.doneCh
}

// enqueue sends cmd to the worker. Callers (database.go) check
// isDead/closed before calling this, but that check and the send are
// not atomic: the worker's crash handler closes w.cmds once it marks
// itself dead, so a send racing a crash either lands in the buffer
// (and is drained and failed by the crash handler) or panics on the
// closed channel, recovered here and turned into the same
// ErrWorkerDead outcome instead of crashing the sender's goroutine.
func (w *writeWorker) enqueue(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			cmd.fail(ErrWorkerDead)
		}
	}()
	w.cmds <- cmd
}

func wrapEngineErr(err error) error {
	if err == nil {
		return nil
	}
	if err == bolt.ErrKeyTooLarge {
		return newError(KeyTooLarge, "key exceeds engine limit", err)
	}
	if err == bolt.ErrValueTooLarge {
		return newError(ValueTooLarge, "value exceeds engine limit", err)
	}
	return newError(EngineError, "engine operation failed", err)
}

func (w *writeWorker) checkKeySize(key []byte) error {
	if len(key) == 0 {
		return newError(EngineError, "key must not be empty", nil)
	}
	if len(key) > w.opts.MaxKeySize {
		return newError(KeyTooLarge, "key exceeds configured MaxKeySize", nil)
	}
	return nil
}

func (w *writeWorker) put(tx *bolt.Tx, key, value []byte) error {
	if err := w.checkKeySize(key); err != nil {
		return err
	}
	b := tx.Bucket(defaultBucket)
	return wrapEngineErr(b.Put(key, value))
}

func (w *writeWorker) delete(tx *bolt.Tx, key []byte) error {
	if err := w.checkKeySize(key); err != nil {
		return err
	}
	b := tx.Bucket(defaultBucket)
	return wrapEngineErr(b.Delete(key))
}

func (w *writeWorker) get(tx *bolt.Tx, key []byte) []byte {
	b := tx.Bucket(defaultBucket)
	v := b.Get(key)
	if v == nil {
		return nil
	}
	// bbolt's returned slice is only valid for the lifetime of the
	// transaction (it points into the mmap); copy it out before the
	// caller can observe it past a commit/rollback.
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// checkMapSize enforces the soft ceiling this package layers on top of
// bbolt (SPEC_FULL.md §7.1: bbolt itself has no map-size concept).
// tx.Size() is the database size as the pending transaction sees it
// (its high-water page id times the page size), which is the right
// thing to check before committing.
func (w *writeWorker) checkMapSize(tx *bolt.Tx) error {
	if tx.Size() > w.opts.MapSize {
		return ErrMapFull
	}
	return nil
}

func (w *writeWorker) run() {
	defer close(w.doneCh)

	var tx *bolt.Tx
	var explicit bool
	// pending holds the completions of every command batched into the
	// current implicit transaction, in enqueue order, so a commit or an
	// abort can fan its result out to all of them at once (spec.md
	// §4.3.1 point 4, §4.3.3). Explicit-transaction writes resolve
	// immediately (see resolveWrite) and never land here; pending stays
	// relevant to an explicit window only as the (normally empty) list
	// failBatch fans an abort out to.
	var pending []func(error)
	// explicitErr latches the first engine error seen from a
	// PutNoConfirm inside an explicit transaction; it is reported when
	// the transaction is committed (spec.md §4.3.2, §9 open question).
	var explicitErr error

	beginIfNeeded := func() error {
		if tx != nil {
			return nil
		}
		var err error
		tx, err = w.bdb.Begin(true)
		return err
	}

	// finishImplicit commits (or, if err is non-nil, rolls back) the
	// current implicit transaction and resolves every batched
	// completion with the outcome.
	finishImplicit := func(err error) {
		if tx == nil {
			return
		}
		if err == nil {
			if sizeErr := w.checkMapSize(tx); sizeErr != nil {
				err = sizeErr
			}
		}
		if err != nil {
			tx.Rollback()
		} else {
			err = wrapEngineErr(tx.Commit())
		}
		for _, fn := range pending {
			fn(err)
		}
		pending = nil
		tx = nil
	}

	// resetExplicit clears the explicit-transaction state once the caller
	// has already committed or rolled back tx and resolved pending; used
	// after commit, abort, shutdown, and when a regular write inside an
	// explicit window fails outright rather than being latched (spec.md
	// §4.3.3's abort-on-error applies to Put/PutMany/Delete even inside
	// an explicit transaction).
	resetExplicit := func() {
		tx = nil
		explicit = false
		pending = nil
		explicitErr = nil
	}

	// currentCmd is whichever command is being dispatched; if the
	// switch below panics, the recover handler uses it to fail the one
	// command that was in flight before draining the rest of the queue.
	var currentCmd command

	// A panic here is fatal to the worker (spec.md §4.3.3 "Worker
	// panic is fatal"): recover, roll back whatever transaction was
	// open, fail every command already batched into it plus the one
	// that panicked, drain and fail whatever else is already queued,
	// and mark the environment dead so the Database Facade reports
	// Closed to every call from here on.
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Printf("lmdb: write worker panicked: %v", r)
		if tx != nil {
			tx.Rollback()
		}
		for _, fn := range pending {
			fn(ErrWorkerDead)
		}
		if currentCmd != nil {
			currentCmd.fail(ErrWorkerDead)
		}
		w.markDead()
		// Closing w.cmds makes every subsequent enqueue's send panic and
		// recover into an immediate ErrWorkerDead instead of piling up
		// behind a goroutine that has exited; draining what's left here
		// catches anything already queued before the close.
		close(w.cmds)
		for c := range w.cmds {
			c.fail(ErrWorkerDead)
		}
	}()

	for {
		var cmd command
		var ok bool
		if tx != nil && !explicit {
			select {
			case cmd, ok = <-w.cmds:
			default:
				finishImplicit(nil)
				cmd, ok = <-w.cmds
			}
			if ok && tx != nil && !isWrite(cmd) {
				// A non-write command reached the head of the queue:
				// commit what we have before handling it (spec.md
				// §4.3.1 point 3).
				finishImplicit(nil)
			}
		} else {
			cmd, ok = <-w.cmds
		}
		if !ok {
			finishImplicit(nil)
			return
		}
		currentCmd = cmd

		switch c := cmd.(type) {

		case cmdShutdown:
			finishImplicit(nil)
			if explicit && tx != nil {
				tx.Rollback()
				resetExplicit()
			}
			close(c.done)
			return

		case cmdGetAsync:
			var val []byte
			err := w.bdb.View(func(rtx *bolt.Tx) error {
				val = w.get(rtx, c.key)
				return nil
			})
			c.done.resolve(val, wrapEngineErr(err))

		case cmdGetManyAsync:
			out := make([][]byte, len(c.keys))
			err := w.bdb.View(func(rtx *bolt.Tx) error {
				for i, k := range c.keys {
					out[i] = w.get(rtx, k)
				}
				return nil
			})
			c.done.resolve(out, wrapEngineErr(err))

		case cmdStartWrite:
			if explicit {
				c.done.resolve(struct{}{}, ErrTransactionAlreadyOpen)
				continue
			}
			if tx != nil {
				finishImplicit(nil)
			}
			if err := beginIfNeeded(); err != nil {
				c.done.resolve(struct{}{}, wrapEngineErr(err))
				continue
			}
			explicit = true
			c.done.resolve(struct{}{}, nil)

		case cmdCommitWrite:
			if !explicit || tx == nil {
				c.done.resolve(struct{}{}, ErrNoTransaction)
				continue
			}
			err := explicitErr
			if err == nil {
				err = w.checkMapSize(tx)
			}
			if err != nil {
				tx.Rollback()
			} else {
				err = wrapEngineErr(tx.Commit())
			}
			for _, fn := range pending {
				fn(err)
			}
			resetExplicit()
			c.done.resolve(struct{}{}, err)

		case cmdAbortWrite:
			if !explicit || tx == nil {
				c.done.resolve(struct{}{}, ErrNoTransaction)
				continue
			}
			tx.Rollback()
			abortErr := newError(EngineError, "transaction aborted", nil)
			for _, fn := range pending {
				fn(abortErr)
			}
			resetExplicit()
			c.done.resolve(struct{}{}, nil)

		case cmdPut:
			if explicit && explicitErr != nil {
				c.done.resolve(struct{}{}, explicitErr)
				continue
			}
			if err := beginIfNeeded(); err != nil {
				c.done.resolve(struct{}{}, wrapEngineErr(err))
				continue
			}
			if err := w.put(tx, c.key, c.value); err != nil {
				w.failBatch(err, c.done, &pending, explicit, tx, resetExplicit, finishImplicit)
				continue
			}
			w.resolveWrite(c.done, explicit, &pending)

		case cmdPutMany:
			if explicit && explicitErr != nil {
				c.done.resolve(struct{}{}, explicitErr)
				continue
			}
			if err := beginIfNeeded(); err != nil {
				c.done.resolve(struct{}{}, wrapEngineErr(err))
				continue
			}
			var failErr error
			for _, ent := range c.entries {
				if err := w.put(tx, ent.Key, ent.Value); err != nil {
					failErr = err
					break
				}
			}
			if failErr != nil {
				w.failBatch(failErr, c.done, &pending, explicit, tx, resetExplicit, finishImplicit)
				continue
			}
			w.resolveWrite(c.done, explicit, &pending)

		case cmdDelete:
			if explicit && explicitErr != nil {
				c.done.resolve(struct{}{}, explicitErr)
				continue
			}
			if err := beginIfNeeded(); err != nil {
				c.done.resolve(struct{}{}, wrapEngineErr(err))
				continue
			}
			if err := w.delete(tx, c.key); err != nil {
				w.failBatch(err, c.done, &pending, explicit, tx, resetExplicit, finishImplicit)
				continue
			}
			w.resolveWrite(c.done, explicit, &pending)

		case cmdPutNoConfirm:
			if !explicit || tx == nil {
				log.Printf("lmdb: PutNoConfirm received outside an explicit write transaction, dropping")
				continue
			}
			if explicitErr != nil {
				continue
			}
			if err := w.put(tx, c.key, c.value); err != nil {
				explicitErr = err
			}
		}
	}
}

// resolveWrite resolves a successful Put/PutMany/Delete according to
// whether it landed inside an explicit transaction. Explicit-transaction
// writes resolve immediately, matching original_source/src/writer.rs's
// dispatch loop, which calls resolve(result) right after the write
// succeeds regardless of whether current_transaction is set — never
// deferring to a later commit message. Deferring an explicit write's
// completion to CommitWriteTransaction would deadlock a caller that
// blocks on each Put before ever reaching the line that sends Commit,
// since the run loop's commit-when-empty peek above is only active
// outside an explicit window. Implicit (auto-batch) writes still defer
// to pending, resolved together by finishImplicit: spec.md §4.3.1's
// batching is scoped to implicit transactions only.
func (w *writeWorker) resolveWrite(done *future[struct{}], explicit bool, pending *[]func(error)) {
	if explicit {
		done.resolve(struct{}{}, nil)
		return
	}
	*pending = append(*pending, func(err error) { done.resolve(struct{}{}, err) })
}

// failBatch reports err to the failing command and to every command
// already batched into the same transaction, then resets transaction
// state (spec.md §4.3.3). Explicit and implicit transactions share this
// path: a hard per-key engine error always aborts, even mid explicit
// window — only PutNoConfirm gets the latch-until-commit treatment
// (handled inline in the cmdPutNoConfirm case above).
func (w *writeWorker) failBatch(err error, done *future[struct{}], pending *[]func(error), explicit bool, tx *bolt.Tx, resetExplicit func(), finishImplicit func(error)) {
	done.resolve(struct{}{}, err)
	if explicit {
		if tx != nil {
			tx.Rollback()
		}
		for _, fn := range *pending {
			fn(err)
		}
		resetExplicit()
	} else {
		finishImplicit(err)
	}
}
