package lmdb

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/stevegt/goadapt"
)

var tmpDir string

func TestMain(m *testing.M) {
	var err error
	tmpDir, err = ioutil.TempDir("", "lmdb-js-lite")
	Ck(err)

	exitCode := m.Run()

	err = os.RemoveAll(tmpDir)
	Ck(err)

	os.Exit(exitCode)
}

func newTestDB(t *testing.T) (db *DB, dir string) {
	dir = filepath.Join(tmpDir, Spf("env-%d", time.Now().UnixNano()))
	db, err := Open(DefaultOptions(dir))
	Tassert(t, err == nil, "Open: %v", err)
	Tassert(t, db != nil)
	return
}

func ctx() context.Context {
	c, _ := context.WithTimeout(context.Background(), 5*time.Second)
	return c
}

// As a caller, I want to open an environment and put/get a value
// through the async surface.
func TestPutGet(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	err := db.Put(ctx(), []byte("key1"), []byte("hello"))
	Tassert(t, err == nil, "Put: %v", err)

	val, err := db.Get(ctx(), []byte("key1"))
	Tassert(t, err == nil, "Get: %v", err)
	Tassert(t, string(val) == "hello")
}

// Getting a key that was never written returns nil, not an error
// (spec.md's NotFound-is-null contract).
func TestGetMissing(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	val, err := db.Get(ctx(), []byte("nope"))
	Tassert(t, err == nil)
	Tassert(t, val == nil)
}

func TestGetSyncMatchesGet(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	err := db.Put(ctx(), []byte("k"), []byte("v"))
	Tassert(t, err == nil)

	db.ResetReadTxn()
	val, err := db.GetSync([]byte("k"))
	Tassert(t, err == nil, "GetSync: %v", err)
	Tassert(t, string(val) == "v")

	viaGet, err := db.Get(ctx(), []byte("k"))
	Tassert(t, err == nil, "Get: %v", err)
	Tassert(t, string(val) == string(viaGet), "GetSync %q != Get %q", val, viaGet)
}

// Without an explicit read transaction, GetSync opens and discards a
// short-lived read transaction on every call, so it always observes the
// latest committed write with no ResetReadTxn needed (spec.md §4.2's
// with_read_txn contract, §3 invariant 3).
func TestGetSyncObservesLatestWriteWithoutExplicitTxn(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	val, err := db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, val == nil)

	err = db.Put(ctx(), []byte("k"), []byte("v"))
	Tassert(t, err == nil)

	val, err = db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v", "expected GetSync to observe the write without ResetReadTxn")
}

// Once StartReadTransaction pins a snapshot, GetSync stops observing
// new writes until CommitReadTransaction or ResetReadTxn releases it
// (spec.md §5 ordering guarantees, §4.5 resetReadTxn).
func TestGetSyncStaleWhileExplicit(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	err := db.StartReadTransaction()
	Tassert(t, err == nil)

	_, err = db.GetSync([]byte("k")) // reads the snapshot StartReadTransaction pinned before any write
	Tassert(t, err == nil)

	err = db.Put(ctx(), []byte("k"), []byte("v"))
	Tassert(t, err == nil)

	val, err := db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, val == nil, "expected pinned snapshot to miss the new write")

	db.ResetReadTxn()
	val, err = db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v")
}

func TestPutMany(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	entries := map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}
	err := db.PutMany(ctx(), entries)
	Tassert(t, err == nil, "PutMany: %v", err)

	got, err := db.GetMany(ctx(), [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("missing")})
	Tassert(t, err == nil)
	Tassert(t, len(got) == 4)
	Tassert(t, string(got[0]) == "1")
	Tassert(t, string(got[1]) == "2")
	Tassert(t, string(got[2]) == "3")
	Tassert(t, got[3] == nil)
}

func TestDelete(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	Ck(db.Put(ctx(), []byte("k"), []byte("v")))
	Ck(db.Delete(ctx(), []byte("k")))

	val, err := db.Get(ctx(), []byte("k"))
	Tassert(t, err == nil)
	Tassert(t, val == nil)
}

// As a caller, I want an explicit write transaction to be atomic: an
// abort discards every write issued inside it.
func TestExplicitWriteTransactionAbort(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	err := db.StartWriteTransaction(ctx())
	Tassert(t, err == nil, "StartWriteTransaction: %v", err)

	err = db.Put(ctx(), []byte("k"), []byte("v"))
	Tassert(t, err == nil)

	err = db.AbortWriteTransaction(ctx())
	Tassert(t, err == nil, "AbortWriteTransaction: %v", err)

	val, err := db.Get(ctx(), []byte("k"))
	Tassert(t, err == nil)
	Tassert(t, val == nil, "expected aborted write to not be visible")
}

func TestExplicitWriteTransactionCommit(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	Ck(db.StartWriteTransaction(ctx()))
	Ck(db.Put(ctx(), []byte("k1"), []byte("v1")))
	Ck(db.PutNoConfirm([]byte("k2"), []byte("v2")))
	err := db.CommitWriteTransaction(ctx())
	Tassert(t, err == nil, "CommitWriteTransaction: %v", err)

	v1, err := db.Get(ctx(), []byte("k1"))
	Tassert(t, err == nil)
	Tassert(t, string(v1) == "v1")

	v2, err := db.Get(ctx(), []byte("k2"))
	Tassert(t, err == nil)
	Tassert(t, string(v2) == "v2")
}

// A second StartWriteTransaction while one is already open fails with
// TransactionAlreadyOpen (spec.md §4.5 constraints).
func TestDoubleStartWriteTransaction(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	Ck(db.StartWriteTransaction(ctx()))
	defer db.AbortWriteTransaction(ctx())

	err := db.StartWriteTransaction(ctx())
	Tassert(t, err != nil)
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == TransactionAlreadyOpen)
}

// CommitWriteTransaction without a matching start fails with
// NoTransaction (spec.md §4.5 constraints).
func TestCommitWithoutStart(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	err := db.CommitWriteTransaction(ctx())
	Tassert(t, err != nil)
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == NoTransaction)
}

// PutNoConfirm outside an explicit write transaction fails with
// NoTransaction, synchronously, before ever reaching the worker
// (spec.md §4.3.2).
func TestPutNoConfirmWithoutTransaction(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	err := db.PutNoConfirm([]byte("k"), []byte("v"))
	Tassert(t, err != nil)
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == NoTransaction)
}

// Calls after Close fail with Closed (spec.md §4.5 constraints).
func TestOperationsAfterClose(t *testing.T) {
	db, _ := newTestDB(t)
	Ck(db.Close())

	_, err := db.Get(ctx(), []byte("k"))
	Tassert(t, err != nil)
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == Closed)

	err = db.Put(ctx(), []byte("k"), []byte("v"))
	Tassert(t, err != nil)
}

// Re-opening the same path shares one environment, so writes made
// through one handle are visible through another (spec.md §3, §4.1).
func TestReopenSharesEnvironment(t *testing.T) {
	dir := filepath.Join(tmpDir, Spf("shared-%d", time.Now().UnixNano()))
	opts := DefaultOptions(dir)

	db1, err := Open(opts)
	Tassert(t, err == nil, "Open db1: %v", err)

	db2, err := Open(opts)
	Tassert(t, err == nil, "Open db2: %v", err)

	Ck(db1.Put(ctx(), []byte("k"), []byte("v")))

	val, err := db2.Get(ctx(), []byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v")

	Ck(db1.Close())
	// Environment stays alive: db2 still holds a reference.
	val, err = db2.Get(ctx(), []byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v")

	Ck(db2.Close())
}

// Opening the same path twice with conflicting MapSize values is
// rejected with OpenError rather than silently applying whichever came
// first.
func TestReopenMapSizeConflict(t *testing.T) {
	dir := filepath.Join(tmpDir, Spf("conflict-%d", time.Now().UnixNano()))
	opts1 := DefaultOptions(dir)
	db1, err := Open(opts1)
	Tassert(t, err == nil)
	defer db1.Close()

	opts2 := DefaultOptions(dir)
	opts2.MapSize = opts1.MapSize / 2
	_, err = Open(opts2)
	Tassert(t, err != nil)
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == OpenError)
}

// Explicit read transactions pin a snapshot across multiple GetSync
// calls until CommitReadTransaction (spec.md §4.2, §4.5).
func TestExplicitReadTransaction(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	Ck(db.Put(ctx(), []byte("k"), []byte("v1")))

	err := db.StartReadTransaction()
	Tassert(t, err == nil, "StartReadTransaction: %v", err)

	val, err := db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v1")

	Ck(db.Put(ctx(), []byte("k"), []byte("v2")))

	// still pinned to the old snapshot
	val, err = db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v1")

	err = db.CommitReadTransaction()
	Tassert(t, err == nil)

	db.ResetReadTxn()
	val, err = db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v2")
}

// A key exceeding MaxKeySize fails with KeyTooLarge instead of being
// silently truncated or accepted (spec.md §7).
func TestKeyTooLarge(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	bigKey := make([]byte, DefaultMaxKeySize+1)
	err := db.Put(ctx(), bigKey, []byte("v"))
	Tassert(t, err != nil)
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == KeyTooLarge)
}

// A second StartReadTransaction while one is already pinned is a no-op:
// the existing snapshot is reused, not rejected (spec.md §4.2).
func TestDoubleStartReadTransaction(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	Ck(db.Put(ctx(), []byte("k"), []byte("v1")))

	Ck(db.StartReadTransaction())
	_, err := db.GetSync([]byte("k")) // reads the snapshot StartReadTransaction pinned
	Tassert(t, err == nil)

	err = db.StartReadTransaction()
	Tassert(t, err == nil, "second StartReadTransaction: %v", err)

	Ck(db.Put(ctx(), []byte("k"), []byte("v2")))

	val, err := db.GetSync([]byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v1", "expected the original pinned snapshot to survive the second start")
}

// CommitReadTransaction with none pinned is a safe no-op, not an error
// (spec.md §4.2).
func TestCommitReadTransactionWithoutStart(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	err := db.CommitReadTransaction()
	Tassert(t, err == nil, "CommitReadTransaction: %v", err)

	err = db.CommitReadTransaction()
	Tassert(t, err == nil, "second CommitReadTransaction: %v", err)
}

// Data survives Close and a fresh Open against the same path (spec.md
// §8 scenario 1, §3 invariant 4).
func TestDurabilityAcrossReopen(t *testing.T) {
	dir := filepath.Join(tmpDir, Spf("durable-%d", time.Now().UnixNano()))
	opts := DefaultOptions(dir)

	db, err := Open(opts)
	Tassert(t, err == nil)
	Ck(db.Put(ctx(), []byte("k"), []byte("v")))
	Ck(db.Close())

	db2, err := Open(opts)
	Tassert(t, err == nil, "reopen: %v", err)
	defer db2.Close()

	val, err := db2.Get(ctx(), []byte("k"))
	Tassert(t, err == nil)
	Tassert(t, string(val) == "v", "expected write to survive Close/reopen")
}

// An oversized key mid-explicit-transaction aborts the whole transaction
// (spec.md §4.3.3), and that abort is itself durable across a
// Close/reopen: nothing from the aborted transaction, including the
// keys that individually succeeded before the failure, was ever
// committed (spec.md §8 scenario 6).
func TestExplicitWriteTransactionRollbackOnOversizedKey(t *testing.T) {
	dir := filepath.Join(tmpDir, Spf("rollback-%d", time.Now().UnixNano()))
	opts := DefaultOptions(dir)

	db, err := Open(opts)
	Tassert(t, err == nil)

	Ck(db.StartWriteTransaction(ctx()))
	Ck(db.Put(ctx(), []byte("a"), []byte("A")))

	bigKey := make([]byte, opts.MaxKeySize+1)
	err = db.Put(ctx(), bigKey, []byte("v"))
	Tassert(t, err != nil)
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == KeyTooLarge)

	// The failed write already aborted the transaction on the worker
	// side; db.writeOpen is still true from the caller's point of view
	// until it explicitly ends the window.
	err = db.AbortWriteTransaction(ctx())
	Tassert(t, err != nil, "expected AbortWriteTransaction to report NoTransaction after the worker already reset")

	Ck(db.Close())

	db2, err := Open(opts)
	Tassert(t, err == nil)
	defer db2.Close()

	val, err := db2.Get(ctx(), []byte("a"))
	Tassert(t, err == nil)
	Tassert(t, val == nil, "expected the in-flight write to not be durably committed")
}

// A large explicit write transaction can issue many sequential,
// individually-awaited Put calls without deadlocking: each Put resolves
// immediately once applied to the open transaction rather than waiting
// for CommitWriteTransaction (spec.md §8 scenario 3).
func TestExplicitWriteTransactionManyPuts(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	const n = 1000

	Ck(db.StartWriteTransaction(ctx()))
	for i := 0; i < n; i++ {
		Ck(db.Put(ctx(), []byte(Spf("key-%d", i)), []byte(Spf("val-%d", i))))
	}
	Ck(db.CommitWriteTransaction(ctx()))

	for i := 0; i < n; i++ {
		val, err := db.GetSync([]byte(Spf("key-%d", i)))
		Tassert(t, err == nil)
		Tassert(t, string(val) == Spf("val-%d", i))
	}
}

// PutNoConfirm's error is latched, not reported at the call site: it
// only surfaces when the transaction is committed (spec.md §4.3.2).
func TestPutNoConfirmErrorLatchedUntilCommit(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Close()

	Ck(db.StartWriteTransaction(ctx()))

	bigKey := make([]byte, DefaultMaxKeySize+1)
	err := db.PutNoConfirm(bigKey, []byte("v"))
	Tassert(t, err == nil, "PutNoConfirm should not report the engine error synchronously: %v", err)

	// A second write issued after the latch is set never reaches the
	// engine at all.
	err = db.PutNoConfirm([]byte("k2"), []byte("v2"))
	Tassert(t, err == nil)

	err = db.CommitWriteTransaction(ctx())
	Tassert(t, err != nil, "expected the latched PutNoConfirm error to surface at commit")
	lerr, ok := err.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == KeyTooLarge)

	val, err := db.Get(ctx(), []byte("k2"))
	Tassert(t, err == nil)
	Tassert(t, val == nil, "expected the whole transaction to roll back")
}

// A tiny MapSize is exceeded quickly and reported as MapFull rather
// than growing the file unbounded (SPEC_FULL.md §7.1).
func TestMapFull(t *testing.T) {
	dir := filepath.Join(tmpDir, Spf("mapfull-%d", time.Now().UnixNano()))
	opts := DefaultOptions(dir)
	opts.MapSize = 32 * 1024 // 32 KiB, deliberately tiny
	db, err := Open(opts)
	Tassert(t, err == nil)
	defer db.Close()

	value := make([]byte, 4096)
	var lastErr error
	for i := 0; i < 64; i++ {
		lastErr = db.Put(ctx(), []byte(Spf("key-%d", i)), value)
		if lastErr != nil {
			break
		}
	}
	Tassert(t, lastErr != nil, "expected MapFull before filling the loop")
	lerr, ok := lastErr.(*Error)
	Tassert(t, ok)
	Tassert(t, lerr.Kind == MapFull, "got %v", lerr.Kind)
}
