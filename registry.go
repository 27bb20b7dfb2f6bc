package lmdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	. "github.com/stevegt/goadapt"
	bolt "go.etcd.io/bbolt"
)

// defaultBucket is the single default sub-database this package exposes
// (spec.md §1 Non-goals: no multi-database API in this version).
var defaultBucket = []byte("default")

// envEntry is one canonicalized-path registration. It is refcounted so
// that repeated Open calls against the same path share one *bolt.DB and
// one write worker, per spec.md §3 ("re-opening the same path returns a
// new handle sharing the same underlying environment") and §4.1.
//
// This is the Go rendition of original_source/src/lib.rs's
// LMDBGlobalState.databases: HashMap<LMDBOptions, Weak<DatabaseHandle>>.
// Go has no weak pointers to drive cleanup on last-reference-drop, so a
// plain refcount decremented in Close stands in for the Weak/Arc pair.
type envEntry struct {
	opts     *Options
	bdb      *bolt.DB
	worker   *writeWorker
	lock     *flock.Flock
	refcount int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*envEntry{}
)

// canonicalPath resolves path to the form used as the registry key, so
// that two different paths naming the same environment (via a symlink)
// share one envEntry (spec.md §3, SPEC_FULL.md §4.1). Abs alone cannot
// see through a symlinked directory; EvalSymlinks does. A path that
// does not exist yet (Open creating it for the first time) has nothing
// to resolve, so that case falls back to the absolute, cleaned path.
func canonicalPath(path string) (result string, err error) {
	defer Return(&err)
	abs, err := filepath.Abs(path)
	Ck(err)
	resolved, symErr := filepath.EvalSymlinks(abs)
	if symErr != nil {
		if os.IsNotExist(symErr) {
			return filepath.Clean(abs), nil
		}
		err = symErr
		Ck(err)
	}
	return filepath.Clean(resolved), nil
}

// acquireEnv opens (or shares) the environment at opts.Path. The
// returned envEntry's refcount has already been incremented for this
// caller; release it with releaseEnv.
func acquireEnv(opts *Options) (key string, e *envEntry, err error) {
	defer Return(&err)

	key, pathErr := canonicalPath(opts.Path)
	if pathErr != nil {
		err = newError(OpenError, "invalid path", pathErr)
		Ck(err)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[key]; ok {
		if existing.opts.MapSize != opts.MapSize {
			err = newError(OpenError,
				fmt.Sprintf("map-size conflict: environment already open with map_size=%d", existing.opts.MapSize), nil)
			Ck(err)
		}
		existing.refcount++
		return key, existing, nil
	}

	mkErr := os.MkdirAll(key, 0755)
	if mkErr != nil {
		err = newError(OpenError, "failed to create environment directory", mkErr)
		Ck(err)
	}

	// LMDB persists a companion lock file alongside its data file
	// (spec.md §6 "Persisted state"); bbolt guards its own file handle
	// internally but does not expose a lock file of its own, so this
	// package keeps that part of the contract with an explicit advisory
	// lock (SPEC_FULL.md DOMAIN STACK).
	lock := flock.New(filepath.Join(key, "lock.mdb"))
	locked, lockErr := lock.TryLock()
	if lockErr != nil {
		err = newError(OpenError, "failed to acquire environment lock", lockErr)
		Ck(err)
	}
	if !locked {
		err = newError(OpenError, "environment is already locked by another process", nil)
		Ck(err)
	}

	bdb, openErr := bolt.Open(filepath.Join(key, "data.db"), 0600, &bolt.Options{
		NoSync:         opts.AsyncWrites,
		NoFreelistSync: opts.AsyncWrites,
		// Map MapSize up front: a bbolt remap waits for every open read
		// transaction, so a pinned read snapshot would otherwise block the
		// write worker as soon as the data outgrew the initial mapping.
		InitialMmapSize: int(opts.MapSize),
	})
	if openErr != nil {
		lock.Unlock()
		err = newError(OpenError, "failed to open environment", openErr)
		Ck(err)
	}

	bucketErr := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	})
	if bucketErr != nil {
		bdb.Close()
		lock.Unlock()
		err = newError(OpenError, "failed to create default sub-database", bucketErr)
		Ck(err)
	}

	e = &envEntry{
		opts:     opts,
		bdb:      bdb,
		lock:     lock,
		refcount: 1,
	}
	e.worker = startWriteWorker(bdb, opts)
	registry[key] = e
	return key, e, nil
}

// releaseEnv decrements the refcount for key and, at zero, drains the
// write worker and closes the underlying *bolt.DB (spec.md §3 invariant
// 5: "Closing the Environment drains or aborts all pending commands
// before releasing engine resources").
func releaseEnv(key string) error {
	registryMu.Lock()
	e, ok := registry[key]
	if !ok {
		registryMu.Unlock()
		return nil
	}
	e.refcount--
	last := e.refcount == 0
	if last {
		delete(registry, key)
	}
	registryMu.Unlock()

	if !last {
		return nil
	}

	e.worker.shutdown()
	closeErr := e.bdb.Close()
	if err := e.lock.Unlock(); err != nil && closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		return newError(EngineError, "failed to close environment", closeErr)
	}
	return nil
}
