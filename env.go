package lmdb

import (
	"errors"

	. "github.com/stevegt/goadapt"
)

// Open acquires (creating on disk if necessary) the environment at
// opts.Path and returns a Database Facade handle onto it. Calling Open
// again with the same path shares the existing environment, engine
// handle, and write worker rather than opening a second one (spec.md
// §3, §4.1).
func Open(opts *Options) (db *DB, err error) {
	// Ck/Return wrap the error with its call site; hand callers the
	// package's own *Error so they can branch on its Kind directly.
	defer func() {
		var lerr *Error
		if errors.As(err, &lerr) {
			err = lerr
		}
	}()
	defer Return(&err)
	norm := opts.normalized()
	key, e, err := acquireEnv(norm)
	Ck(err)
	db = &DB{
		key:   key,
		entry: e,
		reads: newReadSlot(e.bdb),
	}
	return
}
