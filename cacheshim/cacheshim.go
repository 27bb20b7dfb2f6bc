// Package cacheshim adapts this module's Database Facade to the
// narrower get/put/resetReadTxn contract a bundler's on-disk cache
// expects, so this module can be dropped in as that cache's backing
// store without either side knowing about the other's native surface
// (spec.md §6, "Compatibility shim").
package cacheshim

import (
	"context"
	"fmt"

	lmdb "github.com/yamadapc/lmdb-js-lite"
)

// Options mirrors the bundler cache's open(dir, {name, encoding,
// compression}) call. Name, Encoding, and Compression are accepted for
// API compatibility only; this shim ignores all three, same as the
// core it wraps (spec.md §6).
type Options struct {
	Name        string
	Encoding    string
	Compression string
}

// Wrapper is the shim's handle, standing in for the bundler cache's
// own wrapper object.
type Wrapper struct {
	db *lmdb.DB
}

// Open creates or reuses the environment at dir and wraps it.
func Open(dir string, opts Options) (*Wrapper, error) {
	db, err := lmdb.Open(lmdb.DefaultOptions(dir))
	if err != nil {
		return nil, err
	}
	return &Wrapper{db: db}, nil
}

// Get is the shim's synchronous read, backed by the Read Transaction
// Slot (lmdb.DB.GetSync).
func (w *Wrapper) Get(key []byte) ([]byte, error) {
	return w.db.GetSync(key)
}

// Put accepts either a []byte or a string value, wrapping a string in
// a byte buffer before enqueueing the write, matching the bundler
// cache's convenience overload (spec.md §6).
func (w *Wrapper) Put(ctx context.Context, key []byte, value any) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return &lmdb.Error{Kind: lmdb.EngineError, Msg: fmt.Sprintf("unsupported value type %T", value)}
	}
	return w.db.Put(ctx, key, b)
}

// ResetReadTxn renews the shim's read snapshot.
func (w *Wrapper) ResetReadTxn() {
	w.db.ResetReadTxn()
}

// Close releases the wrapped environment handle.
func (w *Wrapper) Close() error {
	return w.db.Close()
}
