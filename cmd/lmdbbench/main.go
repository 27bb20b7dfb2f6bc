// Command lmdbbench drives a small write/read workload against an
// environment so the write worker's auto-batching and map-size
// enforcement can be exercised outside of a test binary.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	lmdb "github.com/yamadapc/lmdb-js-lite"
)

var cli struct {
	Put struct {
		Path        string `arg:"" help:"Environment directory."`
		Count       int    `default:"10000" help:"Number of keys to write."`
		ValueSize   int    `default:"128" help:"Size in bytes of each value."`
		AsyncWrites bool   `help:"Skip fsync on commit."`
	} `cmd:"" help:"Write Count sequential keys and report elapsed time."`

	Get struct {
		Path  string `arg:"" help:"Environment directory."`
		Count int    `default:"10000" help:"Number of keys to read back with GetSync."`
	} `cmd:"" help:"Read Count sequential keys via GetSync and report elapsed time."`
}

func main() {
	ctx := kong.Parse(&cli)
	var err error
	switch ctx.Command() {
	case "put <path>":
		err = runPut()
	case "get <path>":
		err = runGet()
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "lmdbbench:", err)
		os.Exit(1)
	}
}

func runPut() error {
	opts := lmdb.DefaultOptions(cli.Put.Path)
	opts.AsyncWrites = cli.Put.AsyncWrites
	db, err := lmdb.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	value := make([]byte, cli.Put.ValueSize)
	start := time.Now()
	for i := 0; i < cli.Put.Count; i++ {
		key := []byte(fmt.Sprintf("key-%09d", i))
		if err := db.Put(context.Background(), key, value); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("wrote %d keys in %s (%.0f keys/sec)\n", cli.Put.Count, elapsed, float64(cli.Put.Count)/elapsed.Seconds())
	return nil
}

func runGet() error {
	opts := lmdb.DefaultOptions(cli.Get.Path)
	db, err := lmdb.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	found := 0
	for i := 0; i < cli.Get.Count; i++ {
		key := []byte(fmt.Sprintf("key-%09d", i))
		val, err := db.GetSync(key)
		if err != nil {
			return err
		}
		if val != nil {
			found++
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("read %d keys (%d found) in %s (%.0f keys/sec)\n", cli.Get.Count, found, elapsed, float64(cli.Get.Count)/elapsed.Seconds())
	return nil
}
