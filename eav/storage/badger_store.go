package storage

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// memoryURIs open a store that lives only as long as the process
var memoryURIs = map[string]bool{"": true, ":memory:": true, "memory://": true}

// openBadger opens the badger database behind a store URI
func openBadger(uri string, syncWrites bool) (*badger.DB, error) {
	var opts badger.Options
	if memoryURIs[uri] {
		opts = badger.DefaultOptions("").WithInMemory(true)
		opts.MemTableSize = 16 << 20
		opts.BlockCacheSize = 8 << 20
	} else {
		path := strings.TrimPrefix(uri, "file://")
		opts = badger.DefaultOptions(path)
		opts.MemTableSize = 64 << 20
		opts.BlockCacheSize = 64 << 20
		opts.SyncWrites = syncWrites
	}
	opts.Logger = nil // Disable BadgerDB logs

	// Commits rely on optimistic conflict detection over last-writer keys
	opts.DetectConflicts = true
	opts.NumCompactors = 2
	opts.ValueThreshold = 1 << 10 // 1KB - store small values in LSM tree

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// IsMemoryURI reports whether uri names an in-memory store
func IsMemoryURI(uri string) bool {
	return memoryURIs[uri]
}
