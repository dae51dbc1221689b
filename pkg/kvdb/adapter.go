// Copyright 2025 Certen Protocol
//
// KV adapter: wraps cometbft-db's dbm.DB so the storage package can use
// Badger or GoLevelDB interchangeably through one small interface, and opens
// the configured driver.

package kvdb

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// Driver names accepted by Open.
const (
	DriverBadger    = "badger"
	DriverGoLevelDB = "goleveldb"
	DriverMemory    = "memdb"
)

// Open constructs the configured backing store under dataDir/name.
func Open(driver, name, dataDir string) (dbm.DB, error) {
	switch driver {
	case DriverBadger:
		return dbm.NewDB(name, dbm.BadgerDBBackend, dataDir)
	case DriverGoLevelDB:
		return dbm.NewDB(name, dbm.GoLevelDBBackend, dataDir)
	case DriverMemory, "":
		return dbm.NewDB(name, dbm.MemDBBackend, dataDir)
	default:
		return nil, fmt.Errorf("unknown kv driver %q", driver)
	}
}

// KVAdapter wraps a cometbft-db dbm.DB and exposes the thin interface the
// storage package builds its repositories on.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter wraps an already-open DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get returns the value for key, or nil if absent.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	return a.db.Get(key)
}

// Has reports whether key is present.
func (a *KVAdapter) Has(key []byte) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	return a.db.Has(key)
}

// Set writes key/value durably.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// Delete removes key.
func (a *KVAdapter) Delete(key []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.DeleteSync(key)
}

// Iterator returns an ascending iterator over [start, end).
func (a *KVAdapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	return a.db.Iterator(start, end)
}

// NewBatch starts an atomic write batch.
func (a *KVAdapter) NewBatch() dbm.Batch {
	return a.db.NewBatch()
}

// Close closes the underlying database.
func (a *KVAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
