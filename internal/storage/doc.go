// Package storage defines the order store of record used by application
// nodes and provides two implementations behind a single Store interface.
//
// # Overview
//
// Application nodes never touch a database directly. They hold a Store and
// call its operations: ListAll, FindByCode, Create, Put, Update, Delete and
// CountAll. Codes are assigned by the store on Create and never reassigned.
// Put stores an order under a code chosen elsewhere (a backup replaying its
// primary) and moves the store's next code past it.
//
// # Implementations
//
// MemoryStore keeps orders in a map under a sync.RWMutex. It is the default
// for tests and for nodes started without a database path.
//
// BadgerStore persists orders in a Badger database as JSON values keyed by
// the big-endian code, which keeps keys ordered by code. The next code is a
// counter key written in the same transaction as each order. Passing an
// empty path opens an in-memory database.
//
//	store, err := storage.OpenBadger("/var/lib/trellis/app-1")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// # Errors
//
// Missing codes yield ErrNotFound, which is cluster.ErrNotFound. Other
// failures are wrapped with the operation and code, for example
// "update order 7: ...". Stores never retry.
//
// # Ordering
//
// ListAll returns orders newest first: by CreatedAt descending, then by code
// descending when creation times tie.
//
// # Seeding
//
// Seed fills a store with sample orders ("Order 1" ... "Order n") so a fresh
// cluster has something to serve.
package storage
