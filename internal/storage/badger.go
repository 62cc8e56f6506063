package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dreamware/trellis/internal/cluster"
)

var (
	orderPrefix = []byte("order:")
	nextCodeKey = []byte("meta:next-code")
)

// BadgerStore implements Store on top of a Badger database. Orders are stored
// as JSON under "order:<big-endian code>". The next code is kept under
// "meta:next-code" and written in the same transaction as the order, so
// codes survive restarts of an on-disk store.
type BadgerStore struct {
	db *badger.DB
	mu sync.Mutex // serializes code assignment
}

// OpenBadger opens (or creates) a store at path. An empty path opens an
// in-memory database.
func OpenBadger(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path)).
			WithValueLogFileSize(1 << 20)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func orderKey(code int64) []byte {
	key := make([]byte, len(orderPrefix)+8)
	copy(key, orderPrefix)
	binary.BigEndian.PutUint64(key[len(orderPrefix):], uint64(code))
	return key
}

// ListAll scans every order, newest first.
func (s *BadgerStore) ListAll(ctx context.Context) ([]cluster.Order, error) {
	var out []cluster.Order
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(orderPrefix); it.ValidForPrefix(orderPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var o cluster.Order
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &o)
			}); err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if out == nil {
		out = []cluster.Order{}
	}
	sortNewestFirst(out)
	return out, nil
}

// FindByCode loads one order.
func (s *BadgerStore) FindByCode(ctx context.Context, code int64) (cluster.Order, error) {
	var out cluster.Order
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(orderKey(code))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return cluster.Order{}, fmt.Errorf("find order %d: %w", code, err)
	}
	return out, nil
}

func readNextCode(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(nextCodeKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var next int64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("%w: next code is %d bytes", cluster.ErrDecode, len(v))
		}
		next = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return next, err
}

func writeNextCode(txn *badger.Txn, next int64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(next))
	return txn.Set(nextCodeKey, v)
}

func setOrder(txn *badger.Txn, order cluster.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return txn.Set(orderKey(*order.Code), data)
}

// Create assigns the next code and persists order.
func (s *BadgerStore) Create(ctx context.Context, order cluster.Order) (cluster.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		next, err := readNextCode(txn)
		if err != nil {
			return err
		}
		order = prepareCreate(order, next)
		if err := setOrder(txn, order); err != nil {
			return err
		}
		return writeNextCode(txn, next+1)
	})
	if err != nil {
		return cluster.Order{}, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// Put stores order under its code and moves the next code past it.
func (s *BadgerStore) Put(ctx context.Context, order cluster.Order) error {
	if order.Code == nil {
		return fmt.Errorf("put order: missing code")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := setOrder(txn, order); err != nil {
			return err
		}
		next, err := readNextCode(txn)
		if err != nil {
			return err
		}
		if *order.Code >= next {
			return writeNextCode(txn, *order.Code+1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put order %d: %w", *order.Code, err)
	}
	return nil
}

// Update overwrites an existing order.
func (s *BadgerStore) Update(ctx context.Context, order cluster.Order) error {
	if order.Code == nil {
		return fmt.Errorf("update order: missing code")
	}
	if err := s.put(order, true); err != nil {
		return fmt.Errorf("update order %d: %w", *order.Code, err)
	}
	return nil
}

func (s *BadgerStore) put(order cluster.Order, mustExist bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if mustExist {
			if _, err := txn.Get(orderKey(*order.Code)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrNotFound
				}
				return err
			}
		}
		return setOrder(txn, order)
	})
}

// Delete removes an existing order.
func (s *BadgerStore) Delete(ctx context.Context, order cluster.Order) error {
	if order.Code == nil {
		return fmt.Errorf("delete order: missing code")
	}
	key := orderKey(*order.Code)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete order %d: %w", *order.Code, err)
	}
	return nil
}

// CountAll counts order keys without loading values.
func (s *BadgerStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(orderPrefix); it.ValidForPrefix(orderPrefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
