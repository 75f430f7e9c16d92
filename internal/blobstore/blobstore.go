// Package blobstore implements PersistentBlobStore (spec §4.A): a versioned
// key→bytes store with atomic per-key writes and timeout-guarded operations.
// It is backed by Badger, whose native per-key multi-version storage models
// the "persistent key-value store with multi-versioned object stores" the
// spec describes — the in-process analogue of an IndexedDB database.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Sentinel errors for the three A-level error kinds spec §7 names.
var (
	ErrStoreTimeout = errors.New("blobstore: operation timed out")
	ErrStoreBlocked = errors.New("blobstore: store is blocked by another open connection")
	ErrStoreIO      = errors.New("blobstore: underlying I/O error")
)

// namespaceMarkerPrefix keys live under a reserved prefix so the store can
// tell "namespace never written to" from "namespace written then all keys
// deleted" — the on-demand "upgrade" path spec §4.A requires.
const namespaceMarkerPrefix = "\x00ns:"

// Store is a single named PersistentBlobStore database: one Badger
// instance, addressed by arbitrary string keys mapping to opaque byte
// blobs, with namespaces created on demand the first time they're written.
type Store struct {
	db      *badger.DB
	timeout time.Duration

	mu         sync.Mutex
	namespaces map[string]struct{}
}

// Option configures Open.
type Option func(*badger.Options)

// WithInMemory runs the store with no on-disk footprint (tests).
func WithInMemory() Option {
	return func(o *badger.Options) {
		*o = o.WithInMemory(true)
	}
}

// Open opens (or creates) the blob store rooted at dir, with the given
// per-operation timeout. A dir already locked by another process surfaces
// as ErrStoreBlocked, mirroring IndexedDB's blocked-open event.
func Open(dir string, timeout time.Duration, opts ...Option) (*Store, error) {
	badgerOpts := badger.DefaultOptions(dir).WithLogger(nil)
	for _, opt := range opts {
		opt(&badgerOpts)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		if isLockConflict(err) {
			return nil, ErrStoreBlocked
		}
		return nil, fmt.Errorf("%w: open badger store: %v", ErrStoreIO, err)
	}

	s := &Store{
		db:         db,
		timeout:    timeout,
		namespaces: make(map[string]struct{}),
	}
	if err := s.loadNamespaces(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func isLockConflict(err error) bool {
	return strings.Contains(err.Error(), "Cannot acquire directory lock") ||
		strings.Contains(err.Error(), "LOCK")
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStoreIO, err)
	}
	return nil
}

func (s *Store) loadNamespaces() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(namespaceMarkerPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		s.mu.Lock()
		defer s.mu.Unlock()
		for it.Rewind(); it.Valid(); it.Next() {
			ns := strings.TrimPrefix(string(it.Item().Key()), namespaceMarkerPrefix)
			s.namespaces[ns] = struct{}{}
		}
		return nil
	})
}

// ensureNamespace is the on-demand "upgrade" path: the first write under a
// namespace records a marker key so future opens know the namespace exists,
// matching IndexedDB's upgrade-handler semantics without needing a separate
// version bump per spec's literal mechanism.
func (s *Store) ensureNamespace(namespace string) error {
	s.mu.Lock()
	_, ok := s.namespaces[namespace]
	s.mu.Unlock()
	if ok {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(namespaceMarkerPrefix+namespace), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: create namespace %q: %v", ErrStoreIO, namespace, err)
	}

	s.mu.Lock()
	s.namespaces[namespace] = struct{}{}
	s.mu.Unlock()
	return nil
}

func namespaceOf(key string) string {
	if i := strings.IndexByte(key, '-'); i >= 0 {
		return key[:i]
	}
	return key
}

// Save writes bytes under key. Last-writer-wins; there is no cross-key
// transaction (spec §4.A contract).
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if err := s.ensureNamespace(namespaceOf(key)); err != nil {
		return err
	}
	return s.withTimeout(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(key), value)
		})
	})
}

// Load returns the bytes stored under key, or (nil, nil) if absent — Load
// never returns an error for a missing key (spec §4.A contract).
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.withTimeout(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				out = append([]byte(nil), val...)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withTimeout(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			err := txn.Delete([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		})
	})
}

// withTimeout runs fn on its own goroutine and resolves exactly once: either
// fn returns first, or the deadline passes first and ErrStoreTimeout wins
// (a ctx cancelled before the deadline returns ctx's own error instead).
// This is the "single-resolution guarantee... even under duplicate event
// firing" spec §4.A requires.
func (s *Store) withTimeout(ctx context.Context, fn func() error) error {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreIO, err)
		}
		return nil
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return ErrStoreTimeout
		}
		return tctx.Err()
	}
}
