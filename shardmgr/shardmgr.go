// Package shardmgr mediates access to a storage.Adapter, applying the
// policy a bare adapter does not: a total size cap, eviction of the
// least-recently-touched shards when over budget, and per-key locking so
// concurrent Get and OpenWriter calls on the same shard serialise (Peek,
// Put and Del do not take the lock).
package shardmgr

import (
	"container/list"
	"io"
	"sync"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/storage"
)

// ErrStorageFull is returned by OpenWriter when admitting a new shard
// would exceed the manager's size limit and no amount of eviction can
// make room (the incoming shard is itself larger than the cap).
var ErrStorageFull = errors.New("shardmgr: storage limit exceeded")

// lockedKey serialises operations against a single shard key.
type lockedKey struct {
	mu sync.Mutex
}

// Manager wraps a storage.Adapter with a size budget and per-key locks.
// It tracks approximate recency of access to decide what to evict first.
type Manager struct {
	adapter  storage.Adapter
	maxBytes int64

	mu     sync.Mutex
	locks  map[string]*lockedKey
	recent *list.List               // most-recently-touched keys, front = newest
	elems  map[string]*list.Element // key -> its node in recent
}

// New wraps adapter with a Manager enforcing maxBytes of total shard
// storage. maxBytes <= 0 means unlimited.
func New(adapter storage.Adapter, maxBytes int64) *Manager {
	return &Manager{
		adapter:  adapter,
		maxBytes: maxBytes,
		locks:    make(map[string]*lockedKey),
		recent:   list.New(),
		elems:    make(map[string]*list.Element),
	}
}

func (m *Manager) lockFor(key string) *lockedKey {
	m.mu.Lock()
	lk, ok := m.locks[key]
	if !ok {
		lk = &lockedKey{}
		m.locks[key] = lk
	}
	m.mu.Unlock()
	return lk
}

func (m *Manager) touch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.elems[key]; ok {
		m.recent.MoveToFront(e)
		return
	}
	m.elems[key] = m.recent.PushFront(key)
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.elems[key]; ok {
		m.recent.Remove(e)
		delete(m.elems, key)
	}
	delete(m.locks, key)
}

// Get serialises against concurrent writers of the same key, then reads
// through to the underlying adapter.
func (m *Manager) Get(key string) (storage.Item, io.ReadCloser, error) {
	lk := m.lockFor(key)
	lk.mu.Lock()
	defer lk.mu.Unlock()
	item, r, err := m.adapter.Get(key)
	if err == nil {
		m.touch(key)
	}
	return item, r, err
}

// Peek reads metadata without taking the per-key lock; metadata reads
// never conflict with an in-flight write in this policy.
func (m *Manager) Peek(key string) (storage.Item, error) {
	return m.adapter.Peek(key)
}

// evictUntil removes least-recently-touched shards until the adapter's
// reported usage plus incoming leaves room under maxBytes, or there is
// nothing left to evict.
func (m *Manager) evictUntil(incoming int64) error {
	if m.maxBytes <= 0 {
		return nil
	}
	for {
		used, err := m.adapter.Size()
		if err != nil {
			return err
		}
		if used+incoming <= m.maxBytes {
			return nil
		}
		m.mu.Lock()
		back := m.recent.Back()
		m.mu.Unlock()
		if back == nil {
			return ErrStorageFull
		}
		key := back.Value.(string)
		if err := m.adapter.Del(key); err != nil {
			return err
		}
		m.forget(key)
	}
}

type managedWriter struct {
	m    *Manager
	key  string
	lk   *lockedKey
	w    io.WriteCloser
}

func (w *managedWriter) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *managedWriter) Close() error {
	defer w.lk.mu.Unlock()
	err := w.w.Close()
	if err == nil {
		w.m.touch(w.key)
	}
	return err
}

// OpenWriter evicts older shards as needed to make room for the new
// shard, then opens a sink for it. The per-key lock is held until the
// returned writer is closed.
func (m *Manager) OpenWriter(key string, expectedSize int64) (io.WriteCloser, error) {
	if m.maxBytes > 0 && expectedSize > m.maxBytes {
		return nil, ErrStorageFull
	}
	if err := m.evictUntil(expectedSize); err != nil {
		return nil, err
	}
	lk := m.lockFor(key)
	lk.mu.Lock()
	w, err := m.adapter.OpenWriter(key)
	if err != nil {
		lk.mu.Unlock()
		return nil, err
	}
	return &managedWriter{m: m, key: key, lk: lk, w: w}, nil
}

// Put merges item's metadata into the adapter, unaffected by the size
// policy (metadata is not counted against maxBytes).
func (m *Manager) Put(key string, item storage.Item) error {
	return m.adapter.Put(key, item)
}

// Del removes a shard's bytes and releases any tracked recency state.
func (m *Manager) Del(key string) error {
	err := m.adapter.Del(key)
	if err == nil {
		m.forget(key)
	}
	return err
}

// Keys and Size pass straight through to the underlying adapter.
func (m *Manager) Keys() ([]string, error) { return m.adapter.Keys() }
func (m *Manager) Size() (int64, error)    { return m.adapter.Size() }
