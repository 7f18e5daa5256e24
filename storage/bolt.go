package storage

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta  = []byte("bucketMeta")
	bucketShard = []byte("bucketShard")
)

// Bolt is the embedded-KV Adapter variant: item metadata is stored as
// JSON in one bucket, shard bytes as a binary value in another, keyed by
// the same 40-hex string in both.
type Bolt struct {
	db *bolt.DB

	mu   sync.Mutex
	open map[string]bool
}

// NewBolt opens (creating if necessary) a bbolt database at filename.
func NewBolt(filename string) (*Bolt, error) {
	db, err := bolt.Open(filename, 0666, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketShard)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, open: make(map[string]bool)}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Get(key string) (Item, io.ReadCloser, error) {
	var item Item
	var shard []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketShard).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		shard = append([]byte(nil), v...)
		if m := tx.Bucket(bucketMeta).Get([]byte(key)); m != nil {
			return json.Unmarshal(m, &item)
		}
		return nil
	})
	if err != nil {
		return Item{}, nil, err
	}
	return item, io.NopCloser(bytes.NewReader(shard)), nil
}

func (b *Bolt) Peek(key string) (Item, error) {
	var item Item
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		m := tx.Bucket(bucketMeta).Get([]byte(key))
		if m != nil {
			found = true
			return json.Unmarshal(m, &item)
		}
		if tx.Bucket(bucketShard).Get([]byte(key)) != nil {
			found = true
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, ErrNotFound
	}
	return item, nil
}

type boltWriter struct {
	b   *Bolt
	key string
	buf bytes.Buffer
}

func (w *boltWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *boltWriter) Close() error {
	w.b.mu.Lock()
	delete(w.b.open, w.key)
	w.b.mu.Unlock()
	return w.b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShard).Put([]byte(w.key), w.buf.Bytes())
	})
}

// OpenWriter returns a buffered sink that commits to the shard bucket on
// Close; bbolt has no native streaming-write API, so bytes accumulate in
// memory until the writer closes. Only one writer may be open per key at
// a time.
func (b *Bolt) OpenWriter(key string) (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open[key] {
		return nil, ErrChannelBusy
	}
	b.open[key] = true
	return &boltWriter{b: b, key: key}, nil
}

func (b *Bolt) Put(key string, item Item) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMeta)
		existing := NewItem(item.Hash)
		if v := bkt.Get([]byte(key)); v != nil {
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
		}
		existing.Merge(item)
		encoded, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), encoded)
	})
}

func (b *Bolt) Del(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShard).Delete([]byte(key))
	})
}

func (b *Bolt) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		seen := make(map[string]struct{})
		c := tx.Bucket(bucketMeta).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			seen[string(k)] = struct{}{}
		}
		c = tx.Bucket(bucketShard).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			seen[string(k)] = struct{}{}
		}
		for k := range seen {
			if ValidKey(k) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	return keys, err
}

func (b *Bolt) Size() (int64, error) {
	var total int64
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketShard).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			total += int64(len(v))
		}
		return nil
	})
	return total, err
}
