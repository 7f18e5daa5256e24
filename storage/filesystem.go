package storage

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Filesystem is the filesystem Adapter variant: one directory per shard,
// containing a metadata JSON file and the raw shard bytes.
type Filesystem struct {
	dir string

	mu   sync.Mutex
	open map[string]bool
}

// NewFilesystem creates a Filesystem adapter rooted at dir, creating it if
// it does not already exist.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Filesystem{dir: dir, open: make(map[string]bool)}, nil
}

func (f *Filesystem) shardPath(key string) string {
	return filepath.Join(f.dir, key, "shard")
}

func (f *Filesystem) metaPath(key string) string {
	return filepath.Join(f.dir, key, "meta.json")
}

func (f *Filesystem) readMeta(key string) (Item, bool, error) {
	b, err := os.ReadFile(f.metaPath(key))
	if os.IsNotExist(err) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	var item Item
	if err := json.Unmarshal(b, &item); err != nil {
		return Item{}, false, err
	}
	return item, true, nil
}

func (f *Filesystem) Get(key string) (Item, io.ReadCloser, error) {
	file, err := os.Open(f.shardPath(key))
	if os.IsNotExist(err) {
		return Item{}, nil, ErrNotFound
	}
	if err != nil {
		return Item{}, nil, err
	}
	item, _, err := f.readMeta(key)
	if err != nil {
		file.Close()
		return Item{}, nil, err
	}
	return item, file, nil
}

func (f *Filesystem) Peek(key string) (Item, error) {
	item, found, err := f.readMeta(key)
	if err != nil {
		return Item{}, err
	}
	if found {
		return item, nil
	}
	if _, err := os.Stat(f.shardPath(key)); err == nil {
		return Item{}, nil
	}
	return Item{}, ErrNotFound
}

type filesystemWriter struct {
	f    *Filesystem
	key  string
	file *os.File
	tmp  string
}

func (w *filesystemWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *filesystemWriter) Close() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	defer delete(w.f.open, w.key)
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmp)
		return err
	}
	return os.Rename(w.tmp, w.f.shardPath(w.key))
}

// OpenWriter writes to a temporary file in the shard's directory and
// atomically renames it into place on Close, so a reader never observes a
// partially-written shard.
func (f *Filesystem) OpenWriter(key string) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open[key] {
		return nil, ErrChannelBusy
	}
	dir := filepath.Join(f.dir, key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	tmp := filepath.Join(dir, "shard.tmp")
	file, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	f.open[key] = true
	return &filesystemWriter{f: f, key: key, file: file, tmp: tmp}, nil
}

func (f *Filesystem) Put(key string, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Join(f.dir, key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	existing, _, err := f.readMeta(key)
	if err != nil {
		return err
	}
	if existing.Contracts == nil {
		existing = NewItem(item.Hash)
	}
	existing.Merge(item)
	encoded, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return os.WriteFile(f.metaPath(key), encoded, 0644)
}

func (f *Filesystem) Del(key string) error {
	err := os.Remove(f.shardPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *Filesystem) Keys() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() && ValidKey(e.Name()) {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

func (f *Filesystem) Size() (int64, error) {
	var total int64
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if !e.IsDir() || !ValidKey(e.Name()) {
			continue
		}
		info, err := os.Stat(f.shardPath(e.Name()))
		if err == nil {
			total += info.Size()
		}
	}
	return total, nil
}
