// Package storage defines the abstract shard store used by the data
// channel and shard manager, plus in-memory, embedded-KV, and filesystem
// implementations of it.
package storage

import (
	"io"
	"regexp"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/contract"
	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/merkle"
)

// ErrNotFound is returned by Get and Peek when no item exists for a key.
var ErrNotFound = errors.New("storage: item not found")

// ErrHashMismatch is returned by implementations that choose to validate
// a key against an item's own hash.
var ErrHashMismatch = errors.New("storage: key does not match item hash")

// ErrChannelBusy is returned by OpenWriter when a writer for the same key
// is already open.
var ErrChannelBusy = errors.New("storage: a writer for this key is already open")

// keyPattern matches the 40-hex-character RIPEMD160 key format; Keys
// implementations filter against it so stray files never leak through.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ValidKey reports whether s is a well-formed 40-hex-character key.
func ValidKey(s string) bool {
	return keyPattern.MatchString(s)
}

// Item is the metadata record kept alongside a shard's bytes: the
// contracts and audit state accumulated per farmer that has ever taken
// responsibility for this shard.
type Item struct {
	Hash       crypto.Hash160
	Contracts  map[string]*contract.Contract
	Trees      map[string]merkle.PublicRecord
	Challenges map[string][]merkle.Challenge
	Meta       map[string]map[string]interface{}
}

// NewItem builds an empty Item for hash, with initialised maps so callers
// never need a nil check before indexing into them.
func NewItem(hash crypto.Hash160) Item {
	return Item{
		Hash:       hash,
		Contracts:  make(map[string]*contract.Contract),
		Trees:      make(map[string]merkle.PublicRecord),
		Challenges: make(map[string][]merkle.Challenge),
		Meta:       make(map[string]map[string]interface{}),
	}
}

// Merge folds other into i in place, following the adapter's semantic-
// superset put contract: per-farmer entries are unioned, never dropped or
// overwritten with a different value for a key both sides already agree
// on unless other actually supplies one.
func (i *Item) Merge(other Item) {
	if i.Contracts == nil {
		i.Contracts = make(map[string]*contract.Contract)
	}
	if i.Trees == nil {
		i.Trees = make(map[string]merkle.PublicRecord)
	}
	if i.Challenges == nil {
		i.Challenges = make(map[string][]merkle.Challenge)
	}
	if i.Meta == nil {
		i.Meta = make(map[string]map[string]interface{})
	}
	for farmerID, c := range other.Contracts {
		i.Contracts[farmerID] = c
	}
	for farmerID, leaves := range other.Trees {
		i.Trees[farmerID] = leaves
	}
	for farmerID, challenges := range other.Challenges {
		i.Challenges[farmerID] = challenges
	}
	for farmerID, m := range other.Meta {
		dst := i.Meta[farmerID]
		if dst == nil {
			dst = make(map[string]interface{})
			i.Meta[farmerID] = dst
		}
		for k, v := range m {
			dst[k] = v
		}
	}
}

// Adapter is the abstract key -> (item, shard bytes) store. Keys are the
// 40-hex RIPEMD160 digest of a shard's contents. Implementations must
// serialise concurrent Put calls to the same key; concurrent Get calls are
// always permitted.
type Adapter interface {
	// Get returns the item for key along with a readable stream of its
	// shard bytes. Callers must Close the stream. Returns ErrNotFound if
	// no shard bytes have been written for key yet, even if metadata
	// exists (use Peek to read metadata-only).
	Get(key string) (Item, io.ReadCloser, error)

	// Peek returns the item for key without attaching a shard stream.
	// Returns ErrNotFound if no item (metadata or bytes) exists.
	Peek(key string) (Item, error)

	// OpenWriter returns a sink for key's shard bytes. The adapter does
	// not consider the shard present until the writer is closed
	// successfully; callers are responsible for hash verification before
	// or as part of closing it.
	OpenWriter(key string) (io.WriteCloser, error)

	// Put merges item into whatever record (if any) is stored at key,
	// per the semantic-superset merge rule: existing per-farmer entries
	// are never dropped, only added to or refined.
	Put(key string, item Item) error

	// Del removes key's shard bytes. Metadata retention is left to the
	// implementation's policy.
	Del(key string) error

	// Keys returns every key currently known to the adapter, filtered to
	// the 40-hex pattern.
	Keys() ([]string, error)

	// Size returns the adapter's total shard-bytes usage.
	Size() (int64, error)
}
