// Package hashindex implements the per-shard hash index of spec.md §4.7:
// bucketed chaining with power-of-two sizing and incremental old→new
// migration interleaved with normal traffic, never blocking a mutation on a
// full rehash.
package hashindex

import (
	"bytes"

	"github.com/spaolacci/murmur3"
)

// MinBuckets is the smallest bucket-array size the index ever shrinks to:
// one page of 8-byte bucket headers (spec.md §4.7, PAGE_TO_MASK(1)).
const MinBuckets = 512

// migrateBurst bounds how many already-evacuated buckets one mutation will
// skip over while advancing the migration cursor (spec.md §4.7).
const migrateBurst = 1024

// Index is a shard-local, single-threaded hash table. There is no locking:
// spec.md §5 confines all mutation to one goroutine.
type Index struct {
	n       uint64
	mask    uint64
	buckets []Node

	oldBuckets []Node
	oldMask    uint64
	migrated   uint64
}

// New creates an index at MinBuckets capacity.
func New() *Index {
	idx := &Index{mask: MinBuckets - 1}
	idx.buckets = newSentinels(MinBuckets)
	return idx
}

func newSentinels(n uint64) []Node {
	s := make([]Node, n)
	for i := range s {
		s[i].initSentinel()
	}
	return s
}

// Len returns the number of entries currently indexed.
func (idx *Index) Len() uint64 { return idx.n }

// Buckets returns the current (new) bucket-array size.
func (idx *Index) Buckets() uint64 { return idx.mask + 1 }

// Migrating reports whether an incremental rehash is in progress.
func (idx *Index) Migrating() bool { return idx.oldBuckets != nil }

// keyHash computes the 128-bit MurmurHash3 of a length-prefixed key and
// takes the high 64 bits to index buckets, per spec.md §3.
func keyHash(key []byte) uint64 {
	_, h2 := murmur3.Sum128WithSeed(key, 47)
	return h2
}

func keyEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// bucketFor returns the bucket an entry with this hash currently resides
// in: if migration is active and the corresponding old bucket has not yet
// been evacuated, that is authoritative; otherwise the new array is.
func (idx *Index) bucketFor(hkey uint64) *Node {
	if idx.Migrating() {
		old := &idx.oldBuckets[hkey&idx.oldMask]
		if !old.empty() {
			return old
		}
	}
	return &idx.buckets[hkey&idx.mask]
}

// Get looks up key, returning its Entry or nil.
func (idx *Index) Get(key []byte) Entry {
	hkey := keyHash(key)
	bucket := idx.bucketFor(hkey)
	for n := bucket.next; n != bucket; n = n.next {
		if keyEqual(n.Owner.HashKey(), key) {
			return n.Owner
		}
	}
	return nil
}

// Insert adds entry (via its embedded Node) under hkey's bucket. Callers
// must not have already inserted the same node, and must not insert a
// duplicate key. Insert returns nothing; when a grow is due it calls Grow
// itself (spec.md §4.7).
func (idx *Index) Insert(node *Node, entry Entry) {
	node.Init(entry)
	idx.n++

	hkey := keyHash(entry.HashKey())
	if idx.Migrating() {
		idx.migrate(hkey & idx.oldMask)
	}

	bucket := &idx.buckets[hkey&idx.mask]
	bucket.insert(node)

	if idx.shouldGrow() {
		idx.Grow()
	}
}

// Remove deletes node from the index. Callers must pass a node that is
// currently Linked().
func (idx *Index) Remove(node *Node) {
	idx.n--
	node.Remove()
	idx.migrateAdvance()

	if idx.shouldShrink() {
		idx.Shrink()
	}
}

func (idx *Index) shouldGrow() bool {
	return !idx.Migrating() && idx.n > 8*idx.Buckets()
}

func (idx *Index) shouldShrink() bool {
	return !idx.Migrating() && idx.Buckets() > MinBuckets && idx.n < 2*idx.Buckets()
}

// Grow doubles the bucket-array size and begins an incremental migration.
// A no-op if growth is not currently due.
func (idx *Index) Grow() {
	if !idx.shouldGrow() {
		return
	}
	idx.resize(idx.Buckets() * 2)
}

// Shrink halves the bucket-array size and begins an incremental migration.
// A no-op if shrink is not currently due.
func (idx *Index) Shrink() {
	if !idx.shouldShrink() {
		return
	}
	idx.resize(idx.Buckets() / 2)
}

func (idx *Index) resize(newBuckets uint64) {
	idx.oldBuckets = idx.buckets
	idx.oldMask = idx.mask
	idx.migrated = 0
	idx.mask = newBuckets - 1
	idx.buckets = newSentinels(newBuckets)
}

// evacuate moves every entry out of the i'th old bucket into the new
// array, then advances the migration cursor past any buckets already
// evacuated, up to migrateBurst buckets in one call.
func (idx *Index) evacuate(i uint64) {
	old := &idx.oldBuckets[i]
	if !old.empty() {
		for n := old.next; n != old; {
			next := n.next
			hkey := keyHash(n.Owner.HashKey())
			idx.buckets[hkey&idx.mask].insert(n)
			n = next
		}
		old.initSentinel()
	}

	if i == idx.migrated {
		idx.migrated++
		max := idx.migrated + migrateBurst
		if max > idx.oldMask+1 {
			max = idx.oldMask + 1
		}
		for idx.migrated < max && idx.oldBuckets[idx.migrated].empty() {
			idx.migrated++
		}
		if idx.migrated > idx.oldMask {
			idx.oldBuckets = nil
		}
	}
}

func (idx *Index) migrateAdvance() {
	if idx.Migrating() {
		idx.evacuate(idx.migrated)
	}
}

func (idx *Index) migrate(i uint64) {
	idx.evacuate(i)
	idx.migrateAdvance()
}
