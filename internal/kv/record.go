package kv

import (
	"github.com/kvshard/kvshard/internal/hashindex"
	"github.com/kvshard/kvshard/internal/slab"
)

// Layout is the tagged union spec.md §9 asks us to make explicit, replacing
// the original's implicit "is concat" probe against a self-referential soo
// tag with a plain enum.
type Layout uint8

const (
	// LayoutInline: header + padded key + value all fit in one slab object.
	LayoutInline Layout = iota
	// LayoutConcat: a page-aligned head plus a slab-resident overflow tail.
	LayoutConcat
	// LayoutPages: a direct, page-aligned allocation with no slab object.
	LayoutPages
)

// Record is a KV record (spec.md §3). Its key+value bytes live in one of
// three places depending on Layout: a single slab object (Inline), a
// page-aligned head plus a slab-resident tail (Concat), or a direct
// page-aligned allocation (Pages).
type Record struct {
	layout  Layout
	tag     slab.Tag // slab object: the whole record (Inline) or its tail (Concat)
	poolIdx int      // size class tag belongs to, valid when tag.Valid()
	head    []byte   // page memory: the whole record (Pages) or its head (Concat)
	pages   uint64   // pages backing head

	hashNode  hashindex.Node
	lru       lruNode
	borrowers borrowerNode

	valSize uint64
	keyLen  uint8
}

func newRecord(layout Layout) *Record {
	r := &Record{layout: layout}
	r.borrowers.initSentinel()
	return r
}

// Layout reports which of the three storage shapes this record uses.
func (r *Record) Layout() Layout { return r.layout }

// Relocate implements slab.Relocatable. Because Go's GC never moves live
// objects, the only state a slab-tail relocation invalidates is the tag
// itself — unlike spec.md §4.2's migrate_fn, there is no soo/hash-node/
// LRU/borrower back-pointer to rewrite, since those are all ordinary Go
// pointers to this same *Record, which does not move (see DESIGN.md).
func (r *Record) Relocate(newTag slab.Tag, data []byte) {
	r.tag = newTag
}

func (r *Record) headBytes() []byte {
	switch r.layout {
	case LayoutInline:
		return r.tag.Bytes()
	default: // LayoutConcat, LayoutPages
		return r.head
	}
}

// HashKey implements hashindex.Entry: the length-prefixed key, unpadded
// (see internal/hashindex.Entry's doc for why no 8-byte padding is needed
// in Go).
func (r *Record) HashKey() []byte {
	b := r.headBytes()
	n := int(b[0])
	return b[0 : 1+n]
}

// Key returns the record's key content, without the length prefix.
func (r *Record) Key() []byte {
	b := r.headBytes()
	n := int(b[0])
	return b[1 : 1+n]
}

// ValSize returns the value length in bytes.
func (r *Record) ValSize() uint64 { return r.valSize }

func (r *Record) setKey(key []byte) {
	b := r.headBytes()
	b[0] = byte(len(key))
	copy(b[1:], key)
	r.keyLen = uint8(len(key))
}

// valueHeadPart returns the portion of the value living in the head, valid
// for all three layouts (for Inline and Pages it is the entire value).
func (r *Record) valueHeadPart() []byte {
	b := r.headBytes()
	ks := paddedKeySize(int(b[0]))
	return b[ks:]
}

// Value returns the record's value bytes. For LayoutConcat this copies the
// head and tail fragments into one contiguous buffer; hot paths that only
// need to stream the value to a socket should use WriteValue instead.
func (r *Record) Value() []byte {
	if r.layout != LayoutConcat {
		v := r.valueHeadPart()
		return v[:r.valSize]
	}
	out := make([]byte, r.valSize)
	n := copy(out, r.valueHeadPart())
	copy(out[n:], r.tag.Bytes())
	return out
}

// SetValue copies value into the record's storage, splitting across the
// head/tail boundary transparently for LayoutConcat.
func (r *Record) SetValue(value []byte) {
	if r.layout != LayoutConcat {
		copy(r.valueHeadPart(), value)
		r.valSize = uint64(len(value))
		return
	}
	head := r.valueHeadPart()
	n := copy(head, value)
	copy(r.tag.Bytes(), value[n:])
	r.valSize = uint64(len(value))
}

// Enable makes the record visible: inserted into the hash index and the
// LRU's most-recently-used position (spec.md §3 invariant: an enabled
// record is on exactly one hash bucket chain and exactly one LRU position).
func (r *Record) Enable(idx *hashindex.Index, lru *LRU) {
	idx.Insert(&r.hashNode, r)
	lru.Enable(r)
}

// Disable removes the record from the hash index and LRU. The record
// remains alive (but unreachable by new lookups) until its last borrower
// releases, per spec.md §3.
func (r *Record) Disable(idx *hashindex.Index, lru *LRU) {
	idx.Remove(&r.hashNode)
	lru.Disable(r)
}
