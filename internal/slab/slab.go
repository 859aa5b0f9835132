// Package slab implements the bump-allocated, tail-compacting slab blocks
// of spec.md §4.2: a contiguous block of pages divided into objects of one
// size, allocated by bumping an offset and freed by migrating the current
// tail object into the freed hole so the slab never fragments.
package slab

import (
	"fmt"

	"github.com/kvshard/kvshard/internal/pagemem"
)

// MaxOrder bounds a slab block to 8 pages (order ∈ {0,1,2,3}), per spec.md §3.
const MaxOrder = 3

// Relocatable is implemented by whatever owns an object living in a slab
// slot. When Slab.Free moves the slab's tail object into a freed hole, it
// calls Relocate on that object's owner so the owner can update its own
// reference to the object's storage — the Go translation of spec.md §9's
// "visitor over every embedded pointer", collapsed to the one pointer that
// actually needs fixing up once list/hash nodes are ordinary stable Go
// pointers rather than offsets into relocatable memory (see DESIGN.md).
type Relocatable interface {
	// Relocate is called after `data` (length objSize) has been copied into
	// the object's new slot; newTag is the object's tag at its new home.
	Relocate(newTag Tag, data []byte)
}

// Tag identifies one live object inside a Slab: spec.md's "Slab-Obj Tag".
// The packed-pointer-plus-3-bit-offset representation of the original is a
// space optimization that Go's slice-based slab memory does not need (see
// spec.md §9); the struct form it explicitly permits is used instead.
type Tag struct {
	Slab *Slab
	Slot uint32
}

// Valid reports whether the tag refers to a live object.
func (t Tag) Valid() bool { return t.Slab != nil }

// Bytes returns the object's storage. Valid until the next Free on this slab.
func (t Tag) Bytes() []byte {
	return t.Slab.objectBytes(t.Slot)
}

// Slab is a contiguous block of `capacity` equal-size objects plus an
// owners side-table used to drive tail-migration on Free.
type Slab struct {
	mem      []byte
	objSize  uint32
	capacity uint32
	order    int
	bump     uint32 // number of live, densely-packed objects == next free slot
	owners   []Relocatable
}

// New allocates a fresh slab of `2^order` pages holding objects of objSize
// bytes, from accountant `a`.
func New(a *pagemem.Accountant, objSize uint32, order int) (*Slab, error) {
	if order < 0 || order > MaxOrder {
		return nil, fmt.Errorf("slab: order %d out of range [0,%d]", order, MaxOrder)
	}
	pages := uint64(1) << order
	mem, err := a.Malloc(pages)
	if err != nil {
		return nil, err
	}
	capacity := uint32(len(mem)) / objSize
	return &Slab{
		mem:      mem,
		objSize:  objSize,
		capacity: capacity,
		order:    order,
		owners:   make([]Relocatable, capacity),
	}, nil
}

// Pages returns the number of pages this slab occupies.
func (s *Slab) Pages() uint64 { return uint64(1) << s.order }

// Capacity returns the number of objects the slab can hold.
func (s *Slab) Capacity() uint32 { return s.capacity }

// Full reports whether the slab has no free slots.
func (s *Slab) Full() bool { return s.bump == s.capacity }

// Empty reports whether the slab holds no live objects.
func (s *Slab) Empty() bool { return s.bump == 0 }

func (s *Slab) objectBytes(slot uint32) []byte {
	off := uint64(slot) * uint64(s.objSize)
	return s.mem[off : off+uint64(s.objSize)]
}

// Malloc returns the next bump slot for owner, zeroing its storage.
// Caller must have already checked !Full().
func (s *Slab) Malloc(owner Relocatable) Tag {
	if s.Full() {
		panic("slab: malloc on full slab")
	}
	slot := s.bump
	s.bump++
	b := s.objectBytes(slot)
	for i := range b {
		b[i] = 0
	}
	s.owners[slot] = owner
	return Tag{Slab: s, Slot: slot}
}

// Free releases the object at slot, compacting the slab by migrating its
// current tail object (at bump-1) into the freed slot, unless the freed
// slot was already the tail. Mirrors spec.md §4.2's free(tag, obj_size,
// migrate_fn).
func (s *Slab) Free(slot uint32) {
	if slot >= s.bump {
		panic("slab: free of slot beyond bump offset")
	}
	s.bump--
	tailSlot := s.bump
	if slot == tailSlot {
		s.owners[slot] = nil
		return
	}

	tailOwner := s.owners[tailSlot]
	tailBytes := s.objectBytes(tailSlot)
	destBytes := s.objectBytes(slot)
	copy(destBytes, tailBytes)

	s.owners[slot] = tailOwner
	s.owners[tailSlot] = nil
	newTag := Tag{Slab: s, Slot: slot}
	tailOwner.Relocate(newTag, destBytes)
}

// CalculateOrder picks the smallest (fraction, order) pair from spec.md
// §4.2's waste-fraction search: iterate fractions 1/16, 1/8, 1/4, 1/2, …
// and orders 0..MaxOrder, accepting the first pair whose wasted bytes
// (slabSize mod objSize) fall below slabSize/fraction.
func CalculateOrder(objSize uint32) int {
	for denom := 16; denom >= 1; denom /= 2 {
		for order := 0; order <= MaxOrder; order++ {
			slabSize := uint64(pagemem.PageSize) << order
			waste := slabSize % uint64(objSize)
			if waste < slabSize/uint64(denom) {
				return order
			}
		}
	}
	return MaxOrder
}
