package kv

import (
	"fmt"

	"github.com/kvshard/kvshard/internal/hashindex"
	"github.com/kvshard/kvshard/internal/pagemem"
	"github.com/kvshard/kvshard/internal/slab"
)

// Allocator owns one shard's size-class pools, direct page allocation for
// oversized records, and the LRU reclamation that backs both (spec.md
// §4.3, §4.5, §4.6). One Allocator per shard; no locking.
type Allocator struct {
	acct  *pagemem.Accountant
	index *hashindex.Index
	lru   *LRU
	pools []*slab.Pool

	warmedUp   bool
	OnWarmedUp func() // called once, the first time reclamation succeeds
	OnEvict    func(r *Record)
}

// NewAllocator creates an Allocator backed by acct, indexing enabled records
// into idx and lru.
func NewAllocator(acct *pagemem.Accountant, idx *hashindex.Index, lru *LRU) *Allocator {
	pools := make([]*slab.Pool, NumClasses())
	for i := range pools {
		pools[i] = slab.NewPool(acct, ClassSize(i))
	}
	return &Allocator{acct: acct, index: idx, lru: lru, pools: pools}
}

// Alloc reserves storage for a record with the given key and value length,
// reclaiming from the LRU on any shortfall, and writes the key in (spec.md
// §4.5). The caller must still call SetValue and Enable.
func (a *Allocator) Alloc(key []byte, valLen uint64) (*Record, error) {
	if len(key) > KeySizeMax {
		return nil, fmt.Errorf("kv: invalid key length %d", len(key))
	}
	total := uint64(paddedKeySize(len(key))) + valLen

	r, err := a.tryAlloc(total)
	for err != nil {
		if !a.ReclaimOne() {
			if !a.reclaimAggressive(total) {
				return nil, fmt.Errorf("kv: out of memory allocating %d bytes: %w", total, err)
			}
		}
		r, err = a.tryAlloc(total)
	}
	r.setKey(key)
	return r, nil
}

func (a *Allocator) tryAlloc(total uint64) (*Record, error) {
	if total <= uint64(KvCacheObjSizeMax) {
		return a.allocInline(uint32(total))
	}
	overflow := total % pagemem.PageSize
	if overflow+8 <= uint64(KvCacheObjSizeMax) {
		return a.allocConcat(total)
	}
	return a.allocPages(total)
}

func (a *Allocator) allocInline(size uint32) (*Record, error) {
	idx, _, ok := ClassFor(size)
	if !ok {
		return nil, fmt.Errorf("kv: size %d exceeds inline class max", size)
	}
	r := newRecord(LayoutInline)
	tag, err := a.pools[idx].Malloc(r)
	if err != nil {
		return nil, err
	}
	r.tag = tag
	r.poolIdx = idx
	return r, nil
}

func (a *Allocator) allocConcat(total uint64) (*Record, error) {
	headPages := total / pagemem.PageSize
	overflow := total % pagemem.PageSize
	tailSize := overflow + 8

	idx, _, ok := ClassFor(uint32(tailSize))
	if !ok {
		return nil, fmt.Errorf("kv: concat tail size %d exceeds class max", tailSize)
	}
	head, err := a.acct.Malloc(headPages)
	if err != nil {
		return nil, err
	}
	r := newRecord(LayoutConcat)
	r.head = head
	r.pages = headPages
	tag, err := a.pools[idx].Malloc(r)
	if err != nil {
		_ = a.acct.Free(head, headPages)
		return nil, err
	}
	r.tag = tag
	r.poolIdx = idx
	return r, nil
}

func (a *Allocator) allocPages(total uint64) (*Record, error) {
	pages := pagemem.PagesFor(total)
	mem, err := a.acct.Malloc(pages)
	if err != nil {
		return nil, err
	}
	r := newRecord(LayoutPages)
	r.head = mem
	r.pages = pages
	return r, nil
}

// Free returns a disabled, borrower-free record's storage to the pool/
// accountant it came from.
func (a *Allocator) Free(r *Record) {
	switch r.layout {
	case LayoutInline:
		a.pools[r.poolIdx].Free(r.tag)
	case LayoutConcat:
		a.pools[r.poolIdx].Free(r.tag)
		if err := a.acct.Free(r.head, r.pages); err != nil {
			panic(fmt.Sprintf("kv: free concat head: %v", err))
		}
	case LayoutPages:
		if err := a.acct.Free(r.head, r.pages); err != nil {
			panic(fmt.Sprintf("kv: free pages record: %v", err))
		}
	}
}

// ReclaimOne evicts the LRU's tail record if it has no borrowers (spec.md
// §4.6). Returns false if the LRU is empty or its tail is still borrowed,
// in which case the caller must stop reclaiming rather than skip ahead:
// spec.md only ever pops from the tail.
func (a *Allocator) ReclaimOne() bool {
	victim := a.lru.Tail()
	if victim == nil || victim.HasBorrowers() {
		return false
	}
	victim.Disable(a.index, a.lru)
	a.Free(victim)

	if !a.warmedUp {
		a.warmedUp = true
		if a.OnWarmedUp != nil {
			a.OnWarmedUp()
		}
	}
	if a.OnEvict != nil {
		a.OnEvict(victim)
	}
	return true
}

// reclaimAggressive keeps evicting LRU tails past the normal one-at-a-time
// cadence until enough pages are free to satisfy wantBytes, or the LRU runs
// out of evictable records (spec.md §4.6's "aggressive" over-reclaim mode
// for one large request).
func (a *Allocator) reclaimAggressive(wantBytes uint64) bool {
	want := pagemem.PagesFor(wantBytes)
	for a.acct.FreePages() < want {
		if !a.ReclaimOne() {
			return false
		}
	}
	return true
}
