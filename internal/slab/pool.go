package slab

import (
	"fmt"

	"github.com/kvshard/kvshard/internal/pagemem"
)

// Pool groups same-size-class slabs (spec.md §4.3, "KV-cache pool"). It owns
// slab creation/order selection and the reclaim-a-slab-back-to-the-OS policy:
// once free slots across the pool reach 2×objectsPerSlab, one slab is
// drained (its live objects migrated into other slabs' free space) and
// unmapped.
type Pool struct {
	acct        *pagemem.Accountant
	objSize     uint32
	order       int
	objsPerSlab uint32

	slabs       []*Slab // all slabs owned by this pool
	partial     []*Slab // slabs with bump < capacity, candidates for Malloc
	freeObjects uint32  // sum of (capacity - bump) across all slabs
}

// NewPool creates a pool for objects of at least minObjSize bytes, choosing
// the slab order per spec.md §4.2's waste-fraction search.
func NewPool(acct *pagemem.Accountant, minObjSize uint32) *Pool {
	order := CalculateOrder(minObjSize)
	objsPerSlab := uint32((uint64(pagemem.PageSize) << order) / uint64(minObjSize))
	return &Pool{
		acct:        acct,
		objSize:     minObjSize,
		order:       order,
		objsPerSlab: objsPerSlab,
	}
}

// ObjSize returns the object size this pool allocates.
func (p *Pool) ObjSize() uint32 { return p.objSize }

func (p *Pool) addSlab() (*Slab, error) {
	s, err := New(p.acct, p.objSize, p.order)
	if err != nil {
		return nil, fmt.Errorf("slab pool: add slab: %w", err)
	}
	p.slabs = append(p.slabs, s)
	p.partial = append(p.partial, s)
	p.freeObjects += s.Capacity()
	return s, nil
}

// Malloc allocates one object for owner, growing the pool by one slab if
// every existing slab is full.
func (p *Pool) Malloc(owner Relocatable) (Tag, error) {
	if len(p.partial) == 0 {
		if _, err := p.addSlab(); err != nil {
			return Tag{}, err
		}
	}
	s := p.partial[len(p.partial)-1]
	tag := s.Malloc(owner)
	p.freeObjects--
	if s.Full() {
		p.partial = p.partial[:len(p.partial)-1]
	}
	return tag, nil
}

// Free returns tag's object to its slab. If the owning slab was full it
// rejoins the partial list. Once the pool's total free-object count reaches
// 2×objsPerSlab, one slab is drained and unmapped.
func (p *Pool) Free(tag Tag) {
	s := tag.Slab
	wasFull := s.Full()
	s.Free(tag.Slot)
	p.freeObjects++
	if wasFull && !s.Empty() {
		p.partial = append(p.partial, s)
	}

	if p.freeObjects >= 2*p.objsPerSlab {
		p.reclaimOneSlab()
	}
}

// reclaimOneSlab drains the emptiest eligible slab into free space on other
// slabs, then unmaps it, per spec.md §4.3.
func (p *Pool) reclaimOneSlab() {
	victim := p.pickDrainCandidate()
	if victim == nil {
		return
	}

	// Migrate every live object on victim into free slots on other slabs,
	// skipping slots on victim itself. Each iteration frees one victim slot
	// and consumes one slot elsewhere, a net-zero change to freeObjects;
	// victim's full capacity is subtracted once below, after it is unmapped.
	for victim.bump > 0 {
		slot := victim.bump - 1
		owner := victim.owners[slot]
		dest := p.mallocExcluding(owner, victim)
		copy(dest.Bytes(), victim.objectBytes(slot))
		owner.Relocate(dest, dest.Bytes())
		victim.owners[slot] = nil
		victim.bump--
	}

	p.removeSlab(victim)
	if err := p.acct.Free(victim.mem, victim.Pages()); err != nil {
		panic(fmt.Sprintf("slab pool: reclaim: %v", err))
	}
	p.freeObjects -= victim.Capacity()
}

// mallocExcluding allocates one slot on any slab other than excl, growing
// the pool if necessary. Does not touch p.freeObjects: the net effect of a
// drain-migration on the pool's free count is zero per object, accounted
// for by the caller.
func (p *Pool) mallocExcluding(owner Relocatable, excl *Slab) Tag {
	for _, s := range p.partial {
		if s != excl && !s.Full() {
			t := s.Malloc(owner)
			if s.Full() {
				p.removeFromPartial(s)
			}
			return t
		}
	}
	s, err := New(p.acct, p.objSize, p.order)
	if err != nil {
		panic(fmt.Sprintf("slab pool: drain needs a fresh slab and allocation failed: %v", err))
	}
	p.slabs = append(p.slabs, s)
	t := s.Malloc(owner)
	if !s.Full() {
		p.partial = append(p.partial, s)
	}
	return t
}

func (p *Pool) removeFromPartial(s *Slab) {
	for i, x := range p.partial {
		if x == s {
			p.partial = append(p.partial[:i], p.partial[i+1:]...)
			return
		}
	}
}

func (p *Pool) removeSlab(s *Slab) {
	p.removeFromPartial(s)
	for i, x := range p.slabs {
		if x == s {
			p.slabs = append(p.slabs[:i], p.slabs[i+1:]...)
			return
		}
	}
}

// pickDrainCandidate finds the slab with the fewest live objects that is
// not the only slab backing the pool.
func (p *Pool) pickDrainCandidate() *Slab {
	if len(p.slabs) < 2 {
		return nil
	}
	var best *Slab
	for _, s := range p.slabs {
		if best == nil || s.bump < best.bump {
			best = s
		}
	}
	return best
}
