package slab

import (
	"testing"

	"github.com/kvshard/kvshard/internal/pagemem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	tag  Tag
	data []byte
}

func (o *fakeOwner) Relocate(newTag Tag, data []byte) {
	o.tag = newTag
	o.data = data
}

func TestSlabBumpAndFreeCompacts(t *testing.T) {
	acct := pagemem.NewAccountant(16 * pagemem.PageSize)
	s, err := New(acct, 64, 0)
	require.NoError(t, err)

	owners := make([]*fakeOwner, 4)
	for i := range owners {
		owners[i] = &fakeOwner{}
		tag := s.Malloc(owners[i])
		owners[i].tag = tag
		copy(tag.Bytes(), []byte{byte(i), byte(i), byte(i)})
	}
	require.EqualValues(t, 4, s.bump)

	// Free slot 1 (not the tail): the tail object (owners[3]) must migrate
	// into slot 1 and its owner must observe the relocation.
	s.Free(owners[1].tag.Slot)
	assert.EqualValues(t, 3, s.bump)
	assert.EqualValues(t, 1, owners[3].tag.Slot)
	assert.Equal(t, byte(3), owners[3].data[0])

	// Free the new tail (slot 2, originally owners[2]): it is already the
	// tail, so no migration callback fires.
	owners[2].data = nil
	s.Free(owners[2].tag.Slot)
	assert.EqualValues(t, 2, s.bump)
	assert.Nil(t, owners[2].data)
}

func TestSlabFreeRejectsBeyondBump(t *testing.T) {
	acct := pagemem.NewAccountant(16 * pagemem.PageSize)
	s, err := New(acct, 64, 0)
	require.NoError(t, err)

	assert.Panics(t, func() {
		s.Free(0)
	})
}

func TestCalculateOrderPrefersTightestWaste(t *testing.T) {
	// 16-byte objects divide PageSize exactly: order 0 should always win.
	assert.Equal(t, 0, CalculateOrder(16))
}

func TestPoolReclaimsEmptiedSlab(t *testing.T) {
	acct := pagemem.NewAccountant(64 * pagemem.PageSize)
	p := NewPool(acct, 64)

	objsPerSlab := p.objsPerSlab
	owners := make([]*fakeOwner, 0, 3*objsPerSlab)

	// Fill three slabs completely.
	for i := uint32(0); i < 3*objsPerSlab; i++ {
		o := &fakeOwner{}
		tag, err := p.Malloc(o)
		require.NoError(t, err)
		o.tag = tag
		owners = append(owners, o)
	}
	require.Len(t, p.slabs, 3)

	// Free the first two slabs' worth of objects entirely. The pool's total
	// free-object count only crosses the 2x-objsPerSlab reclaim threshold
	// once both are fully drained, at which point one (now-empty) slab is
	// unmapped and removed from the pool.
	for _, o := range owners[:2*objsPerSlab] {
		p.Free(o.tag)
	}

	assert.Len(t, p.slabs, 2)
}
