package kv

import (
	"testing"

	"github.com/kvshard/kvshard/internal/hashindex"
	"github.com/kvshard/kvshard/internal/pagemem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(limitBytes uint64) (*Allocator, *hashindex.Index, *LRU) {
	acct := pagemem.NewAccountant(limitBytes)
	idx := hashindex.New()
	lru := NewLRU()
	return NewAllocator(acct, idx, lru), idx, lru
}

func TestAllocInlineRoundTrip(t *testing.T) {
	a, idx, lru := newTestAllocator(64 * pagemem.PageSize)

	r, err := a.Alloc([]byte("hello"), 5)
	require.NoError(t, err)
	require.Equal(t, LayoutInline, r.Layout())
	r.SetValue([]byte("world"))
	r.Enable(idx, lru)

	got := idx.Get(lengthPrefixed("hello"))
	require.NotNil(t, got)
	assert.Equal(t, "world", string(got.(*Record).Value()))
}

// lengthPrefixed builds the length-prefixed probe hashindex.Get expects,
// mirroring what a real lookup path constructs from a wire key.
func lengthPrefixed(key string) []byte {
	buf := make([]byte, 1+len(key))
	buf[0] = byte(len(key))
	copy(buf[1:], key)
	return buf
}

func TestAllocConcatAndPagesLayouts(t *testing.T) {
	a, _, _ := newTestAllocator(256 * pagemem.PageSize)

	// A value just over one page forces Concat (head pages + slab tail).
	bigVal := make([]byte, pagemem.PageSize+100)
	for i := range bigVal {
		bigVal[i] = byte(i)
	}
	r, err := a.Alloc([]byte("k"), uint64(len(bigVal)))
	require.NoError(t, err)
	require.Equal(t, LayoutConcat, r.Layout())
	r.SetValue(bigVal)
	assert.Equal(t, bigVal, r.Value())

	// A value whose overflow remainder (plus the 8-byte back-pointer) can't
	// fit any size class forces direct Pages instead of Concat.
	hugeVal := make([]byte, 5*pagemem.PageSize-8-2)
	r2, err := a.Alloc([]byte("k2"), uint64(len(hugeVal)))
	require.NoError(t, err)
	require.Equal(t, LayoutPages, r2.Layout())
}

func TestReclaimEvictsLRUTailUnderPressure(t *testing.T) {
	// A tight budget: enough for a handful of inline records, not enough to
	// keep allocating forever without reclaiming.
	a, idx, lru := newTestAllocator(2 * pagemem.PageSize)

	var evicted int
	a.OnEvict = func(r *Record) { evicted++ }

	var warmed bool
	a.OnWarmedUp = func() { warmed = true }

	var last *Record
	for i := 0; i < 2000; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		r, err := a.Alloc(key, 8)
		require.NoError(t, err)
		r.SetValue([]byte("12345678"))
		r.Enable(idx, lru)
		last = r
	}

	assert.Greater(t, evicted, 0, "expected reclamation to have evicted at least one record")
	assert.True(t, warmed, "first eviction should signal warmed-up")
	assert.NotNil(t, last)
}

func TestReclaimRefusesBorrowedTail(t *testing.T) {
	a, idx, lru := newTestAllocator(1 * pagemem.PageSize)

	r, err := a.Alloc([]byte("only"), 4)
	require.NoError(t, err)
	r.SetValue([]byte("data"))
	r.Enable(idx, lru)

	b := r.Borrow("some-connection")
	defer b.Release()

	assert.False(t, a.ReclaimOne(), "a borrowed tail must not be reclaimed")
}
