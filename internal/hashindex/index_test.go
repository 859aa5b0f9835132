package hashindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	key  []byte
	node Node
}

func (f *fakeEntry) HashKey() []byte { return f.key }

func newFakeEntry(key string) *fakeEntry {
	raw := make([]byte, 1+len(key))
	raw[0] = byte(len(key))
	copy(raw[1:], key)
	return &fakeEntry{key: raw}
}

func TestInsertGetRemove(t *testing.T) {
	idx := New()
	e := newFakeEntry("foo")
	idx.Insert(&e.node, e)

	got := idx.Get(e.key)
	require.NotNil(t, got)
	assert.Same(t, e, got)

	idx.Remove(&e.node)
	assert.Nil(t, idx.Get(e.key))
}

func TestGrowShrinkPreservesLookups(t *testing.T) {
	idx := New()
	entries := make([]*fakeEntry, 0, 6000)
	for i := 0; i < 6000; i++ {
		e := newFakeEntry(fmt.Sprintf("key-%d", i))
		idx.Insert(&e.node, e)
		entries = append(entries, e)

		// Drive the incremental migration the same way production traffic
		// would: further mutations advance it, never a blocking rehash.
		for idx.Migrating() {
			probe := newFakeEntry(fmt.Sprintf("probe-%d-%d", i, idx.migrated))
			idx.Insert(&probe.node, probe)
			idx.Remove(&probe.node)
		}
	}

	require.Greater(t, idx.Buckets(), uint64(MinBuckets))
	for _, e := range entries {
		got := idx.Get(e.key)
		require.NotNil(t, got, "lost key during grow")
		assert.Same(t, e, got)
	}

	// Remove most entries to force a shrink back down.
	for _, e := range entries[:5500] {
		idx.Remove(&e.node)
		for idx.Migrating() {
			probe := newFakeEntry(fmt.Sprintf("drain-%p", e))
			idx.Insert(&probe.node, probe)
			idx.Remove(&probe.node)
		}
	}

	for _, e := range entries[5500:] {
		got := idx.Get(e.key)
		require.NotNil(t, got, "lost surviving key during shrink")
		assert.Same(t, e, got)
	}
}

func TestDensityInvariant(t *testing.T) {
	idx := New()
	for i := 0; i < 2000; i++ {
		e := newFakeEntry(fmt.Sprintf("k%d", i))
		idx.Insert(&e.node, e)
	}
	if idx.Migrating() {
		// A migration in flight is itself one of the invariant's escape
		// clauses (spec.md §8): density need not hold mid-rehash.
		return
	}
	density := float64(idx.Len()) / float64(idx.Buckets())
	assert.GreaterOrEqual(t, density, 2.0/8.0)
	assert.LessOrEqual(t, density, 8.0)
}

func TestMinBucketsFloor(t *testing.T) {
	idx := New()
	e := newFakeEntry("only")
	idx.Insert(&e.node, e)
	idx.Remove(&e.node)
	for idx.Migrating() {
		idx.migrateAdvance()
	}
	assert.EqualValues(t, MinBuckets, idx.Buckets())
}
