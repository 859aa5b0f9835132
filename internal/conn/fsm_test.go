package conn

import (
	"testing"

	"github.com/kvshard/kvshard/internal/hashindex"
	"github.com/kvshard/kvshard/internal/kv"
	"github.com/kvshard/kvshard/internal/pagemem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testShard struct {
	idx   *hashindex.Index
	alloc *kv.Allocator
	lru   *kv.LRU
	clock *Clock
}

func newTestShard(limitBytes uint64) *testShard {
	idx := hashindex.New()
	lru := kv.NewLRU()
	acct := pagemem.NewAccountant(limitBytes)
	return &testShard{
		idx:   idx,
		alloc: kv.NewAllocator(acct, idx, lru),
		lru:   lru,
		clock: NewClock(),
	}
}

func (s *testShard) Index() *hashindex.Index { return s.idx }
func (s *testShard) Alloc() *kv.Allocator    { return s.alloc }
func (s *testShard) LRU() *kv.LRU            { return s.lru }
func (s *testShard) Clock() *Clock           { return s.clock }

// TestScenarioMissSetHit reproduces spec.md §8 scenario 1: MISS, then SET,
// then a hit returning the same bytes.
func TestScenarioMissSetHit(t *testing.T) {
	sh := newTestShard(64 * pagemem.PageSize)
	a := New()
	a.Reset(1)

	require.NoError(t, a.HandleCommand(sh, 0x00, []byte("foo")))
	assert.Equal(t, StateGetOutMiss, a.State())

	a.OnReplyComplete()
	assert.Equal(t, StateSetInValueSize, a.State())

	require.NoError(t, a.OnValueSize(sh, 3))
	assert.Equal(t, StateSetInValue, a.State())

	a.OnValueComplete(sh, []byte("bar"))
	assert.Equal(t, StateOutSuccess, a.State())
	a.OnReplyComplete()
	assert.Equal(t, StateInCmd, a.State())

	require.NoError(t, a.HandleCommand(sh, 0x00, []byte("foo")))
	assert.Equal(t, StateGetOutHit, a.State())
	assert.EqualValues(t, 3, a.ValSize())
	assert.Equal(t, "bar", string(a.Record().Value()))
}

// TestScenarioWaiterGetsValue reproduces scenario 2: B parks behind A's
// in-flight SET and receives the value A set without re-fetching.
func TestScenarioWaiterGetsValue(t *testing.T) {
	sh := newTestShard(64 * pagemem.PageSize)
	connA := New()
	connA.Reset(1)
	connB := New()
	connB.Reset(2)

	require.NoError(t, connA.HandleCommand(sh, 0x00, []byte("k")))
	assert.Equal(t, StateGetOutMiss, connA.State())
	connA.OnReplyComplete()

	require.NoError(t, connB.HandleCommand(sh, 0x00, []byte("k")))
	assert.Equal(t, StateGetBlocked, connB.State())

	require.NoError(t, connA.OnValueSize(sh, 5))
	connA.OnValueComplete(sh, []byte("world"))
	assert.Equal(t, StateOutSuccess, connA.State())

	assert.Equal(t, StateGetOutHit, connB.State())
	assert.Equal(t, "world", string(connB.Record().Value()))
}

// TestScenarioAbortWakesWaiterAsNewPlaceholder reproduces scenario 3: A
// aborts with value_size=0; B transitions to MISS and becomes the new
// placeholder.
func TestScenarioAbortWakesWaiterAsNewPlaceholder(t *testing.T) {
	sh := newTestShard(64 * pagemem.PageSize)
	connA := New()
	connA.Reset(1)
	connB := New()
	connB.Reset(2)

	require.NoError(t, connA.HandleCommand(sh, 0x00, []byte("k")))
	connA.OnReplyComplete()
	require.NoError(t, connB.HandleCommand(sh, 0x00, []byte("k")))
	assert.Equal(t, StateGetBlocked, connB.State())

	require.NoError(t, connA.OnValueSize(sh, 0))
	assert.Equal(t, StateOutSuccess, connA.State())

	assert.Equal(t, StateGetOutMiss, connB.State())
	got := sh.Index().Get(connB.HashKey())
	assert.Same(t, connB, got)
}

// TestScenarioClockTimeoutFreesPlaceholder reproduces scenario 4: A never
// sends its value size; once the clock expires B is freed of its wait and
// becomes the new placeholder.
func TestScenarioClockTimeoutFreesPlaceholder(t *testing.T) {
	sh := newTestShard(64 * pagemem.PageSize)
	connA := New()
	connA.Reset(1)
	connB := New()
	connB.Reset(2)

	require.NoError(t, connA.HandleCommand(sh, 0x00, []byte("k")))
	connA.OnReplyComplete()
	require.NoError(t, connB.HandleCommand(sh, 0x00, []byte("k")))

	var expired []*Conn
	for i := 0; i < 2; i++ {
		expired = sh.Clock().Tick()
	}
	require.Len(t, expired, 1)
	require.Same(t, connA, expired[0])

	connA.Free(sh)
	assert.Equal(t, StateInCmd, connA.State())
	assert.Equal(t, StateGetOutMiss, connB.State())
}

func TestDelOnAbsentKeyIsNoop(t *testing.T) {
	sh := newTestShard(64 * pagemem.PageSize)
	c := New()
	c.Reset(1)
	require.NoError(t, c.HandleCommand(sh, 0x01, []byte("missing")))
	assert.Equal(t, StateOutSuccess, c.State())
}

func TestDelFreesRecord(t *testing.T) {
	sh := newTestShard(64 * pagemem.PageSize)
	setter := New()
	setter.Reset(1)
	require.NoError(t, setter.HandleCommand(sh, 0x00, []byte("k")))
	setter.OnReplyComplete()
	require.NoError(t, setter.OnValueSize(sh, 1))
	setter.OnValueComplete(sh, []byte("v"))

	deleter := New()
	deleter.Reset(2)
	require.NoError(t, deleter.HandleCommand(sh, 0x01, []byte("k")))
	assert.Equal(t, StateOutSuccess, deleter.State())

	getter := New()
	getter.Reset(3)
	require.NoError(t, getter.HandleCommand(sh, 0x00, []byte("k")))
	assert.Equal(t, StateGetOutMiss, getter.State())
}
