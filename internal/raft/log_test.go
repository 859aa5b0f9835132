package raft

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkMachines(n int, basePort uint16) []Machine {
	out := make([]Machine, n)
	for i := 0; i < n; i++ {
		out[i] = Machine{Addr: net.ParseIP("10.0.0.1"), Port: basePort + uint16(i)}
	}
	return out
}

func TestMallocInitRejectsInvalidSize(t *testing.T) {
	_, err := MallocInit(mkMachines(3, 1))
	assert.Error(t, err)

	_, err = MallocInit(mkMachines(5, 1))
	assert.Error(t, err, "5 is not a power of two")
}

func TestCompleteInitAssignsIdentitiesAndSorts(t *testing.T) {
	machines := []Machine{
		{Addr: net.ParseIP("10.0.0.2"), Port: 9000},
		{Addr: net.ParseIP("10.0.0.1"), Port: 9000},
		{Addr: net.ParseIP("10.0.0.1"), Port: 9001},
		{Addr: net.ParseIP("10.0.0.1"), Port: 9002},
	}
	l, err := MallocInit(machines)
	require.NoError(t, err)
	require.NoError(t, l.CompleteInit())

	require.Len(t, l.OldMachines, 4)
	assert.True(t, l.OldMachines[0].Port < l.OldMachines[1].Port || addrCmp(l.OldMachines[0], l.OldMachines[1]) < 0)
	for _, m := range l.OldMachines {
		assert.True(t, m.Available())
		assert.NotZero(t, m.ID)
	}
	assert.False(t, HasDuplicateAddr(l.OldMachines))
}

func TestCompleteInitRejectsDuplicateAddress(t *testing.T) {
	machines := []Machine{
		{Addr: net.ParseIP("10.0.0.1"), Port: 9000},
		{Addr: net.ParseIP("10.0.0.1"), Port: 9000},
		{Addr: net.ParseIP("10.0.0.1"), Port: 9001},
		{Addr: net.ParseIP("10.0.0.1"), Port: 9002},
	}
	l, err := MallocInit(machines)
	require.NoError(t, err)
	assert.Error(t, l.CompleteInit())
}

func initializedLog(t *testing.T, n int) *Log {
	t.Helper()
	l, err := MallocInit(mkMachines(n, 9000))
	require.NoError(t, err)
	require.NoError(t, l.CompleteInit())
	return l
}

func TestCompleteChangeAdjustKeepsAtLeastHalf(t *testing.T) {
	old := initializedLog(t, 4)

	// Replace one of four: still keeps 3/4 > half, should succeed.
	proposed := append([]Machine(nil), old.OldMachines[:3]...)
	proposed = append(proposed, Machine{Addr: net.ParseIP("10.0.0.9"), Port: 9999})

	changed := &Log{}
	err := changed.CompleteChange(old, old.Term+1, proposed)
	require.NoError(t, err)
	assert.Equal(t, TypeAdjust, changed.Type)
	assert.True(t, changed.Type.Joint())
	assert.Len(t, changed.NewMachines, 4)
}

func TestCompleteChangeAdjustRejectsReplacingAll(t *testing.T) {
	old := initializedLog(t, 4)
	proposed := mkMachines(4, 9500)

	changed := &Log{}
	err := changed.CompleteChange(old, old.Term+1, proposed)
	assert.Error(t, err, "replacing every machine must be rejected")
}

func TestCompleteChangeShrinkRequiresPrefix(t *testing.T) {
	old := initializedLog(t, 4)

	good := append([]Machine(nil), old.OldMachines[:2]...)
	changed := &Log{}
	require.NoError(t, changed.CompleteChange(old, old.Term+1, good))
	assert.Equal(t, TypeShrink, changed.Type)
	assert.Len(t, changed.NewMachines, 2)

	bad := []Machine{old.OldMachines[1], old.OldMachines[2]}
	changedBad := &Log{}
	assert.Error(t, changedBad.CompleteChange(old, old.Term+1, bad))
}

func TestCompleteChangeGrowRequiresOldPrefixAndDisjointAddrs(t *testing.T) {
	old := initializedLog(t, 4)

	added := mkMachines(4, 9900)
	proposed := append(append([]Machine(nil), old.OldMachines...), added...)

	changed := &Log{}
	require.NoError(t, changed.CompleteChange(old, old.Term+1, proposed))
	assert.Equal(t, TypeGrow, changed.Type)
	assert.Len(t, changed.OldMachines, 4)
	assert.Len(t, changed.NewMachines, 4)
	for _, m := range changed.NewMachines {
		assert.NotZero(t, m.ID)
		assert.True(t, m.Available())
	}

	reusing := append(append([]Machine(nil), old.OldMachines...), old.OldMachines[0])
	reusing = append(reusing, mkMachines(3, 9950)...)
	badChanged := &Log{}
	assert.Error(t, badChanged.CompleteChange(old, old.Term+1, reusing))
}

func TestCompleteChangeRejectsUnrelatedSize(t *testing.T) {
	old := initializedLog(t, 4)
	proposed := mkMachines(3, 9000)
	changed := &Log{}
	assert.Error(t, changed.CompleteChange(old, old.Term+1, proposed))
}

func TestGrowTwoPhaseTransformAndComplete(t *testing.T) {
	old := initializedLog(t, 4)
	added := mkMachines(4, 9900)
	proposed := append(append([]Machine(nil), old.OldMachines...), added...)

	grow := &Log{}
	require.NoError(t, grow.CompleteChange(old, old.Term+1, proposed))
	require.True(t, grow.Type.Unstable())
	require.True(t, grow.Type.Joint())

	transform := MallocGrowTransform(grow)
	assert.Equal(t, TypeGrowTransform, transform.Type)
	assert.False(t, transform.Type.Unstable(), "transform is the deterministic, unvoted merge step")
	assert.Len(t, transform.OldMachines, 8)
	assert.Empty(t, transform.NewMachines)

	complete, err := MallocGrowComplete(transform, old.Term+1)
	require.NoError(t, err)
	assert.Equal(t, TypeGrowComplete, complete.Type)
	assert.True(t, complete.Type.Unstable())
	assert.True(t, complete.Type.Joint())
	assert.Len(t, complete.OldMachines, 8)
	assert.Len(t, complete.NewMachines, 8)

	stable := MallocStable(complete)
	assert.Equal(t, TypeOld, stable.Type)
	assert.Len(t, stable.OldMachines, 8)
	assert.Empty(t, stable.NewMachines)
}

func TestMallocStableNormalizesAnyUnstableType(t *testing.T) {
	old := initializedLog(t, 4)
	proposed := append([]Machine(nil), old.OldMachines[:3]...)
	proposed = append(proposed, Machine{Addr: net.ParseIP("10.0.0.9"), Port: 9999})

	adjust := &Log{}
	require.NoError(t, adjust.CompleteChange(old, old.Term+1, proposed))
	stable := MallocStable(adjust)
	assert.Equal(t, TypeOld, stable.Type)
}

func TestCompleteChangeAvailableRequiresStableOrGrowTransformOrigin(t *testing.T) {
	old := initializedLog(t, 4)
	avail := make([]bool, 4)
	for i := range avail {
		avail[i] = true
	}
	avail[0] = false

	changed := &Log{}
	require.NoError(t, changed.CompleteChangeAvailable(old, old.Term+1, avail))
	assert.Equal(t, TypeChangeAvailable, changed.Type)
	assert.False(t, changed.NewMachines[0].Available())

	// ChangeAvailable carries a real new half (the post-flip availability
	// view) and must be held unstable pending its own commit, but it does
	// not need dual-quorum counting: the member-id set doesn't change.
	assert.True(t, changed.Type.Unstable())
	assert.False(t, changed.Type.Joint())

	// A log whose Type is itself unstable/joint (e.g. TypeAdjust) must be
	// rejected as a change-available origin.
	proposed := append([]Machine(nil), old.OldMachines[:3]...)
	proposed = append(proposed, Machine{Addr: net.ParseIP("10.0.0.9"), Port: 9999})
	adjust := &Log{}
	require.NoError(t, adjust.CompleteChange(old, old.Term+1, proposed))

	badChanged := &Log{}
	err := badChanged.CompleteChangeAvailable(adjust, old.Term+2, avail)
	assert.Error(t, err)
}

func TestGrowChangeAvailablePredicates(t *testing.T) {
	old := initializedLog(t, 4)
	added := mkMachines(4, 9900)
	proposed := append(append([]Machine(nil), old.OldMachines...), added...)

	grow := &Log{}
	require.NoError(t, grow.CompleteChange(old, old.Term+1, proposed))
	transform := MallocGrowTransform(grow)

	avail := make([]bool, 8)
	for i := range avail {
		avail[i] = true
	}
	avail[0] = false

	changed := &Log{}
	require.NoError(t, changed.CompleteChangeAvailable(transform, old.Term+2, avail))
	assert.Equal(t, TypeGrowChangeAvailable, changed.Type)
	assert.True(t, changed.Type.Unstable())
	assert.False(t, changed.Type.Joint())
}

func TestHandleAppendLogSplitsChangeAvailableWireRecord(t *testing.T) {
	old := initializedLog(t, 4)
	avail := []bool{false, true, true, true}

	changed := &Log{}
	require.NoError(t, changed.CompleteChangeAvailable(old, old.Term+1, avail))

	follower := NewNode(2, nil, zerolog.Nop())
	follower.electionTimer = time.NewTimer(time.Hour)
	follower.activeLog = old

	req := appendLogReqFor(changed, old.Term+1, 1, follower.selfID)
	res := follower.HandleAppendLog(req)
	assert.True(t, res.Applied)

	// Unstable() now holds for ChangeAvailable, so the record must land in
	// unstableLog, not be promoted straight to activeLog.
	require.NotNil(t, follower.unstableLog)
	assert.Equal(t, old, follower.activeLog)

	// The wire-split must key off NewMachineNr, not Type.Joint() (false for
	// ChangeAvailable): OldMachines/NewMachines must each hold the original
	// four machines, not eight machines dumped into OldMachines alone.
	assert.Len(t, follower.unstableLog.OldMachines, 4)
	assert.Len(t, follower.unstableLog.NewMachines, 4)
	assert.False(t, follower.unstableLog.NewMachines[0].Available())
}

func TestLogBorrowReleaseIsDiagnosticOnly(t *testing.T) {
	l := initializedLog(t, 4)
	assert.EqualValues(t, 0, l.Refs())
	l.Borrow()
	l.Borrow()
	assert.EqualValues(t, 2, l.Refs())
	l.Release()
	assert.EqualValues(t, 1, l.Refs())

	// Releasing to zero (or below) must not free or invalidate the log;
	// Go's GC, not this counter, owns its lifetime.
	l.Release()
	assert.EqualValues(t, 0, l.Refs())
	assert.NotPanics(t, func() { _ = l.AllMachines() })
}

func TestAtLeastUpToDate(t *testing.T) {
	l := &Log{Index: 10, Term: 5}
	assert.True(t, l.AtLeastUpToDate(10, 5))
	assert.True(t, l.AtLeastUpToDate(11, 5))
	assert.True(t, l.AtLeastUpToDate(0, 6))
	assert.False(t, l.AtLeastUpToDate(9, 5))
	assert.False(t, l.AtLeastUpToDate(100, 4))
}
