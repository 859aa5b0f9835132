package raft

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stableClusterOf(t *testing.T, n int) *Log {
	t.Helper()
	l, err := MallocInit(mkMachines(n, 9000))
	require.NoError(t, err)
	require.NoError(t, l.CompleteInit())
	return l
}

func TestClusterMajoritiesNotJoint(t *testing.T) {
	log := stableClusterOf(t, 4)
	c := NewCluster(log)

	assert.False(t, c.Joint())
	assert.Equal(t, 3, c.OldMajority())
	assert.Equal(t, 0, c.NewMajority())
	assert.Len(t, c.Members(), 4)
}

func TestClusterMajoritiesJoint(t *testing.T) {
	old := stableClusterOf(t, 4)
	added := mkMachines(4, 9900)
	proposed := append(append([]Machine(nil), old.OldMachines...), added...)

	grow := &Log{}
	require.NoError(t, grow.CompleteChange(old, old.Term+1, proposed))
	c := NewCluster(grow)

	assert.True(t, c.Joint())
	assert.Equal(t, 3, c.OldMajority())
	assert.Equal(t, 3, c.NewMajority())

	members := c.Members()
	assert.Len(t, members, 8, "joint members is the union of both halves")

	for _, m := range grow.OldMachines {
		assert.True(t, c.InOld(m.ID))
		assert.False(t, c.InNew(m.ID))
	}
	for _, m := range grow.NewMachines {
		assert.True(t, c.InNew(m.ID))
		assert.False(t, c.InOld(m.ID))
	}
}

func TestMembersDedupesOverlapBetweenHalves(t *testing.T) {
	old := stableClusterOf(t, 4)
	// Adjust keeps 3 of 4 addresses, so old and new halves overlap on those
	// members' ids; Members must not double count them.
	proposed := append([]Machine(nil), old.OldMachines[:3]...)
	proposed = append(proposed, Machine{Addr: net.ParseIP("10.0.0.9"), Port: 9999})

	adjust := &Log{}
	require.NoError(t, adjust.CompleteChange(old, old.Term+1, proposed))
	c := NewCluster(adjust)

	members := c.Members()
	seen := make(map[uint32]bool)
	for _, m := range members {
		assert.False(t, seen[m.ID], "duplicate member id %d", m.ID)
		seen[m.ID] = true
	}
}

func TestCommitRequiredNotStableUntilBothMajoritiesForRound(t *testing.T) {
	old := stableClusterOf(t, 4)
	added := mkMachines(4, 9900)
	proposed := append(append([]Machine(nil), old.OldMachines...), added...)

	grow := &Log{}
	require.NoError(t, grow.CompleteChange(old, old.Term+1, proposed))
	c := NewCluster(grow)

	cursors := NewReplicationCursors(c)
	const round = uint64(1)

	// Only old-half acks so far: must not yet be committed, since the new
	// half also needs its own majority under joint consensus.
	for i, m := range grow.OldMachines {
		if i == 3 {
			break
		}
		cursors[m.ID].AppendEntryRound = round
		cursors[m.ID].AckedOld = true
	}
	assert.False(t, c.CommitRequired(cursors, round))

	// Now also give the new half its majority.
	for i, m := range grow.NewMachines {
		if i == 3 {
			break
		}
		cursors[m.ID].AppendEntryRound = round
		cursors[m.ID].AckedNew = true
	}
	assert.True(t, c.CommitRequired(cursors, round))
}

func TestCommitRequiredIgnoresStaleRoundAcks(t *testing.T) {
	log := stableClusterOf(t, 4)
	c := NewCluster(log)
	cursors := NewReplicationCursors(c)

	for _, m := range log.OldMachines {
		cursors[m.ID].AppendEntryRound = 1
		cursors[m.ID].AckedOld = true
	}
	// Round 1 has full quorum, but the leader is now asking about round 2:
	// none of those acks should count.
	assert.True(t, c.CommitRequired(cursors, 1))
	assert.False(t, c.CommitRequired(cursors, 2))
}

func TestCommitRequiredStableNeedsOnlyOldMajority(t *testing.T) {
	log := stableClusterOf(t, 4)
	c := NewCluster(log)
	cursors := NewReplicationCursors(c)

	members := log.OldMachines
	cursors[members[0].ID].AppendEntryRound = 1
	cursors[members[0].ID].AckedOld = true
	cursors[members[1].ID].AppendEntryRound = 1
	cursors[members[1].ID].AckedOld = true
	assert.False(t, c.CommitRequired(cursors, 1), "2 of 4 is not a majority")

	cursors[members[2].ID].AppendEntryRound = 1
	cursors[members[2].ID].AckedOld = true
	assert.True(t, c.CommitRequired(cursors, 1), "3 of 4 clears OldMajority")
}
