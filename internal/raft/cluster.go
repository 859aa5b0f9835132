package raft

// Cluster is a derived, read-only view over a Log's configuration: the
// majority threshold(s) a commit must clear and, while joint, the same for
// both halves (spec.md §4.11's "both configurations" commit rule).
type Cluster struct {
	log *Log
}

// NewCluster wraps log in a Cluster view.
func NewCluster(log *Log) *Cluster { return &Cluster{log: log} }

// Joint reports whether the underlying log is a joint-consensus (two-half)
// configuration.
func (c *Cluster) Joint() bool { return len(c.log.NewMachines) > 0 }

// OldMajority and NewMajority are the vote/ack counts required to commit
// against each half; NewMajority is 0 when the configuration is not joint.
func (c *Cluster) OldMajority() int { return len(c.log.OldMachines)/2 + 1 }
func (c *Cluster) NewMajority() int {
	if !c.Joint() {
		return 0
	}
	return len(c.log.NewMachines)/2 + 1
}

// Members returns every distinct machine this configuration must replicate
// to (the union of both halves), for building one append-round per peer.
func (c *Cluster) Members() []Machine {
	seen := make(map[uint32]bool, len(c.log.OldMachines)+len(c.log.NewMachines))
	out := make([]Machine, 0, len(c.log.OldMachines)+len(c.log.NewMachines))
	for _, half := range [][]Machine{c.log.OldMachines, c.log.NewMachines} {
		for _, m := range half {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// InOld and InNew report whether a member id participates in each half's
// vote/ack count.
func (c *Cluster) InOld(id uint32) bool {
	_, ok := FindByID(c.log.OldMachines, id)
	return ok
}
func (c *Cluster) InNew(id uint32) bool {
	_, ok := FindByID(c.log.NewMachines, id)
	return ok
}

// ReplicationCursor tracks one peer's append progress within a commit
// round: the number of the last round it has acked, and whether it counts
// toward each half's majority for the round currently in flight.
type ReplicationCursor struct {
	MemberID         uint32
	AppendEntryRound uint64
	AckedOld         bool
	AckedNew         bool
	// AckedVersion is the log Version this member last successfully
	// applied, letting the leader fall back to a bare HEARTBEAT instead of
	// a full APPEND_LOG once a follower is caught up (spec.md §6).
	AckedVersion uint64
}

// NewReplicationCursors builds one cursor per distinct member, for a leader
// about to start a new replicate_entry_round (spec.md §4.11).
func NewReplicationCursors(c *Cluster) map[uint32]*ReplicationCursor {
	cursors := make(map[uint32]*ReplicationCursor, len(c.Members()))
	for _, m := range c.Members() {
		cursors[m.ID] = &ReplicationCursor{MemberID: m.ID}
	}
	return cursors
}

// CommitRequired reports, given the current round's acks, whether the
// entry has now cleared every applicable majority threshold (both halves
// when joint, per Raft §6's joint-consensus commit rule).
func (c *Cluster) CommitRequired(cursors map[uint32]*ReplicationCursor, round uint64) bool {
	oldAcks, newAcks := 0, 0
	for _, cur := range cursors {
		if cur.AppendEntryRound != round {
			continue
		}
		if cur.AckedOld && c.InOld(cur.MemberID) {
			oldAcks++
		}
		if cur.AckedNew && c.InNew(cur.MemberID) {
			newAcks++
		}
	}
	// The leader itself always counts toward both halves it belongs to.
	if oldAcks < c.OldMajority() {
		return false
	}
	if c.Joint() && newAcks < c.NewMajority() {
		return false
	}
	return true
}
