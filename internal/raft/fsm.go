package raft

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Role is a Raft server's current role (spec.md §4.11).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Candidate:
		return "candidate"
	default:
		return "follower"
	}
}

// unstableRoundsToFlip is the number of consecutive broadcast-round
// mismatches between a member's observed and recorded availability before
// the leader flips it (spec.md §4.11).
const unstableRoundsToFlip = 10

// minElectionTimeout is the lower bound of the randomised 150-300ms
// election timeout (spec.md §4.11); a follower refuses votes within this
// window of last hearing from a leader, preventing a partitioned peer
// from forcing an election against a healthy leader.
const minElectionTimeout = 150 * time.Millisecond

// Transport sends the three Raft peer RPCs to a given machine. A real
// implementation dials the machine's (address, port) and speaks the wire
// protocol of spec.md §6; see TCPTransport.
type Transport interface {
	SendRequestVote(m Machine, req RequestVoteReq, timeout time.Duration) (RequestVoteRes, error)
	SendAppendLog(m Machine, req AppendLogReq, timeout time.Duration) (AppendLogRes, error)
	SendHeartbeat(m Machine, req HeartbeatReq, timeout time.Duration) (AppendLogRes, error)
}

// Node is one Raft server: role, current term, the active (committed) and
// unstable (in-flight joint) logs, and the role-specific bookkeeping of
// spec.md §4.11's "Raft server state" paragraph.
type Node struct {
	mu sync.RWMutex

	logger    zerolog.Logger
	selfID    uint32
	transport Transport

	role        Role
	currentTerm uint64
	votedFor    uint32

	activeLog   *Log
	unstableLog *Log

	leaderID          uint32
	lastLeaderContact time.Time

	electionTimeout   time.Duration
	broadcastInterval time.Duration
	electionTimer     *time.Timer

	// leader-only
	round                        uint64
	cursors                      map[uint32]*ReplicationCursor
	availableSinceLastTimerEvent map[uint32]bool
	unstableRound                map[uint32]int

	authoritySessions map[uint64]*AuthoritySession
	nextAuthorityID   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewNode builds a Node that has not yet joined a cluster; call
// HandleInitCluster (bootstrap) or let HandleAppendLog populate its log
// once it learns of one from a peer.
func NewNode(selfID uint32, transport Transport, logger zerolog.Logger) *Node {
	return &Node{
		logger:            logger,
		selfID:            selfID,
		transport:         transport,
		role:              Follower,
		authoritySessions: make(map[uint64]*AuthoritySession),
		stopCh:            make(chan struct{}),
	}
}

// Start begins the election-timer loop.
func (n *Node) Start() {
	n.mu.Lock()
	n.electionTimeout = randomElectionTimeout()
	n.broadcastInterval = n.electionTimeout / unstableRoundsToFlip
	n.electionTimer = time.NewTimer(n.electionTimeout)
	n.mu.Unlock()

	n.wg.Add(1)
	go n.loop()
}

// Stop halts the election timer and any leader broadcast loop.
func (n *Node) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

func randomElectionTimeout() time.Duration {
	return 150*time.Millisecond + time.Duration(rand.Intn(151))*time.Millisecond
}

// IsLeader, Term, LogIndex, and ClusterMachines satisfy metrics.RaftStats.
func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role == Leader
}

func (n *Node) Term() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm
}

func (n *Node) LogIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.activeLog == nil {
		return 0
	}
	return n.activeLog.Index
}

func (n *Node) ClusterMachines() (oldHalf, newHalf int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.activeLog == nil {
		return 0, 0
	}
	return len(n.activeLog.OldMachines), len(n.activeLog.NewMachines)
}

func (n *Node) lastLogIndexTerm() (uint64, uint64) {
	if n.activeLog == nil {
		return 0, 0
	}
	return n.activeLog.Index, n.activeLog.Term
}

func (n *Node) resetElectionTimer() {
	n.electionTimeout = randomElectionTimeout()
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.electionTimeout)
}

// stepDownLocked adopts a higher term seen from a peer, reverting to
// follower (Raft §5.1); caller holds n.mu.
func (n *Node) stepDownLocked(term uint64) {
	wasLeader := n.role == Leader
	n.currentTerm = term
	n.role = Follower
	n.votedFor = 0
	if wasLeader {
		n.logger.Info().Uint64("term", term).Msg("stepping down from leader")
	}
}

func (n *Node) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.electionTimer.C:
			n.mu.Lock()
			if n.role == Leader {
				n.resetElectionTimer()
				n.mu.Unlock()
				continue
			}
			n.startElectionLocked()
			n.mu.Unlock()
		case <-n.stopCh:
			return
		}
	}
}

// startElectionLocked begins a new term's candidacy (Raft §5.2); caller
// holds n.mu.
func (n *Node) startElectionLocked() {
	if n.activeLog == nil {
		n.resetElectionTimer()
		return
	}
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.selfID
	n.leaderID = 0
	term := n.currentTerm
	n.resetElectionTimer()

	cluster := NewCluster(n.activeLog)
	members := cluster.Members()
	logIndex, logTerm := n.lastLogIndexTerm()
	n.logger.Info().Uint64("term", term).Msg("starting election")

	go n.collectVotes(term, cluster, members, logIndex, logTerm)
}

func (n *Node) collectVotes(term uint64, cluster *Cluster, members []Machine, logIndex, logTerm uint64) {
	type result struct {
		id      uint32
		granted bool
	}
	results := make(chan result, len(members))
	for _, m := range members {
		if m.ID == n.selfID {
			continue
		}
		go func(m Machine) {
			res, err := n.transport.SendRequestVote(m, RequestVoteReq{
				CandidateID: n.selfID,
				Term:        term,
				LogIndex:    logIndex,
				LogTerm:     logTerm,
			}, n.broadcastInterval)
			if err != nil {
				results <- result{id: m.ID, granted: false}
				return
			}
			n.mu.Lock()
			if res.Term > n.currentTerm {
				n.stepDownLocked(res.Term)
			}
			n.mu.Unlock()
			results <- result{id: m.ID, granted: res.Granted}
		}(m)
	}

	granted := map[uint32]bool{n.selfID: true}
	for i := 0; i < len(members)-1 && i < cap(results); i++ {
		r := <-results
		if r.granted {
			granted[r.id] = true
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.currentTerm != term {
		return
	}
	oldVotes, newVotes := 0, 0
	for id, ok := range granted {
		if !ok {
			continue
		}
		if cluster.InOld(id) {
			oldVotes++
		}
		if cluster.InNew(id) {
			newVotes++
		}
	}
	if oldVotes < cluster.OldMajority() {
		return
	}
	if cluster.Joint() && newVotes < cluster.NewMajority() {
		return
	}
	n.becomeLeaderLocked()
}

// becomeLeaderLocked transitions to leader and starts the broadcast loop;
// caller holds n.mu.
func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.selfID
	n.round = 0
	cluster := NewCluster(n.activeLog)
	n.cursors = NewReplicationCursors(cluster)
	n.availableSinceLastTimerEvent = make(map[uint32]bool, len(cluster.Members()))
	n.unstableRound = make(map[uint32]int, len(cluster.Members()))
	n.resetElectionTimer()
	n.logger.Info().Uint64("term", n.currentTerm).Msg("elected leader")

	n.wg.Add(1)
	go n.leaderLoop(n.currentTerm, n.broadcastInterval)
}

func (n *Node) leaderLoop(term uint64, interval time.Duration) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.mu.Lock()
			if n.role != Leader || n.currentTerm != term {
				n.mu.Unlock()
				return
			}
			n.broadcastRoundLocked(term)
			n.mu.Unlock()
		case <-n.stopCh:
			return
		}
	}
}

// broadcastRoundLocked runs one leader broadcast interval: replicate the
// unstable log when a reconfiguration is in flight (announcing a freshly
// promoted stable log at least once so followers adopt it too), track
// availability, and step down if the overall majority would be lost.
// Caller holds n.mu; per-member RPCs run unlocked, reporting back over a
// channel so the lock is never re-entered from a goroutine it spawned.
func (n *Node) broadcastRoundLocked(term uint64) {
	n.round++
	round := n.round
	// While a reconfiguration is in flight, majorities are judged against
	// the unstable log's own (possibly disjoint) halves, not the still-
	// active one (spec.md §4.11's joint-consensus commit rule).
	logToSend := n.activeLog
	cluster := NewCluster(n.activeLog)
	if n.unstableLog != nil {
		logToSend = n.unstableLog
		cluster = NewCluster(n.unstableLog)
	}
	members := cluster.Members()
	selfID, broadcastTimeout, transport := n.selfID, n.broadcastInterval, n.transport
	unstable := n.unstableLog != nil

	// Snapshot each member's last-acked version while still holding n.mu;
	// the dispatched goroutines below must not touch n.cursors themselves,
	// since the result-collection loop mutates it concurrently with them.
	ackedVersion := make(map[uint32]uint64, len(members))
	for _, m := range members {
		if cur, ok := n.cursors[m.ID]; ok {
			ackedVersion[m.ID] = cur.AckedVersion
		}
	}

	type ack struct {
		id   uint32
		ok   bool
		old  bool
		nw   bool
		term uint64
	}
	results := make(chan ack, len(members))

	for _, m := range members {
		if m.ID == selfID {
			results <- ack{id: m.ID, ok: true, old: cluster.InOld(m.ID), nw: cluster.InNew(m.ID)}
			continue
		}
		go func(m Machine) {
			var appended bool
			var sawTerm uint64
			// A bare heartbeat suffices only once this follower is already
			// current on logToSend and nothing is in flight; otherwise it
			// must receive the full entry so it can adopt it.
			if !unstable && ackedVersion[m.ID] == logToSend.Version {
				res, err := transport.SendHeartbeat(m, HeartbeatReq{Term: term}, broadcastTimeout)
				if err == nil {
					appended, sawTerm = res.Applied, res.Term
				}
			} else {
				req := appendLogReqFor(logToSend, term, selfID, m.ID)
				res, err := transport.SendAppendLog(m, req, broadcastTimeout)
				if err == nil {
					appended, sawTerm = res.Applied, res.Term
				}
			}
			results <- ack{id: m.ID, ok: appended, old: cluster.InOld(m.ID), nw: cluster.InNew(m.ID), term: sawTerm}
		}(m)
	}

	var highestTerm uint64
	for i := 0; i < len(members); i++ {
		r := <-results
		if r.term > highestTerm {
			highestTerm = r.term
		}
		cur, ok := n.cursors[r.id]
		if !ok {
			cur = &ReplicationCursor{MemberID: r.id}
			n.cursors[r.id] = cur
		}
		if r.ok {
			cur.AppendEntryRound = round
			cur.AckedOld = r.old
			cur.AckedNew = r.nw
			cur.AckedVersion = logToSend.Version
		}
		n.trackAvailabilityLocked(r.id, r.ok)
	}
	if highestTerm > term {
		n.stepDownLocked(highestTerm)
		return
	}

	if n.role != Leader || n.currentTerm != term {
		return
	}

	if n.unstableLog != nil && cluster.CommitRequired(n.cursors, round) {
		n.promoteUnstableLocked(term)
	}
	n.maybeProposeAvailabilityLocked(term)
}

// trackAvailabilityLocked updates the per-member mismatch streak; it does
// not change a member's recorded availability itself — that flip is
// proposed by maybeProposeAvailabilityLocked (spec.md §4.11).
func (n *Node) trackAvailabilityLocked(id uint32, observed bool) {
	n.availableSinceLastTimerEvent[id] = observed
	m, ok := n.activeLog.FindMachine(id)
	if !ok {
		return
	}
	if m.Available() == observed {
		n.unstableRound[id] = 0
		return
	}
	n.unstableRound[id]++
}

func (n *Node) maybeProposeAvailabilityLocked(term uint64) {
	if n.unstableLog != nil {
		return
	}
	cluster := NewCluster(n.activeLog)
	var flipped []uint32
	for id, rounds := range n.unstableRound {
		if rounds >= unstableRoundsToFlip {
			flipped = append(flipped, id)
		}
	}
	if len(flipped) == 0 {
		return
	}

	old := n.activeLog
	availability := make([]bool, len(old.OldMachines))
	flip := make(map[uint32]bool, len(flipped))
	for _, id := range flipped {
		flip[id] = true
	}
	wouldLoseMajority := 0
	for i, m := range old.OldMachines {
		want := m.Available()
		if flip[m.ID] {
			want = !want
		}
		availability[i] = want
		if !want {
			wouldLoseMajority++
		}
	}
	if len(old.OldMachines)-wouldLoseMajority < cluster.OldMajority() {
		n.logger.Warn().Msg("availability flip would lose quorum, stepping down instead")
		n.stepDownLocked(n.currentTerm)
		return
	}

	next := &Log{}
	if err := next.CompleteChangeAvailable(old, term, availability); err != nil {
		n.logger.Error().Err(err).Msg("CHANGE_AVAILABLE proposal rejected")
		return
	}
	for id := range flip {
		n.unstableRound[id] = 0
	}
	n.unstableLog = next
}

// promoteUnstableLocked commits the unstable joint log, promoting it to
// stable per spec.md §4.11's joint-consensus protocol. A GROW change
// takes two joint steps: the first (TypeGrow) proves the new machines are
// reachable and merges them in (MallocGrowTransform) without yet voting
// them into the configuration; the second (TypeGrowComplete) then proves
// the doubled membership holds quorum among itself before finalizing.
func (n *Node) promoteUnstableLocked(term uint64) {
	switch n.unstableLog.Type {
	case TypeGrow:
		merged := MallocGrowTransform(n.unstableLog)
		n.activeLog = merged
		grown, err := MallocGrowComplete(merged, term)
		if err != nil {
			n.logger.Error().Err(err).Msg("grow-complete transform failed")
			n.unstableLog = nil
			n.cursors = NewReplicationCursors(NewCluster(n.activeLog))
			return
		}
		n.unstableLog = grown
		n.cursors = NewReplicationCursors(NewCluster(n.unstableLog))
	default:
		n.activeLog = MallocStable(n.unstableLog)
		n.unstableLog = nil
		n.cursors = NewReplicationCursors(NewCluster(n.activeLog))
		n.flushAuthorityLocked(n.activeLog.Version)
	}
}

func appendLogReqFor(l *Log, term uint64, leaderID, followerID uint32) AppendLogReq {
	machines := make([]Machine, 0, len(l.OldMachines)+len(l.NewMachines))
	machines = append(machines, l.OldMachines...)
	machines = append(machines, l.NewMachines...)
	return AppendLogReq{
		Type:               l.Type,
		Term:               term,
		LeaderID:           leaderID,
		FollowerID:         followerID,
		LogIndex:           l.Index,
		LogTerm:            l.Term,
		Version:            l.Version,
		NextMachineVersion: l.NextMachineVersion,
		NextMachineID:      l.NextMachineID,
		NewMachineNr:       uint32(len(l.NewMachines)),
		DistinctMachinesN:  l.DistinctMachinesN,
		Machines:           machines,
	}
}

// HandleRequestVote is the follower-side REQUEST_VOTE handler (Raft §5.2,
// §5.4.1).
func (n *Node) HandleRequestVote(req RequestVoteReq) RequestVoteRes {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return RequestVoteRes{Term: n.currentTerm, Granted: false}
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	if n.role == Follower && n.leaderID != 0 && time.Since(n.lastLeaderContact) < minElectionTimeout {
		return RequestVoteRes{Term: n.currentTerm, Granted: false}
	}
	canVote := n.votedFor == 0 || n.votedFor == req.CandidateID
	logIndex, logTerm := n.lastLogIndexTerm()
	upToDate := req.LogTerm > logTerm || (req.LogTerm == logTerm && req.LogIndex >= logIndex)
	if canVote && upToDate {
		n.votedFor = req.CandidateID
		n.resetElectionTimer()
		return RequestVoteRes{Term: n.currentTerm, Granted: true}
	}
	return RequestVoteRes{Term: n.currentTerm, Granted: false}
}

// HandleHeartbeat is the follower-side HEARTBEAT handler.
func (n *Node) HandleHeartbeat(req HeartbeatReq) AppendLogRes {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return AppendLogRes{Term: n.currentTerm, Applied: false}
	}
	if req.Term > n.currentTerm || n.role != Follower {
		n.stepDownLocked(req.Term)
	}
	// HEARTBEAT carries no leader id (spec.md §6): it only refreshes
	// liveness for whichever leader this follower last learned of via
	// APPEND_LOG.
	n.lastLeaderContact = time.Now()
	n.resetElectionTimer()
	return AppendLogRes{Term: n.currentTerm, Applied: true}
}

// HandleAppendLog is the follower-side APPEND_LOG handler: it replaces the
// local log state with what the leader sent, trusting the leader's own
// CompleteChange/CompleteChangeAvailable validation.
func (n *Node) HandleAppendLog(req AppendLogReq) AppendLogRes {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return AppendLogRes{Term: n.currentTerm, Applied: false}
	}
	if req.Term > n.currentTerm || n.role != Follower {
		n.stepDownLocked(req.Term)
	}
	n.leaderID = req.LeaderID
	n.lastLeaderContact = time.Now()
	n.resetElectionTimer()

	next := &Log{
		Index:              req.LogIndex,
		Term:               req.LogTerm,
		Version:            req.Version,
		NextMachineVersion: req.NextMachineVersion,
		NextMachineID:      req.NextMachineID,
		Type:               req.Type,
		DistinctMachinesN:  req.DistinctMachinesN,
	}
	// Split on NewMachineNr, not req.Type.Joint(): ChangeAvailable and
	// GrowChangeAvailable carry a populated new half (CompleteChangeAvailable)
	// without needing Joint()'s dual-quorum counting, so keying this off Type
	// would drop NewMachines and double OldMachines for those two types.
	if req.NewMachineNr > 0 {
		oldN := len(req.Machines) - int(req.NewMachineNr)
		next.OldMachines = req.Machines[:oldN]
		next.NewMachines = req.Machines[oldN:]
	} else {
		next.OldMachines = req.Machines
	}

	if req.Type.Unstable() {
		n.unstableLog = next
	} else {
		n.activeLog = next
		n.unstableLog = nil
	}
	return AppendLogRes{Term: n.currentTerm, Applied: true}
}

// HandleInitCluster bootstraps a fresh (index=0) server into a single-step
// cluster and makes it leader of its own configuration.
func (n *Node) HandleInitCluster(req ChangeClusterReq) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.activeLog != nil && n.activeLog.Index != 0 {
		return errAlreadyInitialized
	}
	l, err := MallocInit(req.Machines)
	if err != nil {
		return err
	}
	if err := l.CompleteInit(); err != nil {
		return err
	}
	n.activeLog = l
	n.currentTerm = l.Term
	n.becomeLeaderLocked()
	return nil
}

// HandleChangeCluster proposes a reconfiguration; only the current leader
// accepts it, and only when no other change is already in flight.
func (n *Node) HandleChangeCluster(req ChangeClusterReq) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader {
		return errNotLeader
	}
	if n.unstableLog != nil {
		return errChangeInFlight
	}
	next := &Log{}
	if err := next.CompleteChange(n.activeLog, n.currentTerm, req.Machines); err != nil {
		return err
	}
	n.unstableLog = next
	return nil
}

// HandleLeader answers LEADER: the currently known leader's address and
// whether leadership is considered lost (no contact within the election
// window).
func (n *Node) HandleLeader() LeaderRes {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.leaderID == 0 {
		return LeaderRes{Lost: true}
	}
	m, ok := n.activeLog.FindMachine(n.leaderID)
	if !ok {
		return LeaderRes{Lost: true}
	}
	res := LeaderRes{Port: m.Port, Lost: n.role != Leader && time.Since(n.lastLeaderContact) > n.electionTimeout}
	copy(res.Addr[:], m.Addr.To16())
	return res
}

// HandleCluster streams the active log, and the unstable log if a
// reconfiguration is in flight.
func (n *Node) HandleCluster() []ClusterRes {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var frames []ClusterRes
	if n.activeLog != nil {
		frames = append(frames, ClusterRes{
			Type:     n.activeLog.Type,
			Version:  n.activeLog.Version,
			Machines: n.activeLog.AllMachines(),
		})
	}
	if n.unstableLog != nil {
		frames = append(frames, ClusterRes{
			Type:     n.unstableLog.Type,
			Version:  n.unstableLog.Version,
			Machines: n.unstableLog.AllMachines(),
		})
	}
	return frames
}

var (
	errAlreadyInitialized = &fsmError{"raft: cluster already initialized"}
	errNotLeader          = &fsmError{"raft: not leader"}
	errChangeInFlight     = &fsmError{"raft: reconfiguration already in flight"}
)

type fsmError struct{ msg string }

func (e *fsmError) Error() string { return e.msg }
