package raft

import "sync"

// AuthoritySession is one AUTHORITY connection from a data-plane shard
// (spec.md §4.11/§6). The shard streams bytes, each counted as one
// approval request; the leader replies in batches of {version,
// succeed_count}, each batch produced only once the leader's current
// configuration has committed in the current term, proving quorum still
// holds at the reported version.
type AuthoritySession struct {
	id   uint64
	node *Node

	mu      sync.Mutex
	pending uint64

	out chan AuthorityApproval
}

// OpenAuthority registers a new AUTHORITY session on this node's leader
// state; the returned session is fed bytes and drained for approval
// batches by the connection handler.
func (n *Node) OpenAuthority() *AuthoritySession {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextAuthorityID++
	sess := &AuthoritySession{
		id:   n.nextAuthorityID,
		node: n,
		out:  make(chan AuthorityApproval, 8),
	}
	n.authoritySessions[sess.id] = sess
	return sess
}

// Feed records count additional streamed bytes as pending approval
// requests (spec.md §4.12: "one byte = one request").
func (s *AuthoritySession) Feed(count int) {
	s.mu.Lock()
	s.pending += uint64(count)
	s.mu.Unlock()
}

// Approvals returns the channel of committed {version, count} batches.
func (s *AuthoritySession) Approvals() <-chan AuthorityApproval { return s.out }

// Close unregisters the session and closes its approval channel.
func (s *AuthoritySession) Close() {
	s.node.mu.Lock()
	delete(s.node.authoritySessions, s.id)
	s.node.mu.Unlock()
	close(s.out)
}

func (s *AuthoritySession) take() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending
	s.pending = 0
	return n
}

// flushAuthorityLocked delivers one approval batch to every session with
// pending bytes, called after a configuration commits in the current
// term (caller holds n.mu). Sends happen off the lock so a slow or dead
// reader cannot stall the leader's broadcast loop.
func (n *Node) flushAuthorityLocked(version uint64) {
	for _, sess := range n.authoritySessions {
		count := sess.take()
		if count == 0 {
			continue
		}
		approval := AuthorityApproval{Version: version, Count: count}
		go func(sess *AuthoritySession, approval AuthorityApproval) {
			sess.out <- approval
		}(sess, approval)
	}
}
