package shard

import "github.com/kvshard/kvshard/internal/conn"

// readPhase tracks the byte-level sub-step within a conn.State that needs
// more than one read to complete: spec.md §4.8 groups "read command byte +
// key length + key" under a single StateInCmd, but the wire bytes arrive in
// up to three separate reads.
type readPhase int

const (
	phaseCmdHeader readPhase = iota // 2 bytes: command byte + key length
	phaseKey                        // keyLen bytes
	phaseValueSize                  // 8 bytes: new value length
	phaseValueBody                  // valSize bytes: new value content
)

// connState pairs a pooled conn.Conn with the raw, byte-level read/write
// buffering the shard's non-blocking epoll loop drives. conn.Conn itself
// knows nothing about sockets; connState is where wire bytes meet the FSM.
type connState struct {
	fd    int
	slot  int
	c     *conn.Conn
	phase readPhase
	rbuf  []byte
	rpos  int
	cmd   byte
	wbuf  []byte
	wpos  int
}

func (s *Shard) allocConnState(fd int) (*connState, bool) {
	if len(s.freeList) == 0 {
		return nil, false
	}
	i := s.freeList[len(s.freeList)-1]
	s.freeList = s.freeList[:len(s.freeList)-1]

	cs := s.pool[i]
	if cs == nil {
		cs = &connState{slot: i, c: conn.New()}
		s.pool[i] = cs
	}
	cs.fd = fd
	cs.c.Reset(fd)
	cs.phase = phaseCmdHeader
	cs.rbuf = make([]byte, 2)
	cs.rpos = 0
	cs.wbuf = nil
	cs.wpos = 0
	s.byFd[fd] = cs
	return cs, true
}

func (s *Shard) freeConnState(cs *connState) {
	delete(s.byFd, cs.fd)
	s.freeList = append(s.freeList, cs.slot)
}
