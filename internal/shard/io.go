package shard

import (
	"errors"
	"fmt"

	"github.com/kvshard/kvshard/internal/conn"
	"github.com/kvshard/kvshard/internal/wire"
	"golang.org/x/sys/unix"
)

const maxEvents = 256

// Run starts the shard's epoll loop. It returns only on an unrecoverable
// epoll_wait error; normal per-connection errors are handled internally by
// freeing the offending connection (spec.md §4.8's free_conn).
func (s *Shard) Run() error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("shard %d: epoll_wait: %w", s.id, err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			switch fd {
			case s.eventFd:
				s.drainDispatch()
			case s.timerFd:
				s.onTick()
			default:
				s.onConnEvent(fd, ev.Events)
			}
		}
	}
}

func (s *Shard) onConnEvent(fd int, events uint32) {
	cs, ok := s.byFd[fd]
	if !ok {
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.closeConn(cs, fmt.Errorf("shard %d: fd %d: hup/err", s.id, fd))
		return
	}

	readiness := cs.c.State().Readiness()
	if readiness == conn.ReadinessIn && events&unix.EPOLLIN != 0 {
		s.driveRead(cs)
	} else if readiness == conn.ReadinessOut && events&unix.EPOLLOUT != 0 {
		s.driveWrite(cs)
	}
}

// driveRead pumps bytes off cs.fd into cs.rbuf until either the current
// phase is satisfied (advancing the FSM and possibly looping into the next
// phase) or the socket would block, per spec.md §5's non-blocking model.
func (s *Shard) driveRead(cs *connState) {
	for {
		if cs.rpos < len(cs.rbuf) {
			n, err := unix.Read(cs.fd, cs.rbuf[cs.rpos:])
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					return
				}
				s.closeConn(cs, err)
				return
			}
			if n == 0 {
				s.closeConn(cs, fmt.Errorf("shard %d: fd %d: peer closed", s.id, cs.fd))
				return
			}
			cs.rpos += n
			if cs.rpos < len(cs.rbuf) {
				return
			}
		}
		if !s.completeReadPhase(cs) {
			return
		}
	}
}

// completeReadPhase is called once cs.rbuf is fully populated. It drives
// the conn FSM forward and arms the next read phase, returning false if the
// loop in driveRead should stop (state now wants EPOLLOUT, or awaiting a
// later read phase this call already queued).
func (s *Shard) completeReadPhase(cs *connState) bool {
	switch cs.phase {
	case phaseCmdHeader:
		cs.cmd = cs.rbuf[0]
		keyLen := int(cs.rbuf[1])
		if keyLen > wire.KeySizeMax {
			s.closeConn(cs, fmt.Errorf("shard %d: fd %d: invalid key length %d", s.id, cs.fd, keyLen))
			return false
		}
		cs.phase = phaseKey
		cs.rbuf = make([]byte, keyLen)
		cs.rpos = 0
		return true

	case phaseKey:
		key := append([]byte(nil), cs.rbuf...)
		if err := cs.c.HandleCommand(s, cs.cmd, key); err != nil {
			s.closeConn(cs, err)
			return false
		}
		return s.afterStateChange(cs)

	case phaseValueSize:
		size := wire.Uint64(cs.rbuf)
		if err := cs.c.OnValueSize(s, size); err != nil {
			s.log.Warn().Err(err).Int("fd", cs.fd).Msg("set allocation failed")
		}
		return s.afterStateChange(cs)

	case phaseValueBody:
		cs.c.OnValueComplete(s, append([]byte(nil), cs.rbuf...))
		return s.afterStateChange(cs)
	}
	return false
}

// afterStateChange arms the connection's next I/O phase based on its
// current conn.State, after a command was just handled.
func (s *Shard) afterStateChange(cs *connState) bool {
	st := cs.c.State()
	switch st {
	case conn.StateSetInValueSize:
		cs.phase = phaseValueSize
		cs.rbuf = make([]byte, 8)
		cs.rpos = 0
		return true
	case conn.StateSetInValue:
		cs.phase = phaseValueBody
		cs.rbuf = make([]byte, cs.c.ValSize())
		cs.rpos = 0
		return true
	case conn.StateGetBlocked:
		return false // no readiness until another connection wakes it
	default:
		s.armWrite(cs)
		return false
	}
}

// armWrite builds the outgoing reply buffer for the connection's current
// write state and switches the fd's epoll interest to EPOLLOUT.
func (s *Shard) armWrite(cs *connState) {
	switch cs.c.State() {
	case conn.StateOutSuccess:
		cs.wbuf = []byte{0}
	case conn.StateGetOutHit:
		val := cs.c.Record().Value()
		buf := make([]byte, 9+len(val))
		wire.PutUint64(buf[0:8], cs.c.ValSize())
		buf[8] = 0
		copy(buf[9:], val)
		cs.wbuf = buf
	case conn.StateGetOutMiss:
		buf := make([]byte, 9)
		buf[8] = 1
		cs.wbuf = buf
	default:
		return
	}
	cs.wpos = 0
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, cs.fd, &unix.EpollEvent{
		Events: unix.EPOLLOUT,
		Fd:     int32(cs.fd),
	}); err != nil {
		s.closeConn(cs, err)
	}
}

func (s *Shard) driveWrite(cs *connState) {
	for cs.wpos < len(cs.wbuf) {
		n, err := unix.Write(cs.fd, cs.wbuf[cs.wpos:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			s.closeConn(cs, err)
			return
		}
		cs.wpos += n
	}

	cs.c.OnReplyComplete()
	cs.phase = phaseCmdHeader
	cs.rbuf = make([]byte, 2)
	cs.rpos = 0

	if cs.c.State() == conn.StateSetInValueSize {
		cs.phase = phaseValueSize
		cs.rbuf = make([]byte, 8)
	}

	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, cs.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(cs.fd),
	}); err != nil {
		s.closeConn(cs, err)
	}
}

// closeConn implements spec.md §4.8's free_conn: any syscall error other
// than would-block releases the connection's held resources and returns
// its slot to the pool.
func (s *Shard) closeConn(cs *connState, cause error) {
	if cause != nil {
		s.log.Warn().Err(cause).Int("fd", cs.fd).Msg("connection closed")
	}
	cs.c.Free(s)
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, cs.fd, nil)
	unix.Close(cs.fd)
	s.freeConnState(cs)
}

// onTick advances the per-key timeout clock by one period: any placeholder
// whose countdown reached zero is treated exactly like a dead connection
// (spec.md §4.9's "A is force-closed by the clock"), which also cascades
// failure to whoever was parked waiting on it.
func (s *Shard) onTick() {
	var buf [8]byte
	unix.Read(s.timerFd, buf[:])
	for _, victim := range s.clock.Tick() {
		if cs, ok := s.csForConn(victim); ok {
			s.closeConn(cs, fmt.Errorf("shard %d: fd %d: key-lock timeout", s.id, cs.fd))
		}
	}
}

// csForConn finds the connState wrapping c. The clock list only ever holds
// connections owned by this shard's own pool, so a linear scan over a
// small, fixed-size pool is simpler and plenty fast compared to threading a
// back-pointer through conn.Conn just for this one rare path.
func (s *Shard) csForConn(c *conn.Conn) (*connState, bool) {
	for _, cs := range s.byFd {
		if cs.c == c {
			return cs, true
		}
	}
	return nil, false
}
