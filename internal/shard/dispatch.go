package shard

import (
	"sync"

	"golang.org/x/sys/unix"
)

// dispatchQueue is the listener→shard fd hand-off (spec.md §4.10, §5).
// Go cannot smuggle a file descriptor inside an eventfd's 8-byte counter
// the way the source's C does; here the eventfd is purely a wakeup signal
// and the fd itself travels over this small mutex-guarded queue (see
// DESIGN.md).
type dispatchQueue struct {
	mu  sync.Mutex
	fds []int
}

func (q *dispatchQueue) push(fd int) {
	q.mu.Lock()
	q.fds = append(q.fds, fd)
	q.mu.Unlock()
}

func (q *dispatchQueue) drain() []int {
	q.mu.Lock()
	fds := q.fds
	q.fds = nil
	q.mu.Unlock()
	return fds
}

// Dispatch hands fd to this shard from the listener goroutine: it is queued
// and the shard's eventfd is bumped so the epoll loop wakes and absorbs it.
func (s *Shard) Dispatch(fd int) error {
	s.queue.push(fd)
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(s.eventFd, buf[:])
	return err
}

func (s *Shard) drainDispatch() {
	var buf [8]byte
	unix.Read(s.eventFd, buf[:])
	for _, fd := range s.queue.drain() {
		s.acceptDispatched(fd)
	}
}

func (s *Shard) acceptDispatched(fd int) {
	cs, ok := s.allocConnState(fd)
	if !ok {
		s.log.Warn().Int("fd", fd).Msg("connection pool exhausted, dropping fd")
		unix.Close(fd)
		return
	}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		s.log.Error().Err(err).Int("fd", fd).Msg("epoll_ctl add failed")
		s.freeConnState(cs)
		unix.Close(fd)
	}
}
