// Package shard implements the per-worker event loop of spec.md §4.10/§5:
// one goroutine per shard, driving an epoll instance over its own
// connection pool with no locking and no shared mutable state. The only
// cross-goroutine hand-off is fd dispatch from the listener (dispatch.go).
package shard

import (
	"fmt"

	"github.com/kvshard/kvshard/internal/conn"
	"github.com/kvshard/kvshard/internal/hashindex"
	"github.com/kvshard/kvshard/internal/kv"
	"github.com/kvshard/kvshard/internal/pagemem"
	"github.com/kvshard/kvshard/pkg/log"
	"github.com/kvshard/kvshard/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Config bounds one shard's resources (spec.md §6's compile-time constants,
// evenly divided by THREAD_NR before being handed to each shard).
type Config struct {
	ID           int
	MemLimit     uint64
	MaxConn      int
	TCPTimeoutMS int
}

// Shard owns one worker's memory accountant, hash index, LRU, slab pools,
// connection pool, clock list, and epoll loop (spec.md §3). Never shared
// mutably with any other shard.
type Shard struct {
	id  int
	cfg Config
	log zerolog.Logger

	acct  *pagemem.Accountant
	index *hashindex.Index
	lru   *kv.LRU
	alloc *kv.Allocator
	clock *conn.Clock

	epfd    int
	eventFd int
	timerFd int

	pool     []*connState
	freeList []int
	byFd     map[int]*connState

	queue dispatchQueue
}

// New creates a shard and its epoll/eventfd/timerfd resources. Call Run to
// start its event loop.
func New(cfg Config) (*Shard, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shard %d: epoll_create1: %w", cfg.ID, err)
	}
	eventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("shard %d: eventfd: %w", cfg.ID, err)
	}

	acct := pagemem.NewAccountant(cfg.MemLimit)
	index := hashindex.New()
	lru := kv.NewLRU()
	allocator := kv.NewAllocator(acct, index, lru)

	s := &Shard{
		id:       cfg.ID,
		cfg:      cfg,
		log:      log.WithShard(cfg.ID),
		acct:     acct,
		index:    index,
		lru:      lru,
		alloc:    allocator,
		clock:    conn.NewClock(),
		epfd:     epfd,
		eventFd:  eventFd,
		pool:     make([]*connState, cfg.MaxConn),
		freeList: make([]int, cfg.MaxConn),
		byFd:     make(map[int]*connState, cfg.MaxConn),
	}
	for i := 0; i < cfg.MaxConn; i++ {
		s.freeList[i] = cfg.MaxConn - 1 - i
	}

	allocator.OnWarmedUp = func() {
		s.log.Info().Msg("shard warmed up: first LRU eviction")
	}
	allocator.OnEvict = func(r *kv.Record) {
		metrics.EvictionsTotal.WithLabelValues(shardLabel(cfg.ID)).Inc()
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, eventFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(eventFd),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(eventFd)
		return nil, fmt.Errorf("shard %d: epoll_ctl add eventfd: %w", cfg.ID, err)
	}

	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		unix.Close(eventFd)
		return nil, fmt.Errorf("shard %d: timerfd_create: %w", cfg.ID, err)
	}
	period := unix.NsecToTimespec(int64(cfg.TCPTimeoutMS) * int64(1_000_000))
	spec := &unix.ItimerSpec{Interval: period, Value: period}
	if err := unix.TimerfdSettime(timerFd, 0, spec, nil); err != nil {
		unix.Close(epfd)
		unix.Close(eventFd)
		unix.Close(timerFd)
		return nil, fmt.Errorf("shard %d: timerfd_settime: %w", cfg.ID, err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, timerFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(timerFd),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(eventFd)
		unix.Close(timerFd)
		return nil, fmt.Errorf("shard %d: epoll_ctl add timerfd: %w", cfg.ID, err)
	}
	s.timerFd = timerFd

	return s, nil
}

// Index, Alloc, LRU, and Clock implement conn.ShardContext.
func (s *Shard) Index() *hashindex.Index { return s.index }
func (s *Shard) Alloc() *kv.Allocator    { return s.alloc }
func (s *Shard) LRU() *kv.LRU            { return s.lru }
func (s *Shard) Clock() *conn.Clock      { return s.clock }

// ID returns the shard's index among THREAD_NR workers.
func (s *Shard) ID() int { return s.id }

// FreePages reports the shard's remaining page budget, for metrics.
func (s *Shard) FreePages() uint64 { return s.acct.FreePages() }

// KeysTotal reports the number of enabled records, for metrics.
func (s *Shard) KeysTotal() uint64 { return s.lru.Len() }

// ConnsTotal reports the number of connections currently in use.
func (s *Shard) ConnsTotal() int { return len(s.pool) - len(s.freeList) }

func shardLabel(id int) string { return fmt.Sprintf("%d", id) }
