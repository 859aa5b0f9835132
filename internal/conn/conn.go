package conn

import (
	"github.com/kvshard/kvshard/internal/hashindex"
	"github.com/kvshard/kvshard/internal/kv"
)

// keyBufSize is the fixed key buffer: 1 length byte plus KeySizeMax content
// bytes (spec.md §3, §10 supplement over the original's raw 256-byte buffer).
const keyBufSize = 1 + kv.KeySizeMax

// ShardContext is the slice of shard-owned state the connection FSM reads
// and mutates. It is declared here, not imported from package shard, so
// that conn has no dependency on shard; shard.Shard implements it.
type ShardContext interface {
	Index() *hashindex.Index
	Alloc() *kv.Allocator
	LRU() *kv.LRU
	Clock() *Clock
}

// Conn is one client connection (spec.md §3). Instances are drawn from a
// shard-local fixed pool sized by MaxConnPerThread; Reset prepares a pooled
// instance for reuse.
type Conn struct {
	Fd    int
	state State

	keyBuf [keyBufSize]byte
	keyLen int

	valSize uint64

	borrower *kv.Borrower
	record   *kv.Record

	hashNode hashindex.Node

	interest interestNode
	waiting  bool

	clock clockNode
}

// New creates a Conn ready for use. Pools should call Reset instead once a
// slot is recycled.
func New() *Conn {
	c := &Conn{}
	c.interest.initSentinel()
	c.interest.conn = c
	c.clock.conn = c
	return c
}

// Reset restores c to its zero FSM state for reuse from the connection pool.
func (c *Conn) Reset(fd int) {
	c.Fd = fd
	c.state = StateInCmd
	c.keyLen = 0
	c.valSize = 0
	c.borrower = nil
	c.record = nil
	c.interest.initSentinel()
	c.waiting = false
	c.clock.ticksLeft = 0
	c.clock.next = nil
	c.clock.prev = nil
}

// State returns the connection's current FSM state.
func (c *Conn) State() State { return c.state }

// ValSize returns the in-flight value size for the current GET hit or SET.
func (c *Conn) ValSize() uint64 { return c.valSize }

// Record returns the record this connection currently holds a borrow or
// in-progress allocation for, or nil.
func (c *Conn) Record() *kv.Record { return c.record }

// HashKey implements hashindex.Entry: a connection answers the same
// length-prefixed-key probe a *kv.Record does while it occupies a bucket
// slot as a key-lock placeholder (spec.md §4.8, §9).
func (c *Conn) HashKey() []byte {
	return c.keyBuf[0 : 1+c.keyLen]
}

// Key returns the connection's buffered key content, without its length
// prefix.
func (c *Conn) Key() []byte {
	return c.keyBuf[1 : 1+c.keyLen]
}

func (c *Conn) setKey(key []byte) {
	c.keyLen = len(key)
	c.keyBuf[0] = byte(len(key))
	copy(c.keyBuf[1:], key)

	// Zero-fill to the next 8-byte boundary so an 8-byte-stride key
	// comparison is well defined (spec.md §4.8); Go's bytes.Equal does not
	// need this, but the buffer is kept padded for textual fidelity with
	// the source layout (see DESIGN.md).
	padded := (1 + len(key) + 7) &^ 7
	for i := 1 + len(key); i < padded && i < len(c.keyBuf); i++ {
		c.keyBuf[i] = 0
	}
}
