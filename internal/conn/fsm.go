package conn

import (
	"fmt"

	"github.com/kvshard/kvshard/internal/kv"
	"github.com/kvshard/kvshard/internal/wire"
)

// HandleCommand dispatches a fully-read GET_OR_SET or DEL frame from
// StateInCmd (spec.md §4.8).
func (c *Conn) HandleCommand(sh ShardContext, cmd byte, key []byte) error {
	switch cmd {
	case wire.CmdGetOrSet:
		return c.handleGetOrSet(sh, key)
	case wire.CmdDel:
		return c.handleDel(sh, key)
	default:
		return fmt.Errorf("conn: unknown command byte %#x", cmd)
	}
}

func (c *Conn) handleGetOrSet(sh ShardContext, key []byte) error {
	c.setKey(key)
	entry := sh.Index().Get(c.HashKey())
	switch e := entry.(type) {
	case nil:
		// Absent: install this connection as the key-lock placeholder.
		sh.Index().Insert(&c.hashNode, c)
		c.state = StateGetOutMiss
	case *kv.Record:
		c.borrower = e.Borrow(c)
		c.record = e
		sh.LRU().Touch(e)
		c.valSize = e.ValSize()
		c.state = StateGetOutHit
	case *Conn:
		// Another connection holds the key lock: park as a waiter and arm
		// its timeout clock.
		e.interest.pushFront(&c.interest)
		c.waiting = true
		sh.Clock().Arm(e)
		c.state = StateGetBlocked
	default:
		return fmt.Errorf("conn: unexpected hash entry type %T", entry)
	}
	return nil
}

func (c *Conn) handleDel(sh ShardContext, key []byte) error {
	c.setKey(key)
	entry := sh.Index().Get(c.HashKey())
	switch e := entry.(type) {
	case *kv.Record:
		e.Disable(sh.Index(), sh.LRU())
		if !e.HasBorrowers() {
			sh.Alloc().Free(e)
		}
	case *Conn:
		// A DEL racing an in-flight SET forcibly fails it, cascading to
		// whoever is parked on it (spec.md §4.8's DEL-on-placeholder case).
		e.forceFree(sh, true)
		e.state = StateInCmd
	}
	c.state = StateOutSuccess
	return nil
}

// OnValueSize processes the 8-byte value size a client sends after a MISS
// reply: zero cancels the SET, positive begins allocation and a value read
// (spec.md §4.8).
func (c *Conn) OnValueSize(sh ShardContext, size uint64) error {
	if size == 0 {
		c.cancelPlaceholder(sh)
		c.state = StateOutSuccess
		return nil
	}
	rec, err := sh.Alloc().Alloc(c.Key(), size)
	if err != nil {
		c.cancelPlaceholder(sh)
		c.state = StateOutSuccess
		return err
	}
	c.record = rec
	c.valSize = size
	c.state = StateSetInValue
	return nil
}

// OnValueComplete is called once ValSize() bytes of the new value have been
// read: it enables the record in place of the placeholder and wakes every
// waiter with a borrow on the new value (spec.md §4.8).
func (c *Conn) OnValueComplete(sh ShardContext, value []byte) {
	rec := c.record
	rec.SetValue(value)

	// The placeholder's hash slot becomes the record's. Go's stable
	// pointers make this a plain remove+insert rather than the in-place
	// soo/hash-node fixup spec.md's migrate_fn performs (see DESIGN.md).
	sh.Index().Remove(&c.hashNode)
	rec.Enable(sh.Index(), sh.LRU())
	sh.Clock().Disarm(c)

	c.wakeWaiters(rec)
	c.record = nil
	c.state = StateOutSuccess
}

func (c *Conn) wakeWaiters(rec *kv.Record) {
	for {
		waiter := c.interest.popFront()
		if waiter == nil {
			return
		}
		waiter.borrower = rec.Borrow(waiter)
		waiter.record = rec
		waiter.valSize = rec.ValSize()
		waiter.waiting = false
		waiter.state = StateGetOutHit
	}
}

func (c *Conn) cancelPlaceholder(sh ShardContext) {
	sh.Index().Remove(&c.hashNode)
	sh.Clock().Disarm(c)
	c.record = nil
	c.failWaiters(sh)
}

// failWaiters re-queues every parked waiter to re-run its GET_OR_SET from
// scratch; the first one scheduled becomes the new placeholder (spec.md
// §4.8, scenario 3).
func (c *Conn) failWaiters(sh ShardContext) {
	for {
		waiter := c.interest.popFront()
		if waiter == nil {
			return
		}
		waiter.waiting = false
		sh.Clock().Disarm(waiter)
		_ = waiter.handleGetOrSet(sh, waiter.Key())
	}
}

// OnReplyComplete finishes any write-side state (OUT_SUCCESS, a GET hit, or
// a GET miss's first half), releasing a borrow if held and returning to
// StateInCmd to await the next command.
func (c *Conn) OnReplyComplete() {
	if c.borrower != nil {
		c.borrower.Release()
		c.borrower = nil
	}
	c.record = nil
	if c.state == StateGetOutMiss {
		c.state = StateSetInValueSize
		return
	}
	c.state = StateInCmd
}

// forceFree tears c down as a placeholder: removes it from the hash index,
// disarms its clock, frees any record it had begun allocating for an
// in-flight SET, and — when cascade is set — fails every parked waiter so
// each re-runs its GET (spec.md §4.8's failure cascade).
func (c *Conn) forceFree(sh ShardContext, cascade bool) {
	sh.Index().Remove(&c.hashNode)
	sh.Clock().Disarm(c)
	if c.record != nil {
		sh.Alloc().Free(c.record)
		c.record = nil
	}
	if cascade {
		c.failWaiters(sh)
	}
}

// Free releases every resource c holds — any borrow, any placeholder
// (cascading failure to its waiters), its clock registration, and its
// parked-waiter membership on someone else's interest list — on any socket
// error or peer close (spec.md §4.8's free_conn).
func (c *Conn) Free(sh ShardContext) {
	if c.borrower != nil {
		c.borrower.Release()
		c.borrower = nil
	}
	if c.state.KeyLocked() {
		c.forceFree(sh, true)
	}
	if c.waiting {
		c.interest.remove()
		c.waiting = false
	}
	sh.Clock().Disarm(c)
	c.record = nil
	c.state = StateInCmd
}
