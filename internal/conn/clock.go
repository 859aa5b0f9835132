package conn

// clockNode links a placeholder connection into the shard's timeout clock
// list (spec.md §4.9).
type clockNode struct {
	prev, next *clockNode
	conn       *Conn
	ticksLeft  int
}

func (n *clockNode) armed() bool { return n.next != nil }

// Clock is the shard-owned, timer-driven list of placeholders waiting on a
// peer to complete a SET. Ticking at period TcpTimeout, any placeholder
// whose countdown reaches zero is forcibly freed (spec.md §4.9).
type Clock struct {
	sentinel clockNode
}

// NewClock creates an empty clock list.
func NewClock() *Clock {
	c := &Clock{}
	c.sentinel.prev = &c.sentinel
	c.sentinel.next = &c.sentinel
	return c
}

// Arm starts c's countdown at 2 ticks if not already armed — the grace
// period a placeholder is granted the moment it gains its first waiter
// (spec.md §4.9).
func (cl *Clock) Arm(c *Conn) {
	if c.clock.armed() {
		return
	}
	c.clock.ticksLeft = 2
	n := &c.clock
	n.next = cl.sentinel.next
	n.prev = &cl.sentinel
	cl.sentinel.next.prev = n
	cl.sentinel.next = n
}

// Disarm cancels c's countdown. A no-op if c is not currently armed.
func (cl *Clock) Disarm(c *Conn) {
	n := &c.clock
	if !n.armed() {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
}

// Tick decrements every armed countdown by one tick and returns the
// connections whose countdown reached zero. The caller is responsible for
// forcibly freeing each one (Conn.Free), which also disarms it.
func (cl *Clock) Tick() []*Conn {
	var expired []*Conn
	for n := cl.sentinel.next; n != &cl.sentinel; {
		next := n.next
		n.ticksLeft--
		if n.ticksLeft <= 0 {
			expired = append(expired, n.conn)
		}
		n = next
	}
	return expired
}
