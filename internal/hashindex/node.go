package hashindex

// Entry is anything that can live in a hash bucket chain: a live KV record
// or a connection installed as a key-lock placeholder (spec.md §3, §4.8,
// §9 — "hash bucket entries that can be either a record or a connection
// placeholder"). Both answer the same length-prefixed-key probe.
type Entry interface {
	// HashKey returns the record's key in length-prefixed form: byte 0 is
	// the key length, bytes [1:1+length] are the key content. Spec.md §3
	// additionally zero-pads this in memory to an 8-byte boundary so a C
	// implementation can compare keys with an 8-byte-stride loop; Go's
	// slice equality needs no such padding, so HashKey need only return
	// the meaningful prefix (see DESIGN.md).
	HashKey() []byte
}

// Node is the intrusive hash-chain link embedded by every Entry. Buckets
// are circular doubly-linked lists headed by a sentinel Node so that
// removal is O(1) without the pointer-to-a-pointer trick spec.md §9 asks
// us not to replicate: a fix-up after relocation is just
// node.prev.next = node; node.next.prev = node.
type Node struct {
	prev, next *Node
	Owner      Entry
}

func (n *Node) initSentinel() {
	n.prev = n
	n.next = n
	n.Owner = nil
}

// Init prepares a Node for use as a chain member before Insert.
func (n *Node) Init(owner Entry) {
	n.prev = nil
	n.next = nil
	n.Owner = owner
}

// Linked reports whether the node is currently part of a bucket chain.
func (n *Node) Linked() bool { return n.next != nil }

func (head *Node) insert(n *Node) {
	n.next = head.next
	n.prev = head
	head.next.prev = n
	head.next = n
}

// Remove splices n out of whatever chain it is in. Safe to call only while
// Linked().
func (n *Node) Remove() {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
}

func (head *Node) empty() bool { return head.next == head }
