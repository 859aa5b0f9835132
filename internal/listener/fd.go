package listener

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// fdOf extracts a raw, non-blocking file descriptor from an accepted TCP
// connection for hand-off to a shard's epoll loop, then closes Go's
// net.Conn wrapper. The fd itself is duplicated first so closing the
// wrapper does not also close the descriptor the shard is about to own.
func fdOf(c net.Conn) (int, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return -1, fmt.Errorf("listener: connection is not *net.TCPConn (%T)", c)
	}
	sc, err := tc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("listener: syscall conn: %w", err)
	}

	var dup int
	var dupErr error
	err = sc.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return -1, fmt.Errorf("listener: control: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("listener: dup: %w", dupErr)
	}

	// The original net.Conn is no longer needed; the shard now owns dup.
	tc.Close()

	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return -1, fmt.Errorf("listener: set nonblock: %w", err)
	}
	return dup, nil
}
