package raft

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kvshard/kvshard/internal/wire"
	"github.com/rs/zerolog"
)

// TCPTransport implements Transport over plain TCP, speaking the Raft peer
// protocol of spec.md §6: a single command byte followed by the request's
// fixed encoding, then a fixed-size reply. Connections are dialed lazily
// and cached per machine; any I/O error drops the cached connection so the
// next round redials (spec.md §7: "transient connection failures... drop
// and let the leader retry in the next broadcast").
type TCPTransport struct {
	mu     sync.Mutex
	conns  map[uint32]net.Conn
	logger zerolog.Logger
}

// NewTCPTransport returns an empty transport; connections are established
// on first use.
func NewTCPTransport(logger zerolog.Logger) *TCPTransport {
	return &TCPTransport{conns: make(map[uint32]net.Conn), logger: logger}
}

func (t *TCPTransport) connFor(m Machine, timeout time.Duration) (net.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[m.ID]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	addr := net.JoinHostPort(m.Addr.String(), strconv.Itoa(int(m.Port)))
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.conns[m.ID] = c
	t.mu.Unlock()
	return c, nil
}

func (t *TCPTransport) drop(m Machine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[m.ID]; ok {
		c.Close()
		delete(t.conns, m.ID)
	}
}

func (t *TCPTransport) roundTrip(m Machine, timeout time.Duration, cmd byte, payload []byte, replySize int) ([]byte, error) {
	c, err := t.connFor(m, timeout)
	if err != nil {
		return nil, err
	}
	c.SetDeadline(time.Now().Add(timeout))
	if _, err := c.Write([]byte{cmd}); err != nil {
		t.drop(m)
		return nil, err
	}
	if _, err := c.Write(payload); err != nil {
		t.drop(m)
		return nil, err
	}
	reply := make([]byte, replySize)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.drop(m)
		return nil, err
	}
	return reply, nil
}

func (t *TCPTransport) SendRequestVote(m Machine, req RequestVoteReq, timeout time.Duration) (RequestVoteRes, error) {
	reply, err := t.roundTrip(m, timeout, wire.CmdRequestVote, req.Encode(), 9)
	if err != nil {
		return RequestVoteRes{}, err
	}
	return DecodeRequestVoteRes(reply)
}

func (t *TCPTransport) SendAppendLog(m Machine, req AppendLogReq, timeout time.Duration) (AppendLogRes, error) {
	reply, err := t.roundTrip(m, timeout, wire.CmdAppendLog, req.Encode(), 9)
	if err != nil {
		return AppendLogRes{}, err
	}
	return DecodeAppendLogRes(reply)
}

func (t *TCPTransport) SendHeartbeat(m Machine, req HeartbeatReq, timeout time.Duration) (AppendLogRes, error) {
	reply, err := t.roundTrip(m, timeout, wire.CmdHeartbeat, req.Encode(), 9)
	if err != nil {
		return AppendLogRes{}, err
	}
	return DecodeAppendLogRes(reply)
}
