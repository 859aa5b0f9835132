package raft

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/kvshard/kvshard/internal/wire"
	"github.com/kvshard/kvshard/pkg/log"
	"github.com/rs/zerolog"
)

// AdminServer accepts connections on the Raft admin/peer port (spec.md §6's
// port+1) and dispatches each command byte to the Node that owns cluster
// state. Commands below wire.AdminDivider are the peer RPCs and the
// INIT_CLUSTER, CHANGE_CLUSTER and LEADER admin requests; CLUSTER and
// AUTHORITY sit at or above it. serve dispatches every command it knows
// without consulting the divider; CONNECT has no handler and is logged as
// unknown.
type AdminServer struct {
	addr string
	node *Node
	log  zerolog.Logger
}

// NewAdminServer creates a server that will dispatch to node.
func NewAdminServer(addr string, node *Node) *AdminServer {
	return &AdminServer{addr: addr, node: node, log: log.WithComponent("raft-admin")}
}

// Run accepts connections until Accept returns any error (including the
// listener being closed).
func (s *AdminServer) Run() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("raft: admin listen %s: %w", s.addr, err)
	}
	defer ln.Close()

	s.log.Info().Str("addr", s.addr).Msg("listening")
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("raft: admin accept: %w", err)
		}
		go s.serve(c)
	}
}

// serve reads one command byte and either replies once (a peer RPC or a
// one-shot admin query) or switches into a dedicated streaming loop
// (CLUSTER, AUTHORITY), matching spec.md §6's per-command framing.
func (s *AdminServer) serve(c net.Conn) {
	defer c.Close()

	var cmd [1]byte
	if _, err := io.ReadFull(c, cmd[:]); err != nil {
		return
	}

	switch cmd[0] {
	case wire.CmdRequestVote:
		s.handleRequestVote(c)
	case wire.CmdAppendLog:
		s.handleAppendLog(c)
	case wire.CmdHeartbeat:
		s.handleHeartbeat(c)
	case wire.CmdInitCluster:
		s.handleInitCluster(c)
	case wire.CmdChangeCluster:
		s.handleChangeCluster(c)
	case wire.CmdLeader:
		s.handleLeader(c)
	case wire.CmdCluster:
		s.handleCluster(c)
	case wire.CmdAuthority:
		s.handleAuthority(c)
	default:
		s.log.Warn().Uint8("cmd", cmd[0]).Msg("unknown admin command")
	}
}

func (s *AdminServer) handleRequestVote(c net.Conn) {
	buf := make([]byte, 28)
	if _, err := io.ReadFull(c, buf); err != nil {
		return
	}
	req, err := DecodeRequestVoteReq(buf)
	if err != nil {
		return
	}
	res := s.node.HandleRequestVote(req)
	c.Write(res.Encode())
}

func (s *AdminServer) handleAppendLog(c net.Conn) {
	header := make([]byte, appendLogHeaderSize)
	if _, err := io.ReadFull(c, header); err != nil {
		return
	}
	machinesSize := binary.BigEndian.Uint64(header[1:9])
	buf := make([]byte, appendLogHeaderSize+int(machinesSize))
	copy(buf, header)
	if _, err := io.ReadFull(c, buf[appendLogHeaderSize:]); err != nil {
		return
	}
	req, err := DecodeAppendLogReq(buf)
	if err != nil {
		return
	}
	res := s.node.HandleAppendLog(req)
	c.Write(res.Encode())
}

func (s *AdminServer) handleHeartbeat(c net.Conn) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(c, buf); err != nil {
		return
	}
	req, err := DecodeHeartbeatReq(buf)
	if err != nil {
		return
	}
	res := s.node.HandleHeartbeat(req)
	c.Write(res.Encode())
}

func (s *AdminServer) readChangeClusterReq(c net.Conn) (ChangeClusterReq, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c, header); err != nil {
		return ChangeClusterReq{}, err
	}
	size := binary.BigEndian.Uint64(header)
	buf := make([]byte, 8+int(size))
	copy(buf, header)
	if _, err := io.ReadFull(c, buf[8:]); err != nil {
		return ChangeClusterReq{}, err
	}
	return DecodeChangeClusterReq(buf)
}

func (s *AdminServer) handleInitCluster(c net.Conn) {
	req, err := s.readChangeClusterReq(c)
	if err != nil {
		return
	}
	var ok bool
	if err := s.node.HandleInitCluster(req); err == nil {
		ok = true
	} else {
		s.log.Warn().Err(err).Msg("init-cluster rejected")
	}
	c.Write([]byte{boolByte(ok)})
}

func (s *AdminServer) handleChangeCluster(c net.Conn) {
	req, err := s.readChangeClusterReq(c)
	if err != nil {
		return
	}
	var ok bool
	if err := s.node.HandleChangeCluster(req); err == nil {
		ok = true
	} else {
		s.log.Warn().Err(err).Msg("change-cluster rejected")
	}
	c.Write([]byte{boolByte(ok)})
}

func (s *AdminServer) handleLeader(c net.Conn) {
	c.Write(s.node.HandleLeader().Encode())
}

// handleCluster streams a count byte followed by one ClusterRes frame per
// log the node currently holds (the stable log, plus the unstable log if a
// reconfiguration is in flight).
func (s *AdminServer) handleCluster(c net.Conn) {
	frames := s.node.HandleCluster()
	c.Write([]byte{byte(len(frames))})
	for _, res := range frames {
		c.Write(res.Encode())
	}
}

// handleAuthority implements the AUTHORITY stream (spec.md §4.12): every
// byte received after the command byte counts as one approval request,
// with no per-caller attribution, and the leader writes back a batch as
// soon as one is flushed for a config committed in the current term.
func (s *AdminServer) handleAuthority(c net.Conn) {
	sess := s.node.OpenAuthority()
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				sess.Feed(n)
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case approval, ok := <-sess.Approvals():
			if !ok {
				<-done
				return
			}
			if _, err := c.Write(approval.Encode()); err != nil {
				<-done
				return
			}
		case <-done:
			return
		}
	}
}
