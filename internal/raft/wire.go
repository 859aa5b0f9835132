package raft

import (
	"fmt"

	"github.com/kvshard/kvshard/internal/wire"
)

// RequestVoteReq/Res implement REQUEST_VOTE (spec.md §6).
type RequestVoteReq struct {
	CandidateID uint32
	Term        uint64
	LogIndex    uint64
	LogTerm     uint64
}

type RequestVoteRes struct {
	Term    uint64
	Granted bool
}

func (r RequestVoteReq) Encode() []byte {
	buf := make([]byte, 4+8+8+8)
	wire.PutUint32(buf[0:4], r.CandidateID)
	wire.PutUint64(buf[4:12], r.Term)
	wire.PutUint64(buf[12:20], r.LogIndex)
	wire.PutUint64(buf[20:28], r.LogTerm)
	return buf
}

func DecodeRequestVoteReq(buf []byte) (RequestVoteReq, error) {
	if len(buf) < 28 {
		return RequestVoteReq{}, fmt.Errorf("raft: short REQUEST_VOTE request")
	}
	return RequestVoteReq{
		CandidateID: wire.Uint32(buf[0:4]),
		Term:        wire.Uint64(buf[4:12]),
		LogIndex:    wire.Uint64(buf[12:20]),
		LogTerm:     wire.Uint64(buf[20:28]),
	}, nil
}

func (r RequestVoteRes) Encode() []byte {
	buf := make([]byte, 9)
	wire.PutUint64(buf[0:8], r.Term)
	buf[8] = boolByte(r.Granted)
	return buf
}

func DecodeRequestVoteRes(buf []byte) (RequestVoteRes, error) {
	if len(buf) < 9 {
		return RequestVoteRes{}, fmt.Errorf("raft: short REQUEST_VOTE response")
	}
	return RequestVoteRes{Term: wire.Uint64(buf[0:8]), Granted: buf[8] != 0}, nil
}

// AppendLogReq/Res implement APPEND_LOG (spec.md §6): the header plus a
// machine array whose size is given by MachinesSize.
type AppendLogReq struct {
	Type                 Type
	Term                 uint64
	LeaderID             uint32
	FollowerID           uint32
	LogIndex             uint64
	LogTerm              uint64
	Version              uint64
	NextMachineVersion   uint64
	NextMachineID        uint32
	NewMachineNr         uint32
	DistinctMachinesN    uint64
	Machines             []Machine
}

type AppendLogRes struct {
	Term    uint64
	Applied bool
}

const appendLogHeaderSize = 1 + 8 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4 + 8

func (r AppendLogReq) Encode() []byte {
	machinesBuf := EncodeMachines(r.Machines)
	buf := make([]byte, appendLogHeaderSize+len(machinesBuf))
	buf[0] = byte(r.Type)
	wire.PutUint64(buf[1:9], uint64(len(machinesBuf)))
	wire.PutUint64(buf[9:17], r.Term)
	wire.PutUint32(buf[17:21], r.LeaderID)
	wire.PutUint32(buf[21:25], r.FollowerID)
	wire.PutUint64(buf[25:33], r.LogIndex)
	wire.PutUint64(buf[33:41], r.LogTerm)
	wire.PutUint64(buf[41:49], r.Version)
	wire.PutUint64(buf[49:57], r.NextMachineVersion)
	wire.PutUint32(buf[57:61], r.NextMachineID)
	wire.PutUint32(buf[61:65], r.NewMachineNr)
	wire.PutUint64(buf[65:73], r.DistinctMachinesN)
	copy(buf[appendLogHeaderSize:], machinesBuf)
	return buf
}

func DecodeAppendLogReq(buf []byte) (AppendLogReq, error) {
	if len(buf) < appendLogHeaderSize {
		return AppendLogReq{}, fmt.Errorf("raft: short APPEND_LOG header")
	}
	machinesSize := wire.Uint64(buf[1:9])
	req := AppendLogReq{
		Type:               Type(buf[0]),
		Term:               wire.Uint64(buf[9:17]),
		LeaderID:           wire.Uint32(buf[17:21]),
		FollowerID:         wire.Uint32(buf[21:25]),
		LogIndex:           wire.Uint64(buf[25:33]),
		LogTerm:            wire.Uint64(buf[33:41]),
		Version:            wire.Uint64(buf[41:49]),
		NextMachineVersion: wire.Uint64(buf[49:57]),
		NextMachineID:      wire.Uint32(buf[57:61]),
		NewMachineNr:       wire.Uint32(buf[61:65]),
		DistinctMachinesN:  wire.Uint64(buf[65:73]),
	}
	n := int(machinesSize / wire.MachineSize)
	machines, err := DecodeMachines(buf[appendLogHeaderSize:], n)
	if err != nil {
		return AppendLogReq{}, err
	}
	req.Machines = machines
	return req, nil
}

func (r AppendLogRes) Encode() []byte {
	buf := make([]byte, 9)
	wire.PutUint64(buf[0:8], r.Term)
	buf[8] = boolByte(r.Applied)
	return buf
}

func DecodeAppendLogRes(buf []byte) (AppendLogRes, error) {
	if len(buf) < 9 {
		return AppendLogRes{}, fmt.Errorf("raft: short APPEND_LOG response")
	}
	return AppendLogRes{Term: wire.Uint64(buf[0:8]), Applied: buf[8] != 0}, nil
}

// HeartbeatReq carries only the leader's term; its response shares
// AppendLogRes's shape (spec.md §6).
type HeartbeatReq struct {
	Term uint64
}

func (r HeartbeatReq) Encode() []byte {
	buf := make([]byte, 8)
	wire.PutUint64(buf, r.Term)
	return buf
}

func DecodeHeartbeatReq(buf []byte) (HeartbeatReq, error) {
	if len(buf) < 8 {
		return HeartbeatReq{}, fmt.Errorf("raft: short HEARTBEAT request")
	}
	return HeartbeatReq{Term: wire.Uint64(buf)}, nil
}

// ChangeClusterReq carries the proposed machine list for INIT_CLUSTER and
// CHANGE_CLUSTER (spec.md §6); both share this shape.
type ChangeClusterReq struct {
	Machines []Machine
}

func (r ChangeClusterReq) Encode() []byte {
	machinesBuf := EncodeMachines(r.Machines)
	buf := make([]byte, 8+len(machinesBuf))
	wire.PutUint64(buf[0:8], uint64(len(machinesBuf)))
	copy(buf[8:], machinesBuf)
	return buf
}

func DecodeChangeClusterReq(buf []byte) (ChangeClusterReq, error) {
	if len(buf) < 8 {
		return ChangeClusterReq{}, fmt.Errorf("raft: short cluster-change header")
	}
	size := wire.Uint64(buf[0:8])
	n := int(size / wire.MachineSize)
	machines, err := DecodeMachines(buf[8:], n)
	if err != nil {
		return ChangeClusterReq{}, err
	}
	return ChangeClusterReq{Machines: machines}, nil
}

// LeaderRes answers LEADER: the known leader's address, port, and whether
// leadership is currently considered lost.
type LeaderRes struct {
	Addr [16]byte
	Port uint16
	Lost bool
}

func (r LeaderRes) Encode() []byte {
	buf := make([]byte, 19)
	copy(buf[0:16], r.Addr[:])
	wire.PutUint16(buf[16:18], r.Port)
	buf[18] = boolByte(r.Lost)
	return buf
}

func DecodeLeaderRes(buf []byte) (LeaderRes, error) {
	if len(buf) < 19 {
		return LeaderRes{}, fmt.Errorf("raft: short LEADER response")
	}
	var res LeaderRes
	copy(res.Addr[:], buf[0:16])
	res.Port = wire.Uint16(buf[16:18])
	res.Lost = buf[18] != 0
	return res, nil
}

// ClusterRes is one streamed frame of the CLUSTER reply: the log's type,
// version, and machine array.
type ClusterRes struct {
	Type     Type
	Version  uint64
	Machines []Machine
}

func (r ClusterRes) Encode() []byte {
	machinesBuf := EncodeMachines(r.Machines)
	buf := make([]byte, 1+8+8+len(machinesBuf))
	buf[0] = byte(r.Type)
	wire.PutUint64(buf[1:9], uint64(len(machinesBuf)))
	wire.PutUint64(buf[9:17], r.Version)
	copy(buf[17:], machinesBuf)
	return buf
}

func DecodeClusterRes(buf []byte) (ClusterRes, error) {
	if len(buf) < 17 {
		return ClusterRes{}, fmt.Errorf("raft: short CLUSTER response header")
	}
	size := wire.Uint64(buf[1:9])
	n := int(size / wire.MachineSize)
	machines, err := DecodeMachines(buf[17:], n)
	if err != nil {
		return ClusterRes{}, err
	}
	return ClusterRes{Type: Type(buf[0]), Version: wire.Uint64(buf[9:17]), Machines: machines}, nil
}

// ConnectReq implements CONNECT: promote this connection into a data-plane
// shard connection handed to ThreadID.
type ConnectReq struct {
	ThreadID uint32
}

func (r ConnectReq) Encode() []byte {
	buf := make([]byte, 4)
	wire.PutUint32(buf, r.ThreadID)
	return buf
}

func DecodeConnectReq(buf []byte) (ConnectReq, error) {
	if len(buf) < 4 {
		return ConnectReq{}, fmt.Errorf("raft: short CONNECT request")
	}
	return ConnectReq{ThreadID: wire.Uint32(buf)}, nil
}

// AuthorityApproval is one streamed batch reply on an AUTHORITY session.
type AuthorityApproval struct {
	Version uint64
	Count   uint64
}

func (r AuthorityApproval) Encode() []byte {
	buf := make([]byte, 16)
	wire.PutUint64(buf[0:8], r.Version)
	wire.PutUint64(buf[8:16], r.Count)
	return buf
}

func DecodeAuthorityApproval(buf []byte) (AuthorityApproval, error) {
	if len(buf) < 16 {
		return AuthorityApproval{}, fmt.Errorf("raft: short authority approval")
	}
	return AuthorityApproval{Version: wire.Uint64(buf[0:8]), Count: wire.Uint64(buf[8:16])}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
