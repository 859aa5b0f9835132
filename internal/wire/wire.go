// Package wire holds the binary, big-endian framing shared by the
// data-plane protocol, the shard-selection handshake, and the Raft peer/
// admin protocol (spec.md §6).
package wire

import "encoding/binary"

// Data-plane command bytes (spec.md §6).
const (
	CmdGetOrSet byte = 0x00
	CmdDel      byte = 0x01
)

// KeySizeMax bounds a data-plane key length.
const KeySizeMax = 255

// PutUint64/GetUint64 etc. are thin re-exports so callers outside this
// package need only import "wire" for both constants and codec helpers.
var (
	PutUint64 = binary.BigEndian.PutUint64
	PutUint32 = binary.BigEndian.PutUint32
	PutUint16 = binary.BigEndian.PutUint16
	Uint64    = binary.BigEndian.Uint64
	Uint32    = binary.BigEndian.Uint32
	Uint16    = binary.BigEndian.Uint16
)

// MachineSize is the wire size of one Raft Machine record: 16-byte address,
// 2-byte port, 4-byte id, 8-byte stability, 8-byte version, padded to 8
// bytes (spec.md §6).
const MachineSize = (16 + 2 + 4 + 8 + 8 + 7) &^ 7

// Raft command bytes. The first six are admin-only; AdminDivider marks the
// boundary spec.md §6 rejects on non-admin connections.
const (
	CmdRequestVote byte = iota
	CmdAppendLog
	CmdHeartbeat
	CmdInitCluster
	CmdChangeCluster
	CmdLeader
	CmdCluster
	CmdConnect
	CmdAuthority
)

// AdminDivider is the first command byte outside the admin-only range:
// bytes below it are the admin-only commands. No code in this module checks
// a command byte against it; raft.AdminServer dispatches every known command.
const AdminDivider = CmdCluster
