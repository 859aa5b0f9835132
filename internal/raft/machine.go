// Package raft implements the cluster-membership control plane of
// spec.md §4.11/§6: a Raft log whose entries are themselves machine
// configurations, joint-consensus reconfiguration, and the authority-token
// streaming protocol data-plane shards use to confirm cluster stability.
package raft

import (
	"bytes"
	"fmt"
	"net"
	"sort"

	"github.com/kvshard/kvshard/internal/wire"
)

// MachinesMin/MachinesMax bound a configuration's member count; it must
// also be a power of two (spec.md §4.11, `machines_size_valid`).
const (
	MachinesMin = 4
	MachinesMax = 1 << 20
)

// Machine is one cluster member: an address, a Raft peer id, a stability
// counter (its low bit is the current availability flag), and the log
// version at which it was last changed (spec.md §3's Machine record).
type Machine struct {
	Addr      net.IP
	Port      uint16
	ID        uint32
	Stability uint64
	Version   uint64
}

// Available reports the machine's current availability, encoded as the low
// bit of Stability (spec.md §4.11; flips only by incrementing, never by
// clearing, so a stale read always undercounts monotonically).
func (m Machine) Available() bool { return m.Stability&1 == 1 }

// SetAvailable flips Stability's low bit only if the availability actually
// changes, incrementing it by one (mirrors machine_set_stability).
func (m *Machine) SetAvailable(available bool) {
	if m.Available() != available {
		m.Stability++
	}
}

// addrCmp orders two machines by (address, port) lexicographically,
// matching machine_addr_cmp's memcmp over the packed in6_addr+port fields.
func addrCmp(a, b Machine) int {
	if c := bytes.Compare(a.Addr.To16(), b.Addr.To16()); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	default:
		return 0
	}
}

// SortByAddr orders machines by (address, port), the canonical order a log
// record's machine array is always stored in.
func SortByAddr(machines []Machine) {
	sort.Slice(machines, func(i, j int) bool { return addrCmp(machines[i], machines[j]) < 0 })
}

// HasDuplicateAddr reports whether an address-sorted slice contains two
// machines with the same (address, port).
func HasDuplicateAddr(sorted []Machine) bool {
	for i := 1; i < len(sorted); i++ {
		if addrCmp(sorted[i-1], sorted[i]) == 0 {
			return true
		}
	}
	return false
}

// SearchAddr binary-searches an address-sorted slice for a machine sharing
// key's (address, port), mirroring machines_search_addr.
func SearchAddr(key Machine, sorted []Machine) (Machine, bool) {
	i := sort.Search(len(sorted), func(i int) bool { return addrCmp(sorted[i], key) >= 0 })
	if i < len(sorted) && addrCmp(sorted[i], key) == 0 {
		return sorted[i], true
	}
	return Machine{}, false
}

// FindByID linear-scans for a machine by its Raft peer id.
func FindByID(machines []Machine, id uint32) (Machine, bool) {
	for _, m := range machines {
		if m.ID == id {
			return m, true
		}
	}
	return Machine{}, false
}

// MachinesEqual reports whether two machine slices are identical element-
// for-element, mirroring machines_cmp's memcmp.
func MachinesEqual(a, b []Machine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if addrCmp(a[i], b[i]) != 0 || a[i].ID != b[i].ID ||
			a[i].Stability != b[i].Stability || a[i].Version != b[i].Version {
			return false
		}
	}
	return true
}

// MachinesSizeValid reports whether n machines form a legal configuration
// size: within [MachinesMin, MachinesMax] and a power of two.
func MachinesSizeValid(n int) bool {
	return n >= MachinesMin && n <= MachinesMax && n&(n-1) == 0
}

// Encode writes m in the 40-byte wire layout of spec.md §6: 16-byte
// address, 2-byte port, 4-byte id, 8-byte stability, 8-byte version.
func (m Machine) Encode(buf []byte) {
	if len(buf) < wire.MachineSize {
		panic("raft: machine encode buffer too small")
	}
	addr16 := m.Addr.To16()
	if addr16 == nil {
		addr16 = make([]byte, 16)
	}
	copy(buf[0:16], addr16)
	wire.PutUint16(buf[16:18], m.Port)
	wire.PutUint32(buf[18:22], m.ID)
	wire.PutUint64(buf[22:30], m.Stability)
	wire.PutUint64(buf[30:38], m.Version)
}

// DecodeMachine reads one 40-byte machine record.
func DecodeMachine(buf []byte) (Machine, error) {
	if len(buf) < wire.MachineSize {
		return Machine{}, fmt.Errorf("raft: machine buffer too short: %d bytes", len(buf))
	}
	addr := make(net.IP, 16)
	copy(addr, buf[0:16])
	return Machine{
		Addr:      addr,
		Port:      wire.Uint16(buf[16:18]),
		ID:        wire.Uint32(buf[18:22]),
		Stability: wire.Uint64(buf[22:30]),
		Version:   wire.Uint64(buf[30:38]),
	}, nil
}

// EncodeMachines writes a full machine array back to back.
func EncodeMachines(machines []Machine) []byte {
	buf := make([]byte, len(machines)*wire.MachineSize)
	for i, m := range machines {
		m.Encode(buf[i*wire.MachineSize:])
	}
	return buf
}

// DecodeMachines reads n machines from a contiguous buffer.
func DecodeMachines(buf []byte, n int) ([]Machine, error) {
	if len(buf) < n*wire.MachineSize {
		return nil, fmt.Errorf("raft: machines buffer too short for %d machines", n)
	}
	out := make([]Machine, n)
	for i := 0; i < n; i++ {
		m, err := DecodeMachine(buf[i*wire.MachineSize:])
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}
