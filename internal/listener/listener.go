// Package listener implements the single accept loop of spec.md §4.10: bind
// one TCP port, accept connections, read the 4-byte shard-selection
// handshake, and hand the raw fd to the chosen shard.
package listener

import (
	"fmt"
	"net"

	"github.com/kvshard/kvshard/internal/wire"
	"github.com/kvshard/kvshard/pkg/log"
	"github.com/rs/zerolog"
)

// Dispatcher is the subset of shard.Shard the listener needs: handing off
// an accepted connection's fd.
type Dispatcher interface {
	Dispatch(fd int) error
}

// Listener accepts TCP connections on one port and routes each to a shard
// by the 4-byte big-endian shard id the client sends first (spec.md §6).
type Listener struct {
	addr   string
	shards []Dispatcher
	log    zerolog.Logger
}

// New creates a Listener that will route to one of shards by index.
func New(addr string, shards []Dispatcher) *Listener {
	return &Listener{addr: addr, shards: shards, log: log.WithComponent("listener")}
}

// Run accepts connections until ln is closed or Accept returns a
// error of any kind.
func (l *Listener) Run() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listener: listen %s: %w", l.addr, err)
	}
	defer ln.Close()

	l.log.Info().Str("addr", l.addr).Msg("listening")
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("listener: accept: %w", err)
		}
		go l.handshake(c)
	}
}

// handshake reads the 4-byte shard selector and dispatches the raw fd to
// that shard, closing the connection on any handshake failure or
// out-of-range id (spec.md §6).
func (l *Listener) handshake(c net.Conn) {
	var hdr [4]byte
	if _, err := readFull(c, hdr[:]); err != nil {
		l.log.Warn().Err(err).Msg("shard handshake read failed")
		c.Close()
		return
	}
	shardID := wire.Uint32(hdr[:])
	if int(shardID) >= len(l.shards) {
		l.log.Warn().Uint32("shard_id", shardID).Msg("shard id out of range")
		c.Close()
		return
	}

	fd, err := fdOf(c)
	if err != nil {
		l.log.Error().Err(err).Msg("could not extract raw fd from accepted connection")
		c.Close()
		return
	}
	if err := l.shards[shardID].Dispatch(fd); err != nil {
		l.log.Error().Err(err).Int("shard_id", int(shardID)).Msg("dispatch failed")
		c.Close()
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
