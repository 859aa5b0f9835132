package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnPoolAllocFreeCycles(t *testing.T) {
	s := &Shard{
		pool:     make([]*connState, 2),
		freeList: []int{1, 0},
		byFd:     make(map[int]*connState, 2),
	}

	cs1, ok := s.allocConnState(10)
	require.True(t, ok)
	cs2, ok := s.allocConnState(11)
	require.True(t, ok)
	assert.NotSame(t, cs1, cs2)

	_, ok = s.allocConnState(12)
	assert.False(t, ok, "pool of 2 must refuse a third connection")

	s.freeConnState(cs1)
	cs3, ok := s.allocConnState(13)
	require.True(t, ok)
	assert.Same(t, cs1, cs3, "freed slots are recycled, not reallocated")
}

func TestDispatchQueueDrainIsOnceOnly(t *testing.T) {
	var q dispatchQueue
	q.push(1)
	q.push(2)

	got := q.drain()
	assert.Equal(t, []int{1, 2}, got)
	assert.Empty(t, q.drain())
}
