package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_PushBelowCapacity(t *testing.T) {
	ring := New[int](5)
	for i := 0; i < 3; i++ {
		_, evicted := ring.Push(i)
		assert.False(t, evicted)
	}
	assert.Equal(t, 3, ring.Len())

	actual := make([]int, 0)
	ring.Walk(func(v int) { actual = append(actual, v) })
	assert.Equal(t, []int{0, 1, 2}, actual)
}

func TestRing_EvictsOldest(t *testing.T) {
	ring := New[int](3)
	for i := 0; i < 3; i++ {
		ring.Push(i)
	}

	old, evicted := ring.Push(3)
	assert.True(t, evicted)
	assert.Equal(t, 0, old)

	old, evicted = ring.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)

	actual := make([]int, 0)
	ring.Walk(func(v int) { actual = append(actual, v) })
	assert.Equal(t, []int{2, 3, 4}, actual)
	assert.Equal(t, 3, ring.Len())
	assert.Equal(t, 3, ring.Cap())
}
