package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	q := NewFIFO[string]()
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(v))
	}
	require.Equal(t, 3, q.Len())
	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok, err := q.Pop()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLIFOOrder(t *testing.T) {
	t.Parallel()

	q := NewLIFO[int]()
	for i := range 3 {
		require.NoError(t, q.Push(i))
	}
	for _, want := range []int{2, 1, 0} {
		got, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestFIFOCompactKeepsOrder(t *testing.T) {
	t.Parallel()

	q := NewFIFO[int]()
	for i := range 200 {
		require.NoError(t, q.Push(i))
	}
	for i := range 150 {
		got, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, got)
	}
	require.NoError(t, q.Push(200))
	require.Equal(t, 51, q.Len())
	got, _, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 150, got)
}

func TestDrain(t *testing.T) {
	t.Parallel()

	fifo := NewFIFO[int]()
	lifo := NewLIFO[int]()
	for i := range 3 {
		require.NoError(t, fifo.Push(i))
		require.NoError(t, lifo.Push(i))
	}
	_, _, err := fifo.Pop()
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, fifo.Drain())
	require.Equal(t, []int{2, 1, 0}, lifo.Drain())
	require.Equal(t, 0, fifo.Len())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewFIFO[int]()
	require.NoError(t, q.Close())
	_, _, err := q.Pop()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Push(1), ErrClosed)
	require.NoError(t, q.Close())
}
