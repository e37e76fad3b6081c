package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitTableRunsClosuresInOrder(t *testing.T) {
	table := NewWaitTable()
	require.Nil(t, table.Find(7))

	table.OnOperationStart(7)
	require.True(t, table.Has(7))

	var got []int
	q := table.Find(7)
	q.Append(func() { got = append(got, 1) })
	q.Append(func() { got = append(got, 2) })

	// A second start on the same hash keeps what is queued.
	table.OnOperationStart(7)
	table.Find(7).Append(func() { got = append(got, 3) })
	require.Equal(t, 3, table.Find(7).Len())

	table.OnOperationComplete(7)
	require.Equal(t, []int{1, 2, 3}, got)
	require.False(t, table.Has(7))
	require.Zero(t, table.Len())
}

func TestWaitTableClosuresMayRestartTheHash(t *testing.T) {
	table := NewWaitTable()
	table.OnOperationStart(1)

	var reran bool
	table.Find(1).Append(func() {
		table.OnOperationStart(1)
		table.Find(1).Append(func() { reran = true })
	})
	table.OnOperationComplete(1)
	require.True(t, table.Has(1))
	require.False(t, reran)

	table.OnOperationComplete(1)
	require.True(t, reran)
}

func TestWaitTableCompleteWithoutStartPanics(t *testing.T) {
	table := NewWaitTable()
	require.Panics(t, func() { table.OnOperationComplete(42) })
}
