package circular_test

import (
	"testing"

	"github.com/informalsystems/tm-bench/pkg/circular"
	"github.com/stretchr/testify/require"
)

func TestInvalidCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1, -100} {
		a, err := circular.New[int](capacity)
		require.Error(t, err)
		require.Nil(t, a)
	}
}

func TestAppendBelowCapacity(t *testing.T) {
	a, err := circular.New[int](3)
	require.NoError(t, err)
	require.Equal(t, -1, a.Cursor())

	for i := 1; i <= 3; i++ {
		_, overwritten := a.Add(i)
		require.False(t, overwritten)
	}
	require.Equal(t, 3, a.Len())
	require.Equal(t, []int{1, 2, 3}, a.Items())
}

func TestOverwriteRotatesCursor(t *testing.T) {
	const n = 4
	a, err := circular.New[int](n)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		a.Add(i)
	}
	prev := a.Cursor()
	for m := n; m < 3*n+1; m++ {
		evicted, overwritten := a.Add(m)
		require.True(t, overwritten)
		require.Equal(t, m-n, evicted)
		require.Equal(t, (prev+1)%n, a.Cursor())
		require.Equal(t, n, a.Len())
		prev = a.Cursor()
	}
}

func TestEachVisitsAllSlots(t *testing.T) {
	a, err := circular.New[string](2)
	require.NoError(t, err)
	a.Add("a")
	a.Add("b")
	a.Add("c")

	var seen []string
	a.Each(func(s string) { seen = append(seen, s) })
	require.Equal(t, []string{"c", "b"}, seen)
	require.Equal(t, 2, a.Cap())
}
