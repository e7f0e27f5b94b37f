package suballoc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtgfx/addrspace/memutils"
	"github.com/virtgfx/addrspace/stream"
)

func TestNewRejectsNonPow2PageSize(t *testing.T) {
	_, err := New(65536, 3000)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestNewRoundsSizeDownToPageMultiple(t *testing.T) {
	a, err := New(10000, 4096)
	require.NoError(t, err)
	require.Equal(t, 8192, a.Size())

	_, err = New(100, 4096)
	require.Error(t, err)
}

func TestAllocRoundsUpAndIsFirstFit(t *testing.T) {
	a, err := New(65536, 4096)
	require.NoError(t, err)

	offset, ok := a.Alloc(1)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	size, ok := a.AllocationSize(offset)
	require.True(t, ok)
	require.Equal(t, 4096, size)

	offset, ok = a.Alloc(5000)
	require.True(t, ok)
	require.Equal(t, 4096, offset)

	size, ok = a.AllocationSize(offset)
	require.True(t, ok)
	require.Equal(t, 8192, size)
}

func TestFreeReusesLowestOffset(t *testing.T) {
	a, err := New(65536, 4096)
	require.NoError(t, err)

	first, ok := a.Alloc(4096)
	require.True(t, ok)
	_, ok = a.Alloc(4096)
	require.True(t, ok)

	require.True(t, a.Free(first))
	require.False(t, a.Free(first), "double free must fail")

	again, ok := a.Alloc(4096)
	require.True(t, ok)
	require.Equal(t, first, again)
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	a, err := New(3*4096, 4096)
	require.NoError(t, err)

	o1, _ := a.Alloc(4096)
	o2, _ := a.Alloc(4096)
	o3, _ := a.Alloc(4096)
	require.Equal(t, 0, a.FreeBytes())

	require.True(t, a.Free(o1))
	require.True(t, a.Free(o3))
	require.True(t, a.Free(o2))

	require.True(t, a.Empty())
	require.NoError(t, a.Validate())

	// The whole buffer must be allocatable as one region again.
	offset, ok := a.Alloc(3 * 4096)
	require.True(t, ok)
	require.Equal(t, 0, offset)
}

func TestAllocFailsWhenFragmented(t *testing.T) {
	a, err := New(3*4096, 4096)
	require.NoError(t, err)

	_, _ = a.Alloc(4096)
	o2, _ := a.Alloc(4096)
	_, _ = a.Alloc(4096)
	require.True(t, a.Free(o2))

	require.Equal(t, 4096, a.FreeBytes())
	_, ok := a.Alloc(2 * 4096)
	require.False(t, ok)

	offset, ok := a.Alloc(4096)
	require.True(t, ok)
	require.Equal(t, o2, offset)
}

func TestAllocAt(t *testing.T) {
	a, err := New(65536, 4096)
	require.NoError(t, err)

	require.NoError(t, a.AllocAt(8192, 4096))
	require.Error(t, a.AllocAt(8192, 4096), "range is no longer free")
	require.Error(t, a.AllocAt(100, 4096), "offset must be page aligned")

	offset, ok := a.Alloc(8192)
	require.True(t, ok)
	require.Equal(t, 0, offset)
	require.NoError(t, a.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a, err := New(65536, 4096)
	require.NoError(t, err)

	o1, _ := a.Alloc(4096)
	o2, _ := a.Alloc(12288)
	o3, _ := a.Alloc(4096)
	require.True(t, a.Free(o2))

	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	a.Save(w)
	require.NoError(t, w.Err())

	b, err := New(65536, 4096)
	require.NoError(t, err)
	require.NoError(t, b.Load(stream.NewReader(&buf)))

	require.Equal(t, a.AllocationCount(), b.AllocationCount())
	require.Equal(t, a.FreeBytes(), b.FreeBytes())

	for _, offset := range []int{o1, o3} {
		size, ok := b.AllocationSize(offset)
		require.True(t, ok)
		want, _ := a.AllocationSize(offset)
		require.Equal(t, want, size)
	}
	require.NoError(t, b.Validate())
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	a, err := New(65536, 4096)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	a.Save(w)
	require.NoError(t, w.Err())

	b, err := New(131072, 4096)
	require.NoError(t, err)
	require.Error(t, b.Load(stream.NewReader(&buf)))
}

func TestVisitorsWalkInOffsetOrder(t *testing.T) {
	a, err := New(65536, 4096)
	require.NoError(t, err)

	_, _ = a.Alloc(4096)
	o2, _ := a.Alloc(4096)
	_, _ = a.Alloc(4096)
	require.True(t, a.Free(o2))

	var allocOffsets []int
	a.VisitAllocations(func(offset, size int) bool {
		allocOffsets = append(allocOffsets, offset)
		return true
	})
	require.Equal(t, []int{0, 8192}, allocOffsets)

	var freeOffsets []int
	a.VisitFreeSpans(func(offset, size int) bool {
		freeOffsets = append(freeOffsets, offset)
		return true
	})
	require.Equal(t, []int{4096, 12288}, freeOffsets)
}
