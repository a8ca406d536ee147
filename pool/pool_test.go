package pool_test

import (
	"testing"
	"unsafe"

	"github.com/ovmf-tools/lopatch/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ownerA = pool.Owner(0x1000)
const ownerB = pool.Owner(0x2000)

func TestAllocRoundTrip(t *testing.T) {
	p, err := pool.Alloc(ownerA, 64)
	require.Nil(t, err)

	owner, err := pool.OwnerOf(p)
	require.Nil(t, err)
	assert.Equal(t, ownerA, owner)

	size, err := pool.SizeOf(p)
	require.Nil(t, err)
	assert.EqualValues(t, 64, size)

	data, err := pool.Data(p)
	require.Nil(t, err)
	assert.Len(t, data, 64)

	data[0] = 0xAB
	data2, _ := pool.Data(p)
	assert.Equal(t, byte(0xAB), data2[0], "Data must view the same backing memory")
}

func TestFreeByWrongOwnerFails(t *testing.T) {
	p, err := pool.Alloc(ownerA, 16)
	require.Nil(t, err)

	freeErr := pool.Free(p, ownerB)
	assert.NotNil(t, freeErr, "freeing someone else's pool must fail")

	owner, err := pool.OwnerOf(p)
	require.Nil(t, err)
	assert.Equal(t, ownerA, owner, "failed free must not have altered ownership")
}

func TestFreeThenOwnerCheckFails(t *testing.T) {
	p, err := pool.Alloc(ownerA, 16)
	require.Nil(t, err)

	require.Nil(t, pool.Free(p, ownerA))

	_, err = pool.OwnerOf(p)
	require.Nil(t, err, "reading the header after free should still succeed")

	// A second Free (double-free) must fail because the owner was cleared.
	secondErr := pool.Free(p, ownerA)
	assert.NotNil(t, secondErr)
}

func TestMisalignedPointerRejected(t *testing.T) {
	p, err := pool.Alloc(ownerA, 16)
	require.Nil(t, err)

	misaligned := pool.Ptr(unsafe.Pointer(uintptr(1)))
	_, ownerErr := pool.OwnerOf(misaligned)
	assert.NotNil(t, ownerErr)

	// sanity: the real pointer remains readable
	_, err = pool.OwnerOf(p)
	require.Nil(t, err)
}
