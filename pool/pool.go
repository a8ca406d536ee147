// Package pool implements the device-owned, self-describing memory
// allocations used as scratch space and as mapping-table targets.
//
// Each allocation is a single contiguous block: an 8-byte-aligned header
// carrying the owning device's identity and the payload size, immediately
// followed by the payload itself. Callers only ever see the payload
// pointer; the header is recovered by a fixed negative offset, the
// container-of pattern spec.md §9 calls out explicitly. This is the one
// place in the driver where dropping to unsafe.Pointer buys something real:
// it is what lets a mapping-table item embed a bare payload pointer and
// hand ownership across the caller/device boundary without copying.
package pool

import (
	"math"
	"unsafe"

	"github.com/ovmf-tools/lopatch/status"
)

// Owner identifies the loopback device that owns an allocation. Devices pass
// their own address, reinterpreted as a uintptr, as their Owner value.
type Owner uintptr

type header struct {
	owner Owner
	size  uint64
}

var headerSize = unsafe.Sizeof(header{})

// Ptr is the opaque payload pointer handed to callers and embedded in
// mapping-table items. It is never dereferenced outside this package.
type Ptr unsafe.Pointer

// Alloc allocates header+size bytes for owner, 8-byte aligned, and returns
// the payload pointer. It fails only if size would overflow the allocation
// arithmetic.
func Alloc(owner Owner, size uint64) (Ptr, status.Status) {
	if size > math.MaxUint64-uint64(headerSize) {
		return nil, status.Aborted.WithMessage("pool allocation size overflows")
	}

	totalBytes := uint64(headerSize) + size
	words := (totalBytes + 7) / 8
	backing := make([]uint64, words)
	base := unsafe.Pointer(&backing[0])

	hdr := (*header)(base)
	hdr.owner = owner
	hdr.size = size

	return Ptr(unsafe.Add(base, headerSize)), nil
}

// headerOf recovers the header for a payload pointer by fixed negative
// offset. The caller must have already verified 8-byte alignment.
func headerOf(p Ptr) *header {
	return (*header)(unsafe.Add(unsafe.Pointer(p), -int(headerSize)))
}

// aligned reports whether p is 8-byte aligned, the precondition for safely
// recovering its header.
func aligned(p Ptr) bool {
	return uintptr(p)%8 == 0
}

// OwnerOf returns the owning device identity recorded in p's header. The
// header is read before any ownership check is performed, per spec.md §4.5,
// so that a foreign pointer fails with a clean status rather than being
// silently trusted.
func OwnerOf(p Ptr) (Owner, status.Status) {
	if p == nil || !aligned(p) {
		return 0, status.InvalidParameter.WithMessage("pool pointer is not 8-byte aligned")
	}
	return headerOf(p).owner, nil
}

// SizeOf returns the payload size recorded in p's header.
func SizeOf(p Ptr) (uint64, status.Status) {
	if p == nil || !aligned(p) {
		return 0, status.InvalidParameter.WithMessage("pool pointer is not 8-byte aligned")
	}
	return headerOf(p).size, nil
}

// Data returns the payload bytes as a Go slice backed by the same memory the
// opaque pointer addresses. Mutating it mutates the allocation in place.
func Data(p Ptr) ([]byte, status.Status) {
	size, err := SizeOf(p)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

// Free validates that expectedOwner matches the allocation's recorded owner
// and then marks it freed. A pointer that has been embedded into a
// mapping-table item must never be passed here; by protocol convention the
// device reclaims it when the table is replaced or the device is destroyed.
func Free(p Ptr, expectedOwner Owner) status.Status {
	if p == nil || !aligned(p) {
		return status.InvalidParameter.WithMessage("pool pointer is not 8-byte aligned")
	}

	hdr := headerOf(p)
	if hdr.owner != expectedOwner {
		return status.InvalidParameter.WithMessage("pool not owned by this device")
	}

	// Go has no explicit free(); mark the header so any further Free or
	// ownership check on this pointer fails cleanly instead of silently
	// succeeding a double free. The backing array is reclaimed by the
	// garbage collector once the last live pointer to it is dropped.
	hdr.owner = 0
	return nil
}
