package loopback_test

import (
	"bytes"
	"testing"

	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/loopback"
	"github.com/ovmf-tools/lopatch/mapping"
	"github.com/ovmf-tools/lopatch/pool"
	"github.com/ovmf-tools/lopatch/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is a minimal mapping.FileBackend over an in-memory buffer, used
// so these tests don't depend on the real filesystem.
type memBackend struct {
	data []byte
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Flush() error { return nil }

func (m *memBackend) SizeBytes() int64 { return int64(len(m.data)) }

type stubResolver struct {
	backend mapping.FileBackend
	handle  fw.Handle
	tampered bool
}

func (s *stubResolver) Resolve(fsHandle fw.Handle, path []byte) (mapping.FileBackend, fw.Handle, status.Status) {
	return s.backend, s.handle, nil
}

func (s *stubResolver) Snapshot(fsHandle fw.Handle) (any, status.Status) {
	return "snapshot", nil
}

func (s *stubResolver) Reverify(fsHandle fw.Handle, snapshot any) status.Status {
	if s.tampered {
		return status.DeviceError.WithMessage("interface swapped")
	}
	return nil
}

func newDevice(resolver mapping.FileResolver) (*loopback.Device, *fw.Firmware) {
	firmware := fw.New(nil)
	handle := firmware.CreateHandle()
	controller := firmware.CreateHandle()
	return loopback.New(1, handle, controller, firmware, resolver), firmware
}

func TestDeviceStartsFree(t *testing.T) {
	dev, _ := newDevice(nil)
	assert.True(t, dev.IsFree())
}

func TestSetFileBindsWholeSectorsOnly(t *testing.T) {
	resolver := &stubResolver{backend: &memBackend{data: make([]byte, 3*mapping.SectorSize+10)}, handle: 1}
	dev, _ := newDevice(resolver)

	require.Nil(t, dev.SetFile(false, false, 0, []byte("image.bin")))
	assert.False(t, dev.IsFree())
	assert.EqualValues(t, 3, dev.Media().LastBlock)
}

func TestSetFileThenReadWriteRoundTrips(t *testing.T) {
	resolver := &stubResolver{backend: &memBackend{data: make([]byte, 4*mapping.SectorSize)}, handle: 1}
	dev, _ := newDevice(resolver)
	require.Nil(t, dev.SetFile(false, false, 0, []byte("image.bin")))

	written := bytes.Repeat([]byte{0x7a}, mapping.SectorSize)
	require.Nil(t, dev.Write(dev.Media().MediaID, 1, written))

	readBack := make([]byte, mapping.SectorSize)
	require.Nil(t, dev.Read(dev.Media().MediaID, 1, readBack))
	assert.Equal(t, written, readBack)
}

func TestSetFileRejectsWhenInterfaceTampered(t *testing.T) {
	resolver := &stubResolver{backend: &memBackend{data: make([]byte, 4*mapping.SectorSize)}, handle: 1}
	dev, _ := newDevice(resolver)
	require.Nil(t, dev.SetFile(false, false, 0, []byte("image.bin")))

	resolver.tampered = true
	err := dev.Read(dev.Media().MediaID, 0, make([]byte, mapping.SectorSize))
	assert.ErrorIs(t, err, status.DeviceError)
}

func TestSetMappingTableReclaimsDroppedZeroLengthPool(t *testing.T) {
	dev, _ := newDevice(nil)

	keptPayload, err := pool.Alloc(dev.Owner(), 2*mapping.SectorSize)
	require.Nil(t, err)
	droppedPayload, err := pool.Alloc(dev.Owner(), mapping.SectorSize)
	require.Nil(t, err)

	items := []mapping.Item{
		{StartSector: 0, NumSectors: 2, Kind: mapping.Pool, PoolPayload: keptPayload, TargetStartSector: 0},
		{StartSector: 2, NumSectors: 0, Kind: mapping.Pool, PoolPayload: droppedPayload, TargetStartSector: 0},
	}

	require.Nil(t, dev.SetMappingTable(items, false, false))
	assert.False(t, dev.IsFree())

	// Dropped item's payload was reclaimed; freeing it again must fail.
	assert.NotNil(t, pool.Free(droppedPayload, dev.Owner()))

	// Kept item's payload now belongs to the table; the device must not have
	// freed it out from under itself.
	size, sizeErr := pool.SizeOf(keptPayload)
	require.Nil(t, sizeErr)
	assert.EqualValues(t, 2*mapping.SectorSize, size)
}

func TestSetMappingTableReclaimsEverythingOnFailure(t *testing.T) {
	dev, _ := newDevice(nil)

	payload, err := pool.Alloc(dev.Owner(), mapping.SectorSize)
	require.Nil(t, err)

	// Non-contiguous from sector 0: fails validation.
	items := []mapping.Item{
		{StartSector: 1, NumSectors: 1, Kind: mapping.Pool, PoolPayload: payload, TargetStartSector: 0},
	}

	setErr := dev.SetMappingTable(items, false, false)
	require.NotNil(t, setErr)
	assert.True(t, dev.IsFree())

	// The payload was reclaimed on failure; freeing it again must fail.
	assert.NotNil(t, pool.Free(payload, dev.Owner()))
}

func TestClearMakesDeviceFreeAgain(t *testing.T) {
	dev, _ := newDevice(nil)
	payload, err := pool.Alloc(dev.Owner(), mapping.SectorSize)
	require.Nil(t, err)

	items := []mapping.Item{
		{StartSector: 0, NumSectors: 1, Kind: mapping.Pool, PoolPayload: payload, TargetStartSector: 0},
	}
	require.Nil(t, dev.SetMappingTable(items, false, false))
	require.False(t, dev.IsFree())

	require.Nil(t, dev.Clear())
	assert.True(t, dev.IsFree())
}

func TestAllocAndFreePoolScratch(t *testing.T) {
	dev, _ := newDevice(nil)
	p, err := dev.AllocPool(16)
	require.Nil(t, err)
	require.Nil(t, dev.FreePool(p))
	assert.NotNil(t, dev.FreePool(p), "double free must fail")
}
