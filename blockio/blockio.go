// Package blockio presents the conventional reset/read/write/flush block
// device interface on top of a mapping.Table, handling media-state
// validation and per-target dispatch (spec.md §4.2.1).
package blockio

import (
	"log"

	"github.com/ovmf-tools/lopatch/mapping"
	"github.com/ovmf-tools/lopatch/pool"
	"github.com/ovmf-tools/lopatch/status"
)

// MediaDescriptor is the fixed-size media record every read/write/flush call
// validates against.
type MediaDescriptor struct {
	MediaID        uint64
	MediaPresent   bool
	ReadOnly       bool
	LogicalPartition bool
	BlockSize      uint32
	LastBlock      uint64
}

// Device is everything the block-I/O façade needs: the current media state
// and table. The loopback device embeds one of these and swaps Table/Media
// atomically on every successful setter.
type Device struct {
	Media  MediaDescriptor
	Table  *mapping.Table
	Logger *log.Logger
}

func (d *Device) validateCommon(mediaID uint64, bufferSize uint, write bool) status.Status {
	if !d.Media.MediaPresent {
		return status.NoMedia
	}
	if mediaID != d.Media.MediaID {
		return status.MediaChanged
	}
	if bufferSize > 0 && bufferSize%uint(d.Media.BlockSize) != 0 {
		return status.BadBufferSize
	}
	if write && d.Media.ReadOnly {
		return status.WriteProtected
	}
	return nil
}

// sectorRange converts an LBA (in the device's own block-size units) and a
// byte buffer length into a 512-byte sector range, bounds-checked against
// LastBlock.
func (d *Device) sectorRange(lba uint64, bufferLen uint) (startSector, numSectors uint64, err status.Status) {
	blocksPerSector := uint64(d.Media.BlockSize) / mapping.SectorSize
	if blocksPerSector == 0 {
		blocksPerSector = 1
	}
	startSector = lba * blocksPerSector
	numSectors = uint64(bufferLen) / mapping.SectorSize

	if startSector+numSectors > d.Media.LastBlock || startSector+numSectors < startSector {
		if d.Logger != nil {
			d.Logger.Printf("buffer region overflows device region")
		}
		return 0, 0, status.InvalidParameter.WithMessage("buffer region overflows device region")
	}
	return startSector, numSectors, nil
}

// Read validates and performs a block read at lba (in the device's own
// block-size units) into buf.
func (d *Device) Read(mediaID uint64, lba uint64, buf []byte) status.Status {
	if err := d.validateCommon(mediaID, uint(len(buf)), false); err != nil {
		return err
	}
	startSector, numSectors, err := d.sectorRange(lba, uint(len(buf)))
	if err != nil {
		return err
	}
	if numSectors == 0 {
		return nil
	}

	return d.Table.Walk(startSector, numSectors, buf, func(op mapping.Operation) status.Status {
		return d.readOperation(op)
	})
}

// Write validates and performs a block write at lba from buf.
func (d *Device) Write(mediaID uint64, lba uint64, buf []byte) status.Status {
	if err := d.validateCommon(mediaID, uint(len(buf)), true); err != nil {
		return err
	}
	startSector, numSectors, err := d.sectorRange(lba, uint(len(buf)))
	if err != nil {
		return err
	}
	if numSectors == 0 {
		return nil
	}

	return d.Table.Walk(startSector, numSectors, buf, func(op mapping.Operation) status.Status {
		return d.writeOperation(op)
	})
}

// Reset performs no actual work beyond validating the request is against
// live media.
func (d *Device) Reset(mediaID uint64) status.Status {
	if !d.Media.MediaPresent {
		return status.NoMedia
	}
	if mediaID != d.Media.MediaID {
		return status.MediaChanged
	}
	return nil
}

// Flush re-verifies and flushes every File-target item. Non-File targets
// need no flush. A read-only device always succeeds trivially.
func (d *Device) Flush() status.Status {
	if d.Media.ReadOnly {
		return nil
	}
	if d.Table == nil {
		return nil
	}
	return d.Table.ForEachFile(func(item *mapping.InternalItem) status.Status {
		if err := item.Reverify(); err != nil {
			return err
		}
		if err := item.FileBackend.Flush(); err != nil {
			return status.DeviceError.WrapError(err)
		}
		return nil
	})
}

func (d *Device) readOperation(op mapping.Operation) status.Status {
	item := op.Item
	switch item.Kind {
	case mapping.Zero:
		for i := range op.Buffer {
			op.Buffer[i] = 0
		}
		return nil

	case mapping.Pool:
		data, err := pool.Data(item.PoolPayload)
		if err != nil {
			return err
		}
		start := op.TargetSector * mapping.SectorSize
		end := start + op.SectorCount*mapping.SectorSize
		copy(op.Buffer, data[start:end])
		return nil

	case mapping.File:
		if err := item.Reverify(); err != nil {
			return err
		}
		offset := int64(op.TargetSector) * mapping.SectorSize
		n, readErr := item.FileBackend.ReadAt(op.Buffer, offset)
		if readErr != nil || n != len(op.Buffer) {
			return status.DeviceError.WithMessage("short read from file target")
		}
		return nil

	default:
		return status.InvalidParameter.WithMessage("unknown target kind")
	}
}

func (d *Device) writeOperation(op mapping.Operation) status.Status {
	item := op.Item
	switch item.Kind {
	case mapping.Zero:
		if d.Logger != nil {
			d.Logger.Printf("discarding write to Zero target")
		}
		return nil

	case mapping.Pool:
		data, err := pool.Data(item.PoolPayload)
		if err != nil {
			return err
		}
		start := op.TargetSector * mapping.SectorSize
		end := start + op.SectorCount*mapping.SectorSize
		copy(data[start:end], op.Buffer)
		return nil

	case mapping.File:
		if err := item.Reverify(); err != nil {
			return err
		}
		offset := int64(op.TargetSector) * mapping.SectorSize
		n, writeErr := item.FileBackend.WriteAt(op.Buffer, offset)
		if writeErr != nil || n != len(op.Buffer) {
			return status.DeviceError.WithMessage("short write to file target")
		}
		return nil

	default:
		return status.InvalidParameter.WithMessage("unknown target kind")
	}
}

// Activate recomputes LastBlock from table, bumps MediaID, sets BlockSize to
// 512 and ReadOnly/LogicalPartition as given. This is shared by set_file and
// set_mapping_table per spec.md §4.2.
func (d *Device) Activate(table *mapping.Table, readOnly, isPartition bool) {
	d.Table = table
	d.Media.LastBlock = table.TotalSectors()
	d.Media.MediaID++
	d.Media.BlockSize = mapping.SectorSize
	d.Media.MediaPresent = true
	d.Media.ReadOnly = readOnly
	d.Media.LogicalPartition = isPartition
}

// Clear marks media absent and zeroes LastBlock, per spec.md §4.2.
func (d *Device) Clear() {
	d.Table = nil
	d.Media.MediaPresent = false
	d.Media.LastBlock = 0
}
