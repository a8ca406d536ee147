// Package loopback implements the per-unit loopback device: its mapping
// table, media descriptor, and the operations the loop-control and
// block-I/O protocols expose (spec.md §4.2).
package loopback

import (
	"fmt"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/ovmf-tools/lopatch/blockio"
	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/mapping"
	"github.com/ovmf-tools/lopatch/pool"
	"github.com/ovmf-tools/lopatch/status"
)

// Device is a single loopback child device: unit number, name, parent
// (controller) link, and the block-I/O façade driving its mapping table.
//
// A Device is "free" iff its media is not present. It transitions to Bound
// when SetFile or SetMappingTable succeeds, back to Free on Clear.
type Device struct {
	io blockio.Device

	unit             uint32
	name             string
	handle           fw.Handle
	controllerHandle fw.Handle

	firmware *fw.Firmware
	resolver mapping.FileResolver
}

// New creates a loopback device for unit, with handle as its own firmware
// handle and controllerHandle as the weak back-reference to its parent bus.
func New(
	unit uint32, handle, controllerHandle fw.Handle, firmware *fw.Firmware, resolver mapping.FileResolver,
) *Device {
	d := &Device{
		unit:             unit,
		name:             fmt.Sprintf("Loopback Device #%d", unit),
		handle:           handle,
		controllerHandle: controllerHandle,
		firmware:         firmware,
		resolver:         resolver,
	}
	d.io.Logger = firmware.Logger()
	return d
}

// Owner returns this device's pool-ownership identity: its own address,
// reinterpreted as the container-of key pool allocations are tagged with.
func (d *Device) Owner() pool.Owner {
	return pool.Owner(uintptr(unsafe.Pointer(d)))
}

// Unit returns the device's stable unit number.
func (d *Device) Unit() uint32 {
	return d.unit
}

// Name returns the cached "Loopback Device #N" string used by the
// component-name façade.
func (d *Device) Name() string {
	return d.name
}

// Handle returns the device's own firmware handle.
func (d *Device) Handle() fw.Handle {
	return d.handle
}

// IsFree reports whether the device currently has no media, i.e. it's
// available to be handed out by get_free.
func (d *Device) IsFree() bool {
	return !d.io.Media.MediaPresent
}

// Media returns a copy of the current media descriptor.
func (d *Device) Media() blockio.MediaDescriptor {
	return d.io.Media
}

// GetInfo returns the device's unit number.
func (d *Device) GetInfo() uint32 {
	return d.unit
}

// releaseTable frees every Pool item owned by the device's current table.
// File backends are left to the resolver/GC; this driver never owns their
// lifetime beyond the cached backend reference.
func (d *Device) releaseTable() {
	if d.io.Table == nil {
		return
	}
	for _, item := range d.io.Table.Items() {
		if item.Kind == mapping.Pool && item.PoolPayload != nil {
			_ = pool.Free(item.PoolPayload, d.Owner())
		}
	}
}

// reclaimPools frees the Pool payload of every Pool-kind item in items,
// regardless of whether an earlier one failed to free. A normal Free never
// fails here since these payloads were only just handed to us, but if one
// somehow does, every failure is collected rather than just the last one.
func (d *Device) reclaimPools(items []mapping.Item) status.Status {
	var errs *multierror.Error
	for _, it := range items {
		if it.Kind == mapping.Pool && it.PoolPayload != nil {
			if err := pool.Free(it.PoolPayload, d.Owner()); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	if errs == nil {
		return nil
	}
	return status.DeviceError.WrapError(errs)
}

// SetFile resolves path (relative to fsHandle, or the firmware's root if
// fsHandle is the zero Handle) and synthesizes a single mapping-table entry
// covering its whole sectors, then activates media.
func (d *Device) SetFile(readOnly, isPartition bool, fsHandle fw.Handle, path []byte) status.Status {
	backend, resolvedHandle, err := d.resolver.Resolve(fsHandle, path)
	if err != nil {
		return err
	}
	snapshot, err := d.resolver.Snapshot(resolvedHandle)
	if err != nil {
		return err
	}
	reverify := func() status.Status {
		return d.resolver.Reverify(resolvedHandle, snapshot)
	}

	wholeSectors := uint64(backend.SizeBytes()) / mapping.SectorSize
	table, err := mapping.NewTableFromFile(backend, resolvedHandle, reverify, wholeSectors)
	if err != nil {
		return err
	}

	d.releaseTable()
	d.io.Activate(table, readOnly, isPartition)
	return d.firmware.ConnectController(d.handle)
}

// SetMappingTable validates and installs a caller-supplied mapping table.
// Per spec.md §4.2, ownership of every Pool payload present in items
// transfers to the device at this call boundary regardless of outcome: on
// failure every Pool payload in items is reclaimed immediately; on success,
// only the Pool payloads belonging to silently-dropped zero-length items
// are reclaimed, the rest are now owned by the installed table.
func (d *Device) SetMappingTable(items []mapping.Item, readOnly, isPartition bool) status.Status {
	result, err := mapping.Build(items, d.resolver)
	if err != nil {
		if reclaimErr := d.reclaimPools(items); reclaimErr != nil {
			d.firmware.Logger().Printf("set_mapping_table: reclaiming pools after validation failure: %s", reclaimErr)
		}
		return err
	}

	if reclaimErr := d.reclaimPools(result.DroppedZeroLength); reclaimErr != nil {
		d.firmware.Logger().Printf("set_mapping_table: reclaiming dropped zero-length pools: %s", reclaimErr)
	}
	d.releaseTable()
	d.io.Activate(result.Table, readOnly, isPartition)
	return d.firmware.ConnectController(d.handle)
}

// Clear drops the mapping table, marks media absent, and asks the firmware
// to disconnect drivers from this device.
func (d *Device) Clear() status.Status {
	d.releaseTable()
	d.io.Clear()
	return d.firmware.DisconnectController(d.handle)
}

// AllocPool allocates size bytes of device-owned scratch memory.
func (d *Device) AllocPool(size uint64) (pool.Ptr, status.Status) {
	return pool.Alloc(d.Owner(), size)
}

// FreePool releases a pool allocation previously returned by AllocPool. It
// must never be called on a pointer already embedded in a mapping-table
// item; the device reclaims those itself.
func (d *Device) FreePool(p pool.Ptr) status.Status {
	return pool.Free(p, d.Owner())
}

// Read, Write, Reset, and Flush pass straight through to the block-I/O
// façade; they exist on Device so callers don't need to reach into the
// embedded façade directly.
func (d *Device) Read(mediaID, lba uint64, buf []byte) status.Status {
	return d.io.Read(mediaID, lba, buf)
}

func (d *Device) Write(mediaID, lba uint64, buf []byte) status.Status {
	return d.io.Write(mediaID, lba, buf)
}

func (d *Device) Reset(mediaID uint64) status.Status {
	return d.io.Reset(mediaID)
}

func (d *Device) Flush() status.Status {
	return d.io.Flush()
}
