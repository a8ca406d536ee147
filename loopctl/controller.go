// Package loopctl implements the loop controller: the bus-like service that
// hands out, finds, and retires loopback child devices by stable unit
// number (spec.md §4.1).
package loopctl

import (
	"math"
	"sort"

	"github.com/boljen/go-bitmap"
	"github.com/ovmf-tools/lopatch/devpath"
	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/loopback"
	"github.com/ovmf-tools/lopatch/mapping"
	"github.com/ovmf-tools/lopatch/status"
)

// initialBitmapUnits is the starting capacity of the unit-allocation bitmap;
// it grows by doubling whenever a unit number would fall outside it.
// get_free's "lowest free integer" search scans this bitmap from bit 0
// instead of the child list, the same role an Allocator.AllocationBitmap
// plays for block numbers.
const initialBitmapUnits = 256

// Controller owns the sorted list of loopback child devices attached to a
// single controller handle, and the firmware identity that list of children
// holds a weak back-edge to.
type Controller struct {
	firmware *fw.Firmware
	handle   fw.Handle
	resolver mapping.FileResolver

	children []*loopback.Device // sorted by Unit()
	units    bitmap.Bitmap
}

// BlockIOProtocolGUID identifies the block-I/O protocol the controller
// installs on every child handle it creates.
var BlockIOProtocolGUID = fw.GUID{
	0x7c, 0x6e, 0x7a, 0x83, 0x9d, 0x04, 0x49, 0x1e,
	0x95, 0x2e, 0x13, 0x95, 0x5e, 0x76, 0x8a, 0x2c,
}

// New creates a controller owning handle, with resolver used to resolve File
// targets for every child it creates.
func New(firmware *fw.Firmware, handle fw.Handle, resolver mapping.FileResolver) *Controller {
	_ = firmware.SetDevicePath(handle, devpath.Controller())
	return &Controller{
		firmware: firmware,
		handle:   handle,
		resolver: resolver,
		units:    bitmap.New(initialBitmapUnits),
	}
}

func (c *Controller) ensureCapacity(unit uint32) {
	for int(unit) >= c.units.Len() {
		grown := bitmap.New(c.units.Len() * 2)
		copy(grown.Data(false), c.units.Data(false))
		c.units = grown
	}
}

func (c *Controller) markAllocated(unit uint32) {
	c.ensureCapacity(unit)
	c.units.Set(int(unit), true)
}

func (c *Controller) markFree(unit uint32) {
	if int(unit) < c.units.Len() {
		c.units.Set(int(unit), false)
	}
}

func (c *Controller) indexForUnit(unit uint32) (int, bool) {
	i := sort.Search(len(c.children), func(i int) bool {
		return c.children[i].Unit() >= unit
	})
	if i < len(c.children) && c.children[i].Unit() == unit {
		return i, true
	}
	return i, false
}

func (c *Controller) insertChild(child *loopback.Device) {
	i, _ := c.indexForUnit(child.Unit())
	c.children = append(c.children, nil)
	copy(c.children[i+1:], c.children[i:])
	c.children[i] = child
	c.markAllocated(child.Unit())
}

func (c *Controller) lowestFreeUnit() (uint32, status.Status) {
	for i := 0; i < c.units.Len(); i++ {
		if !c.units.Get(i) {
			return uint32(i), nil
		}
	}
	next := uint64(c.units.Len())
	if next > math.MaxUint32 {
		return 0, status.Aborted.WithMessage("unit number space exhausted")
	}
	return uint32(next), nil
}

func (c *Controller) installChild(unit uint32) (*loopback.Device, status.Status) {
	childHandle := c.firmware.CreateHandle()
	child := loopback.New(unit, childHandle, c.handle, c.firmware, c.resolver)

	if err := c.firmware.SetDevicePath(childHandle, devpath.Child(unit)); err != nil {
		_ = c.firmware.DestroyHandle(childHandle)
		return nil, err
	}

	if err := c.firmware.InstallMultipleProtocolInterfaces(childHandle,
		fw.ProtocolInterface{GUID: BlockIOProtocolGUID, Interface: child},
	); err != nil {
		_ = c.firmware.DestroyHandle(childHandle)
		return nil, err
	}

	c.insertChild(child)
	return child, nil
}

// GetFree returns the first child with no media present, or installs a new
// one at the smallest unit number not currently in use. Fails Aborted if the
// 32-bit unit-number space is exhausted.
func (c *Controller) GetFree() (*loopback.Device, status.Status) {
	for _, child := range c.children {
		if child.IsFree() {
			return child, nil
		}
	}

	unit, err := c.lowestFreeUnit()
	if err != nil {
		return nil, err
	}
	return c.installChild(unit)
}

// Find looks up a child by unit number via binary search.
func (c *Controller) Find(unit uint32) (*loopback.Device, status.Status) {
	i, ok := c.indexForUnit(unit)
	if !ok {
		return nil, status.NotFound.WithMessage("no loopback device with that unit number")
	}
	return c.children[i], nil
}

// Add installs a new child at an explicit unit number, failing
// InvalidParameter if that unit is already in use.
func (c *Controller) Add(unit uint32) (*loopback.Device, status.Status) {
	if _, ok := c.indexForUnit(unit); ok {
		return nil, status.InvalidParameter.WithMessage("unit number already in use")
	}
	return c.installChild(unit)
}

// Remove uninstalls and retires the child with the given handle. If
// uninstalling its protocol interfaces fails, the firmware has already put
// back whatever it removed, and the error is surfaced with the child still
// in the list. A child holds no open of the controller's interfaces (only
// its handle), so no parent back-edge is closed or reopened here.
func (c *Controller) Remove(handle fw.Handle) status.Status {
	index := -1
	for i, child := range c.children {
		if child.Handle() == handle {
			index = i
			break
		}
	}
	if index == -1 {
		return status.NotFound.WithMessage("no loopback device with that handle")
	}

	child := c.children[index]
	if err := c.firmware.UninstallMultipleProtocolInterfaces(handle,
		fw.ProtocolInterface{GUID: BlockIOProtocolGUID, Interface: child},
	); err != nil {
		return err
	}

	if err := c.firmware.DestroyHandle(handle); err != nil {
		// After a successful uninstall the handle carries no protocols, so
		// this fails only for a handle the firmware no longer knows; the
		// error is returned with the child still in the list.
		return err
	}

	c.children = append(c.children[:index], c.children[index+1:]...)
	c.markFree(child.Unit())
	return nil
}

// RemoveChildren pops and removes children from the end of the list until
// it's empty, stopping at and surfacing the first failure.
func (c *Controller) RemoveChildren() status.Status {
	for len(c.children) > 0 {
		last := c.children[len(c.children)-1]
		if err := c.Remove(last.Handle()); err != nil {
			return err
		}
	}
	return nil
}

// Children returns the controller's child list, sorted by unit number.
// Callers must not mutate the returned slice.
func (c *Controller) Children() []*loopback.Device {
	return c.children
}
