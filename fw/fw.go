// Package fw stands in for the firmware's boot-services table: the handle
// database, protocol install/uninstall, and connect/disconnect machinery
// that every protocol callback in this driver is ultimately built on top of.
//
// Nothing in this package talks to real EFI firmware. It is a host-testable
// model of the boot-services contracts the rest of the driver depends on,
// scoped to exactly what spec.md §4.7 and §6 describe: atomic multi-protocol
// install/uninstall, handle/protocol lookup with tamper-visible interface
// pointers, and connect/disconnect notification.
package fw

import (
	"log"

	"github.com/ovmf-tools/lopatch/devpath"
	"github.com/ovmf-tools/lopatch/status"
)

// GUID identifies a protocol or vendor node. It is the same 16-byte shape
// device paths use.
type GUID = devpath.GUID

// Handle is an opaque handle to a device node, used only for identity and to
// be passed back into this package's functions.
type Handle uint64

// ProtocolInterface pairs a protocol GUID with the interface block installed
// for it on some handle.
type ProtocolInterface struct {
	GUID      GUID
	Interface any
}

type handleEntry struct {
	devicePath []byte
	protocols  map[GUID]any
}

// Firmware is the handle database plus connect/disconnect bookkeeping.
// It is safe for use only from a single goroutine at a time, matching the
// cooperative, non-reentrant scheduling model in spec.md §5.
type Firmware struct {
	logger     *log.Logger
	handles    map[Handle]*handleEntry
	nextHandle Handle
	connectFns []func(Handle)
	disconnFns []func(Handle)
}

// New creates an empty firmware handle database. logger may be nil, in which
// case a default logger writing to the standard logger's destination is used.
func New(logger *log.Logger) *Firmware {
	if logger == nil {
		logger = log.Default()
	}
	return &Firmware{
		logger:  logger,
		handles: make(map[Handle]*handleEntry),
	}
}

// CreateHandle allocates a new, empty handle with no protocols installed.
func (f *Firmware) CreateHandle() Handle {
	f.nextHandle++
	f.handles[f.nextHandle] = &handleEntry{protocols: make(map[GUID]any)}
	return f.nextHandle
}

// DestroyHandle removes a handle from the database. The caller must have
// already uninstalled every protocol on it; DestroyHandle does not do that
// for you.
func (f *Firmware) DestroyHandle(h Handle) status.Status {
	entry, ok := f.handles[h]
	if !ok {
		return status.NotFound.WithMessage("unknown handle")
	}
	if len(entry.protocols) != 0 {
		return status.InvalidParameter.WithMessage("handle still has protocols installed")
	}
	delete(f.handles, h)
	return nil
}

// SetDevicePath records the device path to report for a handle.
func (f *Firmware) SetDevicePath(h Handle, path []byte) status.Status {
	entry, ok := f.handles[h]
	if !ok {
		return status.NotFound.WithMessage("unknown handle")
	}
	entry.devicePath = path
	return nil
}

// DevicePath returns the device path previously set for a handle, or nil.
func (f *Firmware) DevicePath(h Handle) []byte {
	entry, ok := f.handles[h]
	if !ok {
		return nil
	}
	return entry.devicePath
}

// HandleProtocol looks up the interface currently installed for guid on h.
// Every File-target I/O operation calls this to re-verify that the cached
// interface pointer it snapshotted earlier is still the one installed, per
// spec.md §4.2.2.
func (f *Firmware) HandleProtocol(h Handle, guid GUID) (any, status.Status) {
	entry, ok := f.handles[h]
	if !ok {
		return nil, status.NotFound.WithMessage("unknown handle")
	}
	iface, ok := entry.protocols[guid]
	if !ok {
		return nil, status.NotFound.WithMessage("protocol not installed on handle")
	}
	return iface, nil
}

func (f *Firmware) installOne(h Handle, p ProtocolInterface) status.Status {
	entry, ok := f.handles[h]
	if !ok {
		return status.InvalidParameter.WithMessage("unknown handle")
	}
	if _, exists := entry.protocols[p.GUID]; exists {
		return status.InvalidParameter.WithMessage("protocol already installed on handle")
	}
	entry.protocols[p.GUID] = p.Interface
	return nil
}

func (f *Firmware) uninstallOne(h Handle, p ProtocolInterface) status.Status {
	entry, ok := f.handles[h]
	if !ok {
		return status.InvalidParameter.WithMessage("unknown handle")
	}
	if _, exists := entry.protocols[p.GUID]; !exists {
		return status.InvalidParameter.WithMessage("protocol not installed on handle")
	}
	delete(entry.protocols, p.GUID)
	return nil
}

// InstallMultipleProtocolInterfaces installs every (guid, interface) pair on
// h, one at a time in reverse order, exactly as spec.md §4.7 describes. If
// any single install fails, everything already installed by this call is
// rolled back and the failure is returned; h is left exactly as it was found.
func (f *Firmware) InstallMultipleProtocolInterfaces(h Handle, pairs ...ProtocolInterface) status.Status {
	installed := make([]ProtocolInterface, 0, len(pairs))
	for i := len(pairs) - 1; i >= 0; i-- {
		if err := f.installOne(h, pairs[i]); err != nil {
			for _, done := range installed {
				if rollbackErr := f.uninstallOne(h, done); rollbackErr != nil {
					f.logger.Panicf("install rollback failed to remove %v: %s", done.GUID, rollbackErr)
				}
			}
			return err
		}
		installed = append(installed, pairs[i])
	}
	return nil
}

// UninstallMultipleProtocolInterfaces removes every (guid, interface) pair
// from h. If any single removal fails partway through, everything already
// removed by this call is reinstalled and the failure is returned.
func (f *Firmware) UninstallMultipleProtocolInterfaces(h Handle, pairs ...ProtocolInterface) status.Status {
	removed := make([]ProtocolInterface, 0, len(pairs))
	for _, p := range pairs {
		if err := f.uninstallOne(h, p); err != nil {
			for _, done := range removed {
				if rollbackErr := f.installOne(h, done); rollbackErr != nil {
					f.logger.Panicf("uninstall rollback failed to restore %v: %s", done.GUID, rollbackErr)
				}
			}
			return err
		}
		removed = append(removed, p)
	}
	return nil
}

// OnConnect registers a callback invoked every time ConnectController runs.
func (f *Firmware) OnConnect(fn func(Handle)) {
	f.connectFns = append(f.connectFns, fn)
}

// OnDisconnect registers a callback invoked every time DisconnectController
// runs.
func (f *Firmware) OnDisconnect(fn func(Handle)) {
	f.disconnFns = append(f.disconnFns, fn)
}

// ConnectController asks the firmware to (re)connect drivers to h, the
// request a loopback device makes after activating new media so block-I/O
// consumers notice the change.
func (f *Firmware) ConnectController(h Handle) status.Status {
	for _, fn := range f.connectFns {
		fn(h)
	}
	return nil
}

// DisconnectController is the symmetric teardown request made from clear().
func (f *Firmware) DisconnectController(h Handle) status.Status {
	for _, fn := range f.disconnFns {
		fn(h)
	}
	return nil
}

// Logger returns the firmware's diagnostic logger, for components that need
// to emit the observable warnings spec.md names (multi-extent, Zero-target
// discard, buffer-region overflow, ISO9660 forced read-only).
func (f *Firmware) Logger() *log.Logger {
	return f.logger
}
