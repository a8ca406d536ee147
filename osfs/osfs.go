// Package osfs is the one concrete mapping.FileResolver this repository
// ships: it resolves File targets against the real local filesystem.
//
// Binary device-path parsing and the firmware's own filesystem protocol are
// explicitly out of scope for this driver (spec.md §1) — they're external
// collaborators whose contract is simply "give me a filesystem-device
// handle and a path, get back a file". osfs plays that collaborator's role
// for a host-testable build: File targets carry plain UTF-8 paths instead
// of packed UEFI media-file-path device-path nodes, resolved against
// whichever directory a FileSystemProtocol was installed with.
package osfs

import (
	"os"

	"github.com/ovmf-tools/lopatch/devpath"
	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/mapping"
	"github.com/ovmf-tools/lopatch/status"
)

// ProtocolGUID identifies the simple-filesystem protocol this package
// installs on filesystem-device handles.
var ProtocolGUID = devpath.GUID{
	0x9a, 0x4e, 0x1f, 0x0c, 0x2b, 0x88, 0x41, 0x7a,
	0xae, 0x33, 0x50, 0x1c, 0xef, 0x02, 0x6d, 0x19,
}

// FileSystemProtocol is the interface installed on a filesystem-device
// handle. Its identity (the pointer itself) is what File targets snapshot
// and re-verify on every I/O: if the firmware swaps in a different
// *FileSystemProtocol for the same handle, the snapshot comparison fails
// and reads/writes against files opened through the old one return
// DeviceError, per spec.md §4.2.2.
type FileSystemProtocol struct {
	// Root is the directory relative file paths are resolved against.
	Root string
}

// Install registers a FileSystemProtocol rooted at dir on handle.
func Install(firmware *fw.Firmware, handle fw.Handle, dir string) (*FileSystemProtocol, status.Status) {
	proto := &FileSystemProtocol{Root: dir}
	err := firmware.InstallMultipleProtocolInterfaces(handle, fw.ProtocolInterface{
		GUID:      ProtocolGUID,
		Interface: proto,
	})
	return proto, err
}

// Resolver implements mapping.FileResolver against the local filesystem.
type Resolver struct {
	Firmware   *fw.Firmware
	RootHandle fw.Handle
}

func New(firmware *fw.Firmware, rootHandle fw.Handle) *Resolver {
	return &Resolver{Firmware: firmware, RootHandle: rootHandle}
}

func (r *Resolver) lookup(handle fw.Handle) (*FileSystemProtocol, status.Status) {
	iface, err := r.Firmware.HandleProtocol(handle, ProtocolGUID)
	if err != nil {
		return nil, err
	}
	proto, ok := iface.(*FileSystemProtocol)
	if !ok {
		return nil, status.DeviceError.WithMessage("handle does not expose a filesystem protocol")
	}
	return proto, nil
}

// Resolve opens path (relative to the filesystem device rooted at fsHandle,
// or RootHandle if fsHandle is the zero Handle) for read/write, or
// read-only if it cannot be opened for writing.
func (r *Resolver) Resolve(fsHandle fw.Handle, path []byte) (mapping.FileBackend, fw.Handle, status.Status) {
	resolvedHandle := fsHandle
	if resolvedHandle == 0 {
		resolvedHandle = r.RootHandle
	}

	proto, err := r.lookup(resolvedHandle)
	if err != nil {
		return nil, 0, err
	}

	fullPath := proto.Root + string(os.PathSeparator) + string(path)
	f, openErr := os.OpenFile(fullPath, os.O_RDWR, 0)
	if openErr != nil {
		f, openErr = os.Open(fullPath)
		if openErr != nil {
			return nil, 0, status.NotFound.WrapError(openErr)
		}
	}

	return &osBackend{f: f}, resolvedHandle, nil
}

// Snapshot captures the current filesystem protocol pointer for later
// re-verification.
func (r *Resolver) Snapshot(fsHandle fw.Handle) (any, status.Status) {
	proto, err := r.lookup(fsHandle)
	if err != nil {
		return nil, err
	}
	return proto, nil
}

// Reverify fails with DeviceError if the protocol currently installed on
// fsHandle is no longer the same pointer captured by Snapshot.
func (r *Resolver) Reverify(fsHandle fw.Handle, snapshot any) status.Status {
	current, err := r.lookup(fsHandle)
	if err != nil {
		return status.DeviceError.WrapError(err)
	}
	if current != snapshot {
		return status.DeviceError.WithMessage("filesystem interface changed underneath the driver")
	}
	return nil
}

type osBackend struct {
	f *os.File
}

func (b *osBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

func (b *osBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.f.WriteAt(p, off)
}

func (b *osBackend) Flush() error {
	return b.f.Sync()
}

func (b *osBackend) SizeBytes() int64 {
	info, err := b.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}
