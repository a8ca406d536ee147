// Package cpio emits the newc-format cpio archive this driver splices onto a
// patched ISO image's MetaCpio region: a single metadata file recording the
// path of the image file being patched, terminated by a TRAILER!!! entry
// (spec.md §4.8's "cpio newc emission").
package cpio

import (
	"fmt"
	"io"

	"github.com/noxer/bytewriter"
)

const magic = "070701"

// headerFieldCount is the eight-hex-digit fields that follow the magic:
// ino, mode, uid, gid, nlink, mtime, filesize, devmajor, devminor,
// rdevmajor, rdevminor, namesize, check. Magic plus these fields make up the
// fixed 110-byte newc header.
const headerFieldCount = 13
const headerSize = len(magic) + headerFieldCount*8

const metadataFileName = ".uefi-lopatch-metadata"
const trailerName = "TRAILER!!!"

const metadataInode = 0xdeadbeef
const metadataMode = 0100644 // regular file, rw-r--r--

func roundUp(n, multiple int) int {
	if rem := n % multiple; rem != 0 {
		return n + (multiple - rem)
	}
	return n
}

// entrySize is the total bytes a newc entry occupies: header, NUL-terminated
// name padded to a 4-byte boundary, then data padded to a 4-byte boundary.
func entrySize(name string, dataLen int) int {
	return roundUp(headerSize+len(name)+1, 4) + roundUp(dataLen, 4)
}

func writeHeader(w io.Writer, ino, mode, fileSize uint32, name string) {
	fields := [headerFieldCount]uint32{
		ino,                     // c_ino
		mode,                    // c_mode
		0,                       // c_uid
		0,                       // c_gid
		1,                       // c_nlink
		0,                       // c_mtime
		fileSize,                // c_filesize
		0,                       // c_devmajor
		0,                       // c_devminor
		0,                       // c_rdevmajor
		0,                       // c_rdevminor
		uint32(len(name) + 1),   // c_namesize, NUL included
		0,                       // c_check
	}

	w.Write([]byte(magic))
	for _, f := range fields {
		fmt.Fprintf(w, "%08X", f)
	}
	w.Write([]byte(name))
	w.Write([]byte{0})
	if pad := roundUp(headerSize+len(name)+1, 4) - (headerSize + len(name) + 1); pad > 0 {
		w.Write(make([]byte, pad))
	}
}

func writeData(w io.Writer, data []byte) {
	w.Write(data)
	if pad := roundUp(len(data), 4) - len(data); pad > 0 {
		w.Write(make([]byte, pad))
	}
}

// MetadataLine is the shell-style "key='value'" content of the archive's one
// file: presently only LOPATCH_DEVICE_PATH.
func MetadataLine(devicePath string) string {
	return fmt.Sprintf("LOPATCH_DEVICE_PATH='%s'\n", devicePath)
}

// Build emits the newc archive: the metadata file, then a TRAILER!!! record,
// then zero padding to a 512-byte boundary.
func Build(devicePath string) []byte {
	content := []byte(MetadataLine(devicePath))

	unpadded := entrySize(metadataFileName, len(content)) + entrySize(trailerName, 0)
	buf := make([]byte, roundUp(unpadded, 512))
	w := bytewriter.New(buf)

	writeHeader(w, metadataInode, metadataMode, uint32(len(content)), metadataFileName)
	writeData(w, content)
	writeHeader(w, 0, 0, 0, trailerName)

	return buf
}
