// Package testing holds synthetic-image builders shared by this module's
// other test suites, so each package doesn't roll its own ISO9660 directory
// record encoder.
package testing

import (
	"encoding/binary"

	"github.com/ovmf-tools/lopatch/iso9660"
)

// WriteRecord writes a directory record at buf[offset:] and returns the
// number of bytes it occupies.
func WriteRecord(buf []byte, offset int, isDirectory bool, extentLBA, extentSize uint32, name string) int {
	nameBytes := []byte(name)
	size := 33 + len(nameBytes)
	if size%2 != 0 {
		size++ // padding field, ignored by the reader
	}

	buf[offset] = byte(size)
	binary.LittleEndian.PutUint32(buf[offset+2:offset+6], extentLBA)
	binary.LittleEndian.PutUint32(buf[offset+10:offset+14], extentSize)
	if isDirectory {
		buf[offset+25] = 1 << 1
	}
	buf[offset+32] = byte(len(nameBytes))
	copy(buf[offset+33:], nameBytes)
	return size
}

// BuildISOImage assembles a minimal ISO9660 image of totalBlocks blocks: a
// primary volume descriptor at block 16 whose root record points at rootLBA,
// a volume descriptor set terminator at block 18, and rootDirBlock copied to
// rootLBA.
func BuildISOImage(totalBlocks int, rootLBA uint32, rootDirBlock []byte) []byte {
	image := make([]byte, totalBlocks*iso9660.BlockSize)

	pvd := image[16*iso9660.BlockSize : 17*iso9660.BlockSize]
	pvd[0] = 1
	copy(pvd[1:6], "CD001")
	pvd[6] = 1
	WriteRecord(pvd[156:156+34], 0, true, rootLBA, uint32(len(rootDirBlock)), "\x00")

	terminator := image[18*iso9660.BlockSize : 19*iso9660.BlockSize]
	terminator[0] = 255
	copy(terminator[1:6], "CD001")
	terminator[6] = 1

	copy(image[int(rootLBA)*iso9660.BlockSize:], rootDirBlock)
	return image
}
