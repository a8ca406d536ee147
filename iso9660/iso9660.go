// Package iso9660 walks the volume-descriptor sequence and directory tree of
// an ISO9660 image (spec.md §4.6): a minimal reader, not a general-purpose
// filesystem implementation — it yields presentable paths and raw directory
// records to a visitor, and nothing else.
package iso9660

import (
	"encoding/binary"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/ovmf-tools/lopatch/status"
)

// BlockSize is the fixed logical block size ISO9660 volumes use.
const BlockSize = 2048

const (
	typePrimaryVolumeDescriptor = 1
	typeTerminator              = 255

	standardIdentifier = "CD001"
	standardVersion    = 1
)

const (
	recordFlagDirectory   = 1 << 1
	recordFlagMultiExtent = 1 << 6
)

// Record is a parsed directory record, positioned relative to the image.
type Record struct {
	IsDirectory bool
	ExtentLBA   uint32
	ExtentSize  uint32
	// Path is the presentable path: parent_path and name joined by a single
	// "/" (so the root's children are "/NAME", not "//NAME"), with any
	// trailing ";version" suffix stripped for non-directories.
	Path string
	// BlockLBA and RecordPos together locate this record's own bytes: the
	// logical block it lives in, and its byte offset within that block (not
	// within the image), so the patch planner can rewrite it in place.
	BlockLBA   uint32
	RecordPos  int64
	RecordSize int
}

// Visitor is called once per directory record encountered during a walk. A
// false return stops the walk immediately without visiting further records.
type Visitor func(Record) bool

// FindPVDPosition scans the volume-descriptor sequence starting at block 16
// for the Primary Volume Descriptor, returning its byte position.
func FindPVDPosition(r io.ReaderAt) (int64, status.Status) {
	descriptor := make([]byte, BlockSize)
	for block := int64(16); ; block++ {
		pos := block * BlockSize
		n, err := r.ReadAt(descriptor, pos)
		if err != nil {
			return 0, status.DeviceError.WrapError(err)
		}
		if n != len(descriptor) {
			return 0, status.DeviceError.WithMessage("short read of volume descriptor")
		}

		descriptorType := descriptor[0]
		if descriptorType == typeTerminator {
			return 0, status.NotFound.WithMessage("no primary volume descriptor found")
		}

		if descriptorType == typePrimaryVolumeDescriptor {
			if string(descriptor[1:6]) != standardIdentifier || descriptor[6] != standardVersion {
				return 0, status.Aborted.WithMessage("primary volume descriptor has bad identifier or version")
			}
			return pos, nil
		}
	}
}

// FindRootRecord returns the position and size of the root directory record
// embedded within the Primary Volume Descriptor at pvdPos.
func FindRootRecord(pvdPos int64) (pos int64, size int) {
	return pvdPos + 156, 34
}

// parseRecord decodes a single directory record from buf, starting at
// offset, given parentPath for building the presentable path. logger may be
// nil.
func parseRecord(buf []byte, offset int, blockLBA uint32, parentPath string, logger *log.Logger) (Record, int) {
	recordSize := int(buf[offset])
	if recordSize == 0 {
		return Record{}, 0
	}

	flags := buf[offset+25]
	isDirectory := flags&recordFlagDirectory != 0
	if flags&recordFlagMultiExtent != 0 && logger != nil {
		logger.Printf("iso9660: record at offset %d has the non-final multi-extent flag set", offset)
	}

	extentLBA := binary.LittleEndian.Uint32(buf[offset+2 : offset+6])
	extentSize := binary.LittleEndian.Uint32(buf[offset+10 : offset+14])
	nameLen := int(buf[offset+32])
	nameBytes := buf[offset+33 : offset+33+nameLen]

	name := stripNUL(nameBytes)
	if !isDirectory {
		name = stripVersionSuffix(name)
	}

	path := strings.TrimSuffix(parentPath, "/") + "/" + name

	return Record{
		IsDirectory: isDirectory,
		ExtentLBA:   extentLBA,
		ExtentSize:  extentSize,
		Path:        path,
		BlockLBA:    blockLBA,
		RecordPos:   int64(offset),
		RecordSize:  recordSize,
	}, recordSize
}

func stripNUL(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// stripVersionSuffix removes a trailing ";NNN" version suffix, if one is
// present and NNN is all decimal digits.
func stripVersionSuffix(name string) string {
	i := strings.LastIndexByte(name, ';')
	if i < 0 {
		return name
	}
	if _, err := strconv.Atoi(name[i+1:]); err != nil {
		return name
	}
	return name[:i]
}

// WalkRecord reads the record at recordPos/recordSize within buf (a single
// logical block already read into memory), invokes visit on it, and — if
// it's a directory — recurses into its extent via readFull, skipping the
// synthetic "." and ".." entries by position rather than by name, exactly as
// spec.md §4.6 requires.
func WalkRecord(
	readFull func(lba uint32) ([]byte, status.Status),
	buf []byte, blockLBA uint32, recordPos int64, recordSize int, parentPath string, logger *log.Logger, visit Visitor,
) status.Status {
	record, _ := parseRecord(buf, int(recordPos), blockLBA, parentPath, logger)

	if !visit(record) {
		return nil
	}

	if !record.IsDirectory {
		return nil
	}

	_, err := walkDirectoryExtent(readFull, record.ExtentLBA, record.ExtentSize, record.Path, logger, visit)
	return err
}

// walkDirectoryExtent reads every directory record in a directory's extent,
// one logical block at a time, skipping the first two entries ("." and
// "..") by counting, and recursing into nested directories. It reports
// false once the visitor has asked to stop, so every enclosing level stops
// too.
func walkDirectoryExtent(
	readFull func(lba uint32) ([]byte, status.Status),
	extentLBA, extentSize uint32, parentPath string, logger *log.Logger, visit Visitor,
) (bool, status.Status) {
	blocksPerExtent := (int(extentSize) + BlockSize - 1) / BlockSize
	entryIndex := 0

	for block := 0; block < blocksPerExtent; block++ {
		buf, err := readFull(extentLBA + uint32(block))
		if err != nil {
			return false, err
		}

		offset := 0
		for offset < BlockSize {
			recordSize := int(buf[offset])
			if recordSize == 0 || offset+recordSize > BlockSize {
				break // advance to the next block boundary without consuming
			}

			record, consumed := parseRecord(buf, offset, extentLBA+uint32(block), parentPath, logger)
			offset += consumed
			entryIndex++

			if entryIndex <= 2 {
				continue // "." and ".." are skipped by counting, not recursed
			}

			if !visit(record) {
				return false, nil
			}

			if record.IsDirectory {
				cont, err := walkDirectoryExtent(readFull, record.ExtentLBA, record.ExtentSize, record.Path, logger, visit)
				if err != nil || !cont {
					return false, err
				}
			}
		}
	}

	return true, nil
}
