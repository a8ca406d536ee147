// Package patch implements the ISO9660 live-patching planner: it walks an
// image's directory tree, matches paths against caller rules, and produces a
// mapping table that overlays replacement/appended content and rewritten
// directory records on top of the original image without copying it
// (spec.md §4.8).
package patch

import (
	"encoding/binary"
	"log"
	"regexp"

	"github.com/ovmf-tools/lopatch/cpio"
	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/iso9660"
	"github.com/ovmf-tools/lopatch/mapping"
	"github.com/ovmf-tools/lopatch/pool"
	"github.com/ovmf-tools/lopatch/status"
)

// ActionKind is one of the three things a matched rule can do to a file.
type ActionKind int

const (
	Replace ActionKind = iota
	Append
	MetaCpio
)

// Action is one step applied to a file matched by a Rule. Path is the
// Replace/Append source file's path, resolved the same way a File mapping
// target is; it's unused for MetaCpio.
type Action struct {
	Kind     ActionKind
	FSHandle fw.Handle
	Path     []byte
}

// Rule matches a file's presentable path against Pattern and, on a match,
// contributes Actions to that file's accumulated action list.
type Rule struct {
	Pattern *regexp.Regexp
	Actions []Action
}

// Input is everything the planner needs to read the original image and
// resolve Replace/Append sources.
type Input struct {
	Image       mapping.FileBackend
	ImageHandle fw.Handle
	ImagePath   []byte
	Resolver    mapping.FileResolver
	Rules       []Rule
	// DevicePath is the value recorded as LOPATCH_DEVICE_PATH in any
	// MetaCpio action's archive.
	DevicePath string
	Owner      pool.Owner
	Logger     *log.Logger
}

const sectorsPerBlock = iso9660.BlockSize / mapping.SectorSize // 4

// blockPatch is a pending edit to one 34-byte directory record, keyed by the
// logical block it lives in so multiple edits to the same block can be
// applied to a single read of that block.
type blockPatch struct {
	offsetInBlock int
	newLBA        uint32
	newSize       uint32
}

// collapseActions applies the "Replace resets the list" rule: a Replace
// action clears everything accumulated so far for this file; Append and
// MetaCpio actions just accumulate.
func collapseActions(actions []Action) []Action {
	var result []Action
	for _, a := range actions {
		if a.Kind == Replace {
			result = []Action{a}
		} else {
			result = append(result, a)
		}
	}
	return result
}

func matchActions(path string, rules []Rule) []Action {
	var matched []Action
	for _, rule := range rules {
		if rule.Pattern.MatchString(path) {
			matched = append(matched, rule.Actions...)
		}
	}
	return collapseActions(matched)
}

// readWhole reads a resolved file backend fully into memory. Used only for
// Append sources, which this planner copies into a pool allocation; neither
// a Replace source nor the (potentially large) original image is read this
// way.
func readWhole(backend mapping.FileBackend) ([]byte, status.Status) {
	size := backend.SizeBytes()
	buf := make([]byte, size)
	n, err := backend.ReadAt(buf, 0)
	if err != nil || int64(n) != size {
		return nil, status.DeviceError.WithMessage("short read resolving patch source file")
	}
	return buf, nil
}

func (in *Input) resolve(fsHandle fw.Handle, path []byte) ([]byte, status.Status) {
	backend, _, err := in.Resolver.Resolve(fsHandle, path)
	if err != nil {
		return nil, err
	}
	return readWhole(backend)
}

// planned is one matched file's resolved appended-region content, before it
// has been placed into the final item list.
type planned struct {
	record iso9660.Record

	// hasFilePrefix is true when the appended region begins with a File
	// segment pointing directly at some backing file rather than a copy in
	// pool: the original image's whole-sector prefix for an Append-only
	// file, or the whole-sector prefix of the replacement file itself for a
	// Replace action. Either way only the trailing partial sector, if any,
	// is copied into poolBytes.
	hasFilePrefix      bool
	filePrefixSectors  uint64
	filePrefixFSHandle fw.Handle
	filePrefixPath     []byte
	filePrefixTarget   uint64

	poolBytes []byte // trailing partial sector + FileChunks + MetaCpio, concatenated, unpadded
}

func (in *Input) planFile(record iso9660.Record, actions []Action) (planned, status.Status) {
	hasReplace := len(actions) > 0 && actions[0].Kind == Replace

	p := planned{record: record}

	if hasReplace {
		replaceAction := actions[0]
		backend, _, err := in.Resolver.Resolve(replaceAction.FSHandle, replaceAction.Path)
		if err != nil {
			return planned{}, err
		}
		size := uint64(backend.SizeBytes())
		wholeSectors := size / mapping.SectorSize
		trailing := size % mapping.SectorSize

		p.hasFilePrefix = wholeSectors > 0
		p.filePrefixSectors = wholeSectors
		p.filePrefixFSHandle = replaceAction.FSHandle
		p.filePrefixPath = replaceAction.Path
		p.filePrefixTarget = 0

		if trailing > 0 {
			tail := make([]byte, trailing)
			n, readErr := backend.ReadAt(tail, int64(wholeSectors)*mapping.SectorSize)
			if readErr != nil || uint64(n) != trailing {
				return planned{}, status.DeviceError.WithMessage("short read of trailing partial sector")
			}
			p.poolBytes = append(p.poolBytes, tail...)
		}

		actions = actions[1:]
	} else {
		wholeSectors := uint64(record.ExtentSize) / mapping.SectorSize
		trailing := uint64(record.ExtentSize) % mapping.SectorSize
		p.hasFilePrefix = wholeSectors > 0
		p.filePrefixSectors = wholeSectors
		p.filePrefixFSHandle = in.ImageHandle
		p.filePrefixPath = in.ImagePath
		p.filePrefixTarget = uint64(record.ExtentLBA) * sectorsPerBlock

		if trailing > 0 {
			vec := make([]byte, mapping.SectorSize)
			offset := int64(record.ExtentLBA)*iso9660.BlockSize + int64(wholeSectors)*mapping.SectorSize
			n, err := in.Image.ReadAt(vec[:trailing], offset)
			if err != nil || uint64(n) != trailing {
				return planned{}, status.DeviceError.WithMessage("short read of trailing partial sector")
			}
			p.poolBytes = append(p.poolBytes, vec[:trailing]...)
		}
	}

	for _, a := range actions {
		switch a.Kind {
		case Append:
			content, err := in.resolve(a.FSHandle, a.Path)
			if err != nil {
				return planned{}, err
			}
			p.poolBytes = append(p.poolBytes, content...)

		case MetaCpio:
			p.poolBytes = append(p.poolBytes, cpio.Build(in.DevicePath)...)

		case Replace:
			return planned{}, status.InvalidParameter.WithMessage("at most one Replace action may survive per file")
		}
	}

	return p, nil
}

func roundUpSectors(n uint64) uint64 {
	if rem := n % mapping.SectorSize; rem != 0 {
		return n + (mapping.SectorSize - rem)
	}
	return n
}

// roundUpToBlock rounds a sector count up to the nearest whole 2048-byte
// block, since a new extent's LBA must address a real block.
func roundUpToBlock(sectors uint64) uint64 {
	if rem := sectors % sectorsPerBlock; rem != 0 {
		return sectors + (sectorsPerBlock - rem)
	}
	return sectors
}

// Plan walks in.Image's directory tree, matches every file against in.Rules,
// and returns the fully assembled mapping-table item list: the original
// image's File/Pool-patched segments followed by each matched file's
// appended region, plus whether the image was detected as ISO9660 (forcing
// read-only per spec.md §4.8 step 6).
func Plan(in *Input) ([]mapping.Item, bool, status.Status) {
	imageSectors := uint64(in.Image.SizeBytes()) / mapping.SectorSize

	pvdPos, err := iso9660.FindPVDPosition(readerAt{in.Image})
	if err != nil {
		// Not an ISO9660 image at all: pass the whole file through untouched.
		return []mapping.Item{
			{StartSector: 0, NumSectors: imageSectors, Kind: mapping.File,
				FSHandle: in.ImageHandle, FilePath: in.ImagePath, TargetStartSector: 0},
		}, false, nil
	}

	rootPos, rootSize := iso9660.FindRootRecord(pvdPos)
	pvdBuf := make([]byte, iso9660.BlockSize)
	if _, readErr := in.Image.ReadAt(pvdBuf, pvdPos); readErr != nil {
		return nil, false, status.DeviceError.WrapError(readErr)
	}

	readFull := func(lba uint32) ([]byte, status.Status) {
		buf := make([]byte, iso9660.BlockSize)
		if _, readErr := in.Image.ReadAt(buf, int64(lba)*iso9660.BlockSize); readErr != nil {
			return nil, status.DeviceError.WrapError(readErr)
		}
		return buf, nil
	}

	var plannedFiles []planned
	var planErr status.Status

	walkErr := iso9660.WalkRecord(readFull, pvdBuf, uint32(pvdPos/iso9660.BlockSize), rootPos-pvdPos, rootSize, "", in.Logger,
		func(r iso9660.Record) bool {
			if r.IsDirectory {
				return true
			}
			actions := matchActions(r.Path, in.Rules)
			if len(actions) == 0 {
				return true
			}
			p, err := in.planFile(r, actions)
			if err != nil {
				planErr = err
				return false
			}
			plannedFiles = append(plannedFiles, p)
			return true
		})
	if walkErr != nil {
		return nil, false, walkErr
	}
	if planErr != nil {
		return nil, false, planErr
	}

	// Record directory-record edits, grouped by the block they live in.
	patchesByBlock := map[uint32][]blockPatch{}

	var appendedItems []mapping.Item
	cursor := imageSectors

	for _, p := range plannedFiles {
		// Each appended file becomes its own extent, so it must start on a
		// block boundary; pad the gap, if any, with a zero-fill segment.
		aligned := roundUpToBlock(cursor)
		if aligned > cursor {
			appendedItems = append(appendedItems, mapping.Item{
				StartSector: cursor, NumSectors: aligned - cursor, Kind: mapping.Zero,
			})
			cursor = aligned
		}

		fileItemStartSector := cursor
		fileItemSizeBytes := uint64(0)

		if p.hasFilePrefix {
			appendedItems = append(appendedItems, mapping.Item{
				StartSector: cursor, NumSectors: p.filePrefixSectors, Kind: mapping.File,
				FSHandle: p.filePrefixFSHandle, FilePath: p.filePrefixPath,
				TargetStartSector: p.filePrefixTarget,
			})
			cursor += p.filePrefixSectors
			fileItemSizeBytes = p.filePrefixSectors * mapping.SectorSize
		}

		if len(p.poolBytes) > 0 {
			padded := roundUpSectors(uint64(len(p.poolBytes)))
			buf := make([]byte, padded)
			copy(buf, p.poolBytes)

			payload, allocErr := pool.Alloc(in.Owner, padded)
			if allocErr != nil {
				return nil, false, allocErr
			}
			data, dataErr := pool.Data(payload)
			if dataErr != nil {
				return nil, false, dataErr
			}
			copy(data, buf)

			poolSectors := padded / mapping.SectorSize
			appendedItems = append(appendedItems, mapping.Item{
				StartSector: cursor, NumSectors: poolSectors, Kind: mapping.Pool,
				PoolPayload: payload, TargetStartSector: 0,
			})
			cursor += poolSectors
		}

		newLBA := uint32(fileItemStartSector / sectorsPerBlock)
		newSize := uint32(fileItemSizeBytes + uint64(len(p.poolBytes)))

		patchesByBlock[p.record.BlockLBA] = append(patchesByBlock[p.record.BlockLBA], blockPatch{
			offsetInBlock: int(p.record.RecordPos),
			newLBA:        newLBA,
			newSize:       newSize,
		})
	}

	// Build the original image's segments: File passthrough everywhere
	// except the patched directory blocks, which become Pool segments
	// carrying the edited record bytes.
	imageItems, patchErr := in.buildImageItems(imageSectors, patchesByBlock)
	if patchErr != nil {
		return nil, false, patchErr
	}

	items := append(imageItems, appendedItems...)
	return items, true, nil
}

// buildImageItems splits [0, imageSectors) into File segments for untouched
// regions and Pool segments for each patched directory block.
func (in *Input) buildImageItems(imageSectors uint64, patchesByBlock map[uint32][]blockPatch) ([]mapping.Item, status.Status) {
	if len(patchesByBlock) == 0 {
		return []mapping.Item{
			{StartSector: 0, NumSectors: imageSectors, Kind: mapping.File,
				FSHandle: in.ImageHandle, FilePath: in.ImagePath, TargetStartSector: 0},
		}, nil
	}

	patchedBlocks := make([]uint32, 0, len(patchesByBlock))
	for lba := range patchesByBlock {
		patchedBlocks = append(patchedBlocks, lba)
	}
	sortUint32s(patchedBlocks)

	var items []mapping.Item
	cursor := uint64(0)

	for _, lba := range patchedBlocks {
		blockStartSector := uint64(lba) * sectorsPerBlock

		if blockStartSector > cursor {
			items = append(items, mapping.Item{
				StartSector: cursor, NumSectors: blockStartSector - cursor, Kind: mapping.File,
				FSHandle: in.ImageHandle, FilePath: in.ImagePath, TargetStartSector: cursor,
			})
		}

		block := make([]byte, iso9660.BlockSize)
		if _, err := in.Image.ReadAt(block, int64(lba)*iso9660.BlockSize); err != nil {
			return nil, status.DeviceError.WrapError(err)
		}
		for _, edit := range patchesByBlock[lba] {
			applyRecordEdit(block, edit)
		}

		payload, err := pool.Alloc(in.Owner, iso9660.BlockSize)
		if err != nil {
			return nil, err
		}
		data, dataErr := pool.Data(payload)
		if dataErr != nil {
			return nil, dataErr
		}
		copy(data, block)

		items = append(items, mapping.Item{
			StartSector: blockStartSector, NumSectors: sectorsPerBlock, Kind: mapping.Pool,
			PoolPayload: payload, TargetStartSector: 0,
		})
		cursor = blockStartSector + sectorsPerBlock
	}

	if cursor < imageSectors {
		items = append(items, mapping.Item{
			StartSector: cursor, NumSectors: imageSectors - cursor, Kind: mapping.File,
			FSHandle: in.ImageHandle, FilePath: in.ImagePath, TargetStartSector: cursor,
		})
	}

	return items, nil
}

// applyRecordEdit rewrites the both-endian LBA and size fields (offsets 2
// and 10 within the 34-byte record) in place.
func applyRecordEdit(block []byte, edit blockPatch) {
	off := edit.offsetInBlock
	binary.LittleEndian.PutUint32(block[off+2:off+6], edit.newLBA)
	binary.BigEndian.PutUint32(block[off+6:off+10], edit.newLBA)
	binary.LittleEndian.PutUint32(block[off+10:off+14], edit.newSize)
	binary.BigEndian.PutUint32(block[off+14:off+18], edit.newSize)
}

func sortUint32s(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// readerAt adapts a mapping.FileBackend to io.ReaderAt for iso9660.
type readerAt struct {
	backend mapping.FileBackend
}

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	return r.backend.ReadAt(p, off)
}
