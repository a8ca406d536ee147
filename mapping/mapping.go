// Package mapping implements the device-mapper-style linear mapping table
// that splices zero-fill, pool, and file-backed segments into one logical
// sector range, and the segment walk that translates a logical read/write
// request into a sequence of per-target operations.
package mapping

import (
	"sort"

	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/pool"
	"github.com/ovmf-tools/lopatch/status"
)

const SectorSize = 512

// Kind tags which kind of target a mapping item points at.
type Kind int

const (
	Zero Kind = iota
	Pool
	File
)

// Item is the public form of a mapping-table entry, as supplied by a caller
// to SetMappingTable.
type Item struct {
	StartSector uint64
	NumSectors  uint64
	Kind        Kind

	// Valid when Kind == Pool. Ownership of the payload transfers to the
	// device the instant SetMappingTable is called, regardless of whether
	// the call ultimately succeeds.
	PoolPayload pool.Ptr

	// Valid when Kind == File. FSHandle may be the zero Handle, meaning
	// "locate the filesystem device from Path".
	FSHandle fw.Handle
	FilePath []byte

	TargetStartSector uint64
}

// FileBackend is the minimal file interface a resolved File target needs:
// reads/writes at byte offsets, a flush, and the file's size in bytes.
type FileBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	SizeBytes() int64
}

// FileResolver locates the backend for a File target and lets later I/O
// re-verify that the filesystem protocol it cached hasn't been swapped out
// from underneath the driver (spec.md §4.2.2).
type FileResolver interface {
	Resolve(fsHandle fw.Handle, path []byte) (FileBackend, fw.Handle, status.Status)
	Snapshot(fsHandle fw.Handle) (any, status.Status)
	Reverify(fsHandle fw.Handle, snapshot any) status.Status
}

// InternalItem is the form the device holds internally: same shape as Item,
// but File targets carry an opened backend and a closure that re-verifies
// the cached filesystem interface before every access.
type InternalItem struct {
	StartSector uint64
	NumSectors  uint64
	Kind        Kind

	PoolPayload pool.Ptr

	FileBackend FileBackend
	FSHandle    fw.Handle
	Reverify    func() status.Status

	TargetStartSector uint64
	targetSizeSectors uint64
}

func (it *InternalItem) endSector() uint64 {
	return it.StartSector + it.NumSectors
}

// TargetSizeSectors returns the size of the item's target, in sectors, as
// measured when the table was built.
func (it *InternalItem) TargetSizeSectors() uint64 {
	return it.targetSizeSectors
}

// Table is a sorted, validated, gap-free mapping table.
type Table struct {
	items []InternalItem
}

// BuildResult reports how a Build call partitioned the caller's items.
type BuildResult struct {
	Table *Table
	// DroppedZeroLength holds items with NumSectors == 0 that were silently
	// excluded from a successfully built table; their Pool payloads (if any)
	// still transferred ownership and must be reclaimed by the caller.
	DroppedZeroLength []Item
}

// Build sorts items by StartSector, validates contiguity from sector 0, and
// resolves File targets through resolver. On any per-item validation
// failure it stops at that item (subsequent items are not validated) and
// returns the first error, exactly as spec.md §4.2's "BaseDriver" set_mapping_table
// describes; the caller is responsible for reclaiming every Pool payload
// present across the *entire original* items slice in that case.
func Build(items []Item, resolver FileResolver) (*BuildResult, status.Status) {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartSector < sorted[j].StartSector
	})

	var kept []InternalItem
	var dropped []Item
	var cursor uint64

	for _, it := range sorted {
		if it.NumSectors == 0 {
			dropped = append(dropped, it)
			continue
		}

		if it.StartSector != cursor {
			return nil, status.InvalidParameter.WithMessage(
				"mapping table is not contiguous from sector 0")
		}

		internal, err := resolveItem(it, resolver)
		if err != nil {
			return nil, err
		}

		kept = append(kept, internal)
		cursor += it.NumSectors
	}

	if len(kept) == 0 {
		return nil, status.InvalidParameter.WithMessage("mapping table is empty")
	}

	return &BuildResult{Table: &Table{items: kept}, DroppedZeroLength: dropped}, nil
}

func resolveItem(it Item, resolver FileResolver) (InternalItem, status.Status) {
	internal := InternalItem{
		StartSector:       it.StartSector,
		NumSectors:        it.NumSectors,
		Kind:              it.Kind,
		PoolPayload:       it.PoolPayload,
		TargetStartSector: it.TargetStartSector,
	}

	var backend FileBackend
	var size uint64

	switch it.Kind {
	case Zero:
		size = it.TargetStartSector + it.NumSectors

	case Pool:
		s, err := pool.SizeOf(it.PoolPayload)
		if err != nil {
			return InternalItem{}, err
		}
		size = s / SectorSize

	case File:
		var resolvedHandle fw.Handle
		var err status.Status
		backend, resolvedHandle, err = resolver.Resolve(it.FSHandle, it.FilePath)
		if err != nil {
			return InternalItem{}, err
		}
		snapshot, err := resolver.Snapshot(resolvedHandle)
		if err != nil {
			return InternalItem{}, err
		}
		internal.FileBackend = backend
		internal.FSHandle = resolvedHandle
		internal.Reverify = func() status.Status {
			return resolver.Reverify(resolvedHandle, snapshot)
		}
		size = uint64(backend.SizeBytes()) / SectorSize

	default:
		return InternalItem{}, status.InvalidParameter.WithMessage("unknown target kind")
	}

	if it.TargetStartSector+it.NumSectors > size {
		return InternalItem{}, status.InvalidParameter.WithMessage(
			"mapping item extends past the end of its target")
	}

	internal.targetSizeSectors = size
	return internal, nil
}

// NewTableFromFile builds the single-segment table set_file synthesizes: one
// File-target item covering whole sectors 0..wholeSectors of an already
// resolved backend.
func NewTableFromFile(
	backend FileBackend, resolvedHandle fw.Handle, reverify func() status.Status, wholeSectors uint64,
) (*Table, status.Status) {
	if wholeSectors == 0 {
		return nil, status.InvalidParameter.WithMessage("file has no whole sectors to map")
	}
	item := InternalItem{
		StartSector:       0,
		NumSectors:        wholeSectors,
		Kind:              File,
		FileBackend:       backend,
		FSHandle:          resolvedHandle,
		Reverify:          reverify,
		TargetStartSector: 0,
		targetSizeSectors: wholeSectors,
	}
	return &Table{items: []InternalItem{item}}, nil
}

// TotalSectors is the logical size of the device this table describes, i.e.
// last_block.
func (t *Table) TotalSectors() uint64 {
	if len(t.items) == 0 {
		return 0
	}
	last := t.items[len(t.items)-1]
	return last.StartSector + last.NumSectors
}

// Items returns the table's sorted internal items. Callers must not mutate
// the returned slice; it is shared with the table.
func (t *Table) Items() []InternalItem {
	return t.items
}

// Operation is one step of a segment walk: count sectors of I/O against
// item, translated to the target's own target_start_sector-relative offset.
type Operation struct {
	Item         *InternalItem
	TargetSector uint64
	SectorCount  uint64
	Buffer       []byte
}

// Walk finds the mapping item covering requestStart and walks forward,
// invoking perform once per covered item with the portion of buf that
// item is responsible for. It is the segment walk spec.md §4.2.1 calls
// "the heart of the engine".
func (t *Table) Walk(
	requestStart, numSectors uint64, buf []byte, perform func(Operation) status.Status,
) status.Status {
	if numSectors == 0 {
		return nil
	}

	index := sort.Search(len(t.items), func(i int) bool {
		return t.items[i].endSector() > requestStart
	})
	if index == len(t.items) {
		return status.InvalidParameter.WithMessage("request start sector out of range")
	}

	remaining := numSectors
	cursor := requestStart
	bufOffset := uint64(0)
	var totalAdvanced uint64

	for remaining > 0 {
		if index >= len(t.items) {
			return status.InvalidParameter.WithMessage("request extends past end of mapping table")
		}
		item := &t.items[index]

		advance := item.endSector() - cursor
		if advance > remaining {
			advance = remaining
		}

		targetSector := item.TargetStartSector + (cursor - item.StartSector)
		chunk := buf[bufOffset*SectorSize : (bufOffset+advance)*SectorSize]

		if err := perform(Operation{
			Item:         item,
			TargetSector: targetSector,
			SectorCount:  advance,
			Buffer:       chunk,
		}); err != nil {
			return err
		}

		cursor += advance
		bufOffset += advance
		remaining -= advance
		totalAdvanced += advance
		if cursor == item.endSector() {
			index++
		}
	}

	if totalAdvanced != numSectors {
		panic("segment walk advanced a different number of sectors than requested")
	}
	return nil
}

// ForEachFile invokes fn for every File-target item in the table, used by
// flush to re-verify and flush each open file exactly once.
func (t *Table) ForEachFile(fn func(*InternalItem) status.Status) status.Status {
	for i := range t.items {
		if t.items[i].Kind != File {
			continue
		}
		if err := fn(&t.items[i]); err != nil {
			return err
		}
	}
	return nil
}
