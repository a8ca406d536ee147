package patch_test

import (
	"bytes"
	"encoding/binary"
	"regexp"
	"testing"

	"github.com/ovmf-tools/lopatch/cpio"
	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/iso9660"
	"github.com/ovmf-tools/lopatch/mapping"
	"github.com/ovmf-tools/lopatch/patch"
	"github.com/ovmf-tools/lopatch/pool"
	"github.com/ovmf-tools/lopatch/status"
	lptesting "github.com/ovmf-tools/lopatch/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBackend struct{ data []byte }

func (m *memBackend) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.data[off:]), nil }
func (m *memBackend) WriteAt(p []byte, off int64) (int, error) { return copy(m.data[off:], p), nil }
func (m *memBackend) Flush() error                             { return nil }
func (m *memBackend) SizeBytes() int64                         { return int64(len(m.data)) }

// sourceResolver resolves Replace/Append source paths against a fixed table,
// independent of the image backend under patch.
type sourceResolver struct {
	files map[string][]byte
}

func (s *sourceResolver) Resolve(fsHandle fw.Handle, path []byte) (mapping.FileBackend, fw.Handle, status.Status) {
	content, ok := s.files[string(path)]
	if !ok {
		return nil, 0, status.NotFound.WithMessage("no such source file")
	}
	return &memBackend{data: content}, fsHandle, nil
}

func (s *sourceResolver) Snapshot(fw.Handle) (any, status.Status) { return nil, nil }
func (s *sourceResolver) Reverify(fw.Handle, any) status.Status  { return nil }

type imageEntry struct {
	name string
	lba  uint32
	size uint32
	fill byte
}

// buildImage assembles a minimal one-directory-level ISO9660 image: a PVD at
// block 16, a terminator at block 18, and a root directory at rootLBA
// listing entries, each entry's extent filled with a distinct byte so tests
// can tell original content from patched content.
func buildImage(rootLBA uint32, entries []imageEntry) []byte {
	dirBlock := make([]byte, iso9660.BlockSize)
	offset := 0
	offset += lptesting.WriteRecord(dirBlock, offset, true, rootLBA, iso9660.BlockSize, "\x00")
	offset += lptesting.WriteRecord(dirBlock, offset, true, rootLBA, iso9660.BlockSize, "\x01")
	for _, e := range entries {
		offset += lptesting.WriteRecord(dirBlock, offset, false, e.lba, e.size, e.name)
	}

	image := lptesting.BuildISOImage(96, rootLBA, dirBlock)
	for _, e := range entries {
		start := int(e.lba) * iso9660.BlockSize
		region := image[start : start+int(e.size)]
		for i := range region {
			region[i] = e.fill
		}
	}
	return image
}

// recordOffset mirrors buildImage's layout to find where a given entry's
// directory record landed inside the root directory block.
func recordOffset(entries []imageEntry, index int) int {
	offset := 68 // "." (34 bytes) + ".." (34 bytes)
	for i := 0; i < index; i++ {
		offset += recordSize(entries[i].name)
	}
	return offset
}

func recordSize(name string) int {
	size := 33 + len(name)
	if size%2 != 0 {
		size++
	}
	return size
}

func poolDataForTest(item mapping.Item) ([]byte, status.Status) {
	return pool.Data(item.PoolPayload)
}

func findItem(items []mapping.Item, startSector uint64) (mapping.Item, bool) {
	for _, it := range items {
		if it.StartSector == startSector {
			return it, true
		}
	}
	return mapping.Item{}, false
}

func TestPlanPassesThroughNonISOImageUnpatched(t *testing.T) {
	image := bytes.Repeat([]byte{0x11}, 32*iso9660.BlockSize)
	in := &patch.Input{
		Image:       &memBackend{data: image},
		ImageHandle: fw.Handle(7),
		ImagePath:   []byte("raw.img"),
		Resolver:    &sourceResolver{files: map[string][]byte{}},
		DevicePath:  "/dev/loop0",
	}

	items, isISO, err := patch.Plan(in)
	require.Nil(t, err)
	assert.False(t, isISO)
	require.Len(t, items, 1)
	assert.EqualValues(t, 0, items[0].StartSector)
	assert.EqualValues(t, len(image)/mapping.SectorSize, items[0].NumSectors)
	assert.Equal(t, mapping.File, items[0].Kind)
}

func TestPlanReplacesAppendsAndPatchesDirectoryRecords(t *testing.T) {
	const rootLBA = 20
	entries := []imageEntry{
		{name: "REPLACE.TXT;1", lba: 30, size: 512, fill: 0xAA},
		{name: "APPEND.TXT;1", lba: 31, size: 1024, fill: 0xBB},
		{name: "PLAIN.TXT;1", lba: 33, size: 100, fill: 0xCC},
	}
	image := buildImage(rootLBA, entries)

	replaceContent := bytes.Repeat([]byte{0xEE}, 700)
	appendContent := bytes.Repeat([]byte{0xDD}, 200)
	const devicePath = "/dev/loop3"

	rules := []patch.Rule{
		// Matches first with an Append action that must never survive: a
		// later Replace action on the same file resets the list.
		{Pattern: regexp.MustCompile(`^/REPLACE\.TXT$`),
			Actions: []patch.Action{{Kind: patch.Append, Path: []byte("ignored-append")}}},
		{Pattern: regexp.MustCompile(`^/REPLACE\.TXT$`),
			Actions: []patch.Action{{Kind: patch.Replace, Path: []byte("new-content")}}},
		{Pattern: regexp.MustCompile(`^/APPEND\.TXT$`),
			Actions: []patch.Action{
				{Kind: patch.Append, Path: []byte("extra-content")},
				{Kind: patch.MetaCpio},
			}},
	}

	in := &patch.Input{
		Image:       &memBackend{data: image},
		ImageHandle: fw.Handle(7),
		ImagePath:   []byte("cdrom.iso"),
		Resolver: &sourceResolver{files: map[string][]byte{
			"new-content":   replaceContent,
			"extra-content": appendContent,
		}},
		Rules:      rules,
		DevicePath: devicePath,
		Owner:      0xfeed,
	}

	items, isISO, err := patch.Plan(in)
	require.Nil(t, err)
	assert.True(t, isISO)

	rootDirSector := uint64(rootLBA) * 4
	dirItem, ok := findItem(items, rootDirSector)
	require.True(t, ok, "expected a patched item covering the root directory block")
	assert.Equal(t, mapping.Pool, dirItem.Kind)

	dirData, dataErr := poolDataForTest(dirItem)
	require.Nil(t, dataErr)

	const sectorsPerBlock = uint64(iso9660.BlockSize / mapping.SectorSize)

	// REPLACE.TXT: its record's new LBA/size, in both byte orders, must
	// point at the replacement file's own whole-sector prefix as a File
	// segment (never copied into RAM), followed by a small Pool segment
	// holding only the trailing partial sector.
	replaceOffset := recordOffset(entries, 0)
	replaceLBA := binary.LittleEndian.Uint32(dirData[replaceOffset+2 : replaceOffset+6])
	assert.Equal(t, replaceLBA, binary.BigEndian.Uint32(dirData[replaceOffset+6:replaceOffset+10]))
	replaceSize := binary.LittleEndian.Uint32(dirData[replaceOffset+10 : replaceOffset+14])
	assert.Equal(t, replaceSize, binary.BigEndian.Uint32(dirData[replaceOffset+14:replaceOffset+18]))
	assert.EqualValues(t, len(replaceContent), replaceSize)

	replacePrefixItem, ok := findItem(items, uint64(replaceLBA)*sectorsPerBlock)
	require.True(t, ok, "patched record's LBA must address the replacement file's prefix")
	assert.Equal(t, mapping.File, replacePrefixItem.Kind)
	assert.EqualValues(t, 1, replacePrefixItem.NumSectors)
	assert.Equal(t, []byte("new-content"), replacePrefixItem.FilePath)
	assert.EqualValues(t, 0, replacePrefixItem.TargetStartSector)

	replaceTailItem, ok := findItem(items, uint64(replaceLBA)*sectorsPerBlock+1)
	require.True(t, ok, "expected the replacement file's trailing partial sector in pool")
	assert.Equal(t, mapping.Pool, replaceTailItem.Kind)
	replaceTailData, err2 := poolDataForTest(replaceTailItem)
	require.Nil(t, err2)
	assert.True(t, bytes.HasPrefix(replaceTailData, replaceContent[mapping.SectorSize:]))

	// APPEND.TXT: its record's new size must cover both the whole-sector
	// prefix of the original extent and the appended content, and
	// its new LBA must address a File item whose prefix still targets the
	// original extent, immediately followed by the appended data in pool.
	appendOffset := recordOffset(entries, 1)
	expectedCpioLen := len(cpio.Build(devicePath))
	expectedAppendSize := uint32(1024 + len(appendContent) + expectedCpioLen)
	appendLBA := binary.LittleEndian.Uint32(dirData[appendOffset+2 : appendOffset+6])
	assert.EqualValues(t, expectedAppendSize, binary.LittleEndian.Uint32(dirData[appendOffset+10:appendOffset+14]))

	appendPrefixItem, ok := findItem(items, uint64(appendLBA)*sectorsPerBlock)
	require.True(t, ok, "patched record's LBA must address the appended file's prefix")
	assert.Equal(t, mapping.File, appendPrefixItem.Kind)
	assert.EqualValues(t, 2, appendPrefixItem.NumSectors)
	assert.EqualValues(t, entries[1].lba*uint32(sectorsPerBlock), appendPrefixItem.TargetStartSector)

	appendPoolItem, ok := findItem(items, uint64(appendLBA)*sectorsPerBlock+2)
	require.True(t, ok, "expected the appended content's pool region right after the prefix")
	assert.Equal(t, mapping.Pool, appendPoolItem.Kind)
	appendPoolData, err3 := poolDataForTest(appendPoolItem)
	require.Nil(t, err3)
	assert.True(t, bytes.HasPrefix(appendPoolData, appendContent))

	// PLAIN.TXT never matched a rule; its record must be untouched.
	plainOffset := recordOffset(entries, 2)
	assert.EqualValues(t, entries[2].lba, binary.LittleEndian.Uint32(dirData[plainOffset+2:plainOffset+6]))
	assert.EqualValues(t, entries[2].size, binary.LittleEndian.Uint32(dirData[plainOffset+10:plainOffset+14]))
}
