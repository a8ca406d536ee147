package cpio_test

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/ovmf-tools/lopatch/cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseField(t *testing.T, hex []byte) uint32 {
	t.Helper()
	v, err := strconv.ParseUint(string(hex), 16, 32)
	require.NoError(t, err)
	return uint32(v)
}

func TestBuildPadsToSectorBoundary(t *testing.T) {
	archive := cpio.Build("/vendor/path")
	assert.Zero(t, len(archive)%512)
	assert.NotZero(t, len(archive))
}

func TestBuildFirstEntryIsMetadataFile(t *testing.T) {
	archive := cpio.Build("/some/device/path")

	assert.Equal(t, "070701", string(archive[0:6]))

	mode := parseField(t, archive[6+8:6+16])
	assert.EqualValues(t, 0100644, mode)

	fileSize := parseField(t, archive[6+6*8:6+7*8])
	content := []byte(cpio.MetadataLine("/some/device/path"))
	assert.EqualValues(t, len(content), fileSize)

	nameSize := parseField(t, archive[6+11*8:6+12*8])
	assert.EqualValues(t, len(".uefi-lopatch-metadata")+1, nameSize)

	name := archive[6+13*8 : 6+13*8+len(".uefi-lopatch-metadata")]
	assert.Equal(t, ".uefi-lopatch-metadata", string(name))
}

func TestBuildContainsDevicePathLine(t *testing.T) {
	archive := cpio.Build("/dev/vda")
	assert.True(t, bytes.Contains(archive, []byte("LOPATCH_DEVICE_PATH='/dev/vda'\n")))
}

func TestBuildEndsWithTrailer(t *testing.T) {
	archive := cpio.Build("/x")
	assert.True(t, bytes.Contains(archive, []byte("TRAILER!!!")))
	// Nothing but NUL padding may follow the trailer entry's name.
	tail := archive[bytes.LastIndex(archive, []byte("TRAILER!!!"))+len("TRAILER!!!"):]
	assert.Empty(t, bytes.Trim(tail, "\x00"))
}

func TestMetadataLineFormat(t *testing.T) {
	line := cpio.MetadataLine("/a/b")
	assert.Equal(t, "LOPATCH_DEVICE_PATH='/a/b'\n", line)
}

func TestHeaderFieldWidthIsEightHexDigits(t *testing.T) {
	archive := cpio.Build("/p")
	for i := 0; i < 13; i++ {
		field := archive[6+i*8 : 6+(i+1)*8]
		_, err := strconv.ParseUint(string(field), 16, 32)
		require.NoError(t, err, "field %d not valid hex: %q", i, field)
	}
}
