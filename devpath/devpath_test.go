package devpath_test

import (
	"testing"

	"github.com/ovmf-tools/lopatch/devpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerPathIsStable(t *testing.T) {
	assert.Equal(t, devpath.Controller(), devpath.Controller())
}

func TestChildPathExtendsController(t *testing.T) {
	child := devpath.Child(3)
	controller := devpath.Controller()

	// The child path must share the controller's vendor-hardware node as a
	// prefix (everything before the controller's end node).
	assert.True(t, len(child) > len(controller))
	assert.Equal(t, controller[:len(controller)-4], child[:len(controller)-4])
}

func TestChildUnitRoundTrip(t *testing.T) {
	for _, unit := range []uint32{0, 1, 7, 4294967295} {
		path := devpath.Child(unit)
		got, ok := devpath.ChildUnit(path)
		require.True(t, ok)
		assert.Equal(t, unit, got)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, devpath.IsTerminal(nil))
	assert.True(t, devpath.IsTerminal([]byte{devpath.TypeEnd, devpath.SubTypeEndEntire, 4, 0}))
	assert.False(t, devpath.IsTerminal(devpath.Child(0)))
}

func TestEqual(t *testing.T) {
	assert.True(t, devpath.Equal(devpath.Controller(), devpath.Controller()))
	assert.False(t, devpath.Equal(devpath.Controller(), devpath.Child(0)))
}
