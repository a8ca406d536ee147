package binding_test

import (
	"testing"

	"github.com/ovmf-tools/lopatch/binding"
	"github.com/ovmf-tools/lopatch/devpath"
	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/loopctl"
	"github.com/ovmf-tools/lopatch/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup() (*binding.Binding, *binding.ComponentName, *loopctl.Controller, fw.Handle) {
	firmware := fw.New(nil)
	busHandle := firmware.CreateHandle()
	controller := loopctl.New(firmware, busHandle, nil)
	b := binding.New(busHandle, controller, firmware.Logger())
	cn := binding.NewComponentName(firmware)
	return b, cn, controller, busHandle
}

func TestSupportedAcceptsOwnBusWithTerminalPath(t *testing.T) {
	b, _, _, busHandle := setup()
	assert.Nil(t, b.Supported(busHandle, nil))
	assert.Nil(t, b.Supported(busHandle, devpath.Controller()[len(devpath.Controller())-4:]))
}

func TestSupportedRejectsForeignController(t *testing.T) {
	b, _, _, busHandle := setup()
	assert.ErrorIs(t, b.Supported(busHandle+1, nil), status.Unsupported)
}

func TestSupportedRejectsNonTerminalPath(t *testing.T) {
	b, _, _, busHandle := setup()
	assert.ErrorIs(t, b.Supported(busHandle, devpath.Controller()), status.Unsupported)
}

func TestGetDriverNameFixed(t *testing.T) {
	_, cn, _, _ := setup()
	name, err := cn.GetDriverName("en-us")
	require.Nil(t, err)
	assert.Equal(t, "Loopback Driver", name)
}

func TestGetDriverNameRejectsUnsupportedLanguage(t *testing.T) {
	_, cn, _, _ := setup()
	_, err := cn.GetDriverName("fr-fr")
	assert.ErrorIs(t, err, status.Unsupported)
}

func TestGetControllerNameWithNullChildReturnsControllerName(t *testing.T) {
	_, cn, _, _ := setup()
	name, err := cn.GetControllerName("en", 0)
	require.Nil(t, err)
	assert.Equal(t, "Loopback Controller", name)
}

func TestGetControllerNameWithChildReturnsCachedDeviceName(t *testing.T) {
	_, cn, controller, _ := setup()
	child, err := controller.Add(3)
	require.Nil(t, err)

	name, nameErr := cn.GetControllerName("en", child.Handle())
	require.Nil(t, nameErr)
	assert.Equal(t, "Loopback Device #3", name)
}

func TestStopStopsAtFirstFailure(t *testing.T) {
	b, _, controller, _ := setup()
	child, err := controller.Add(0)
	require.Nil(t, err)

	stopErr := b.Stop(0, []fw.Handle{child.Handle(), fw.Handle(9999)})
	assert.ErrorIs(t, stopErr, status.NotFound)

	_, findErr := controller.Find(0)
	assert.NotNil(t, findErr, "the first child must have been removed before the failing one was hit")
}
