// Package binding implements the driver-binding and component-name façades
// the firmware calls to manage and describe this driver (spec.md §4.3, §4.4).
package binding

import (
	"fmt"
	"log"
	"strings"

	"github.com/ovmf-tools/lopatch/devpath"
	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/loopctl"
	"github.com/ovmf-tools/lopatch/status"
)

// SupportedLanguages is the fixed RFC 4646 language list this driver
// advertises through the component-name protocol.
const SupportedLanguages = "en-us;en"

const driverName = "Loopback Driver"
const controllerName = "Loopback Controller"

// Binding recovers the controller context the firmware hands back into
// supported/start/stop, and the loop controller those calls act on.
type Binding struct {
	busHandle  fw.Handle
	controller *loopctl.Controller
	logger     *log.Logger
}

func New(busHandle fw.Handle, controller *loopctl.Controller, logger *log.Logger) *Binding {
	return &Binding{busHandle: busHandle, controller: controller, logger: logger}
}

// Supported reports SUCCESS iff controllerHandle is this driver's own bus
// handle and remaining, if present, is a terminal device path — the bus
// accepts no further nodes beneath it.
func (b *Binding) Supported(controllerHandle fw.Handle, remaining []byte) status.Status {
	if controllerHandle != b.busHandle {
		return status.Unsupported
	}
	if !devpath.IsTerminal(remaining) {
		return status.Unsupported
	}
	return nil
}

// Start is invoked once the firmware has decided to bind this driver to the
// controller. Child devices are never created here: they come from explicit
// get_free/add calls through the loop-control interface.
func (b *Binding) Start(controllerHandle fw.Handle) status.Status {
	if b.logger != nil {
		b.logger.Printf("loopback driver started on controller handle %v", controllerHandle)
	}
	return nil
}

// Stop removes every child handle passed in, stopping at the first failure.
func (b *Binding) Stop(controllerHandle fw.Handle, children []fw.Handle) status.Status {
	for _, child := range children {
		if err := b.controller.Remove(child); err != nil {
			return err
		}
	}
	return nil
}

// ComponentName exposes the two component-name2 lookups: driver name and
// controller/child name, keyed by a caller-supplied language tag.
type ComponentName struct {
	firmware *fw.Firmware
}

func NewComponentName(firmware *fw.Firmware) *ComponentName {
	return &ComponentName{firmware: firmware}
}

func languageSupported(language string) bool {
	for _, tag := range strings.Split(SupportedLanguages, ";") {
		if strings.EqualFold(tag, language) {
			return true
		}
	}
	return false
}

// GetDriverName returns the fixed driver name for a supported language.
func (c *ComponentName) GetDriverName(language string) (string, status.Status) {
	if !languageSupported(language) {
		return "", status.Unsupported.WithMessage(fmt.Sprintf("unsupported language %q", language))
	}
	return driverName, nil
}

// GetControllerName returns the controller's name if childHandle is the zero
// Handle, otherwise the named child's cached "Loopback Device #N" string.
func (c *ComponentName) GetControllerName(language string, childHandle fw.Handle) (string, status.Status) {
	if !languageSupported(language) {
		return "", status.Unsupported.WithMessage(fmt.Sprintf("unsupported language %q", language))
	}
	if childHandle == 0 {
		return controllerName, nil
	}

	iface, err := c.firmware.HandleProtocol(childHandle, loopctl.BlockIOProtocolGUID)
	if err != nil {
		return "", err
	}
	named, ok := iface.(interface{ Name() string })
	if !ok {
		return "", status.Unsupported.WithMessage("handle does not expose a named loopback device")
	}
	return named.Name(), nil
}
