package main

import (
	"fmt"
	"log"

	"github.com/ovmf-tools/lopatch/status"
)

// runDetach checks that the device registry has a record of unit, adds that
// unit to this invocation's freshly built controller and clears it (there is
// no live device from the earlier attach to find), and drops it from the
// device registry. Like lopatch/src/command/detach.rs, it never calls remove.
func runDetach(unit uint32, logger *log.Logger) status.Status {
	state, loadErr := loadState(statePath())
	if loadErr != nil {
		return status.DeviceError.WrapError(loadErr)
	}

	if _, ok := state.find(unit); !ok {
		return status.NotFound.WithMessage(fmt.Sprintf("no loopback device with unit #%d is attached", unit))
	}

	ctx := newDriverContext(logger)
	device, addErr := ctx.controller.Add(unit)
	if addErr != nil {
		return addErr
	}
	if err := device.Clear(); err != nil {
		return err
	}

	state.remove(unit)
	if saveErr := state.save(statePath()); saveErr != nil {
		return status.DeviceError.WrapError(saveErr)
	}

	fmt.Printf("Detached loopback unit #%d.\n", unit)
	return nil
}
