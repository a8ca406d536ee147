package main

import (
	"fmt"

	"github.com/ovmf-tools/lopatch/status"
)

// runList prints every unit recorded in the device registry: this is the
// Go-process equivalent of lopatch/src/command/list.rs walking the
// controller's live child list, since nothing about a prior attach's
// in-process Controller survives into this invocation.
func runList() status.Status {
	state, err := loadState(statePath())
	if err != nil {
		return status.DeviceError.WrapError(err)
	}

	if len(state.Devices) == 0 {
		fmt.Println("No loopback devices attached.")
		return nil
	}

	for _, d := range state.Devices {
		mode := "read-write"
		if d.ReadOnly {
			mode = "read-only"
		}
		kind := "partition"
		if d.WholeDevice {
			kind = "whole-device"
		}
		fmt.Printf("#%-3d %-40s %10d sectors  %-10s %s\n", d.Unit, d.ImagePath, d.NumSectors, mode, kind)
	}
	return nil
}
