package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ovmf-tools/lopatch/patch"
	"github.com/ovmf-tools/lopatch/status"
)

// runAttach adds a loopback unit (the one given by -i, or else the lowest
// unit the registry has no record of), plans and installs the image
// (live-patched through cmd.rules if any were given), and records the
// result in the device registry so a later list/detach can see it.
func runAttach(cmd parsedCommand, logger *log.Logger) status.Status {
	ctx := newDriverContext(logger)

	state, loadErr := loadState(statePath())
	if loadErr != nil {
		return status.DeviceError.WrapError(loadErr)
	}

	unit := cmd.loopID
	if !cmd.hasLoopID {
		unit = state.lowestFreeUnit()
	}

	device, addErr := ctx.controller.Add(unit)
	if addErr != nil {
		return addErr
	}

	imagePath, pathErr := toResolverPath(cmd.imageFile)
	if pathErr != nil {
		return status.InvalidParameter.WrapError(pathErr)
	}

	// -P means IMAGE_FILE carries its own partition table (a whole disk);
	// its absence means the image is a single filesystem/partition, the
	// isPartition case set_file expects.
	isPartition := !cmd.partedDisk

	readOnly := cmd.readOnly
	var numSectors uint64

	if len(cmd.rules) == 0 {
		if err := device.SetFile(readOnly, isPartition, 0, imagePath); err != nil {
			return err
		}
		numSectors = device.Media().LastBlock
	} else {
		backend, resolvedHandle, resolveErr := ctx.resolver.Resolve(0, imagePath)
		if resolveErr != nil {
			return resolveErr
		}

		rules := make([]patch.Rule, len(cmd.rules))
		for i, r := range cmd.rules {
			rules[i] = patch.Rule{Pattern: r.pattern, Actions: r.actions}
		}

		// LOPATCH_DEVICE_PATH in any MetaCpio chunk must name where the
		// image itself lives on the host, not the loop device it's being
		// attached to. Reconstruct the absolute host path from imagePath
		// (device-relative, per toResolverPath) rather than the loop unit
		// number.
		imageDevicePath := string(os.PathSeparator) + string(imagePath)

		items, isISO, planErr := patch.Plan(&patch.Input{
			Image:       backend,
			ImageHandle: resolvedHandle,
			ImagePath:   imagePath,
			Resolver:    ctx.resolver,
			Rules:       rules,
			DevicePath:  imageDevicePath,
			Owner:       device.Owner(),
			Logger:      logger,
		})
		if planErr != nil {
			return planErr
		}

		if isISO && !readOnly {
			logger.Printf("attach: image contains an ISO9660 filesystem, forcing read-only")
			readOnly = true
		}

		if err := device.SetMappingTable(items, readOnly, isPartition); err != nil {
			return err
		}
		numSectors = device.Media().LastBlock
	}

	state.put(deviceRecord{
		Unit:        device.Unit(),
		ImagePath:   string(imagePath),
		ReadOnly:    device.Media().ReadOnly,
		WholeDevice: cmd.partedDisk,
		NumSectors:  numSectors,
	})
	if saveErr := state.save(statePath()); saveErr != nil {
		return status.DeviceError.WrapError(saveErr)
	}

	mode := "read-write"
	if device.Media().ReadOnly {
		mode = "read-only"
	}
	fmt.Printf("Attached %s to loopback unit #%d (%d sectors, %s)\n",
		cmd.imageFile, device.Unit(), numSectors, mode)
	return nil
}
