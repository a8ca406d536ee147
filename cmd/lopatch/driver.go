package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ovmf-tools/lopatch/fw"
	"github.com/ovmf-tools/lopatch/loopctl"
	"github.com/ovmf-tools/lopatch/osfs"
)

// driverContext is the fw.Firmware/loopctl.Controller/osfs.Resolver triple
// every invocation of this CLI builds fresh. It models exactly as much of
// the firmware's boot-services state as a single call needs; the device
// registry (state.go) is what lets later calls see what this one did.
type driverContext struct {
	firmware   *fw.Firmware
	controller *loopctl.Controller
	resolver   *osfs.Resolver
}

func newDriverContext(logger *log.Logger) *driverContext {
	firmware := fw.New(logger)
	busHandle := firmware.CreateHandle()
	fsHandle := firmware.CreateHandle()

	if _, err := osfs.Install(firmware, fsHandle, string(os.PathSeparator)); err != nil {
		logger.Panicf("installing root filesystem protocol: %s", err)
	}

	resolver := osfs.New(firmware, fsHandle)
	controller := loopctl.New(firmware, busHandle, resolver)

	return &driverContext{firmware: firmware, controller: controller, resolver: resolver}
}

// toResolverPath converts a command-line path (absolute, or relative to the
// working directory) into the device-relative path osfs's root-rooted
// filesystem protocol expects: osfs always joins its configured root with
// the path it's given, so the path handed to it here must never itself be
// absolute.
func toResolverPath(userPath string) ([]byte, error) {
	abs, err := filepath.Abs(userPath)
	if err != nil {
		return nil, err
	}
	rel := strings.TrimPrefix(abs, string(os.PathSeparator))
	return []byte(rel), nil
}
