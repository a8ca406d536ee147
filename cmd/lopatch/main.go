// Command lopatch attaches a file as a loopback block device, optionally
// live-patching an ISO9660 filesystem inside it on the way in, and can list
// or detach units a prior invocation attached (spec.md §6).
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ovmf-tools/lopatch/status"
	"github.com/urfave/cli/v2"
)

// versionString stands in for the original's UEFI revision gate: this
// module has no real firmware table to version-check against, so instead
// of an IncompatibleVersion failure at startup, the CLI just reports the
// revision it was built against.
const versionString = "lopatch 1.0 (modeled after UEFI revision 2.00 and later)"

const helpText = `Usage: lopatch [OPTIONS] IMAGE_FILE

Attach IMAGE_FILE to a loopback device, with optional ISO9660 live patching.

  -h, --help            Print this help and exit
  -i, --id NUM          Loopback unit to use; a free one is chosen if omitted
  -r, --read-only       Mark the device read-only
  -P                    IMAGE_FILE carries its own partition table (default:
                        treat it as a single filesystem)
  -l, --list            List attached loopback devices
  -d, --detach          Detach the unit given by -i/--id

ISO9660 patching:
  -s, --search PATH     Match files whose path ends in PATH (case-insensitive)
  -p, --pattern REGEX   Match files against REGEX (case-insensitive)
  -a, --append FILE     Append FILE's data to the end of every matched file
  -m, --meta-cpio       Append a cpio archive recording IMAGE_FILE's path
  -R, --replace FILE    Replace every matched file's data with FILE's data

Each -s/-p opens a rule; the -a/-m/-R that follow attach to it, until the
next -s/-p opens another one.

EXAMPLES:
  lopatch -r -s initramfs-linux.img -a patch-init.cpio archlinux.iso
  lopatch fat.img
`

func declaredFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Usage: "loopback unit to use"},
		&cli.BoolFlag{Name: "read-only", Aliases: []string{"r"}, Usage: "mark the device read-only"},
		&cli.BoolFlag{Name: "P", Usage: "image carries its own partition table"},
		&cli.BoolFlag{Name: "list", Aliases: []string{"l"}, Usage: "list attached loopback devices"},
		&cli.BoolFlag{Name: "detach", Aliases: []string{"d"}, Usage: "detach the unit given by -i/--id"},
		&cli.StringSliceFlag{Name: "search", Aliases: []string{"s"}, Usage: "match files by trailing path"},
		&cli.StringSliceFlag{Name: "pattern", Aliases: []string{"p"}, Usage: "match files by regular expression"},
		&cli.StringSliceFlag{Name: "append", Aliases: []string{"a"}, Usage: "append FILE to every matched file"},
		&cli.BoolFlag{Name: "meta-cpio", Aliases: []string{"m"}, Usage: "append a device-path metadata cpio"},
		&cli.StringSliceFlag{Name: "replace", Aliases: []string{"R"}, Usage: "replace every matched file with FILE"},
	}
}

// exitCode maps the fixed status taxonomy spec.md §6 names to a process
// exit code: SUCCESS, INCOMPATIBLE_VERSION get their own value, everything
// else this CLI can return (INVALID_PARAMETER, or any firmware-propagated
// status) shares the generic failure code.
func exitCode(err status.Status) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, status.IncompatibleVersion) {
		return 2
	}
	return 1
}

func main() {
	os.Exit(runMain(os.Args))
}

// runMain builds the urfave/cli App purely to declare the flag surface and
// serve -h/--help and --version the way the teacher's cmd/main.go does;
// -s/-p/-a/-m/-R are order-sensitive (see args.go), which a declarative
// flag set can't express, so the App's Action re-scans the raw argument
// slice itself instead of reading the parsed flag values.
func runMain(osArgs []string) int {
	logger := log.New(os.Stderr, "", 0)
	rawArgs := osArgs[1:]
	exit := 0

	app := &cli.App{
		Name:    "lopatch",
		Usage:   "attach, list, and detach loopback devices, with optional ISO9660 live patching",
		Version: versionString,
		Flags:   declaredFlags(),
		Action: func(c *cli.Context) error {
			exit = exitCode(dispatch(rawArgs, logger))
			return nil
		},
	}

	if err := app.Run(osArgs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(status.InvalidParameter.WrapError(err))
	}
	return exit
}

func dispatch(rawArgs []string, logger *log.Logger) status.Status {
	cmd, err := parseArgs(rawArgs)
	if cmd.kind == commandHelp {
		fmt.Print(helpText)
		if err != nil {
			return status.InvalidParameter.WrapError(err)
		}
		return nil
	}
	if err != nil {
		return status.InvalidParameter.WrapError(err)
	}

	switch cmd.kind {
	case commandList:
		return runList()
	case commandDetach:
		return runDetach(cmd.loopID, logger)
	case commandAttach:
		return runAttach(cmd, logger)
	default:
		return nil
	}
}
