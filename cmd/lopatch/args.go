package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ovmf-tools/lopatch/patch"
)

// patchRule is one -s/-p rule plus whatever -a/-m/-R actions were attached
// to it before the next -s/-p opened a new one.
type patchRule struct {
	pattern *regexp.Regexp
	actions []patch.Action
}

type commandKind int

const (
	commandHelp commandKind = iota
	commandList
	commandDetach
	commandAttach
)

type parsedCommand struct {
	kind commandKind

	loopID    uint32
	hasLoopID bool

	readOnly   bool
	partedDisk bool

	rules     []patchRule
	imageFile string
}

// buildSearchRegex mirrors lopatch's -s/--search: a case-insensitive match
// against an absolute path or any trailing path component, with the path
// itself quoted so it's never interpreted as a pattern.
func buildSearchRegex(path string) (*regexp.Regexp, error) {
	path = strings.TrimSpace(path)
	anchor := "/"
	if strings.HasPrefix(path, "/") {
		anchor = "^"
	}
	return regexp.Compile("(?i)" + anchor + regexp.QuoteMeta(path) + "$")
}

// buildPatternRegex mirrors -p/--pattern: the same case-insensitive
// treatment, but the caller's regex is used as-is.
func buildPatternRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// parseArgs walks argv the same order-sensitive way the original getargs
// scanner does: -s/--search and -p/--pattern each open a new rule, and a
// following -a/--append, -m/--meta-cpio, or -R/--replace attaches an action
// to whichever rule was opened most recently, erroring if none is open yet.
// This can't be expressed as a set of independently-parsed flags, since
// their relative order carries meaning; it's parsed by hand instead.
func parseArgs(args []string) (parsedCommand, error) {
	var cmd parsedCommand
	var isList, isDetach bool
	count := 0

	value := func(i *int, flag string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("missing value for %s", flag)
		}
		return args[*i], nil
	}

	openRule := func(flag string) (*patchRule, error) {
		if len(cmd.rules) == 0 {
			return nil, fmt.Errorf("%s has no preceding -s/--search or -p/--pattern rule to attach to", flag)
		}
		return &cmd.rules[len(cmd.rules)-1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-h", "--help":
			cmd.kind = commandHelp
			return cmd, nil

		case "-i", "--id":
			v, err := value(&i, arg)
			if err != nil {
				return cmd, err
			}
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return cmd, fmt.Errorf("invalid -i/--id value %q: %w", v, err)
			}
			cmd.loopID = uint32(id)
			cmd.hasLoopID = true

		case "-r", "--read-only":
			cmd.readOnly = true

		case "-P":
			cmd.partedDisk = true

		case "-l", "--list":
			isList = true

		case "-d", "--detach":
			isDetach = true

		case "-s", "--search":
			v, err := value(&i, arg)
			if err != nil {
				return cmd, err
			}
			re, err := buildSearchRegex(v)
			if err != nil {
				return cmd, fmt.Errorf("invalid -s/--search value %q: %w", v, err)
			}
			cmd.rules = append(cmd.rules, patchRule{pattern: re})

		case "-p", "--pattern":
			v, err := value(&i, arg)
			if err != nil {
				return cmd, err
			}
			re, err := buildPatternRegex(v)
			if err != nil {
				return cmd, fmt.Errorf("invalid -p/--pattern value %q: %w", v, err)
			}
			cmd.rules = append(cmd.rules, patchRule{pattern: re})

		case "-m", "--meta-cpio":
			rule, err := openRule(arg)
			if err != nil {
				return cmd, err
			}
			rule.actions = append(rule.actions, patch.Action{Kind: patch.MetaCpio})

		case "-a", "--append":
			v, err := value(&i, arg)
			if err != nil {
				return cmd, err
			}
			rule, err := openRule(arg)
			if err != nil {
				return cmd, err
			}
			rule.actions = append(rule.actions, patch.Action{Kind: patch.Append, Path: []byte(v)})

		case "-R", "--replace":
			v, err := value(&i, arg)
			if err != nil {
				return cmd, err
			}
			rule, err := openRule(arg)
			if err != nil {
				return cmd, err
			}
			rule.actions = append(rule.actions, patch.Action{Kind: patch.Replace, Path: []byte(v)})

		default:
			if strings.HasPrefix(arg, "-") && arg != "-" {
				return cmd, fmt.Errorf("unexpected argument %q", arg)
			}
			cmd.imageFile = arg
		}
		count++
	}

	if count == 0 {
		cmd.kind = commandHelp
		return cmd, nil
	}

	if isDetach && isList {
		return cmd, fmt.Errorf("-d/--detach and -l/--list are mutually exclusive")
	}
	if isDetach {
		if !cmd.hasLoopID {
			return cmd, fmt.Errorf("specify the unit to detach with -i/--id")
		}
		cmd.kind = commandDetach
		return cmd, nil
	}
	if isList {
		cmd.kind = commandList
		return cmd, nil
	}

	if cmd.imageFile == "" {
		cmd.kind = commandHelp
		return cmd, fmt.Errorf("no image file given")
	}

	// Rules that never got an action attached are dropped before planning,
	// mirroring patch_list.retain(|i| !i.1.is_empty()) upstream.
	kept := cmd.rules[:0]
	for _, r := range cmd.rules {
		if len(r.actions) > 0 {
			kept = append(kept, r)
		}
	}
	cmd.rules = kept

	cmd.kind = commandAttach
	return cmd, nil
}
