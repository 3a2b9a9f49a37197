// Package clean finds and removes script run directories left behind under
// the remote staging directory, e.g. by a run that was interrupted before
// its script could clean up after itself.
package clean

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/util"
)

// runDirPattern matches the UUID names the stager gives run directories.
const runDirPattern = "????????-????-????-????-????????????"

// Options selects what to clean.
type Options struct {
	// Dir is the staging_dir the run directories live in.
	Dir string
	// OlderThan skips run directories modified more recently, so a script
	// that is still running keeps its files. Zero matches every age.
	OlderThan time.Duration
	// DryRun lists the directories without removing them.
	DryRun bool
}

// StaleDir is a leftover run directory on one host.
type StaleDir struct {
	Path  string
	RunID string
}

// Command builds the remote line that lists, and unless DryRun removes,
// the stale run directories under opts.Dir. It prints one path per line.
// A missing staging directory is not an error.
func Command(opts Options) (fleet.CommandSpec, error) {
	if err := validateStagingDir(opts.Dir); err != nil {
		return fleet.CommandSpec{}, err
	}
	if opts.OlderThan < 0 {
		return fleet.CommandSpec{}, errors.New(errors.ErrConfig,
			fmt.Sprintf("--older-than can't be negative (got %s)", opts.OlderThan),
			"Use --older-than 0 to match every run directory")
	}

	dir := util.ShellQuote(path.Clean(opts.Dir))
	var b strings.Builder
	fmt.Fprintf(&b, "[ -d %s ] || exit 0; find %s -mindepth 1 -maxdepth 1 -type d -name %s",
		dir, dir, util.ShellQuote(runDirPattern))
	if mins := int(opts.OlderThan / time.Minute); mins > 0 {
		fmt.Fprintf(&b, " -mmin +%d", mins)
	}
	b.WriteString(" -print")
	if !opts.DryRun {
		b.WriteString(" -exec rm -rf {} +")
	}
	return fleet.InlineCommand(b.String()), nil
}

// Parse reads the paths printed by Command's line, keeping only those that
// are run directories directly under dir. Anything else in the output,
// like a find warning, is ignored.
func Parse(dir string, output []byte) []StaleDir {
	var dirs []StaleDir
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := validateRemovalTarget(line, dir); err != nil {
			continue
		}
		dirs = append(dirs, StaleDir{Path: line, RunID: path.Base(line)})
	}
	return dirs
}

// validateStagingDir refuses to sweep a directory shallow enough that a
// mistake in config could point it at something that matters.
func validateStagingDir(dir string) error {
	trimmed := strings.TrimSpace(dir)
	if !strings.HasPrefix(trimmed, "/") {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("staging_dir '%s' must be an absolute remote path", dir),
			"Set staging_dir to something like /tmp/vpcsh")
	}
	if segments(path.Clean(trimmed)) < 2 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Refusing to clean '%s': too close to the root", dir),
			"Point staging_dir at a directory of its own, like /tmp/vpcsh")
	}
	return nil
}

// validateRemovalTarget checks p is <dir>/<uuid>. This is an allowlist:
// only paths shaped like the stager's run directories qualify.
func validateRemovalTarget(p, dir string) error {
	clean := path.Clean(p)
	if clean != p {
		return fmt.Errorf("path is not clean")
	}
	if path.Dir(clean) != path.Clean(dir) {
		return fmt.Errorf("path is not directly under %s", dir)
	}
	if _, err := uuid.Parse(path.Base(clean)); err != nil {
		return fmt.Errorf("not a run directory")
	}
	if segments(clean) < 3 {
		return fmt.Errorf("path too shallow (need at least 3 components, got %d)", segments(clean))
	}
	return nil
}

func segments(p string) int {
	n := 0
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			n++
		}
	}
	return n
}
