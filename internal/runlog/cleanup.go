package runlog

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
)

// runDir is a saved run directory with metadata for cleanup decisions.
type runDir struct {
	path    string
	modTime time.Time
}

// Cleanup keeps the newest keep run directories under baseDir and deletes
// the rest. keep <= 0 keeps everything.
func Cleanup(baseDir string, keep int) error {
	if baseDir == "" || keep <= 0 {
		return nil
	}

	dirs, err := listRunDirs(baseDir)
	if err != nil {
		return err
	}
	if len(dirs) <= keep {
		return nil
	}

	// Newest first. Names start with a timestamp, so they break ties
	// between directories made in the same second.
	sort.Slice(dirs, func(i, j int) bool {
		if !dirs[i].modTime.Equal(dirs[j].modTime) {
			return dirs[i].modTime.After(dirs[j].modTime)
		}
		return filepath.Base(dirs[i].path) > filepath.Base(dirs[j].path)
	})

	for _, d := range dirs[keep:] {
		if err := os.RemoveAll(d.path); err != nil {
			return errors.WrapWithCode(err, errors.ErrExec,
				"Can't delete output directory "+d.path,
				"Check your permissions.")
		}
	}
	return nil
}

// listRunDirs returns the run directories in baseDir. Only directories
// holding a summary.json or a .log file count.
func listRunDirs(baseDir string) ([]runDir, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapWithCode(err, errors.ErrExec,
			"Can't read output directory "+baseDir,
			"Check your permissions.")
	}

	var dirs []runDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(baseDir, entry.Name())
		if !looksLikeRun(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, runDir{path: path, modTime: info.ModTime()})
	}
	return dirs, nil
}

func looksLikeRun(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "summary.json")); err == nil {
		return true
	}
	logs, _ := filepath.Glob(filepath.Join(path, "*.log"))
	return len(logs) > 0
}
