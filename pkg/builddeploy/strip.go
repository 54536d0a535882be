package builddeploy

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"basalt/pkg/display"
)

// stripBinaries walks stagingDir and runs the host strip tool against every
// regular file whose path (relative to stagingDir) matches one of globs. A
// missing strip tool is a warning, not a failure, per the pipeline's
// strip-stage contract.
func stripBinaries(stagingDir string, globs []string, task display.Task) error {
	stripPath, err := exec.LookPath("strip")
	if err != nil {
		if task != nil {
			task.Log("strip tool not found, skipping binary stripping")
		}
		return nil
	}

	return filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(stagingDir, path)
		if relErr != nil {
			return relErr
		}
		if !matchesStripGlob(globs, rel) {
			return nil
		}
		cmd := exec.Command(stripPath, "--strip-unneeded", path)
		if out, runErr := cmd.CombinedOutput(); runErr != nil {
			if task != nil {
				task.Log(fmt.Sprintf("strip %s: %v: %s", rel, runErr, out))
			}
		}
		return nil
	})
}

func matchesStripGlob(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
	}
	return false
}
