package sandbox

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
)

// isMounted reports whether target appears as a mount point in /proc/mounts.
// Mirrors original_source's zeropkg_chroot._is_mounted.
func isMounted(target string) bool {
	real, err := filepath.Abs(target)
	if err != nil {
		real = target
	}
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := splitFields(sc.Text())
		if len(fields) >= 2 && fields[1] == real {
			return true
		}
	}
	return false
}

func splitFields(line string) []string {
	var fields []string
	start := -1
	for i, r := range line {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func runMount(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "mount", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &mountError{args: args, out: string(out), err: err}
	}
	return nil
}

func runUmount(ctx context.Context, target string, lazy bool) error {
	args := []string{}
	if lazy {
		args = append(args, "-l")
	}
	args = append(args, target)
	cmd := exec.CommandContext(ctx, "umount", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &mountError{args: args, out: string(out), err: err}
	}
	return nil
}

type mountError struct {
	args []string
	out  string
	err  error
}

func (e *mountError) Error() string {
	return e.err.Error() + ": " + e.out
}

func (e *mountError) Unwrap() error { return e.err }

// bindMount bind-mounts source onto target, creating target if needed and
// remounting read-only afterward when requested. Idempotent: a target that
// is already mounted is left alone.
func bindMount(ctx context.Context, source, target string, readonly bool) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	if isMounted(target) {
		return nil
	}
	if err := runMount(ctx, "--bind", source, target); err != nil {
		return err
	}
	if readonly {
		return runMount(ctx, "-o", "remount,bind,ro", target)
	}
	return nil
}

func mountPseudo(ctx context.Context, fstype, target string, options string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	if isMounted(target) {
		return nil
	}
	args := []string{"-t", fstype}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, fstype, target)
	return runMount(ctx, args...)
}
