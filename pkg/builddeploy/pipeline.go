// Package builddeploy runs a recipe through the fetch -> extract -> patch ->
// build -> strip -> package -> deploy pipeline, grounded on original_source's
// zeropkg_builder.py / zeropkg_installer.py / zeropkg_patcher.py stage
// ordering and on the teacher's atomic-write idiom (temp file + rename) for
// every durable artifact it produces.
package builddeploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"basalt/pkg/archive"
	"basalt/pkg/display"
	"basalt/pkg/errs"
	"basalt/pkg/fetcher"
	"basalt/pkg/recipe"
	"basalt/pkg/sandbox"
	"basalt/pkg/statedb"
)

// Pipeline wires the stage implementations together against one recipe's
// concrete work tree at a time. It owns the scratch directory for the
// duration of a Build call.
type Pipeline struct {
	fetcher    *fetcher.Fetcher
	db         *statedb.DB
	workRoot   string // scratch root: workRoot/<pkgref>/{work,staging}
	backupRoot string
	pkgOutDir  string
	stripGlobs []string
	keepWork   bool
}

// Config configures a Pipeline.
type Config struct {
	WorkRoot   string
	BackupRoot string
	PkgOutDir  string
	StripGlobs []string // default: bin/*, sbin/*, usr/bin/*, usr/sbin/*
	KeepWork   bool      // preserve staging dir after failure, for debugging
}

// New creates a Pipeline backed by f (sources) and db (installed-package state).
func New(f *fetcher.Fetcher, db *statedb.DB, cfg Config) *Pipeline {
	if len(cfg.StripGlobs) == 0 {
		cfg.StripGlobs = []string{"bin/*", "sbin/*", "usr/bin/*", "usr/sbin/*"}
	}
	return &Pipeline{
		fetcher:    f,
		db:         db,
		workRoot:   cfg.WorkRoot,
		backupRoot: cfg.BackupRoot,
		pkgOutDir:  cfg.PkgOutDir,
		stripGlobs: cfg.StripGlobs,
		keepWork:   cfg.KeepWork,
	}
}

// BuildResult is the outcome of running a recipe through every stage short
// of deploy.
type BuildResult struct {
	ArchivePath string
	Manifest    *Manifest
	StagingDir  string
	WorkDir     string
}

func runHook(ctx context.Context, box *sandbox.Sandbox, lines []string, task display.Task, optional bool) error {
	for _, line := range lines {
		code, err := box.Run(ctx, []string{"sh", "-c", line}, nil, "/")
		if err != nil || code != 0 {
			if optional {
				if task != nil {
					task.Log(fmt.Sprintf("optional hook failed (ignored): %s", line))
				}
				continue
			}
			if err == nil {
				err = fmt.Errorf("exit code %d", code)
			}
			return err
		}
	}
	return nil
}

// Build runs stages 1-6 (fetch through package) for r, returning the
// archive path. Deploy is a separate, explicit step.
func (p *Pipeline) Build(ctx context.Context, r *recipe.Recipe, task display.Task) (*BuildResult, error) {
	ref := r.Package.Ref()
	pkgRoot := filepath.Join(p.workRoot, ref)
	workDir := filepath.Join(pkgRoot, "work")
	stagingDir := filepath.Join(pkgRoot, "staging")

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, &errs.BuildError{Stage: "setup", RecipeRef: ref, Cause: err}
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, &errs.BuildError{Stage: "setup", RecipeRef: ref, Cause: err}
	}
	cleanup := func() {
		if !p.keepWork {
			os.RemoveAll(pkgRoot)
		}
	}

	// 1. fetch
	if task != nil {
		task.SetStage("Fetch", ref)
	}
	cachePaths, err := p.fetcher.FetchAll(ctx, r, task)
	if err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "fetch", RecipeRef: ref, Cause: err}
	}

	// 2. extract
	if task != nil {
		task.SetStage("Extract", ref)
	}
	if err := p.fetcher.Stage(r, cachePaths, workDir); err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "extract", RecipeRef: ref, Cause: err}
	}

	// 3. patch
	if task != nil {
		task.SetStage("Patch", ref)
	}
	if err := applyPatches(r, workDir); err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "patch", RecipeRef: ref, Cause: err}
	}

	// 4. configure/build/install inside Sandbox
	box, err := sandbox.New(workDir, sandbox.Options{CopyResolv: true})
	if err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "sandbox", RecipeRef: ref, Cause: err}
	}
	if err := box.Prepare(ctx); err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "sandbox", RecipeRef: ref, Cause: err}
	}
	defer box.Cleanup(ctx, true)

	if task != nil {
		task.SetStage("Build", ref)
	}
	if err := runHook(ctx, box, r.Hooks["pre_build"], task, false); err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "pre_build", RecipeRef: ref, Cause: err}
	}
	for _, line := range r.BuildCmds {
		code, err := box.Run(ctx, []string{"sh", "-c", r.Expand(line, nil)}, nil, "/")
		if err != nil || code != 0 {
			cleanup()
			if err == nil {
				err = fmt.Errorf("build command exited %d: %s", code, line)
			}
			return nil, &errs.BuildError{Stage: "build", RecipeRef: ref, Cause: err}
		}
	}

	if task != nil {
		task.SetStage("Install", ref)
	}
	installEnv := map[string]string{"DESTDIR": "/staging-out"}
	if err := os.MkdirAll(filepath.Join(workDir, "staging-out"), 0755); err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "install", RecipeRef: ref, Cause: err}
	}
	for _, line := range r.InstallCmds {
		code, err := box.RunAsInstaller(ctx, []string{"sh", "-c", r.Expand(line, installEnv)}, installEnv)
		if err != nil || code != 0 {
			cleanup()
			if err == nil {
				err = fmt.Errorf("install command exited %d: %s", code, line)
			}
			return nil, &errs.BuildError{Stage: "install", RecipeRef: ref, Cause: err}
		}
	}
	if err := runHook(ctx, box, r.Hooks["post_install"], task, false); err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "post_install", RecipeRef: ref, Cause: err}
	}

	if err := copyTree(filepath.Join(workDir, "staging-out"), stagingDir); err != nil {
		cleanup()
		return nil, &errs.BuildError{Stage: "install", RecipeRef: ref, Cause: err}
	}

	// 5. strip
	if task != nil {
		task.SetStage("Strip", ref)
	}
	globs := p.stripGlobs
	if custom, ok := r.Options["strip_patterns"].([]any); ok && len(custom) > 0 {
		globs = make([]string, 0, len(custom))
		for _, g := range custom {
			if s, ok := g.(string); ok {
				globs = append(globs, s)
			}
		}
	}
	if err := stripBinaries(stagingDir, globs, task); err != nil && task != nil {
		task.Log("strip: " + err.Error())
	}

	// 6. package
	if task != nil {
		task.SetStage("Package", ref)
	}
	man, err := buildManifest(r.Package.Name, r.Package.Version, r.Package.Variant, stagingDir, nil)
	if err != nil {
		return nil, &errs.PackagingError{RecipeRef: ref, Cause: err}
	}
	manBytes, err := man.marshal()
	if err != nil {
		return nil, &errs.PackagingError{RecipeRef: ref, Cause: err}
	}
	archivePath := filepath.Join(p.pkgOutDir, ref+".tar.zst")
	if err := archive.Create(stagingDir, archivePath, archive.CreateOptions{Compression: archive.Zstd, Manifest: manBytes}); err != nil {
		return nil, &errs.PackagingError{RecipeRef: ref, Cause: err}
	}

	return &BuildResult{ArchivePath: archivePath, Manifest: man, StagingDir: stagingDir, WorkDir: workDir}, nil
}

func applyPatches(r *recipe.Recipe, workDir string) error {
	for _, patch := range r.Patches {
		args := []string{fmt.Sprintf("-p%d", patch.Strip), "-i", patch.Path}
		cmd := exec.Command("patch", args...)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("apply patch %s: %w: %s", patch.Path, err, out)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyPreserving(path, target)
	})
}
