// Package engine wires the six components (RecipeStore, StateDB, Resolver,
// Fetcher, Sandbox, BuildDeploy) behind a thin handler struct, the same
// "manager interfaces behind a handler" shape the teacher's pkg/engine used
// for its cave/pkgs/repo/disk managers — generalized here to basalt's
// source-build domain instead of binary-release installation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"basalt/pkg/builddeploy"
	"basalt/pkg/config"
	"basalt/pkg/disk"
	"basalt/pkg/display"
	"basalt/pkg/errs"
	"basalt/pkg/fetcher"
	"basalt/pkg/recipe"
	"basalt/pkg/recipestore"
	"basalt/pkg/resolver"
	"basalt/pkg/statedb"
)

// Engine holds every long-lived manager basalt's subcommands operate on.
type Engine struct {
	Cfg     config.Config
	Store   *recipestore.Store
	DB      *statedb.DB
	Fetcher *fetcher.Fetcher
	Build   *builddeploy.Pipeline
	Disk    disk.Manager
	Display display.Display
}

// New opens every manager against cfg's directories. Callers must call
// Close when done.
func New(cfg config.Config, disp display.Display) (*Engine, error) {
	store := recipestore.New(filepath.Join(cfg.GetConfigDir(), "recipe-index.json"), cfg.GetPortsDirs())
	if err := store.Scan(); err != nil {
		return nil, fmt.Errorf("scan recipe store: %w", err)
	}

	db, err := statedb.Open(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	f := fetcher.New(cfg.GetFetchCacheDir(), fetcher.WithStateDB(db))
	bd := builddeploy.New(f, db, builddeploy.Config{
		WorkRoot:   cfg.GetSandboxDir(),
		BackupRoot: cfg.GetBackupRoot(),
		PkgOutDir:  cfg.GetPkgDir(),
	})

	return &Engine{
		Cfg:     cfg,
		Store:   store,
		DB:      db,
		Fetcher: f,
		Build:   bd,
		Disk:    disk.NewManager(cfg, disp),
		Display: disp,
	}, nil
}

// Close releases the engine's database handle.
func (e *Engine) Close() error {
	return e.DB.Close()
}

// Install resolves requests into a plan and builds + deploys each entry in
// plan order, the install order invariant resolver.Resolve guarantees.
func (e *Engine) Install(ctx context.Context, requests []string) error {
	r := resolver.New(e.Store, e.DB)
	plan, err := r.Resolve(ctx, requests)
	if err != nil {
		slog.Warn("resolve failed", "requests", requests, "error", err)
		return err
	}
	slog.Info("resolved install plan", "requests", requests, "entries", len(plan.Order))

	for _, rec := range plan.Order {
		task := e.Display.StartTask(rec.Package.Ref())
		result, err := e.Build.Build(ctx, rec, task)
		if err != nil {
			task.Done()
			slog.Warn("build failed", "package", rec.Package.Ref(), "error", err)
			return err
		}

		deps := depsToStateDeps(rec.Dependencies.Runtime)
		if _, err := e.Build.Deploy(ctx, result.ArchivePath, e.Cfg.GetTargetRoot(), deps); err != nil {
			task.Done()
			slog.Warn("deploy failed", "package", rec.Package.Ref(), "error", err)
			return err
		}
		slog.Info("installed package", "package", rec.Package.Ref())
		task.Done()
	}
	return nil
}

// Remove deletes an installed package's files and StateDB record, refusing
// when other installed packages still depend on it unless force is set.
func (e *Engine) Remove(ctx context.Context, name string, force bool) error {
	revdeps, err := e.DB.FindRevDeps(ctx, name)
	if err != nil {
		return err
	}
	if len(revdeps) > 0 && !force {
		return &errs.StateError{Op: "remove", Cause: fmt.Errorf("%s is required by: %v (use --force to override)", name, revdeps)}
	}

	files, err := e.DB.RemovePackage(ctx, name)
	if err != nil {
		return err
	}
	for _, f := range files {
		_ = os.Remove(f)
	}
	return nil
}

// Upgrade re-resolves name to its newest indexed recipe, builds it, and
// deploys over the existing installation using the vulnerability-aware
// rollback toggle: warnOnly=false rolls back automatically if the post-deploy
// check fails, warnOnly=true keeps the new deploy and only logs a WARN event.
func (e *Engine) Upgrade(ctx context.Context, name string, warnOnly bool) error {
	candidates := e.Store.Versions(name)
	if len(candidates) == 0 {
		return &errs.ResolveError{Package: name, Cause: fmt.Errorf("no recipe found for %s", name)}
	}
	rec := candidates[0] // Versions returns descending version order; newest first

	task := e.Display.StartTask(rec.Package.Ref())
	defer task.Done()

	result, err := e.Build.Build(ctx, rec, task)
	if err != nil {
		slog.Warn("upgrade build failed", "package", rec.Package.Ref(), "error", err)
		return err
	}

	policy := builddeploy.RollbackAlways
	if warnOnly {
		policy = e.Build.WarnOnly
	}

	deps := depsToStateDeps(rec.Dependencies.Runtime)
	if _, err := e.Build.Upgrade(ctx, result.ArchivePath, e.Cfg.GetTargetRoot(), deps, policy); err != nil {
		slog.Warn("upgrade deploy failed", "package", rec.Package.Ref(), "error", err)
		return err
	}
	slog.Info("upgraded package", "package", rec.Package.Ref())
	return nil
}

// UpgradeAll upgrades every currently-installed package in turn, collecting
// (rather than aborting on) individual failures so one broken recipe doesn't
// block the rest of the fleet.
func (e *Engine) UpgradeAll(ctx context.Context, warnOnly bool) []error {
	records, err := e.DB.ListInstalled(ctx)
	if err != nil {
		return []error{err}
	}
	var errsOut []error
	for _, r := range records {
		if err := e.Upgrade(ctx, r.Name, warnOnly); err != nil {
			errsOut = append(errsOut, fmt.Errorf("%s: %w", r.Name, err))
		}
	}
	return errsOut
}

// Depclean reports installed, non-explicit packages no longer required by
// any other installed package.
func (e *Engine) Depclean(ctx context.Context) ([]string, error) {
	records, err := e.DB.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	installed := map[string]bool{}
	deps := map[string][]string{}
	for _, r := range records {
		installed[r.Name] = r.Explicit
		for _, d := range r.Dependencies {
			deps[r.Name] = append(deps[r.Name], d.Name)
		}
	}
	return resolver.Depclean(installed, deps), nil
}

// DepcleanApply removes every orphan Depclean reports, stopping at the first
// failure (a later orphan may itself depend on an earlier one that failed to
// remove).
func (e *Engine) DepcleanApply(ctx context.Context) ([]string, error) {
	orphans, err := e.Depclean(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range orphans {
		if err := e.Remove(ctx, name, false); err != nil {
			return nil, fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return orphans, nil
}

// Find resolves a single package request — a bare name or a name with a
// version constraint such as "foo>=1.2" — to the newest recipe satisfying it.
func (e *Engine) Find(request string) (*recipe.Recipe, error) {
	c, err := resolver.ParseConstraint(request)
	if err != nil {
		return nil, &errs.ResolveError{Package: request, Cause: err}
	}
	for _, cand := range e.Store.Versions(c.Name) {
		if c.Satisfies(cand.Package.Version) {
			return cand, nil
		}
	}
	return nil, &errs.ResolveError{Package: request, Cause: fmt.Errorf("no recipe satisfies %s", request)}
}

// Fetch resolves request to a recipe and materializes its sources into the
// fetch cache without building, returning the recipe and each source's cache
// path in Sources order (an unfetched, lost-the-race optional source is "").
func (e *Engine) Fetch(ctx context.Context, request string) (*recipe.Recipe, []string, error) {
	rec, err := e.Find(request)
	if err != nil {
		return nil, nil, err
	}
	task := e.Display.StartTask(rec.Package.Ref())
	defer task.Done()
	paths, err := e.Fetcher.FetchAll(ctx, rec, task)
	if err != nil {
		return rec, nil, err
	}
	return rec, paths, nil
}

// BuildPackage resolves request to a recipe and runs it through fetch
// through packaging, without deploying. When keep is false, the scratch
// work and staging directories are removed once the archive is produced.
func (e *Engine) BuildPackage(ctx context.Context, request string, keep bool) (*recipe.Recipe, *builddeploy.BuildResult, error) {
	rec, err := e.Find(request)
	if err != nil {
		return nil, nil, err
	}
	task := e.Display.StartTask(rec.Package.Ref())
	defer task.Done()

	result, err := e.Build.Build(ctx, rec, task)
	if err != nil {
		return rec, nil, err
	}
	if !keep {
		os.RemoveAll(result.WorkDir)
		os.RemoveAll(result.StagingDir)
	}
	return rec, result, nil
}

// Deploy deploys a previously built archive for rec over the target root,
// recording the install in StateDB.
func (e *Engine) Deploy(ctx context.Context, rec *recipe.Recipe, archivePath string) error {
	deps := depsToStateDeps(rec.Dependencies.Runtime)
	_, err := e.Build.Deploy(ctx, archivePath, e.Cfg.GetTargetRoot(), deps)
	return err
}

// Revdep returns the transitive closure of installed packages that depend on
// name, directly or indirectly.
func (e *Engine) Revdep(ctx context.Context, name string) ([]string, error) {
	return e.DB.FindRevDepsTransitive(ctx, name)
}

func depsToStateDeps(constraints []string) []statedb.Dependency {
	out := make([]statedb.Dependency, 0, len(constraints))
	for _, c := range constraints {
		parsed, err := resolver.ParseConstraint(c)
		if err != nil {
			continue
		}
		out = append(out, statedb.Dependency{Name: parsed.Name, Version: parsed.Version})
	}
	return out
}
