// basalt is a source-based package build-and-deploy tool: it resolves
// dependency requests against a recipe tree, fetches and builds each
// package inside an isolated sandbox, and deploys the resulting archive to
// a target root, recording every installed package in a local state
// database.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"basalt/pkg/config"
	"basalt/pkg/display"
	"basalt/pkg/engine"
)

func main() {
	cfg, err := config.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "basalt: %v\n", err)
		os.Exit(1)
	}

	logWriter := io.Writer(os.Stderr)
	if logFile, err := openLogFile(cfg.GetLogPath()); err == nil {
		defer logFile.Close()
		logWriter = io.MultiWriter(os.Stderr, logFile)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	disp := display.NewConsole()
	defer disp.Close()

	eng, err := engine.New(cfg, disp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "basalt: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	if err := dispatch(ctx, eng, disp, cfg, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "basalt: %v\n", err)
		if _, ok := err.(usageError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}

// usageError marks a dispatch failure as a usage error (exit code 2) rather
// than a user-facing operational failure (exit code 1).
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func dispatch(ctx context.Context, eng *engine.Engine, disp display.Display, cfg config.Config, cmd string, args []string) error {
	switch cmd {
	case "install":
		if len(args) == 0 {
			return usageErrorf("install: expected at least one package request")
		}
		return eng.Install(ctx, args)

	case "remove":
		force, rest := popFlag(args, "--force")
		if len(rest) != 1 {
			return usageErrorf("remove: expected exactly one package name")
		}
		return eng.Remove(ctx, rest[0], force)

	case "upgrade":
		warnOnly, rest := popFlag(args, "--warn-only")
		if len(rest) != 1 {
			return usageErrorf("upgrade: expected exactly one package name")
		}
		return eng.Upgrade(ctx, rest[0], warnOnly)

	case "upgrade-all":
		warnOnly, rest := popFlag(args, "--warn-only")
		_ = rest
		errsOut := eng.UpgradeAll(ctx, warnOnly)
		for _, e := range errsOut {
			fmt.Fprintf(os.Stderr, "basalt: upgrade-all: %v\n", e)
		}
		if len(errsOut) > 0 {
			return fmt.Errorf("%d package(s) failed to upgrade", len(errsOut))
		}
		return nil

	case "depclean":
		apply, rest := popFlag(args, "--apply")
		_ = rest
		if apply {
			removed, err := eng.DepcleanApply(ctx)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				disp.Print("no orphaned packages")
				return nil
			}
			for _, o := range removed {
				disp.Print("removed " + o)
			}
			return nil
		}
		orphans, err := eng.Depclean(ctx)
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			disp.Print("no orphaned packages")
			return nil
		}
		for _, o := range orphans {
			disp.Print(o)
		}
		return nil

	case "revdep":
		if len(args) != 1 {
			return usageErrorf("revdep: expected exactly one package name")
		}
		revdeps, err := eng.Revdep(ctx, args[0])
		if err != nil {
			return err
		}
		if len(revdeps) == 0 {
			disp.Print("no reverse dependents")
			return nil
		}
		for _, r := range revdeps {
			disp.Print(r)
		}
		return nil

	case "list":
		records, err := eng.DB.ListInstalled(ctx)
		if err != nil {
			return err
		}
		for _, r := range records {
			disp.Print(fmt.Sprintf("%s-%s", r.Name, r.Version))
		}
		return nil

	case "history":
		records, err := eng.DB.ListInstalled(ctx)
		if err != nil {
			return err
		}
		for _, r := range records {
			disp.Print(fmt.Sprintf("%s  %s-%s  explicit=%v", r.InstallDate.Format("2006-01-02 15:04:05"), r.Name, r.Version, r.Explicit))
		}
		return nil

	case "search":
		if len(args) != 1 {
			return usageErrorf("search: expected exactly one package name")
		}
		for _, r := range eng.Store.Versions(args[0]) {
			disp.Print(r.Package.Ref())
		}
		return nil

	case "scan":
		if err := eng.Store.Scan(); err != nil {
			return err
		}
		disp.Print(fmt.Sprintf("indexed %d package name(s)", len(eng.Store.Names())))
		return nil

	case "info":
		if len(args) != 1 {
			return usageErrorf("info: expected exactly one package reference")
		}
		rec, err := eng.Find(args[0])
		if err != nil {
			return err
		}
		disp.Print(rec.Package.Ref())
		disp.Print(fmt.Sprintf("  path: %s", rec.Path))
		for _, s := range rec.Sources {
			disp.Print(fmt.Sprintf("  source: %s (optional=%v priority=%d)", s.URL, s.Optional, s.Priority))
		}
		for _, d := range rec.Dependencies.Build {
			disp.Print(fmt.Sprintf("  build dep: %s", d))
		}
		for _, d := range rec.Dependencies.Runtime {
			disp.Print(fmt.Sprintf("  runtime dep: %s", d))
		}
		return nil

	case "fetch":
		if len(args) != 1 {
			return usageErrorf("fetch: expected exactly one package reference")
		}
		rec, paths, err := eng.Fetch(ctx, args[0])
		if err != nil {
			return err
		}
		for i, src := range rec.Sources {
			status := "fetched"
			if paths[i] == "" {
				status = "skipped"
			}
			disp.Print(fmt.Sprintf("%s: %s", src.URL, status))
		}
		return nil

	case "build":
		keep, rest := popFlag(args, "--keep")
		deploy, rest := popFlag(rest, "--deploy")
		if len(rest) != 1 {
			return usageErrorf("build: expected exactly one package reference")
		}
		rec, result, err := eng.BuildPackage(ctx, rest[0], keep)
		if err != nil {
			return err
		}
		disp.Print("built " + result.ArchivePath)
		if deploy {
			if err := eng.Deploy(ctx, rec, result.ArchivePath); err != nil {
				return err
			}
			disp.Print("deployed " + rec.Package.Ref())
		}
		return nil

	case "repo":
		return dispatchRepo(eng, disp, args)

	case "logs":
		path := cfg.GetLogPath()
		bytes := int64(4096)
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--file":
				if i+1 >= len(args) {
					return usageErrorf("logs: --file requires a path")
				}
				i++
				path = args[i]
			case "--bytes":
				if i+1 >= len(args) {
					return usageErrorf("logs: --bytes requires a number")
				}
				i++
				n, err := strconv.ParseInt(args[i], 10, 64)
				if err != nil {
					return usageErrorf("logs: invalid --bytes value %q", args[i])
				}
				bytes = n
			default:
				return usageErrorf("logs: unrecognized argument %q", args[i])
			}
		}
		out, err := tailFile(path, bytes)
		if err != nil {
			return err
		}
		disp.Print(out)
		return nil

	case "disk":
		return eng.Disk.Info()

	case "version":
		disp.Print(config.GetBuildInfo())
		return nil

	case "help", "-h", "--help":
		usage()
		return nil

	default:
		return usageErrorf("unknown subcommand %q", cmd)
	}
}

func dispatchRepo(eng *engine.Engine, disp display.Display, args []string) error {
	if len(args) == 0 {
		return usageErrorf("repo: expected a subcommand (add, remove, list, sync)")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "add":
		if len(rest) != 2 {
			return usageErrorf("repo add: expected <name> <path>")
		}
		return eng.Store.AddRepo(rest[0], rest[1])

	case "remove":
		if len(rest) != 1 {
			return usageErrorf("repo remove: expected <name>")
		}
		return eng.Store.RemoveRepo(rest[0])

	case "list":
		repos, err := eng.Store.ListRepos()
		if err != nil {
			return err
		}
		for _, r := range repos {
			disp.Print(fmt.Sprintf("%s  %s", r.Name, r.Path))
		}
		return nil

	case "sync":
		return eng.Store.Sync()

	default:
		return usageErrorf("repo: unknown subcommand %q", sub)
	}
}

// popFlag removes every occurrence of flag from args, reporting whether
// it was present, so order-independent boolean switches can precede or
// follow positional arguments.
func popFlag(args []string, flag string) (bool, []string) {
	out := make([]string, 0, len(args))
	found := false
	for _, a := range args {
		if a == flag {
			found = true
			continue
		}
		out = append(out, a)
	}
	return found, out
}

// tailFile reads the last n bytes of the file at path.
func tailFile(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	start := int64(0)
	if info.Size() > n {
		start = info.Size() - n
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `basalt — source-based package build-and-deploy engine

Usage:
  basalt repo add <name> <path>   register an additional local port-tree root
  basalt repo remove <name>       unregister a port-tree root
  basalt repo list                 list registered port-tree roots
  basalt repo sync                 rescan every configured and registered root
  basalt scan                      rescan configured port-tree roots
  basalt search <name>             list recipe versions available for a name
  basalt info <pkgref>             print recipe metadata
  basalt fetch <pkgref>            materialize a recipe's sources into the cache
  basalt build <pkgref> [--keep] [--deploy]
                                    run fetch..package, optionally deploy
  basalt install <request>...      resolve and build/deploy one or more packages
  basalt remove <name> [--force]   remove an installed package
  basalt upgrade <name> [--warn-only]
                                    rebuild and redeploy an installed package
  basalt upgrade-all [--warn-only] upgrade every installed package
  basalt depclean [--apply]        list (or remove) orphaned non-explicit packages
  basalt revdep <name>             print the transitive reverse dependents of a package
  basalt logs [--file PATH] [--bytes N]
                                    tail basalt's log file
  basalt history                   list installed packages with timestamps
  basalt list                      list installed packages
  basalt disk                      show local storage usage
  basalt version                  print build information`)
}
