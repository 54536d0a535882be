// Package fetcher obtains a recipe's sources into a content-addressed cache,
// verifies checksums, and extracts archives into a build-ready staging
// directory. Archive downloads are grounded on the teacher's pkg/downloader
// (SchemeHandler dispatch) and pkg/cache (Ensure/Lock with stale-PID
// detection); VCS fetch shells out to the git binary the way the teacher
// shells out to bwrap. fetch_all parallelism uses golang.org/x/sync/errgroup,
// the same tool the teacher reaches for when preparing packages concurrently.
package fetcher

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"basalt/pkg/archive"
	"basalt/pkg/cache"
	"basalt/pkg/display"
	"basalt/pkg/downloader"
	"basalt/pkg/errs"
	"basalt/pkg/recipe"
	"basalt/pkg/statedb"
)

// Fetcher obtains and verifies a recipe's sources into a shared cache.
type Fetcher struct {
	cacheDir   string
	downloader downloader.Downloader
	maxConc    int
	db         *statedb.DB
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithDownloader overrides the archive downloader (tests substitute a fake).
func WithDownloader(d downloader.Downloader) Option {
	return func(f *Fetcher) { f.downloader = d }
}

// WithConcurrency bounds how many sources FetchAll fetches in parallel.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxConc = n
		}
	}
}

// WithStateDB attaches a StateDB handle so the Fetcher can escalate
// missing-checksum warnings on unauthenticated sources, and failed optional
// sources, to WARN events.
func WithStateDB(db *statedb.DB) Option {
	return func(f *Fetcher) { f.db = db }
}

// New creates a Fetcher whose content-addressed store lives under cacheDir.
func New(cacheDir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		cacheDir:   cacheDir,
		downloader: downloader.NewDefaultDownloader(),
		maxConc:    4,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// cachePath returns the content-addressed path for a source: keyed by
// checksum when known, otherwise by a hash of the URL so re-fetches of an
// unpinned source still dedupe within a single cache lifetime.
func (f *Fetcher) cachePath(src recipe.Source) string {
	key := src.Checksum
	if key == "" {
		sum := sha256.Sum256([]byte(src.URL))
		key = hex.EncodeToString(sum[:])
	}
	name := filepath.Base(src.URL)
	if name == "" || name == "." || name == "/" {
		name = "source"
	}
	return filepath.Join(f.cacheDir, key, name)
}

// FetchSource ensures a single source is present (downloaded or cloned) and
// checksum-verified in the cache, returning its on-disk path. pkgName
// identifies the recipe the source belongs to, for StateDB event logging;
// it may be empty.
func (f *Fetcher) FetchSource(ctx context.Context, pkgName string, src recipe.Source, task display.Task) (string, error) {
	if src.Kind == recipe.SourceVCS {
		return f.fetchVCS(ctx, pkgName, src, task)
	}
	return f.fetchArchive(ctx, pkgName, src, task)
}

func (f *Fetcher) fetchArchive(ctx context.Context, pkgName string, src recipe.Source, task display.Task) (string, error) {
	dest := f.cachePath(src)

	err := cache.Ensure(dest, func() error {
		if task != nil {
			task.SetStage("Download", src.URL)
		}
		tmp := dest + ".part"
		if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
			return err
		}
		out, err := os.Create(tmp)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)

		dlErr := f.downloader.Download(ctx, src.URL, out, task)
		closeErr := out.Close()
		if dlErr != nil {
			return dlErr
		}
		if closeErr != nil {
			return closeErr
		}
		return os.Rename(tmp, dest)
	})
	if err != nil {
		return "", &errs.FetchError{URL: src.URL, Optional: src.Optional, Cause: err}
	}

	if src.Checksum != "" {
		if err := verifyChecksum(dest, src.Algo, src.Checksum); err != nil {
			os.Remove(dest)
			return "", &errs.FetchError{URL: src.URL, Optional: src.Optional, Cause: err}
		}
	} else {
		f.warnMissingChecksum(ctx, pkgName, src, task)
	}
	return dest, nil
}

// warnMissingChecksum logs a warning for an archive source with no declared
// integrity value, escalating to a StateDB WARN event when the transport
// itself is unauthenticated (a URL that does not start with "https://").
// VCS sources are not checked.
func (f *Fetcher) warnMissingChecksum(ctx context.Context, pkgName string, src recipe.Source, task display.Task) {
	msg := fmt.Sprintf("source %s has no integrity checksum", src.URL)
	if task != nil {
		task.Log("warning: " + msg)
	}
	if f.db == nil || strings.HasPrefix(src.URL, "https://") {
		return
	}
	_ = f.db.LogEvent(ctx, pkgName, "fetch", msg+" (unauthenticated transport)", "WARN")
}

func (f *Fetcher) fetchVCS(ctx context.Context, pkgName string, src recipe.Source, task display.Task) (string, error) {
	dest := f.cachePath(src)

	fetch := func() error {
		if task != nil {
			task.SetStage("Clone", src.URL)
		}
		url := strings.TrimPrefix(src.URL, "git+")
		ref := src.Reference
		if ref == "" {
			ref = "HEAD"
		}

		if _, statErr := os.Stat(filepath.Join(dest, ".git")); statErr == nil {
			if err := runGit(ctx, dest, task, "fetch", "--prune", "origin"); err != nil {
				return err
			}
			if err := runGit(ctx, dest, task, "reset", "--hard", "origin/"+ref); err != nil {
				// ref may be a tag or commit, not a branch; try it directly.
				if err2 := runGit(ctx, dest, task, "reset", "--hard", ref); err2 != nil {
					return err
				}
			}
			return runGit(ctx, dest, task, "clean", "-fdx")
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		args := []string{"clone", "--depth", "1"}
		if src.Reference != "" {
			args = append(args, "--branch", src.Reference)
		}
		args = append(args, url, dest)
		return runGit(ctx, "", task, args...)
	}

	var err error
	if _, statErr := os.Stat(filepath.Join(dest, ".git")); statErr == nil {
		err = func() error {
			unlock, lockErr := cache.Lock(dest)
			if lockErr != nil {
				return lockErr
			}
			defer unlock()
			return fetch()
		}()
	} else {
		err = cache.Ensure(dest, fetch)
	}
	if err != nil {
		return "", &errs.FetchError{URL: src.URL, Optional: src.Optional, Cause: err}
	}
	return dest, nil
}

func runGit(ctx context.Context, dir string, task display.Task, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if task != nil {
		for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
			if line != "" {
				task.Log(line)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return nil
}

func verifyChecksum(path, algo, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var h hash.Hash
	switch strings.ToLower(algo) {
	case "", "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return fmt.Errorf("unsupported checksum algorithm: %s", algo)
	}

	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}

// FetchAll fetches every required source of r concurrently (bounded by the
// Fetcher's concurrency limit) and returns their cache paths in the same
// order as r.Sources; a failure on any required source aborts the whole
// call. Sources marked Optional are not part of that concurrent group: they
// are attempted afterward, serially, in ascending Priority order, and only
// the first one to succeed is kept — its slot is the only optional slot
// populated in the result; every other optional source that fails is logged
// to the task (and, with a StateDB attached, as a WARN event), not returned
// as an error.
func (f *Fetcher) FetchAll(ctx context.Context, r *recipe.Recipe, task display.Task) ([]string, error) {
	paths := make([]string, len(r.Sources))

	var required, optional []int
	for i, src := range r.Sources {
		if src.Optional {
			optional = append(optional, i)
		} else {
			required = append(required, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxConc)
	for _, i := range required {
		i, src := i, r.Sources[i]
		g.Go(func() error {
			p, err := f.FetchSource(gctx, r.Package.Name, src, task)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(optional) > 0 {
		sort.SliceStable(optional, func(a, b int) bool {
			return r.Sources[optional[a]].Priority < r.Sources[optional[b]].Priority
		})
		for _, i := range optional {
			src := r.Sources[i]
			p, err := f.FetchSource(ctx, r.Package.Name, src, task)
			if err != nil {
				if task != nil {
					task.Log(fmt.Sprintf("optional source failed, trying next: %s: %v", src.URL, err))
				}
				if f.db != nil {
					_ = f.db.LogEvent(ctx, r.Package.Name, "fetch", fmt.Sprintf("optional source failed: %s: %v", src.URL, err), "WARN")
				}
				continue
			}
			paths[i] = p
			break
		}
	}

	return paths, nil
}

// Stage extracts every fetched archive source into destDir; VCS sources are
// already checkouts and are copied by reference (the caller is expected to
// treat destDir as the build root and each VCS path as already staged via a
// prior call to FetchSource — Stage only unpacks archives).
func (f *Fetcher) Stage(r *recipe.Recipe, cachePaths []string, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return &errs.BuildError{Stage: "stage", RecipeRef: r.Package.Ref(), Cause: err}
	}
	for i, src := range r.Sources {
		if src.Kind == recipe.SourceVCS {
			continue
		}
		if cachePaths[i] == "" {
			// An optional source that lost the priority race (or whose
			// higher-priority sibling already succeeded) was never fetched.
			continue
		}
		if err := archive.Extract(cachePaths[i], destDir); err != nil {
			return &errs.BuildError{Stage: "stage", RecipeRef: r.Package.Ref(), Cause: err}
		}
	}
	return nil
}
