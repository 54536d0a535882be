// Package recipestore scans one or more port-tree directories for TOML
// recipe documents and serves them up by (name, version, variant), the way
// original_source's repo_manager.py indexes /usr/ports into a JSON cache —
// adapted here to index in-memory TOML recipes instead of scraped metadata.
package recipestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"basalt/pkg/errs"
	"basalt/pkg/lazyjson"
	"basalt/pkg/recipe"
	"basalt/pkg/version"
)

// indexEntry is the on-disk representation of one indexed recipe, persisted
// by Scan alongside the repo registry. Scan always re-walks every port
// directory and does not read these entries back.
type indexEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Variant string `json:"variant"`
	Path    string `json:"path"`
}

// RepoConfig names an additional port-tree root, added at runtime via
// Store.AddRepo, scanned alongside the roots the Store was constructed with.
type RepoConfig struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type registryFile struct {
	Entries []indexEntry `json:"entries"`
	Repos   []RepoConfig `json:"repos"`
}

// Store is the in-memory, name-keyed index of every recipe found under the
// configured port-tree roots.
type Store struct {
	mu      sync.RWMutex
	byName  map[string][]*recipe.Recipe
	regMgr  lazyjson.Manager[registryFile]
	portDirs []string
}

// New creates a Store that persists its scan index at indexPath and scans portDirs.
func New(indexPath string, portDirs []string) *Store {
	return &Store{
		byName:   make(map[string][]*recipe.Recipe),
		regMgr:   lazyjson.New[registryFile](indexPath),
		portDirs: portDirs,
	}
}

// Scan walks every configured port directory, (re)parsing every *.toml file
// found and rebuilding the in-memory index. It is idempotent and cheap to
// call again after a recipe tree changes.
func (s *Store) Scan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.regMgr.Get()
	if err != nil {
		return &errs.RecipeError{Path: "repos", Cause: err}
	}
	roots := append([]string{}, s.portDirs...)
	for _, rc := range reg.Repos {
		roots = append(roots, rc.Path)
	}

	byName := make(map[string][]*recipe.Recipe)
	var entries []indexEntry

	for _, root := range roots {
		if _, statErr := os.Stat(root); os.IsNotExist(statErr) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".toml") {
				return nil
			}
			r, err := recipe.Load(path)
			if err != nil {
				return err
			}
			byName[r.Package.Name] = append(byName[r.Package.Name], r)
			entries = append(entries, indexEntry{
				Name:    r.Package.Name,
				Version: r.Package.Version,
				Variant: r.Package.Variant,
				Path:    path,
			})
			return nil
		})
		if err != nil {
			return &errs.RecipeError{Path: root, Cause: err}
		}
	}

	for name := range byName {
		sort.Slice(byName[name], func(i, j int) bool {
			return version.Compare(byName[name][i].Package.Version, byName[name][j].Package.Version) > 0
		})
	}

	s.byName = byName

	if err := s.regMgr.Modify(func(reg *registryFile) error {
		reg.Entries = entries
		return nil
	}); err != nil {
		return err
	}
	return s.regMgr.Save()
}

// AddRepo registers an additional local port-tree root under name and
// rescans. Returns an error if name is already registered or path is not a
// directory.
func (s *Store) AddRepo(name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &errs.RecipeError{Path: path, Cause: err}
	}
	info, statErr := os.Stat(abs)
	if statErr != nil || !info.IsDir() {
		return &errs.RecipeError{Path: abs, Cause: fmt.Errorf("not a directory")}
	}

	err = s.regMgr.Modify(func(reg *registryFile) error {
		for _, rc := range reg.Repos {
			if rc.Name == name {
				return fmt.Errorf("repo %q already exists", name)
			}
		}
		reg.Repos = append(reg.Repos, RepoConfig{Name: name, Path: abs})
		return nil
	})
	if err != nil {
		return &errs.RecipeError{Path: abs, Cause: err}
	}
	if err := s.regMgr.Save(); err != nil {
		return &errs.RecipeError{Path: abs, Cause: err}
	}
	return s.Scan()
}

// RemoveRepo unregisters a previously-added repo by name and rescans.
func (s *Store) RemoveRepo(name string) error {
	found := false
	err := s.regMgr.Modify(func(reg *registryFile) error {
		kept := reg.Repos[:0]
		for _, rc := range reg.Repos {
			if rc.Name == name {
				found = true
				continue
			}
			kept = append(kept, rc)
		}
		reg.Repos = kept
		return nil
	})
	if err != nil {
		return &errs.RecipeError{Path: name, Cause: err}
	}
	if !found {
		return &errs.RecipeError{Path: name, Cause: fmt.Errorf("no such repo: %s", name)}
	}
	if err := s.regMgr.Save(); err != nil {
		return &errs.RecipeError{Path: name, Cause: err}
	}
	return s.Scan()
}

// ListRepos returns every registered additional port-tree root.
func (s *Store) ListRepos() ([]RepoConfig, error) {
	reg, err := s.regMgr.Get()
	if err != nil {
		return nil, &errs.RecipeError{Path: "repos", Cause: err}
	}
	return append([]RepoConfig(nil), reg.Repos...), nil
}

// Sync re-scans every configured root and registered repo, the way `repo
// sync` refreshes the index after repos change.
func (s *Store) Sync() error {
	return s.Scan()
}

// Versions returns every recipe known for the given package name, sorted by
// descending version (the order the Resolver's candidate trial relies on).
func (s *Store) Versions(name string) []*recipe.Recipe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*recipe.Recipe(nil), s.byName[name]...)
}

// Lookup returns the recipe for an exact (name, version, variant) key.
func (s *Store) Lookup(name, version, variant string) (*recipe.Recipe, error) {
	for _, r := range s.Versions(name) {
		if r.Package.Version == version && r.Package.Variant == variant {
			return r, nil
		}
	}
	return nil, &errs.RecipeError{Path: name, Cause: fmt.Errorf("no recipe for %s-%s variant %q", name, version, variant)}
}

// Names returns every package name currently indexed, sorted ascending.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
