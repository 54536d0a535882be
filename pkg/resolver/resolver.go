package resolver

import (
	"context"
	"fmt"
	"sort"

	"basalt/pkg/errs"
	"basalt/pkg/recipe"
	"basalt/pkg/recipestore"
	"basalt/pkg/statedb"
)

// Plan is the result of a successful resolution: every recipe the requested
// set depends on (including the requests themselves), in install order
// (dependencies before dependents). Requests already satisfied by an
// installed package recorded in StateDB are resolved but do not appear here.
type Plan struct {
	Order []*recipe.Recipe
}

// Resolver resolves dependency requests against a recipestore.Store,
// short-circuiting any constraint already satisfied by an installed
// package recorded in db. db may be nil, in which case every constraint is
// resolved against the recipestore as if nothing were installed.
type Resolver struct {
	store *recipestore.Store
	db    *statedb.DB
}

// New creates a Resolver backed by store, consulting db (if non-nil) to
// skip already-installed, constraint-satisfying packages.
func New(store *recipestore.Store, db *statedb.DB) *Resolver {
	return &Resolver{store: store, db: db}
}

// Resolve finds a version assignment satisfying every transitive dependency
// of the given requests, using descending-version-order candidate trial
// with backtracking, then returns the topologically-sorted install plan.
func (r *Resolver) Resolve(ctx context.Context, requests []string) (*Plan, error) {
	parsed := make([]Constraint, 0, len(requests))
	for _, req := range requests {
		c, err := ParseConstraint(req)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, c)
	}

	chosen := map[string]*recipe.Recipe{}
	if !r.dfs(ctx, parsed, chosen) {
		return nil, &errs.ResolveError{Package: fmt.Sprint(requests), Reason: "no satisfying version assignment found"}
	}

	order, err := r.topoSort(chosen)
	if err != nil {
		return nil, err
	}
	return &Plan{Order: order}, nil
}

// alreadySatisfied reports whether c is satisfied by a package already
// recorded as installed in StateDB, so dfs can skip it entirely rather than
// adding it (and its dependencies) to the plan.
func (r *Resolver) alreadySatisfied(ctx context.Context, c Constraint) bool {
	if r.db == nil {
		return false
	}
	rec, err := r.db.GetPackage(ctx, c.Name)
	if err != nil || rec == nil {
		return false
	}
	return c.Satisfies(rec.Version)
}

// dfs mutates chosen in place, trying candidates for the head of toResolve
// in descending version order and recursing on the merged remainder plus
// that candidate's own dependencies. On failure for every candidate, it
// restores chosen and reports failure so the caller can try the next option.
// A constraint already satisfied by an installed package is resolved
// without adding it (or its dependencies) to chosen.
func (r *Resolver) dfs(ctx context.Context, toResolve []Constraint, chosen map[string]*recipe.Recipe) bool {
	if len(toResolve) == 0 {
		return true
	}
	head := toResolve[0]
	rest := toResolve[1:]

	if existing, ok := chosen[head.Name]; ok {
		if !head.Satisfies(existing.Package.Version) {
			return false
		}
		return r.dfs(ctx, rest, chosen)
	}

	if r.alreadySatisfied(ctx, head) {
		return r.dfs(ctx, rest, chosen)
	}

	candidates := r.store.Versions(head.Name)
	for _, cand := range candidates {
		if !head.Satisfies(cand.Package.Version) {
			continue
		}
		chosen[head.Name] = cand

		deps := allDeps(cand)
		depConstraints := make([]Constraint, 0, len(deps))
		ok := true
		for _, d := range deps {
			c, err := ParseConstraint(d)
			if err != nil {
				ok = false
				break
			}
			depConstraints = append(depConstraints, c)
		}
		if !ok {
			delete(chosen, head.Name)
			continue
		}

		merged := append(append([]Constraint{}, depConstraints...), rest...)
		if r.dfs(ctx, merged, chosen) {
			return true
		}
		delete(chosen, head.Name)
	}
	return false
}

func allDeps(r *recipe.Recipe) []string {
	out := make([]string, 0, len(r.Dependencies.Build)+len(r.Dependencies.Runtime))
	out = append(out, r.Dependencies.Build...)
	out = append(out, r.Dependencies.Runtime...)
	return out
}

// topoSort orders the chosen assignment so every dependency precedes its
// dependents: packages are ordered by dependency depth (the longest chain of
// chosen dependencies below them), breaking ties by ascending package name
// for determinism.
func (r *Resolver) topoSort(chosen map[string]*recipe.Recipe) ([]*recipe.Recipe, error) {
	names := make([]string, 0, len(chosen))
	for name := range chosen {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := map[string]int{}
	depth := map[string]int{}
	var order []*recipe.Recipe

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return &errs.ResolveError{Package: name, Reason: "dependency cycle detected"}
		}
		state[name] = visiting

		rec := chosen[name]
		deps := allDeps(rec)
		depNames := make([]string, 0, len(deps))
		for _, d := range deps {
			c, err := ParseConstraint(d)
			if err != nil {
				return err
			}
			if _, ok := chosen[c.Name]; ok {
				depNames = append(depNames, c.Name)
			}
		}
		sort.Strings(depNames)
		for _, dn := range depNames {
			if err := visit(dn); err != nil {
				return err
			}
		}

		state[name] = visited
		for _, dn := range depNames {
			if depth[dn]+1 > depth[name] {
				depth[name] = depth[dn] + 1
			}
		}
		order = append(order, rec)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		di, dj := depth[order[i].Package.Name], depth[order[j].Package.Name]
		if di != dj {
			return di < dj
		}
		return order[i].Package.Name < order[j].Package.Name
	})
	return order, nil
}

// Depclean reports installed package names that are not explicitly
// installed and are not a dependency of any other installed package —
// candidates for removal. installed maps name -> explicit; deps maps
// name -> the set of names it depends on.
func Depclean(installed map[string]bool, deps map[string][]string) []string {
	reverse := map[string]bool{}
	for _, ds := range deps {
		for _, d := range ds {
			reverse[d] = true
		}
	}

	var orphans []string
	for name, explicit := range installed {
		if explicit {
			continue
		}
		if !reverse[name] {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	return orphans
}
