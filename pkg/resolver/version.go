// Package resolver performs backtracking dependency resolution over a
// recipestore's indexed recipes: it parses constraint strings
// ("name>=1.2.3"), finds a version assignment satisfying every transitive
// constraint, and topologically sorts the result into install order. The
// algorithm is a direct port of original_source's zeropkg1.0/resolver.py —
// descending-version-order candidate trial with backtracking on failure —
// generalized to read recipes from a recipestore.Store instead of a scraped
// JSON index.
package resolver

import (
	"regexp"
	"strings"

	"basalt/pkg/errs"
	"basalt/pkg/version"
)

// Operator is a dependency version constraint operator.
type Operator string

const (
	OpNone  Operator = ""
	OpEQ    Operator = "=="
	OpNE    Operator = "!="
	OpLT    Operator = "<"
	OpLE    Operator = "<="
	OpGT    Operator = ">"
	OpGE    Operator = ">="
	OpApprx Operator = "~="
)

var depRe = regexp.MustCompile(`^([A-Za-z0-9_+.-]+)(==|!=|<=|>=|~=|<|>)?(.+)?$`)

// Constraint is a parsed dependency request, e.g. "zlib>=1.2".
type Constraint struct {
	Name     string
	Operator Operator
	Version  string
}

// ParseConstraint parses a dependency string like "libfoo>=1.2.3" or a bare "bar".
func ParseConstraint(dep string) (Constraint, error) {
	dep = strings.TrimSpace(dep)
	m := depRe.FindStringSubmatch(dep)
	if m == nil {
		return Constraint{}, &errs.ResolveError{Package: dep, Reason: "malformed dependency string"}
	}
	return Constraint{Name: m[1], Operator: Operator(m[2]), Version: m[3]}, nil
}

// CompareVersions returns -1, 0, or 1 comparing version strings a and b
// component-wise. The real implementation lives in pkg/version, shared with
// pkg/recipestore's candidate-ordering sort; this is a thin alias kept so
// existing callers in this package don't need a second import.
func CompareVersions(a, b string) int {
	return version.Compare(a, b)
}

// Satisfies reports whether candidate version v satisfies the constraint's
// operator against its Version bound. A constraint with no operator
// (OpNone) is satisfied by every version.
func (c Constraint) Satisfies(v string) bool {
	if c.Operator == OpNone || c.Version == "" {
		return true
	}
	cmp := version.Compare(v, c.Version)
	switch c.Operator {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	case OpApprx:
		return version.ApproxMatch(v, c.Version)
	default:
		return false
	}
}
