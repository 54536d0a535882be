package recipe

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"basalt/pkg/errs"
)

// Load reads and normalizes the recipe document at path.
func Load(path string) (*Recipe, error) {
	raw := map[string]any{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, &errs.RecipeError{Path: path, Cause: err}
	}
	return normalize(path, raw)
}

// Parse decodes and normalizes a TOML document held in memory, for callers
// (such as embedded test fixtures) that don't have a file on disk.
func Parse(path string, data []byte) (*Recipe, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, &errs.RecipeError{Path: path, Cause: err}
	}
	return normalize(path, raw)
}

func normalize(path string, raw map[string]any) (*Recipe, error) {
	pkgTable, _ := raw["package"].(map[string]any)

	name, _ := pkgTable["name"].(string)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	version, _ := pkgTable["version"].(string)
	if version == "" {
		version = "0.0.0"
	}
	variant, _ := pkgTable["variant"].(string)

	sourcesRaw := raw["source"]
	if sourcesRaw == nil {
		sourcesRaw = raw["sources"]
	}
	sources, err := parseSources(sourcesRaw)
	if err != nil {
		return nil, &errs.RecipeError{Path: path, Field: "source", Cause: err}
	}

	patches, err := parsePatches(raw["patches"])
	if err != nil {
		return nil, &errs.RecipeError{Path: path, Field: "patches", Cause: err}
	}

	environment := stringMap(raw["environment"])

	hooks := map[string][]string{}
	if hooksRaw, ok := raw["hooks"].(map[string]any); ok {
		for stage, v := range hooksRaw {
			hooks[stage] = stringSlice(v)
		}
	}

	var buildCmds, installCmds []string
	if buildTable, ok := raw["build"].(map[string]any); ok {
		buildCmds = stringSlice(buildTable["commands"])
	}
	if installTable, ok := raw["install"].(map[string]any); ok {
		installCmds = stringSlice(installTable["commands"])
	}

	deps, err := parseDependencies(raw["dependencies"])
	if err != nil {
		return nil, &errs.RecipeError{Path: path, Field: "dependencies", Cause: err}
	}

	options := map[string]any{}
	if optTable, ok := raw["options"].(map[string]any); ok {
		options = optTable
	}

	return &Recipe{
		Package:      Package{Name: name, Version: version, Variant: variant},
		Sources:      sources,
		Patches:      patches,
		Environment:  environment,
		Hooks:        hooks,
		BuildCmds:    buildCmds,
		InstallCmds:  installCmds,
		Dependencies: deps,
		Options:      options,
		Path:         path,
		Raw:          raw,
	}, nil
}

// parseSources mirrors zeropkg_toml.py's _parse_sources: a source list may be
// a bare string, a table with url/checksum/... keys, or a list mixing both.
func parseSources(raw any) ([]Source, error) {
	var out []Source
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		out = append(out, Source{URL: v})
	case []any:
		for _, item := range v {
			s, err := sourceFromAny(item, "")
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
	case map[string]any:
		if _, ok := v["url"].(string); ok {
			s, err := sourceFromAny(v, "")
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			break
		}
		for url, info := range v {
			s, err := sourceFromAny(info, url)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	default:
		return nil, fmt.Errorf("unsupported source shape %T", raw)
	}
	applySourceDefaults(out)
	return out, nil
}

func sourceFromAny(item any, fallbackURL string) (Source, error) {
	switch v := item.(type) {
	case string:
		return Source{URL: v}, nil
	case map[string]any:
		s := Source{URL: fallbackURL}
		if u, ok := v["url"].(string); ok {
			s.URL = u
		}
		if c, ok := v["checksum"].(string); ok {
			s.Checksum = c
		}
		if a, ok := v["algo"].(string); ok {
			s.Algo = a
		}
		if t, ok := v["type"].(string); ok {
			s.Kind = SourceKind(t)
		}
		if p, ok := v["priority"].(int64); ok {
			s.Priority = int(p)
		}
		if o, ok := v["optional"].(bool); ok {
			s.Optional = o
		}
		if r, ok := v["ref"].(string); ok {
			s.Reference = r
		}
		if s.URL == "" {
			return Source{}, fmt.Errorf("source entry missing url")
		}
		return s, nil
	default:
		return Source{}, fmt.Errorf("unsupported source entry shape %T", item)
	}
}

func applySourceDefaults(sources []Source) {
	for i := range sources {
		if sources[i].Algo == "" {
			sources[i].Algo = "sha256"
		}
		if sources[i].Kind == "" {
			sources[i].Kind = classifyKind(sources[i].URL)
		}
	}
}

func classifyKind(url string) SourceKind {
	if strings.HasPrefix(url, "git+") || strings.HasSuffix(url, ".git") {
		return SourceVCS
	}
	return SourceArchive
}

// parsePatches mirrors zeropkg_toml.py's _parse_patches.
func parsePatches(raw any) ([]Patch, error) {
	var out []Patch
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		for _, item := range v {
			p, err := patchFromAny(item, "")
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	case map[string]any:
		for path, info := range v {
			p, err := patchFromAny(info, path)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	default:
		return nil, fmt.Errorf("unsupported patches shape %T", raw)
	}
	for i := range out {
		if out[i].Strip == 0 {
			out[i].Strip = 1
		}
	}
	return out, nil
}

func patchFromAny(item any, fallbackPath string) (Patch, error) {
	switch v := item.(type) {
	case string:
		return Patch{Path: v, Strip: 1}, nil
	case map[string]any:
		p := Patch{Path: fallbackPath, Strip: 1}
		if pa, ok := v["path"].(string); ok {
			p.Path = pa
		}
		if st, ok := v["stage"].(string); ok {
			p.Stage = st
		}
		if strip, ok := v["strip"].(int64); ok {
			p.Strip = int(strip)
		}
		if p.Path == "" {
			return Patch{}, fmt.Errorf("patch entry missing path")
		}
		return p, nil
	default:
		return Patch{}, fmt.Errorf("unsupported patch entry shape %T", item)
	}
}

// parseDependencies accepts {build=[...], runtime=[...]}, a bare list
// (treated as runtime), or per-name version tables.
func parseDependencies(raw any) (DependencySet, error) {
	deps := DependencySet{}
	switch v := raw.(type) {
	case nil:
		return deps, nil
	case []any:
		deps.Runtime = append(deps.Runtime, stringSlice(v)...)
	case map[string]any:
		if b, ok := v["build"]; ok {
			deps.Build = append(deps.Build, depListFromAny(b)...)
		}
		if r, ok := v["runtime"]; ok {
			deps.Runtime = append(deps.Runtime, depListFromAny(r)...)
		}
	default:
		return deps, fmt.Errorf("unsupported dependencies shape %T", raw)
	}
	return deps, nil
}

func depListFromAny(v any) []string {
	switch t := v.(type) {
	case []any:
		return stringSlice(t)
	case map[string]any:
		var out []string
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ver, _ := t[name].(string)
			out = append(out, fmt.Sprintf("%s-%s", name, ver))
		}
		return out
	default:
		return nil
	}
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	table, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(table))
	for k, val := range table {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Expand substitutes "{VAR}" tokens in s using the recipe's own environment
// table first, then the provided overrides (which win on conflict), leaving
// any unresolved token untouched.
func (r *Recipe) Expand(s string, overrides map[string]string) string {
	lookup := func(key string) (string, bool) {
		if v, ok := overrides[key]; ok {
			return v, true
		}
		if v, ok := r.Environment[key]; ok {
			return v, true
		}
		return "", false
	}

	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '{' {
			if end := strings.IndexByte(s[i:], '}'); end > 0 {
				key := s[i+1 : i+end]
				if v, ok := lookup(key); ok {
					b.WriteString(v)
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
