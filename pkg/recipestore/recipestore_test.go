package recipestore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRecipe(t *testing.T, dir, name, version string) {
	t.Helper()
	content := "[package]\nname = \"" + name + "\"\nversion = \"" + version + "\"\n"
	if err := os.WriteFile(filepath.Join(dir, name+"-"+version+".toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "zlib", "1.3.1")
	writeRecipe(t, dir, "zlib", "1.2.13")
	writeRecipe(t, dir, "bash", "5.2")

	store := New(filepath.Join(dir, "index.json"), []string{dir})
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	versions := store.Versions("zlib")
	if len(versions) != 2 {
		t.Fatalf("expected 2 zlib versions, got %d", len(versions))
	}
	if versions[0].Package.Version != "1.3.1" {
		t.Fatalf("expected descending version order, got %s first", versions[0].Package.Version)
	}

	r, err := store.Lookup("bash", "5.2", "")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if r.Package.Name != "bash" {
		t.Fatalf("unexpected lookup result: %+v", r.Package)
	}

	if _, err := store.Lookup("missing", "1.0", ""); err == nil {
		t.Fatalf("expected error looking up missing package")
	}

	names := store.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 distinct package names, got %d: %v", len(names), names)
	}
}

func TestScanMissingPortDirIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "index.json"), []string{filepath.Join(dir, "does-not-exist")})
	if err := store.Scan(); err != nil {
		t.Fatalf("expected missing port dir to be tolerated, got %v", err)
	}
}

// TestScanOrdersMultiDigitVersionsNumerically exercises the case plain
// string comparison gets backwards: "1.9" > "1.10" lexically but not
// numerically, and the Resolver relies on Versions() trying the newest
// version first.
func TestScanOrdersMultiDigitVersionsNumerically(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "foo", "1.9")
	writeRecipe(t, dir, "foo", "1.10")

	store := New(filepath.Join(dir, "index.json"), []string{dir})
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	versions := store.Versions("foo")
	if len(versions) != 2 || versions[0].Package.Version != "1.10" {
		t.Fatalf("expected 1.10 first (numeric order), got %v", versions)
	}
}

func TestRepoRegistry(t *testing.T) {
	baseDir := t.TempDir()
	writeRecipe(t, baseDir, "bash", "5.2")

	extraDir := t.TempDir()
	writeRecipe(t, extraDir, "zlib", "1.3.1")

	store := New(filepath.Join(baseDir, "index.json"), []string{baseDir})
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(store.Names()) != 1 {
		t.Fatalf("expected only bash indexed before AddRepo, got %v", store.Names())
	}

	if err := store.AddRepo("extra", extraDir); err != nil {
		t.Fatalf("AddRepo failed: %v", err)
	}
	if len(store.Versions("zlib")) != 1 {
		t.Fatalf("expected zlib indexed after AddRepo")
	}

	repos, err := store.ListRepos()
	if err != nil {
		t.Fatalf("ListRepos failed: %v", err)
	}
	if len(repos) != 1 || repos[0].Name != "extra" {
		t.Fatalf("unexpected repos: %v", repos)
	}

	if err := store.RemoveRepo("extra"); err != nil {
		t.Fatalf("RemoveRepo failed: %v", err)
	}
	if len(store.Versions("zlib")) != 0 {
		t.Fatalf("expected zlib no longer indexed after RemoveRepo")
	}

	if err := store.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}
