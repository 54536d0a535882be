package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"basalt/pkg/recipestore"
	"basalt/pkg/statedb"
)

func openTestDB(t *testing.T) *statedb.DB {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCompareVersions(t *testing.T) {
	cases := []struct{ a, b string; want int }{
		{"1.2.3", "1.2.3", 0},
		{"1.3.0", "1.2.9", 1},
		{"1.2", "1.2.0", 0},
		{"1.2.10", "1.2.9", 1},
		{"1.2.alpha", "1.2.0", 1}, // non-numeric sorts above numeric
	}
	for _, c := range cases {
		got := CompareVersions(c.a, c.b)
		if (got < 0 && c.want >= 0) || (got > 0 && c.want <= 0) || (got == 0 && c.want != 0) {
			t.Errorf("CompareVersions(%q, %q) = %d, want sign of %d", c.a, c.b, got, c.want)
		}
	}
}

func TestConstraintSatisfies(t *testing.T) {
	c, err := ParseConstraint("zlib>=1.2.3")
	if err != nil {
		t.Fatalf("ParseConstraint failed: %v", err)
	}
	if c.Name != "zlib" || c.Operator != OpGE || c.Version != "1.2.3" {
		t.Fatalf("unexpected parse: %+v", c)
	}
	if !c.Satisfies("1.3.0") {
		t.Errorf("expected 1.3.0 to satisfy >=1.2.3")
	}
	if c.Satisfies("1.0.0") {
		t.Errorf("expected 1.0.0 to fail >=1.2.3")
	}
}

func writeRecipe(t *testing.T, dir, doc string) {
	t.Helper()
	name := filepath.Join(dir, "r.toml")
	if err := os.WriteFile(name, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveSimpleChain(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "[package]\nname=\"a\"\nversion=\"1.0\"\n[dependencies]\nbuild=[\"b\"]\n")
	os.WriteFile(filepath.Join(dir, "b.toml"), []byte("[package]\nname=\"b\"\nversion=\"1.0\"\n"), 0644)

	store := recipestore.New(filepath.Join(dir, "idx.json"), []string{dir})
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	r := New(store, openTestDB(t))
	plan, err := r.Resolve(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(plan.Order) != 2 {
		t.Fatalf("expected 2 packages in plan, got %d", len(plan.Order))
	}
	if plan.Order[0].Package.Name != "b" || plan.Order[1].Package.Name != "a" {
		t.Fatalf("expected b before a, got order: %v, %v", plan.Order[0].Package.Name, plan.Order[1].Package.Name)
	}
}

func TestResolveSkipsAlreadyInstalled(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "[package]\nname=\"a\"\nversion=\"1.0\"\n[dependencies]\nbuild=[\"b>=1.0\"]\n")
	os.WriteFile(filepath.Join(dir, "b.toml"), []byte("[package]\nname=\"b\"\nversion=\"1.0\"\n"), 0644)

	store := recipestore.New(filepath.Join(dir, "idx.json"), []string{dir})
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	db := openTestDB(t)
	ctx := context.Background()
	if err := db.UpsertInstalled(ctx, statedb.InstalledRecord{Name: "b", Version: "1.0", Explicit: false}); err != nil {
		t.Fatalf("UpsertInstalled failed: %v", err)
	}

	r := New(store, db)
	plan, err := r.Resolve(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(plan.Order) != 1 || plan.Order[0].Package.Name != "a" {
		t.Fatalf("expected only a in plan (b already installed), got %v", plan.Order)
	}
}

func TestResolveMissingPackage(t *testing.T) {
	dir := t.TempDir()
	store := recipestore.New(filepath.Join(dir, "idx.json"), []string{dir})
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	r := New(store, openTestDB(t))
	if _, err := r.Resolve(context.Background(), []string{"nonexistent"}); err == nil {
		t.Fatalf("expected resolve error for missing package")
	}
}

func TestDepclean(t *testing.T) {
	installed := map[string]bool{"a": true, "b": false, "c": false}
	deps := map[string][]string{"a": {"b"}}
	orphans := Depclean(installed, deps)
	if len(orphans) != 1 || orphans[0] != "c" {
		t.Fatalf("expected only c to be orphaned, got %v", orphans)
	}
}
