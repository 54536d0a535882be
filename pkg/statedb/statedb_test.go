package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGetPackage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := InstalledRecord{
		Name:         "zlib",
		Version:      "1.3.1",
		InstallDate:  time.Now(),
		Explicit:     true,
		BuildOptions: map[string]any{"shared": true},
		Files:        []string{"/usr/lib/libz.so", "/usr/include/zlib.h"},
		Dependencies: []Dependency{{Name: "gcc", Version: "13.2.0"}},
	}
	if err := db.UpsertInstalled(ctx, rec); err != nil {
		t.Fatalf("UpsertInstalled failed: %v", err)
	}

	got, err := db.GetPackage(ctx, "zlib")
	if err != nil {
		t.Fatalf("GetPackage failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected installed record, got nil")
	}
	if got.Version != "1.3.1" || len(got.Files) != 2 || len(got.Dependencies) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	installed, err := db.IsInstalled(ctx, "zlib", "1.3.1")
	if err != nil || !installed {
		t.Fatalf("expected zlib 1.3.1 to be installed, err=%v installed=%v", err, installed)
	}
}

func TestUpsertOverwritesInstallDate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := time.Now().Add(-time.Hour)
	if err := db.UpsertInstalled(ctx, InstalledRecord{Name: "bash", Version: "5.2", InstallDate: first}); err != nil {
		t.Fatal(err)
	}
	second := time.Now()
	if err := db.UpsertInstalled(ctx, InstalledRecord{Name: "bash", Version: "5.2", InstallDate: second}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetPackage(ctx, "bash")
	if err != nil || got == nil {
		t.Fatalf("GetPackage failed: %v", err)
	}
	if got.InstallDate.Unix() != second.Unix() {
		t.Fatalf("expected install_date to be overwritten to the later upsert")
	}
}

func TestRemovePackageCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertInstalled(ctx, InstalledRecord{
		Name: "bash", Version: "5.2", InstallDate: time.Now(),
		Files: []string{"/bin/bash"},
	}); err != nil {
		t.Fatal(err)
	}

	files, err := db.RemovePackage(ctx, "bash")
	if err != nil {
		t.Fatalf("RemovePackage failed: %v", err)
	}
	if len(files) != 1 || files[0] != "/bin/bash" {
		t.Fatalf("unexpected removed files: %v", files)
	}

	remaining, err := db.ListFiles(ctx, "bash")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected files to cascade-delete, got %v", remaining)
	}
}

func TestFindRevDeps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertInstalled(ctx, InstalledRecord{
		Name: "curl", Version: "8.10.0", InstallDate: time.Now(),
		Dependencies: []Dependency{{Name: "zlib", Version: "1.3.1"}},
	}); err != nil {
		t.Fatal(err)
	}

	revdeps, err := db.FindRevDeps(ctx, "zlib")
	if err != nil {
		t.Fatalf("FindRevDeps failed: %v", err)
	}
	if len(revdeps) != 1 || revdeps[0] != "curl" {
		t.Fatalf("unexpected revdeps: %v", revdeps)
	}
}

func TestFindRevDepsTransitive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// a -> b -> c: removing c should be blocked transitively by both a and b.
	if err := db.UpsertInstalled(ctx, InstalledRecord{
		Name: "c", Version: "1.0", InstallDate: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertInstalled(ctx, InstalledRecord{
		Name: "b", Version: "1.0", InstallDate: time.Now(),
		Dependencies: []Dependency{{Name: "c", Version: "1.0"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertInstalled(ctx, InstalledRecord{
		Name: "a", Version: "1.0", InstallDate: time.Now(),
		Dependencies: []Dependency{{Name: "b", Version: "1.0"}},
	}); err != nil {
		t.Fatal(err)
	}

	direct, err := db.FindRevDeps(ctx, "c")
	if err != nil {
		t.Fatalf("FindRevDeps failed: %v", err)
	}
	if len(direct) != 1 || direct[0] != "b" {
		t.Fatalf("expected only direct dependent b, got %v", direct)
	}

	transitive, err := db.FindRevDepsTransitive(ctx, "c")
	if err != nil {
		t.Fatalf("FindRevDepsTransitive failed: %v", err)
	}
	got := map[string]bool{}
	for _, n := range transitive {
		got[n] = true
	}
	if !got["a"] || !got["b"] || len(transitive) != 2 {
		t.Fatalf("expected transitive closure {a, b}, got %v", transitive)
	}
}

func TestEventLog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.LogEvent(ctx, "zlib", "build", "starting build", "INFO"); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	if err := db.LogEvent(ctx, "zlib", "deploy", "deployed", "INFO"); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	events, err := db.ListEvents(ctx, "zlib")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Stage != "deploy" {
		t.Fatalf("expected most-recent-first ordering, got %+v", events[0])
	}
}
