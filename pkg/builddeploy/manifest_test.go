package builddeploy

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildManifestRecordsFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	content := []byte("#!/bin/sh\necho hi\n")
	if err := os.WriteFile(filepath.Join(dir, "bin", "hello"), content, 0755); err != nil {
		t.Fatal(err)
	}

	man, err := buildManifest("hello", "1.0", "", dir, nil)
	if err != nil {
		t.Fatalf("buildManifest failed: %v", err)
	}
	if man.Name != "hello" || man.Version != "1.0" {
		t.Fatalf("unexpected manifest identity: %+v", man)
	}
	if len(man.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(man.Files))
	}

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])
	if man.Files[0].SHA256 != want {
		t.Fatalf("sha256 mismatch: got %s want %s", man.Files[0].SHA256, want)
	}
	if man.Files[0].RelPath != "bin/hello" {
		t.Fatalf("unexpected relpath: %s", man.Files[0].RelPath)
	}
}
