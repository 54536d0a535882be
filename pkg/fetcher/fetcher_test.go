package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"basalt/pkg/display"
	"basalt/pkg/recipe"
)

type fakeTask struct{}

func (fakeTask) Log(msg string)                      {}
func (fakeTask) SetStage(name string, target string) {}
func (fakeTask) Progress(percent int, message string) {}
func (fakeTask) Done()                                {}

type fakeDownloader struct {
	content []byte
}

func (f *fakeDownloader) Download(ctx context.Context, uri string, w io.Writer, task display.Task) error {
	_, err := w.Write(f.content)
	return err
}

func TestFetchArchiveVerifiesChecksum(t *testing.T) {
	content := []byte("hello world source tarball")
	sum := sha256.Sum256(content)

	dir := t.TempDir()
	f := New(filepath.Join(dir, "cache"), WithDownloader(&fakeDownloader{content: content}))

	src := recipe.Source{
		URL:      "https://example.invalid/foo-1.0.tar.gz",
		Checksum: hex.EncodeToString(sum[:]),
		Kind:     recipe.SourceArchive,
	}

	path, err := f.FetchSource(context.Background(), "foo", src, fakeTask{})
	if err != nil {
		t.Fatalf("FetchSource failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("cached content mismatch")
	}
}

func TestFetchArchiveChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "cache"), WithDownloader(&fakeDownloader{content: []byte("wrong content")}))

	src := recipe.Source{
		URL:      "https://example.invalid/foo-1.0.tar.gz",
		Checksum: "0000000000000000000000000000000000000000000000000000000000000",
		Kind:     recipe.SourceArchive,
	}

	if _, err := f.FetchSource(context.Background(), "foo", src, fakeTask{}); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestFetchAllConcurrent(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "cache"), WithDownloader(&fakeDownloader{content: []byte("data")}))

	r := &recipe.Recipe{
		Package: recipe.Package{Name: "foo", Version: "1.0"},
		Sources: []recipe.Source{
			{URL: "https://example.invalid/a.tar.gz", Kind: recipe.SourceArchive},
			{URL: "https://example.invalid/b.tar.gz", Kind: recipe.SourceArchive},
		},
	}

	paths, err := f.FetchAll(context.Background(), r, fakeTask{})
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(paths) != 2 || paths[0] == "" || paths[1] == "" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

type failingDownloader struct{}

func (failingDownloader) Download(ctx context.Context, uri string, w io.Writer, task display.Task) error {
	return fmt.Errorf("mirror unreachable")
}

// TestFetchAllOptionalFallback verifies only the first successful optional
// source (in ascending Priority order) is kept, and the later optional
// source is skipped once it has succeeded.
func TestFetchAllOptionalFallback(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "cache"), WithDownloader(&fakeDownloader{content: []byte("data")}))

	r := &recipe.Recipe{
		Package: recipe.Package{Name: "foo", Version: "1.0"},
		Sources: []recipe.Source{
			{URL: "https://example.invalid/required.tar.gz", Kind: recipe.SourceArchive},
			{URL: "https://mirror-a.invalid/x.tar.gz", Kind: recipe.SourceArchive, Optional: true, Priority: 1},
			{URL: "https://mirror-b.invalid/x.tar.gz", Kind: recipe.SourceArchive, Optional: true, Priority: 2},
		},
	}

	paths, err := f.FetchAll(context.Background(), r, fakeTask{})
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if paths[0] == "" {
		t.Fatalf("required source not fetched")
	}
	if paths[1] == "" {
		t.Fatalf("expected priority-1 optional source to be fetched")
	}
	if paths[2] != "" {
		t.Fatalf("expected priority-2 optional source to be skipped once priority-1 succeeded")
	}
}

// TestFetchArchiveMissingChecksumWarnsWithoutFailing verifies a source with
// no checksum still succeeds (just logged as a warning), rather than erroring.
func TestFetchArchiveMissingChecksumWarnsWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "cache"), WithDownloader(&fakeDownloader{content: []byte("data")}))

	src := recipe.Source{
		URL:  "http://example.invalid/unsigned.tar.gz",
		Kind: recipe.SourceArchive,
	}

	if _, err := f.FetchSource(context.Background(), "foo", src, fakeTask{}); err != nil {
		t.Fatalf("FetchSource failed: %v", err)
	}
}
