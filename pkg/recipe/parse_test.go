package recipe

import "testing"

const sampleRecipe = `
[package]
name = "zlib"
version = "1.3.1"

source = ["https://example.org/zlib-1.3.1.tar.gz"]

[[patches]]
path = "fix-build.patch"
stage = "post_extract"

[environment]
PREFIX = "/usr"

[hooks]
pre_configure = ["echo hello"]

[build]
commands = ["./configure --prefix={PREFIX}", "make"]

[install]
commands = ["make install DESTDIR={DESTDIR}"]

[dependencies]
build = ["make", "gcc"]
runtime = []
`

func TestParseBasicRecipe(t *testing.T) {
	r, err := Parse("zlib.toml", []byte(sampleRecipe))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if r.Package.Name != "zlib" || r.Package.Version != "1.3.1" {
		t.Fatalf("unexpected package key: %+v", r.Package)
	}
	if len(r.Sources) != 1 || r.Sources[0].URL != "https://example.org/zlib-1.3.1.tar.gz" {
		t.Fatalf("unexpected sources: %+v", r.Sources)
	}
	if r.Sources[0].Kind != SourceArchive || r.Sources[0].Algo != "sha256" {
		t.Fatalf("source defaults not applied: %+v", r.Sources[0])
	}
	if len(r.Patches) != 1 || r.Patches[0].Strip != 1 {
		t.Fatalf("unexpected patches: %+v", r.Patches)
	}
	if len(r.Dependencies.Build) != 2 {
		t.Fatalf("unexpected build deps: %+v", r.Dependencies.Build)
	}
	got := r.Expand("./configure --prefix={PREFIX}", nil)
	if got != "./configure --prefix=/usr" {
		t.Fatalf("expand from recipe environment failed: %q", got)
	}
	got = r.Expand("make install DESTDIR={DESTDIR}", map[string]string{"DESTDIR": "/tmp/stage"})
	if got != "make install DESTDIR=/tmp/stage" {
		t.Fatalf("expand from override failed: %q", got)
	}
}

func TestParseSourceTableShape(t *testing.T) {
	doc := `
[package]
name = "foo"
version = "1.0"

[source."https://example.org/foo.tar.gz"]
checksum = "deadbeef"
priority = 1
`
	r, err := Parse("foo.toml", []byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(r.Sources) != 1 || r.Sources[0].Checksum != "deadbeef" || r.Sources[0].Priority != 1 {
		t.Fatalf("unexpected table-shaped source: %+v", r.Sources)
	}
}

func TestParseVCSSourceKind(t *testing.T) {
	doc := `
[package]
name = "foo"
version = "1.0"
source = ["git+https://example.org/foo.git"]
`
	r, err := Parse("foo.toml", []byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if r.Sources[0].Kind != SourceVCS {
		t.Fatalf("expected vcs source kind, got %v", r.Sources[0].Kind)
	}
}

func TestParseMissingVersionDefaults(t *testing.T) {
	doc := `
[package]
name = "foo"
`
	r, err := Parse("foo.toml", []byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if r.Package.Version != "0.0.0" {
		t.Fatalf("expected default version, got %q", r.Package.Version)
	}
}
