package sandbox

import (
	"testing"
)

func TestNewRefusesRoot(t *testing.T) {
	if _, err := New("/", Options{}); err == nil {
		t.Fatal("expected New(\"/\") to be refused")
	}
}

func TestNewAcceptsSubdir(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.state != Unprepared {
		t.Fatalf("expected initial state Unprepared, got %s", s.state)
	}
	if len(s.opts.ReadonlyDirs) == 0 {
		t.Fatal("expected default readonly dirs to be populated")
	}
}

func TestBwrapArgsDeterministic(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"FOO": "bar", "BAZ": "qux"}
	a1 := s.bwrapArgs(env, "/", false)
	a2 := s.bwrapArgs(env, "/", false)
	if len(a1) != len(a2) {
		t.Fatalf("arg length mismatch")
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("bwrap args not deterministic at index %d: %q vs %q", i, a1[i], a2[i])
		}
	}
}

func TestSplitFields(t *testing.T) {
	got := splitFields("proc /proc proc rw,nosuid 0 0")
	want := []string{"proc", "/proc", "proc", "rw,nosuid", "0", "0"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestRunRequiresReadyState(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(nil, []string{"true"}, nil, "/"); err == nil {
		t.Fatal("expected Run to fail before Prepare")
	}
}
