package builddeploy

import "testing"

func TestMatchesStripGlob(t *testing.T) {
	globs := []string{"bin/*", "usr/bin/*"}
	cases := map[string]bool{
		"bin/bash":        true,
		"usr/bin/gcc":     true,
		"usr/lib/libc.so": false,
		"etc/passwd":      false,
	}
	for rel, want := range cases {
		if got := matchesStripGlob(globs, rel); got != want {
			t.Errorf("matchesStripGlob(%q) = %v, want %v", rel, got, want)
		}
	}
}
