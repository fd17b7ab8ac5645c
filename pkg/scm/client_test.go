package scm

import (
	"errors"
	"testing"
)

func TestSplitRepoURL(t *testing.T) {
	owner, name, err := SplitRepoURL("https://github.com/octo/my-app.git", "https://github.com")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if owner != "octo" || name != "my-app" {
		t.Fatalf("unexpected split %s/%s", owner, name)
	}

	owner, name, err = SplitRepoURL("https://gitlab.com/group/sub/app", "https://gitlab.com")
	if err != nil {
		t.Fatalf("split subgroup: %v", err)
	}
	if owner != "group/sub" || name != "app" {
		t.Fatalf("unexpected subgroup split %s/%s", owner, name)
	}
}

func TestSplitRepoURLRejectsForeignHost(t *testing.T) {
	for _, raw := range []string{
		"https://evil.example/octo/app",
		"https://github.com/octo",
		"not a url",
		"https://github.com//app",
	} {
		if _, _, err := SplitRepoURL(raw, "https://github.com"); !errors.Is(err, ErrUnrecognizedRepoURL) {
			t.Fatalf("expected ErrUnrecognizedRepoURL for %q, got %v", raw, err)
		}
	}
}
