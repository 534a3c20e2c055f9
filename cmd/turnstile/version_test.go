package main

import (
	"strings"
	"testing"
)

func TestBuildCommit_PrefersInjectedCommit(t *testing.T) {
	orig := GitCommit
	defer func() { GitCommit = orig }()

	GitCommit = "abc1234"
	if got := buildCommit(); got != "abc1234" {
		t.Errorf("buildCommit() = %q, want the flag-injected commit", got)
	}
}

func TestBuildCommit_FallbackNeverEmpty(t *testing.T) {
	orig := GitCommit
	defer func() { GitCommit = orig }()

	// Without an injected commit the VCS stamp is used when present, and
	// the "unknown" placeholder otherwise. Either way the output is a
	// printable token.
	GitCommit = "unknown"
	got := buildCommit()
	if got == "" {
		t.Fatal("buildCommit() returned empty string")
	}
	if strings.ContainsAny(got, " \n") {
		t.Errorf("buildCommit() = %q, want a single token", got)
	}
}
