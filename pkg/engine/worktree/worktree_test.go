package worktree

import "testing"

func TestSanitizeForPathReplacesUnsafeCharsAndCollapsesRuns(t *testing.T) {
	cases := map[string]string{
		"feature/new*branch": "feature-new-branch",
		"***":                 "branch",
		"a---b":               "a-b",
	}
	for in, want := range cases {
		if got := sanitizeForPath(in); got != want {
			t.Errorf("sanitizeForPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseWorktreeListPorcelainReadsPathsAndBranches(t *testing.T) {
	stdout := "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\n" +
		"worktree /repo/.sea/worktrees/repo-feature\nHEAD def\nbranch refs/heads/feature\n"

	got := parseWorktreeListPorcelain(stdout, "/repo")
	want := []entry{
		{path: "/repo", branch: "main"},
		{path: "/repo/.sea/worktrees/repo-feature", branch: "feature"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWorktreeDestinationUsesHomeNamespace(t *testing.T) {
	dest := worktreeDestination("/projects/acme/repo", "/home/me/.sea", "feature/new-api")
	if want := "/home/me/.sea/worktrees/"; len(dest) < len(want) || dest[:len(want)] != want {
		t.Fatalf("destination %q does not start with %q", dest, want)
	}
	if got, want := dest[len(dest)-len("feature-new-api"):], "feature-new-api"; got != want {
		t.Fatalf("destination %q does not end with %q", dest, want)
	}
}
