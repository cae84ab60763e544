package sandbox

import "testing"

func TestClassifyReadOnlyWhitelist(t *testing.T) {
	risks, readOnly := Classify("ls -la")
	if !readOnly {
		t.Fatalf("expected ls to be read-only, risks=%v", risks)
	}
}

func TestClassifyMetacharacterDefeatsWhitelist(t *testing.T) {
	risks, readOnly := Classify("ls > out.txt")
	if readOnly {
		t.Fatalf("expected redirect to defeat read-only classification")
	}
	if len(risks) == 0 {
		t.Fatalf("expected at least one risk for redirect")
	}
}

func TestClassifyDangerousSubstring(t *testing.T) {
	risks, readOnly := Classify("rm -rf build/")
	if readOnly {
		t.Fatalf("rm should never be read-only")
	}
	found := false
	for _, r := range risks {
		if r.Kind == "destructive" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected destructive risk, got %v", risks)
	}
}

func TestDecidePassthroughForReadOnly(t *testing.T) {
	d, _ := Decide("git status", func([]SecurityRisk) bool { return true })
	if d != Passthrough {
		t.Fatalf("expected passthrough, got %v", d)
	}
}

func TestDecideNeedsApproval(t *testing.T) {
	d, risks := Decide("rm -rf /tmp/x", func(r []SecurityRisk) bool { return len(r) > 0 })
	if d != NeedsApproval {
		t.Fatalf("expected needs_approval, got %v", d)
	}
	if len(risks) == 0 {
		t.Fatalf("expected risks attached to decision")
	}
}

func TestDecideDeniesCatastrophicRootDelete(t *testing.T) {
	d, risks := Decide("rm -rf /", func([]SecurityRisk) bool { return false })
	if d != Denied {
		t.Fatalf("expected denied for rm -rf /, got %v", d)
	}
	found := false
	for _, r := range risks {
		if r.Kind == "catastrophic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected catastrophic risk, got %v", risks)
	}
}

func TestClassifyReadOnlyScenarios(t *testing.T) {
	for _, cmd := range []string{"ls -la", "cat file.txt", "git status"} {
		if _, readOnly := Classify(cmd); !readOnly {
			t.Fatalf("expected %q to be read-only", cmd)
		}
	}
	for _, cmd := range []string{"rm -rf /", "ls && rm foo", "echo foo > bar"} {
		if _, readOnly := Classify(cmd); readOnly {
			t.Fatalf("expected %q to not be read-only", cmd)
		}
	}
}
