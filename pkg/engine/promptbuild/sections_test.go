package promptbuild

import (
	"strings"
	"testing"
)

func TestAssemblerEmitsCanonicalOrderRegardlessOfSetOrder(t *testing.T) {
	a := NewAssembler()
	a.Set(SectionMemoryFiles, "memory block")
	a.Set(SectionIdentity, "identity block")
	a.Set(SectionSecurity, "security block")

	out := a.Build()
	idIdx := strings.Index(out, "identity block")
	secIdx := strings.Index(out, "security block")
	memIdx := strings.Index(out, "memory block")

	if !(idIdx < secIdx && secIdx < memIdx) {
		t.Fatalf("expected identity < security < memory, got positions %d %d %d in %q", idIdx, secIdx, memIdx, out)
	}
}

func TestAssemblerSkipsEmptySections(t *testing.T) {
	a := NewAssembler()
	a.Set(SectionIdentity, "only this")
	out := a.Build()
	if out != "only this" {
		t.Fatalf("expected only set section, got %q", out)
	}
}

func TestAssemblerAppendJoinsWithinSection(t *testing.T) {
	a := NewAssembler()
	a.Append(SectionInjectEnd, "first")
	a.Append(SectionInjectEnd, "second")
	out := a.Build()
	if !strings.Contains(out, "first") || !strings.Contains(out, "second") {
		t.Fatalf("expected both appended parts present, got %q", out)
	}
	if strings.Index(out, "first") > strings.Index(out, "second") {
		t.Fatalf("expected append order preserved, got %q", out)
	}
}
