package policy

import (
	"context"
	"testing"

	"turnengine/pkg/engine/api"
)

// fakeShellTool stands in for tools.ShellTool without importing the tools
// package (which would create an import cycle with policy's test deps).
type fakeShellTool struct {
	name string
	risk api.RiskLevel
}

func (f fakeShellTool) Name() string        { return f.name }
func (f fakeShellTool) Risk() api.RiskLevel { return f.risk }

func autoCtx() api.PolicyContext {
	return api.PolicyContext{ApprovalMode: api.ModeAuto}
}

func TestNeedApprovalAutoApprovesReadOnlyShell(t *testing.T) {
	p := NewDefaultPolicy()
	shell := fakeShellTool{name: "shell", risk: api.RiskHigh}

	for _, cmd := range []string{"ls -la", "cat file.txt", "git status"} {
		if p.NeedApproval(context.Background(), autoCtx(), shell, api.Args{"command": cmd}) {
			t.Fatalf("expected %q to auto-approve despite shell's high risk tag", cmd)
		}
	}
}

func TestNeedApprovalRequiresApprovalForDestructiveShell(t *testing.T) {
	p := NewDefaultPolicy()
	shell := fakeShellTool{name: "shell", risk: api.RiskHigh}

	if !p.NeedApproval(context.Background(), autoCtx(), shell, api.Args{"command": "rm -rf /tmp/x"}) {
		t.Fatalf("expected rm -rf /tmp/x to require approval")
	}
}

func TestValidateDeniesCatastrophicShellCommand(t *testing.T) {
	p := NewDefaultPolicy()
	shell := fakeShellTool{name: "shell", risk: api.RiskHigh}

	err := p.Validate(context.Background(), autoCtx(), shell, api.Args{"command": "rm -rf /"})
	if err == nil {
		t.Fatalf("expected rm -rf / to be denied")
	}
	perr, ok := err.(*PolicyError)
	if !ok {
		t.Fatalf("expected *PolicyError, got %T", err)
	}
	if !containsSecurityRisks(perr.Message) {
		t.Fatalf("expected denial reason to mention security risks, got %q", perr.Message)
	}
}

func containsSecurityRisks(s string) bool {
	const want = "security risks"
	for i := 0; i+len(want) <= len(s); i++ {
		if s[i:i+len(want)] == want {
			return true
		}
	}
	return false
}

func TestNeedApprovalNonShellLowRiskAutoApproves(t *testing.T) {
	p := NewDefaultPolicy()
	readFile := fakeShellTool{name: "read_file", risk: api.RiskLow}

	if p.NeedApproval(context.Background(), autoCtx(), readFile, api.Args{}) {
		t.Fatalf("expected low-risk non-shell tool to auto-approve")
	}
}

func TestNeedApprovalWriteFileRequiresApproval(t *testing.T) {
	p := NewDefaultPolicy()
	writeFile := fakeShellTool{name: "write_file", risk: api.RiskLow}

	if !p.NeedApproval(context.Background(), autoCtx(), writeFile, api.Args{}) {
		t.Fatalf("expected write_file to require approval in auto mode")
	}
}
