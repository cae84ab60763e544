// Package sandbox classifies shell commands by risk and drives the
// sandbox escalation pipeline: a command first runs in the restricted
// tier, and only reruns in the elevated tier if it fails and the failure
// looks like a permission denial. The tiers differ only in the
// TURNENGINE_SANDBOX_TIER value in the command's environment.
package sandbox

import (
	"regexp"
	"strings"
)

// Decision is the outcome of classifying and governing a command.
type Decision string

const (
	Allowed       Decision = "allowed"
	Denied        Decision = "denied"
	NeedsApproval Decision = "needs_approval"
	Passthrough   Decision = "passthrough" // read-only, never needs approval
)

// readOnlyCommands are the leading words of commands the classifier
// trusts never to mutate the workspace.
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "rg": true, "find": true, "which": true, "whoami": true,
	"pwd": true, "echo": true, "date": true, "env": true, "printenv": true,
	"uname": true, "hostname": true, "df": true, "du": true, "file": true,
	"stat": true, "type": true, "git": true,
}

// shellMetacharacters flags constructs the classifier refuses to treat
// as read-only even if the leading word is in readOnlyCommands, since
// they can redirect output, chain commands, or invoke a subshell.
var shellMetacharacters = regexp.MustCompile(`[;&|><` + "`" + `$]|\$\(|&&|\|\|`)

// SecurityRisk names one reason a command was flagged.
type SecurityRisk struct {
	Kind   string `json:"kind"` // "write", "network", "privilege", "destructive", "metacharacter", "catastrophic"
	Detail string `json:"detail"`
}

// catastrophicCommand matches commands that destroy an entire filesystem
// root or home directory outright (e.g. "rm -rf /", "rm -rf ~", "rm -rf /*").
// These are denied unconditionally rather than routed through approval.
var catastrophicCommand = regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+(/|~)(\s|\*|$)`)

// dangerousSubstrings maps a substring match to the risk it indicates.
// Grounded on the teacher's DefaultPolicy.DangerousCommands list,
// generalized into typed, explained risks.
var dangerousSubstrings = []struct {
	substr string
	risk   SecurityRisk
}{
	{"rm ", SecurityRisk{"destructive", "recursive or file deletion"}},
	{"rm\t", SecurityRisk{"destructive", "recursive or file deletion"}},
	{"rmdir", SecurityRisk{"destructive", "directory removal"}},
	{"sudo ", SecurityRisk{"privilege", "privilege escalation"}},
	{"chmod ", SecurityRisk{"write", "permission change"}},
	{"chown ", SecurityRisk{"write", "ownership change"}},
	{"mv ", SecurityRisk{"write", "file move/rename"}},
	{"cp -r", SecurityRisk{"write", "recursive copy"}},
	{"curl ", SecurityRisk{"network", "outbound network request"}},
	{"wget ", SecurityRisk{"network", "outbound network request"}},
	{"git push", SecurityRisk{"network", "publishes commits to a remote"}},
	{"git reset --hard", SecurityRisk{"destructive", "discards uncommitted changes"}},
}

// Classify inspects a shell command and returns the risks it carries
// plus whether it can be treated as read-only passthrough.
func Classify(command string) (risks []SecurityRisk, readOnly bool) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, true
	}

	for _, d := range dangerousSubstrings {
		if strings.Contains(trimmed, d.substr) {
			risks = append(risks, d.risk)
		}
	}
	if catastrophicCommand.MatchString(trimmed) {
		risks = append(risks, SecurityRisk{"catastrophic", "recursively deletes a filesystem root or home directory"})
	}

	leading := firstWord(trimmed)
	isWhitelisted := readOnlyCommands[leading]
	hasMeta := shellMetacharacters.MatchString(trimmed)

	readOnly = isWhitelisted && !hasMeta && len(risks) == 0
	if hasMeta && isWhitelisted {
		risks = append(risks, SecurityRisk{"metacharacter", "shell metacharacter changes a read-only command's effect"})
	}
	return risks, readOnly
}

func firstWord(s string) string {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s
	}
	return s[:i]
}

// Decide turns Classify's output into a Decision given the current
// approval mode's need-approval predicate. needApproval is evaluated
// only when the command is not trivially read-only.
func Decide(command string, needApproval func(risks []SecurityRisk) bool) (Decision, []SecurityRisk) {
	risks, readOnly := Classify(command)
	for _, r := range risks {
		if r.Kind == "catastrophic" {
			return Denied, risks
		}
	}
	if readOnly {
		return Passthrough, nil
	}
	if needApproval(risks) {
		return NeedsApproval, risks
	}
	return Allowed, risks
}
