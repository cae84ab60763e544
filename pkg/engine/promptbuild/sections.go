// Package promptbuild assembles the per-turn system prompt from named
// sections in a fixed canonical order, the way the teacher's
// middleware chain already builds up state.SystemPrompt one block at
// a time — this package just gives that ordering a name and makes it
// enforceable instead of implicit in however middlewares happen to be
// configured.
package promptbuild

import "strings"

// Section identifies one named block of the assembled system prompt.
// Order here is the canonical order: Assemble always emits sections in
// this sequence regardless of the order blocks were Set in.
type Section string

const (
	SectionIdentity        Section = "identity"
	SectionToolPolicy      Section = "tool_policy"
	SectionSecurity        Section = "security"
	SectionGitWorkflow     Section = "git_workflow"
	SectionTaskManagement  Section = "task_management"
	SectionMcpInstructions Section = "mcp_instructions"
	SectionInjectBefore    Section = "injections_before_tools"
	SectionInjectAfter     Section = "injections_after_tools"
	SectionEnvironment     Section = "environment"
	SectionPermission      Section = "permission"
	SectionMemoryFiles     Section = "memory_files"
	SectionInjectEnd       Section = "injections_end_of_prompt"
)

// canonicalOrder is the fixed emission order; anything set under a
// Section not listed here is dropped rather than silently reordered.
var canonicalOrder = []Section{
	SectionIdentity,
	SectionToolPolicy,
	SectionSecurity,
	SectionGitWorkflow,
	SectionTaskManagement,
	SectionMcpInstructions,
	SectionInjectBefore,
	SectionInjectAfter,
	SectionEnvironment,
	SectionPermission,
	SectionMemoryFiles,
	SectionInjectEnd,
}

// Assembler accumulates section content during BeforeTurn and joins it
// in canonical order once per turn. It is not safe for concurrent use
// across turns; each turn should build a fresh Assembler.
type Assembler struct {
	sections map[Section]string
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{sections: make(map[Section]string)}
}

// Set replaces the content of a section. Calling Set again for the
// same section overwrites, it does not append — callers that want to
// accumulate within a section (e.g. multiple injections before tools)
// should join their own content first.
func (a *Assembler) Set(s Section, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	a.sections[s] = content
}

// Append adds content to whatever is already in a section, separated
// by a blank line — for sections multiple contributors write into
// (both injection points, tool policy additions from several skills).
func (a *Assembler) Append(s Section, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if existing, ok := a.sections[s]; ok && existing != "" {
		a.sections[s] = existing + "\n\n" + content
	} else {
		a.sections[s] = content
	}
}

// Build joins the set sections in canonical order, separated by blank
// lines. Empty or unset sections are skipped entirely.
func (a *Assembler) Build() string {
	var parts []string
	for _, s := range canonicalOrder {
		if v, ok := a.sections[s]; ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n\n")
}
