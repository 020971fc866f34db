// Package scope maps operation verbs to the lock scope they require.
package scope

import (
	"strings"

	"github.com/quietfield/treelock/internal/core"
)

// Requirement is the lock scope a verb needs before it may run.
type Requirement struct {
	Scope core.ScopeID
	// Known is false for unrecognized verbs, which resolve to the
	// global scope so they over-serialize instead of risking shared
	// ref corruption.
	Known bool
}

// Verbs that mutate or read only a single worktree's private index and
// working tree.
var worktreeVerbs = map[string]struct{}{
	"add":      {},
	"stage":    {},
	"commit":   {},
	"status":   {},
	"diff":     {},
	"log":      {},
	"checkout": {},
	"switch":   {},
	"restore":  {},
	"stash":    {},
	"reset":    {},
}

// Verbs that touch repository-wide shared references and must fully
// serialize against all other operations.
var globalVerbs = map[string]struct{}{
	"merge":           {},
	"rebase":          {},
	"fetch":           {},
	"pull":            {},
	"push":            {},
	"branch":          {},
	"tag":             {},
	"rename-ref":      {},
	"worktree-add":    {},
	"worktree-remove": {},
	"worktree-prune":  {},
	"gc":              {},
	"prune":           {},
}

// Resolve maps a verb and its target worktree to a scope requirement.
// Pure and deterministic; always returns a scope. A worktree verb with
// no target falls back to global: without knowing whose index it
// touches, serializing is the only safe answer.
func Resolve(verb, target string) Requirement {
	verb = strings.ToLower(strings.TrimSpace(verb))
	target = strings.TrimSpace(target)

	if _, ok := globalVerbs[verb]; ok {
		return Requirement{Scope: core.ScopeGlobal, Known: true}
	}
	if _, ok := worktreeVerbs[verb]; ok {
		if target == "" {
			return Requirement{Scope: core.ScopeGlobal, Known: true}
		}
		return Requirement{Scope: core.WorktreeScope(target), Known: true}
	}
	return Requirement{Scope: core.ScopeGlobal, Known: false}
}
