package security

import (
	"slices"
	"strings"
)

// DefaultForbiddenModules lists top-level packages a script may not import:
// process and thread spawning, raw sockets, shell-style file utilities, native
// memory access, reflection and dynamic import, signal handling, and resource
// limit manipulation. os and sys stay importable because the entry-point
// contracts need path handling.
var DefaultForbiddenModules = []string{
	"subprocess",
	"socket",
	"shutil",
	"ctypes",
	"multiprocessing",
	"threading",
	"_thread",
	"resource",
	"signal",
	"inspect",
	"importlib",
	"pty",
}

// Policy decides which imports are forbidden.
type Policy struct {
	forbidden map[string]struct{}
}

// NewPolicy builds a policy from top-level module names.
func NewPolicy(modules []string) Policy {
	p := Policy{forbidden: make(map[string]struct{}, len(modules))}
	for _, m := range modules {
		m = strings.TrimSpace(m)
		if m != "" {
			p.forbidden[m] = struct{}{}
		}
	}
	return p
}

// DefaultPolicy returns the policy for DefaultForbiddenModules.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultForbiddenModules)
}

// Forbids reports whether importing module (possibly dotted) is forbidden,
// judged by its top-level package.
func (p Policy) Forbids(module string) bool {
	top, _, _ := strings.Cut(strings.TrimSpace(module), ".")
	_, ok := p.forbidden[top]
	return ok
}

// Modules returns the forbidden set in sorted order.
func (p Policy) Modules() []string {
	out := make([]string, 0, len(p.forbidden))
	for m := range p.forbidden {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
