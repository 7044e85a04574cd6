package volumekit

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Attribute names a per-path permission the engine asks about.
type Attribute string

const (
	AttrRead   Attribute = "read"
	AttrWrite  Attribute = "write"
	AttrLocked Attribute = "locked"
	AttrHidden Attribute = "hidden"
)

// Decision is the tri-state answer of an AccessPolicy.
type Decision int8

const (
	// Undecided leaves the choice to the engine's own default.
	Undecided Decision = iota
	// Allow answers true.
	Allow
	// Deny answers false.
	Deny
)

// Bool returns the decided value. ok is false for Undecided.
func (d Decision) Bool() (value, ok bool) {
	switch d {
	case Allow:
		return true, true
	case Deny:
		return false, true
	default:
		return false, false
	}
}

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "undecided"
	}
}

// AccessPolicy decides permissions for a path. Implementations must be pure
// and cheap; the engine calls them for every path of every request.
type AccessPolicy interface {
	Evaluate(attr Attribute, path string) Decision
}

// AccessFunc adapts a function to AccessPolicy.
type AccessFunc func(attr Attribute, path string) Decision

// Evaluate calls f.
func (f AccessFunc) Evaluate(attr Attribute, path string) Decision {
	return f(attr, path)
}

// Basename returns the final element of a slash separated path without
// allocating. It returns "" for the root and for empty paths.
func Basename(p string) string {
	p = strings.TrimRight(p, "/\\")
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// hiddenDecision is the answer for a name the policy wants hidden:
// not readable, not writable, locked and hidden.
func hiddenDecision(attr Attribute) Decision {
	switch attr {
	case AttrRead, AttrWrite:
		return Deny
	case AttrLocked, AttrHidden:
		return Allow
	default:
		return Undecided
	}
}

// DotfilePolicy hides and locks every file or folder whose name begins
// with a dot. Other paths are left to the engine.
var DotfilePolicy AccessPolicy = AccessFunc(func(attr Attribute, path string) Decision {
	if !strings.HasPrefix(Basename(path), ".") {
		return Undecided
	}
	return hiddenDecision(attr)
})

// PatternPolicy hides basenames matching any of its glob patterns, the same
// way DotfilePolicy hides dotfiles.
type PatternPolicy struct {
	patterns []string
	globs    []glob.Glob
}

// NewPatternPolicy compiles the given glob patterns (e.g. "*.bak", "~$*").
func NewPatternPolicy(patterns ...string) (*PatternPolicy, error) {
	p := &PatternPolicy{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: hidden pattern %q: %v", ErrConfiguration, pattern, err)
		}
		p.patterns = append(p.patterns, pattern)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// Patterns returns the source patterns.
func (p *PatternPolicy) Patterns() []string {
	out := make([]string, len(p.patterns))
	copy(out, p.patterns)
	return out
}

// Evaluate implements AccessPolicy.
func (p *PatternPolicy) Evaluate(attr Attribute, path string) Decision {
	name := Basename(path)
	if name == "" {
		return Undecided
	}
	for _, g := range p.globs {
		if g.Match(name) {
			return hiddenDecision(attr)
		}
	}
	return Undecided
}

// ChainPolicy returns the first decided answer of its policies.
type ChainPolicy []AccessPolicy

// Evaluate implements AccessPolicy.
func (c ChainPolicy) Evaluate(attr Attribute, path string) Decision {
	for _, p := range c {
		if p == nil {
			continue
		}
		if d := p.Evaluate(attr, path); d != Undecided {
			return d
		}
	}
	return Undecided
}

// Visible reports whether the engine should list path, treating Undecided
// as visible.
func Visible(p AccessPolicy, path string) bool {
	if p == nil {
		return true
	}
	hidden, ok := p.Evaluate(AttrHidden, path).Bool()
	return !ok || !hidden
}

// Reachable reports whether path and every directory above it are visible.
// The root itself is always reachable.
func Reachable(p AccessPolicy, path string) bool {
	if p == nil {
		return true
	}
	for _, q := range lineage(CleanPath(path)) {
		if q != "/" && !Visible(p, q) {
			return false
		}
	}
	return true
}

var (
	_ AccessPolicy = AccessFunc(nil)
	_ AccessPolicy = (*PatternPolicy)(nil)
	_ AccessPolicy = ChainPolicy(nil)
)
