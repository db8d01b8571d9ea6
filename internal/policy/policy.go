// Package policy implements the module capability table consulted at every
// import site inside a runner: an allow-list (explicit set or open
// wildcard) layered over a fixed deny-set that no configuration can
// override.
package policy

import "github.com/scriptbroker/scriptbroker/internal/protocol"

// Wildcard opens the allow-list to every module name not in the deny-set.
const Wildcard = "*"

// Decision is the outcome of a capability lookup.
type Decision int

const (
	// Allowed permits the load to proceed.
	Allowed Decision = iota
	// Disallowed rejects the name: absent from an explicit allow-list.
	Disallowed
	// Denied rejects the name unconditionally via the fixed deny-set,
	// even under a wildcard allow-list.
	Denied
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Disallowed:
		return "disallowed"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Process-/OS-level capabilities blocked for every runner regardless of
// allow-list contents. This is a security boundary, not a default.
var fixedDeny = map[protocol.Language][]string{
	protocol.LanguageJS: {
		"process",       // raw process handle
		"child_process", // subprocess spawning
		"vm",            // dynamic unrestricted evaluation
		"module",        // loader internals
	},
	protocol.LanguagePython: {
		"os",         // raw process handle and syscall surface
		"subprocess", // subprocess spawning
		"ctypes",     // direct OS syscalls
		"importlib",  // dynamic unrestricted import
	},
}

// DenySet returns a copy of the fixed deny-set for a language.
func DenySet(lang protocol.Language) []string {
	return append([]string(nil), fixedDeny[lang]...)
}

// Table is an immutable capability table. Built once at runner startup;
// changing it requires a new runner process.
type Table struct {
	wildcard bool
	allowed  map[string]struct{}
	denied   map[string]struct{}
}

// New builds a table from the configured allow-list for a language. An
// entry equal to Wildcard switches the table to open mode.
func New(lang protocol.Language, allow []string) Table {
	t := Table{
		allowed: make(map[string]struct{}, len(allow)),
		denied:  make(map[string]struct{}, len(fixedDeny[lang])),
	}
	for _, name := range fixedDeny[lang] {
		t.denied[name] = struct{}{}
	}
	for _, name := range allow {
		if name == Wildcard {
			t.wildcard = true
			continue
		}
		t.allowed[name] = struct{}{}
	}
	return t
}

// Check decides whether a requested import name may load. The deny-set
// wins over everything, including the wildcard.
func (t Table) Check(name string) Decision {
	if _, ok := t.denied[name]; ok {
		return Denied
	}
	if t.wildcard {
		return Allowed
	}
	if _, ok := t.allowed[name]; ok {
		return Allowed
	}
	return Disallowed
}

// Wildcard reports whether the table is in open mode. Preload has no
// enumerable list to iterate under a wildcard and is skipped, so
// preload-dependent modules are only guaranteed compatible with an
// explicit allow-list.
func (t Table) Wildcard() bool {
	return t.wildcard
}

// Names returns the explicit allow-list entries, in no particular order.
// Empty under a wildcard.
func (t Table) Names() []string {
	names := make([]string, 0, len(t.allowed))
	for name := range t.allowed {
		names = append(names, name)
	}
	return names
}
