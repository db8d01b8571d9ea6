package policy

import (
	"testing"

	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

func TestExplicitAllowList(t *testing.T) {
	table := New(protocol.LanguageJS, []string{"alpha", "gamma"})

	tests := []struct {
		name string
		want Decision
	}{
		{"alpha", Allowed},
		{"gamma", Allowed},
		{"beta", Disallowed},
		{"", Disallowed},
	}

	for _, tt := range tests {
		if got := table.Check(tt.name); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWildcardAllowList(t *testing.T) {
	table := New(protocol.LanguageJS, []string{Wildcard})

	if !table.Wildcard() {
		t.Fatal("table should be in wildcard mode")
	}
	if got := table.Check("anything"); got != Allowed {
		t.Errorf("Check(anything) = %v, want Allowed", got)
	}
}

func TestDenySetBeatsWildcard(t *testing.T) {
	table := New(protocol.LanguageJS, []string{Wildcard})

	for _, name := range DenySet(protocol.LanguageJS) {
		if got := table.Check(name); got != Denied {
			t.Errorf("Check(%q) = %v, want Denied under wildcard", name, got)
		}
	}
}

func TestDenySetBeatsExplicitEntry(t *testing.T) {
	// Listing a denied name in the allow-list must not re-enable it.
	table := New(protocol.LanguagePython, []string{"subprocess", "dateutil"})

	if got := table.Check("subprocess"); got != Denied {
		t.Errorf("Check(subprocess) = %v, want Denied", got)
	}
	if got := table.Check("dateutil"); got != Allowed {
		t.Errorf("Check(dateutil) = %v, want Allowed", got)
	}
}

func TestDenySetPerLanguage(t *testing.T) {
	js := New(protocol.LanguageJS, []string{Wildcard})
	py := New(protocol.LanguagePython, []string{Wildcard})

	if got := js.Check("child_process"); got != Denied {
		t.Errorf("JS Check(child_process) = %v, want Denied", got)
	}
	if got := py.Check("ctypes"); got != Denied {
		t.Errorf("Python Check(ctypes) = %v, want Denied", got)
	}
}

func TestNamesExcludesWildcard(t *testing.T) {
	table := New(protocol.LanguageJS, []string{"alpha", Wildcard})

	names := table.Names()
	if len(names) != 1 || names[0] != "alpha" {
		t.Errorf("Names() = %v, want [alpha]", names)
	}
}
