package jsengine

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Module is one native host module, loadable under its import name.
// Builtin modules live on the standard-library allow-list axis; external
// ones on the external-module axis. Load runs exactly once per process:
// at preload for explicit allow-lists, at first require under a wildcard.
type Module struct {
	Name    string
	Builtin bool
	Load    func(rt *goja.Runtime) (goja.Value, error)
}

// Registry is the install surface of the JS runner: the set of modules
// physically present. It says nothing about what user code may reference;
// the capability table decides that independently.
type Registry struct {
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Add registers a module under its import name.
func (r *Registry) Add(m Module) {
	r.modules[m.Name] = m
}

// Lookup finds a module by import name.
func (r *Registry) Lookup(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// DefaultRegistry returns the modules shipped with the JS runner image.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add(Module{Name: "chrono", Load: loadChrono})
	r.Add(Module{Name: "strcase", Load: loadStrcase})
	r.Add(Module{Name: "b64", Builtin: true, Load: loadB64})
	return r
}

// loadChrono provides date helpers. Its load phase performs one-time
// self-initialization that customizes string conversion on a shared
// built-in prototype, the known date-library pattern the preload/freeze
// ordering contract exists for. Loading after the freeze fails with an
// immutability violation.
func loadChrono(rt *goja.Runtime) (goja.Value, error) {
	_, err := rt.RunString(`
		Object.defineProperty(Date.prototype, "toSortable", {
			value: function () {
				function pad(n) { return (n < 10 ? "0" : "") + n; }
				return this.getUTCFullYear() + "-" +
					pad(this.getUTCMonth() + 1) + "-" +
					pad(this.getUTCDate()) + " " +
					pad(this.getUTCHours()) + ":" +
					pad(this.getUTCMinutes()) + ":" +
					pad(this.getUTCSeconds());
			},
			configurable: true,
		});
	`)
	if err != nil {
		return nil, err
	}

	exports := rt.NewObject()
	exports.Set("now", func() string {
		return time.Now().UTC().Format(time.RFC3339)
	})
	exports.Set("parse", func(value string) (float64, error) {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return 0, err
		}
		return float64(t.UnixMilli()), nil
	})
	return exports, nil
}

func loadStrcase(rt *goja.Runtime) (goja.Value, error) {
	exports := rt.NewObject()
	exports.Set("upper", strings.ToUpper)
	exports.Set("lower", strings.ToLower)
	exports.Set("title", func(s string) string {
		words := strings.Fields(s)
		for i, w := range words {
			words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
		return strings.Join(words, " ")
	})
	return exports, nil
}

func loadB64(rt *goja.Runtime) (goja.Value, error) {
	exports := rt.NewObject()
	exports.Set("encode", func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	})
	exports.Set("decode", func(s string) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	})
	return exports, nil
}
