// Package jsengine hosts the JavaScript sandbox on goja.
//
// Modules are native host modules registered by import name; require()
// consults the capability table on every call. Bootstrap preloads every
// module on an explicit allow-list before deep-freezing the global object
// graph, so modules whose one-time initialization mutates a shared
// built-in prototype (the classic date-library pattern) still load. Under
// a wildcard allow-list there is nothing to enumerate, preload is skipped,
// and such modules will fail to load after the freeze. This is a documented
// incompatibility of wildcard mode.
package jsengine
