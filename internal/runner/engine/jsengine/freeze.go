package jsengine

// freezeScript walks the global namespace and built-in prototype chain
// reachable by user code and marks it immutable. Runs exactly once per
// runner process, after preload, before the first task.
const freezeScript = `
(function () {
	"use strict";
	var seen = [];
	function deepFreeze(obj) {
		if (obj === null || obj === undefined) return;
		var t = typeof obj;
		if (t !== "object" && t !== "function") return;
		if (seen.indexOf(obj) !== -1) return;
		seen.push(obj);
		var names = Object.getOwnPropertyNames(obj);
		for (var i = 0; i < names.length; i++) {
			var desc = Object.getOwnPropertyDescriptor(obj, names[i]);
			if (desc && "value" in desc) deepFreeze(desc.value);
		}
		Object.freeze(obj);
	}
	var roots = [
		Object, Function, Array, String, Number, Boolean, Date, RegExp,
		Error, TypeError, RangeError, SyntaxError, EvalError, URIError,
		Math, JSON,
	];
	for (var i = 0; i < roots.length; i++) {
		deepFreeze(roots[i]);
		if (roots[i].prototype) deepFreeze(roots[i].prototype);
	}
	deepFreeze(globalThis);
})();
`
