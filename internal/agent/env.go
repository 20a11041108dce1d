package agent

import "strings"

// baseEnv is passed to every assistant regardless of backend.
var baseEnv = []string{"PATH", "HOME", "USER", "LOGNAME", "SHELL", "LANG", "LC_ALL", "TMPDIR", "TERM"}

// pruneEnv keeps only the entries of environ whose names appear in baseEnv
// or keep.
func pruneEnv(environ []string, keep ...[]string) []string {
	allowed := make(map[string]bool, len(baseEnv))
	for _, k := range baseEnv {
		allowed[k] = true
	}
	for _, list := range keep {
		for _, k := range list {
			allowed[k] = true
		}
	}
	out := make([]string, 0, len(allowed))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if ok && allowed[name] {
			out = append(out, kv)
		}
	}
	return out
}
