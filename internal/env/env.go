// Package env composes the sidecar's environment from the shell's own
// environment and configured KEY=VALUE layers.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	base Var // environment inherited by the sidecar
	vars Var // configured layers, later layers win
}

// New starts from base ("K=V" entries); nil means the current process
// environment.
func New(base []string) *Env {
	if base == nil {
		base = os.Environ()
	}
	return &Env{base: parse(base), vars: make(Var)}
}

// Apply layers kvs over everything applied so far. Entries without '=' or
// with an empty key are ignored.
func (e *Env) Apply(kvs []string) *Env {
	for k, v := range parse(kvs) {
		e.vars[k] = v
	}
	return e
}

// Lookup returns the effective unexpanded value of k.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.vars[k]; ok {
		return v, true
	}
	v, ok := e.base[k]
	return v, ok
}

// Expand replaces ${VAR} references using the effective environment. Unknown
// references are left untouched; expansion is a single pass.
func (e *Env) Expand(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := e.Lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// Overrides returns the configured variables, expanded and sorted by key,
// ready to be appended to the inherited environment.
func (e *Env) Overrides() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.Expand(e.vars[k]))
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
