// Package env composes the environment handed to a service started by swapr.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	base Var // OS environment or an explicit base
	Var  Var // overrides applied on top of base
}

// New returns an Env whose base is the given "K=V" list.
func New(base []string) *Env {
	e := &Env{base: make(Var), Var: make(Var)}
	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			e.base[k] = v
		}
	}
	return e
}

// FromOS returns an Env based on the current process environment.
func FromOS() *Env { return New(os.Environ()) }

// WithSet returns e after setting K=V.
func (e *Env) WithSet(k, v string) *Env {
	if k != "" {
		e.Var[k] = v
	}
	return e
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// Merge composes base, then e.Var, then each layer in order, and expands
// ${VAR} references in values against the composed map. Expansion is a
// single pass; unknown references are left untouched. The result is sorted
// by key.
func (e *Env) Merge(layers ...[]string) []string {
	m := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for _, layer := range layers {
		for _, kv := range layer {
			if k, v, ok := split(kv); ok {
				m[k] = v
			}
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+Expand(m[k], m))
	}
	return out
}

// Expand replaces ${NAME} with m[NAME] for every NAME present in m.
func Expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
