package env

import (
	"sort"
	"strings"
	"testing"
)

// FuzzMerge feeds Merge a base environment, one override and one layer, and
// checks the composed result against the raw inputs.
func FuzzMerge(f *testing.F) {
	f.Add("HOME=/home/wolf\nPATH=/bin", "PATH", "/usr/bin", "DATA=${HOME}/data\nPORT=3000")
	f.Add("PORT=3000", "URL", "http://127.0.0.1:${PORT}/", "PORT=3001")
	f.Add("A=${B}\nB=${C}\nC=end", "", "", "D=${A}")
	f.Add("X=1", "X", "2", "X=3\nX=${X}${X}")
	f.Add("=nokey\nbad", "K", "${", "K2=${}\nK3=${K")

	f.Fuzz(func(t *testing.T, base, key, val, layer string) {
		if strings.Contains(key, "=") {
			key = ""
		}
		baseKV := lines(base)
		layerKV := lines(layer)

		// raw holds the winning value per key before expansion.
		raw := map[string]string{}
		for _, kv := range baseKV {
			if k, v, ok := split(kv); ok {
				raw[k] = v
			}
		}
		if key != "" {
			raw[key] = val
		}
		for _, kv := range layerKV {
			if k, v, ok := split(kv); ok {
				raw[k] = v
			}
		}

		out := New(baseKV).WithSet(key, val).Merge(layerKV)
		if len(out) != len(raw) {
			t.Fatalf("got %d entries for %d keys: %q", len(out), len(raw), out)
		}
		keys := make([]string, 0, len(out))
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i < 0 {
				t.Fatalf("entry without '=': %q", kv)
			}
			keys = append(keys, kv[:i])
		}
		if !sort.StringsAreSorted(keys) {
			t.Fatalf("entries not sorted by key: %q", keys)
		}

		for i, k := range keys {
			r, ok := raw[k]
			if !ok {
				t.Fatalf("unexpected key %q", k)
			}
			got := out[i][len(k)+1:]
			if !strings.Contains(r, "${") && got != r {
				t.Fatalf("%s: plain value %q became %q", k, r, got)
			}
			// a lone reference resolves to the referenced raw value, never
			// to its expansion
			if strings.HasPrefix(r, "${") && strings.HasSuffix(r, "}") {
				name := r[2 : len(r)-1]
				if strings.ContainsAny(name, "{}") {
					continue
				}
				if ref, ok := raw[name]; ok && got != ref {
					t.Fatalf("%s=%s: got %q, want %q", k, r, got, ref)
				}
				if _, ok := raw[name]; !ok && got != r {
					t.Fatalf("%s: unknown reference rewritten to %q", k, got)
				}
			}
		}
	})
}

// FuzzExpand checks that Expand leaves text untouched when nothing it
// references is known.
func FuzzExpand(f *testing.F) {
	f.Add("plain")
	f.Add("${HOME}/data")
	f.Add("${${A}}")
	f.Add("$${A}}${")

	f.Fuzz(func(t *testing.T, s string) {
		if got := Expand(s, Var{}); got != s {
			t.Fatalf("Expand(%q) with empty map = %q", s, got)
		}
		got := Expand(s, Var{"A": "1"})
		if !strings.Contains(s, "${A}") && got != s {
			t.Fatalf("Expand(%q) changed text without ${A}: %q", s, got)
		}
	})
}

// lines splits s on newlines, keeping at most 20 entries.
func lines(s string) []string {
	if s == "" {
		return nil
	}
	out := strings.Split(s, "\n")
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}
