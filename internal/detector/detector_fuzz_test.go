package detector

import (
	"testing"
)

// FuzzParsePIDFile ensures parsing never panics on arbitrary content.
func FuzzParsePIDFile(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n"))
	f.Add([]byte("1\n{}\n{\"start_unix\":1}\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := ParsePIDFile(data, "fuzz")
		if err != nil {
			return
		}
		if _, err := ParsePIDFile(p.Encode(), "fuzz"); err != nil {
			t.Fatalf("encoded pidfile must parse: %v", err)
		}
	})
}
