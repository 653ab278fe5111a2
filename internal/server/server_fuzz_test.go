package server

import (
	"strings"
	"testing"
)

func FuzzSanitizeBase(f *testing.F) {
	f.Add("")
	f.Add("/")
	f.Add("api")
	f.Add("/api///")
	f.Add("  /v1/api/ ")
	f.Add("\x00")

	f.Fuzz(func(t *testing.T, in string) {
		got := sanitizeBase(in)
		if got == "" {
			return
		}
		if !strings.HasPrefix(got, "/") {
			t.Fatalf("sanitizeBase(%q)=%q lacks leading slash", in, got)
		}
		if strings.HasSuffix(got, "/") {
			t.Fatalf("sanitizeBase(%q)=%q has trailing slash", in, got)
		}
	})
}
