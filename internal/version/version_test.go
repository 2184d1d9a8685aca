// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"strings"
	"testing"
)

func TestConstantsDefined(t *testing.T) {
	for name, v := range map[string]string{
		"Version":      Version,
		"Product":      Product,
		"Manufacturer": Manufacturer,
	} {
		if v == "" {
			t.Errorf("%s should not be empty", name)
		}
		if len(v) > 100 {
			t.Errorf("%s is unreasonably long", name)
		}
	}
}

func TestVersionNotPlaceholder(t *testing.T) {
	placeholders := []string{"TODO", "FIXME", "XXX", "placeholder"}

	for _, placeholder := range placeholders {
		if Version == placeholder || Product == placeholder || Manufacturer == placeholder {
			t.Errorf("placeholder value %q in version constants", placeholder)
		}
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, Product) || !strings.HasSuffix(s, Version) {
		t.Errorf("String() = %q, want product and version", s)
	}
}
