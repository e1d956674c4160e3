package idgen

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(id, EntityPrefix) {
		t.Errorf("id %q missing prefix %q", id, EntityPrefix)
	}
	if len(id) != len(EntityPrefix)+Length {
		t.Errorf("id %q has length %d, want %d", id, len(id), len(EntityPrefix)+Length)
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	for _, prefix := range []string{EscrowPrefix, ActionPrefix} {
		id, err := GenerateWithPrefix(prefix)
		if err != nil {
			t.Fatalf("GenerateWithPrefix(%q): %v", prefix, err)
		}
		if !strings.HasPrefix(id, prefix) {
			t.Errorf("id %q missing prefix %q", id, prefix)
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
