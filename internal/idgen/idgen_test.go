package idgen

import (
	"strings"
	"testing"
)

func TestNewCommandIDPrefix(t *testing.T) {
	id := NewCommandID("NOOP")
	if !strings.HasPrefix(id, "noop-") {
		t.Fatalf("id %q should carry lowercased type prefix", id)
	}
	if len(id) != len("noop-")+36 {
		t.Fatalf("id %q should end with a uuid", id)
	}
}

func TestNewCommandIDEmptyType(t *testing.T) {
	id := NewCommandID("  ")
	if !strings.HasPrefix(id, "cmd-") {
		t.Fatalf("blank type should fall back to cmd prefix, got %q", id)
	}
}

func TestNewCommandIDUnique(t *testing.T) {
	if NewCommandID("quote") == NewCommandID("quote") {
		t.Fatalf("ids must be unique")
	}
}
