package id

import (
	"strings"
	"testing"
)

func TestObject(t *testing.T) {
	a := Object()
	b := Object()

	if len(a) != 36 {
		t.Errorf("expected canonical UUID, got %s", a)
	}
	if a == b {
		t.Error("expected different IDs for consecutive calls")
	}
}

func TestObject_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Object()
		if seen[id] {
			t.Errorf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestRequest(t *testing.T) {
	id := Request()

	if !strings.HasPrefix(id, "req-") {
		t.Errorf("expected ID to start with 'req-', got %s", id)
	}
	if len(id) != len("req-")+12 {
		t.Errorf("unexpected length %d for %s", len(id), id)
	}
}
