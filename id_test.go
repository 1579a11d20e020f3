package savedobjects

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id1 := NewID()
	time.Sleep(1 * time.Millisecond)
	id2 := NewID()

	if id1 == id2 {
		t.Fatal("NewID() generated duplicate IDs")
	}
	if id1 > id2 {
		t.Error("ids should sort by creation time")
	}

	for _, id := range []string{id1, id2} {
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("NewID() generated invalid UUID %q: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Errorf("expected UUIDv7, got version %d", parsed.Version())
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s after %d generations", id, i)
		}
		seen[id] = true
	}
}
