package registry

import (
	"testing"

	"github.com/user/hivelink/internal/types"
)

func TestActiveQuery(t *testing.T) {
	reg := New()
	if _, ok := reg.ActiveQuery("conv-a"); ok {
		t.Error("expected no active query for empty registry")
	}

	reg.Register("q1", "conv-a")
	got, ok := reg.ActiveQuery("conv-a")
	if !ok || got != types.QueryID("q1") {
		t.Errorf("expected q1, got %v", got)
	}

	reg.Unregister("q1")
	if _, ok := reg.ActiveQuery("conv-a"); ok {
		t.Error("expected no active query after unregister")
	}
}

func TestRegisterLookup(t *testing.T) {
	reg := New()
	reg.Register("q1", "conv-a")

	conv, ok := reg.Lookup("q1")
	if !ok {
		t.Fatal("expected q1 to be registered")
	}
	if conv != "conv-a" {
		t.Errorf("expected conv-a, got %s", conv)
	}

	if _, ok := reg.Lookup("q2"); ok {
		t.Error("expected q2 to be unknown")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	reg := New()
	reg.Register("q1", "conv-a")

	if !reg.Unregister("q1") {
		t.Error("first unregister should report removal")
	}
	if reg.Unregister("q1") {
		t.Error("second unregister should be a no-op")
	}
}

func TestActiveForConversation(t *testing.T) {
	reg := New()
	reg.Register("q1", "conv-a")
	reg.Register("q2", "conv-a")
	reg.Register("q3", "conv-b")

	if n := reg.ActiveForConversation("conv-a"); n != 2 {
		t.Errorf("expected 2 active for conv-a, got %d", n)
	}

	reg.Unregister("q1")
	if n := reg.ActiveForConversation("conv-a"); n != 1 {
		t.Errorf("expected 1 active for conv-a, got %d", n)
	}
	if n := reg.ActiveForConversation("conv-b"); n != 1 {
		t.Errorf("expected 1 active for conv-b, got %d", n)
	}
}
