package notify

import (
	"testing"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test:", func(target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	err := reg.Deliver("test:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "test:123" {
		t.Errorf("expected target %q, got %q", "test:123", gotTarget)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver("unknown:123", "hello")
	if err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryMultiplePrefixes(t *testing.T) {
	reg := NewRegistry()

	var telegramCalls, emailCalls int
	reg.Register("telegram:", func(target, message string) error {
		telegramCalls++
		return nil
	})
	reg.Register("email:", func(target, message string) error {
		emailCalls++
		return nil
	})

	if err := reg.Deliver("telegram:42", "msg1"); err != nil {
		t.Fatalf("telegram deliver error: %v", err)
	}
	if err := reg.Deliver("email:me@example.com", "msg2"); err != nil {
		t.Fatalf("email deliver error: %v", err)
	}

	if telegramCalls != 1 {
		t.Errorf("expected 1 telegram call, got %d", telegramCalls)
	}
	if emailCalls != 1 {
		t.Errorf("expected 1 email call, got %d", emailCalls)
	}
}
