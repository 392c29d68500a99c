// internal/state/archive_test.go
package state

import (
	"context"
	"testing"

	"github.com/user/hivelink/internal/types"
)

func TestArchiveAppendAndTail(t *testing.T) {
	dir := t.TempDir()
	archive := NewArchiveStore(dir)
	ctx := context.Background()
	conv := types.ConversationID("conv-a")

	for _, content := range []string{"one", "two", "three"} {
		msg := &types.TranscriptMessage{
			ID:      types.NewMessageID(),
			Content: content,
			Role:    types.RoleAssistant,
		}
		if err := archive.SaveMessage(ctx, conv, msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := archive.Tail(ctx, conv, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("expected last two messages, got %v %v", msgs[0].Content, msgs[1].Content)
	}

	count, err := archive.Count(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected 3 messages, got %d", count)
	}
}

func TestArchiveMissingConversation(t *testing.T) {
	dir := t.TempDir()
	archive := NewArchiveStore(dir)
	ctx := context.Background()

	msgs, err := archive.Tail(ctx, "nope", 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs != nil {
		t.Errorf("expected nil for missing conversation, got %v", msgs)
	}

	count, err := archive.Count(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}
}
