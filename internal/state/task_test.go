// internal/state/task_test.go
package state

import (
	"path/filepath"
	"testing"
)

func TestTaskStoreCRUD(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	task := &Task{
		Name:           "morning-brief",
		Prompt:         "Summarize overnight activity",
		Schedule:       "0 8 * * *",
		ConversationID: "conv-a",
		Enabled:        true,
	}
	if err := store.Add(task); err != nil {
		t.Fatal(err)
	}

	// Duplicate names are rejected.
	if err := store.Add(task); err == nil {
		t.Error("expected error adding duplicate task")
	}

	got, err := store.Get("morning-brief")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConversationID != "conv-a" {
		t.Errorf("expected conv-a, got %s", got.ConversationID)
	}

	if err := store.SetEnabled("morning-brief", false); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get("morning-brief")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("expected task to be disabled")
	}

	if err := store.Remove("morning-brief"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("morning-brief"); err == nil {
		t.Error("expected not-found after removal")
	}
}

func TestTaskStoreEmpty(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	tasks, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty list, got %d", len(tasks))
	}
}
