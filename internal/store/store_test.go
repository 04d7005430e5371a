package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/armctl/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().UTC().Add(-time.Minute)
	events := []models.Event{
		{Path: []string{"safety", "r1"}, Kind: models.EventSafetyTransition, Robot: "r1", From: "disarmed", To: "armed", Timestamp: base},
		{Path: []string{"safety", "r2"}, Kind: models.EventSafetyTransition, Robot: "r2", From: "disarmed", To: "armed", Timestamp: base.Add(time.Second)},
		{Path: []string{"hardware_error", "r1"}, Kind: models.EventHardwareError, Robot: "r1",
			Data: map[string]interface{}{"path": "/r1/joint1", "error": "overcurrent"}, Timestamp: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := s.AppendEvent(ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got, err := s.ListEvents("r1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events for r1, got %d", len(got))
	}
	// Newest first
	if got[0].Kind != models.EventHardwareError {
		t.Errorf("Expected hardware error first, got %s", got[0].Kind)
	}
	if got[0].Data["path"] != "/r1/joint1" {
		t.Errorf("Expected data to round-trip, got %v", got[0].Data)
	}
	if len(got[1].Path) != 2 || got[1].Path[0] != "safety" || got[1].To != "armed" {
		t.Errorf("Unexpected event: %+v", got[1])
	}

	all, err := s.ListEvents("", 2)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(all))
	}
}

func TestAppendEventIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ev := models.Event{ID: "same", Path: []string{"safety", "r1"}, Kind: models.EventSafetyTransition, Robot: "r1"}
	for i := 0; i < 2; i++ {
		if err := s.AppendEvent(ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	got, _ := s.ListEvents("r1", 0)
	if len(got) != 1 {
		t.Errorf("Expected 1 event, got %d", len(got))
	}
}

func TestCommandRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	start := time.Now().UTC().Add(-time.Second)
	run := models.CommandRun{
		ExecutionID: "exec-1",
		Robot:       "r1",
		Command:     "move",
		Status:      models.RunFailed,
		Kind:        "crashed",
		Error:       "step: nil joint",
		StartedAt:   start,
		EndedAt:     start.Add(500 * time.Millisecond),
	}
	if err := s.RecordRun(run); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	got, err := s.GetRun("exec-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunFailed || got.Kind != "crashed" || got.Command != "move" {
		t.Errorf("Unexpected run: %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Error("Expected ended_at to be set")
	}

	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordRun(models.CommandRun{
			ExecutionID: fmt.Sprintf("exec-r2-%d", i),
			Robot:       "r2",
			Command:     "home",
			Status:      models.RunSucceeded,
			StartedAt:   start.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}
	runs, err := s.ListRuns("r2", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	if runs[0].ExecutionID != "exec-r2-2" {
		t.Errorf("Expected newest first, got %s", runs[0].ExecutionID)
	}
	if !runs[0].EndedAt.IsZero() {
		t.Error("Expected zero ended_at for run without end")
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	entry, err := s.WritePDR("safety.disarm", "abc123", "error", "r1", "1 handler failed")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if entry.ID == "" {
		t.Error("PDR ID should not be empty")
	}
	if _, err := s.WritePDR("safety.arm", "def456", "success", "r2", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	entries, err := s.ListPDR("r1", 10)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "safety.disarm" || entries[0].Details != "1 handler failed" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.AppendEvent(models.Event{Path: []string{"safety", "r1"}, Kind: "x", Robot: "r1", Timestamp: old}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := s.AppendEvent(models.Event{Path: []string{"safety", "r1"}, Kind: "y", Robot: "r1"}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	n, err := s.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned row, got %d", n)
	}
	got, _ := s.ListEvents("r1", 0)
	if len(got) != 1 || got[0].Kind != "y" {
		t.Errorf("Expected only recent event left, got %+v", got)
	}
}
