package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	in := &engine.Session{
		ID:            "s1",
		GraphID:       "graph-1",
		InitialInput:  "hello",
		StartNode:     "start",
		Status:        engine.SessionRunning,
		CurrentNodeID: "picker",
		PendingInput:  &engine.PendingInput{NodeID: "picker", Question: "which one?"},
		Context: map[string]engine.NodeState{
			"start":  {Status: core.NodeStatusCompleted, Output: "hello"},
			"picker": {Status: core.NodeStatusRunning, Iterations: 2},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(in); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.GraphID != "graph-1" || got.InitialInput != "hello" || got.StartNode != "start" {
		t.Errorf("got %+v", got)
	}
	if got.Status != engine.SessionRunning || got.CurrentNodeID != "picker" {
		t.Errorf("status/current = %v/%v", got.Status, got.CurrentNodeID)
	}
	if got.PendingInput == nil || got.PendingInput.Question != "which one?" {
		t.Errorf("pending input = %+v", got.PendingInput)
	}
	if got.Context["picker"].Iterations != 2 {
		t.Errorf("context = %+v", got.Context)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.Get("missing"); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStore_Update(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()
	sess := &engine.Session{
		ID:        "s1",
		GraphID:   "graph-1",
		Status:    engine.SessionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(sess); err != nil {
		t.Fatal(err)
	}

	sess.Status = engine.SessionError
	sess.Error = "worker exploded"
	sess.PendingInput = nil
	sess.UpdatedAt = now.Add(time.Second)
	if err := s.Update(sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.SessionError || got.Error != "worker exploded" {
		t.Errorf("got %v / %q", got.Status, got.Error)
	}
	if got.PendingInput != nil {
		t.Errorf("pending input should be cleared, got %+v", got.PendingInput)
	}

	missing := &engine.Session{ID: "missing", UpdatedAt: now}
	if err := s.Update(missing); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()
	if err := s.Create(&engine.Session{ID: "s1", Status: engine.SessionCompleted, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("s1"); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("got %v after delete, want ErrSessionNotFound", err)
	}
	if err := s.Delete("s1"); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("second delete: got %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStore_ListOrdered(t *testing.T) {
	s := newTestSQLiteStore(t)
	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		ts := base.Add(time.Duration(i) * time.Second)
		if err := s.Create(&engine.Session{ID: id, Status: engine.SessionCompleted, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(sessions))
	}
	want := []string{"c", "a", "b"}
	for i, sess := range sessions {
		if sess.ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, sess.ID, want[i])
		}
	}
}
