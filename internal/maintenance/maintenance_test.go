package maintenance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/models"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func addJob(t *testing.T, s *db.Store, token string, created time.Time) {
	t.Helper()
	job := &models.Job{Token: token, CreatedAt: created.Unix(), Games: "[]", Format: "csv"}
	entries := []models.QueueEntry{{AppID: created.Unix(), JobToken: token, EnqueuedAt: created.UnixNano()}}
	if err := s.CreateJob(context.Background(), job, entries); err != nil {
		t.Fatalf("create job %s: %v", token, err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, "", 0); err == nil || !strings.Contains(err.Error(), "store is required") {
		t.Errorf("nil store: err = %v", err)
	}
	if _, err := New(openStore(t), "not a cron expr", 0); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(openStore(t), "", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.retention != 48*time.Hour {
		t.Errorf("retention = %v, want 48h", s.retention)
	}
	s.now = func() time.Time { return time.Date(2026, 10, 15, 23, 30, 0, 0, time.Local) }
	if got := s.Next(); got != 90*time.Minute {
		t.Errorf("Next at 23:30 = %v, want 1h30m until 01:00", got)
	}
}

func TestNext_EveryMinute(t *testing.T) {
	s, err := New(openStore(t), "* * * * *", time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := s.Next()
	if d <= 0 || d > 61*time.Second {
		t.Errorf("Next = %v, want within a minute", d)
	}
}

func TestRunOnce_RetentionBoundary(t *testing.T) {
	store := openStore(t)
	now := time.Date(2026, 10, 15, 1, 0, 0, 0, time.UTC)
	addJob(t, store, "old", now.Add(-72*time.Hour))
	addJob(t, store, "edge", now.Add(-48*time.Hour))
	addJob(t, store, "fresh", now.Add(-47*time.Hour))

	s, err := New(store, "", 48*time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if _, err := store.FindJob(context.Background(), "fresh"); err != nil {
		t.Errorf("fresh job removed: %v", err)
	}
	if q, _ := store.CountQueue(context.Background()); q != 1 {
		t.Errorf("queue = %d, want 1", q)
	}

	// Idempotent.
	n, err = s.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second RunOnce = %d, %v; want 0, nil", n, err)
	}
}

func TestRunOnce_EmptyStore(t *testing.T) {
	s, err := New(openStore(t), "", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n, err := s.RunOnce(context.Background()); err != nil || n != 0 {
		t.Errorf("RunOnce = %d, %v; want 0, nil", n, err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, err := New(openStore(t), "", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
