package briefs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foreman-ai/foreman/internal/policy"
	"github.com/foreman-ai/foreman/internal/store"
	"github.com/foreman-ai/foreman/internal/tim"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	s, err := store.Open(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mgr, err := tim.NewManager(nil, policy.NewShellAllowlist(nil), slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	home := t.TempDir()
	now := func() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) }
	return NewHandler(s, mgr, home, now), home
}

func TestRunBriefJobPlaceholderKindWritesArtifact(t *testing.T) {
	h, home := newTestHandler(t)
	ctx := context.Background()

	if err := h.RunBriefJob(ctx, "placeholder"); err != nil {
		t.Fatalf("RunBriefJob() error = %v", err)
	}

	path := filepath.Join(home, "briefs", "2026-07-30-placeholder.md")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected brief file at %s: %v", path, err)
	}
	if _, err := os.Stat(path + ".json"); err != nil {
		t.Fatalf("expected sidecar json at %s: %v", path, err)
	}
}

func TestRunBriefJobReusesExistingBriefsTask(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	if err := h.RunBriefJob(ctx, "news"); err != nil {
		t.Fatalf("RunBriefJob() error = %v", err)
	}
	if err := h.RunBriefJob(ctx, "arxiv"); err != nil {
		t.Fatalf("RunBriefJob() error = %v", err)
	}

	tasks, err := h.store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	count := 0
	for _, task := range tasks {
		if task.Title == "Daily Briefs" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 Daily Briefs task, got %d", count)
	}
}
