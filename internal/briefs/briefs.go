// Package briefs implements the scheduler's run_brief_job handler: the
// research-pipeline variant that fetches sources through the Tool
// Invocation Manager, synthesizes a markdown digest, and persists it
// as an Artifact alongside a scheduler.brief.completed Event.
package briefs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foreman-ai/foreman/internal/cron"
	"github.com/foreman-ai/foreman/internal/store"
	"github.com/foreman-ai/foreman/internal/tim"
	"github.com/foreman-ai/foreman/pkg/models"
)

// Handler runs brief jobs for the scheduler's "briefs" custom handler
// slot (cron.CustomHandler).
type Handler struct {
	store   *store.Store
	tools   *tim.Manager
	homeDir string
	now     func() time.Time
}

// NewHandler builds a Handler rooted at homeDir (briefs are written to
// homeDir/briefs).
func NewHandler(st *store.Store, tools *tim.Manager, homeDir string, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{store: st, tools: tools, homeDir: homeDir, now: now}
}

// Handle implements cron.CustomHandler. args["kind"] selects the brief
// variant: "arxiv", "news", or anything else (a placeholder brief).
func (h *Handler) Handle(ctx context.Context, job *cron.Job, args map[string]any) error {
	kind, _ := args["kind"].(string)
	if kind == "" {
		kind = "news"
	}
	return h.RunBriefJob(ctx, kind)
}

// RunBriefJob implements the research-pipeline run_brief_job shape
// (§ Scheduler "(ADDED)"): ensure a "Daily Briefs" task exists, fetch
// sources for kind, synthesize markdown, write it under briefs/, and
// record an Artifact plus scheduler.brief.completed Event.
func (h *Handler) RunBriefJob(ctx context.Context, kind string) error {
	taskID, err := h.ensureBriefsTask(ctx)
	if err != nil {
		return fmt.Errorf("ensure briefs task: %w", err)
	}

	now := h.now()
	date := now.Format("2006-01-02")
	briefsDir := filepath.Join(h.homeDir, "briefs")
	if err := os.MkdirAll(briefsDir, 0o755); err != nil {
		return fmt.Errorf("create briefs dir: %w", err)
	}
	path := filepath.Join(briefsDir, fmt.Sprintf("%s-%s.md", date, kind))

	content, err := h.synthesize(ctx, kind, date)
	if err != nil {
		return fmt.Errorf("synthesize %s brief: %w", kind, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write brief: %w", err)
	}
	if err := os.WriteFile(path+".json", []byte(fmt.Sprintf(`{"kind":%q,"date":%q}`, kind, date)), 0o644); err != nil {
		return fmt.Errorf("write brief sidecar: %w", err)
	}

	if _, err := h.store.CreateArtifact(ctx, &models.Artifact{
		TaskID: taskID,
		Path:   path,
		MIME:   "text/markdown",
	}); err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}

	if _, err := h.store.AppendEvent(ctx, &taskID, nil, "scheduler.brief.completed", map[string]any{
		"kind":          kind,
		"artifact_path": path,
	}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if _, err := h.store.PutAtom(ctx, taskID, "brief", fmt.Sprintf("%s brief created: artifact://%s", kind, path), "scheduler", nil); err != nil {
		return fmt.Errorf("put atom: %w", err)
	}

	return nil
}

func (h *Handler) ensureBriefsTask(ctx context.Context) (int64, error) {
	tasks, err := h.store.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if t.Title == "Daily Briefs" {
			return t.ID, nil
		}
	}
	task, err := h.store.CreateTask(ctx, "Daily Briefs", []string{"briefs"})
	if err != nil {
		return 0, err
	}
	return task.ID, nil
}

func (h *Handler) synthesize(ctx context.Context, kind, date string) (string, error) {
	switch kind {
	case "arxiv":
		return h.synthesizeArxiv(ctx, date)
	case "news":
		return h.synthesizeNews(ctx, date)
	default:
		return fmt.Sprintf("# %s Brief\n\nThis is a placeholder brief generated by the scheduler.\n\n- Date: %s\n- Kind: %s\n", kind, date, kind), nil
	}
}

func (h *Handler) synthesizeArxiv(ctx context.Context, date string) (string, error) {
	month := date[:7]
	result, err := h.tools.Invoke(ctx, "arxiv", "top", map[string]any{"month": month, "n": 5})
	md := fmt.Sprintf("# arXiv Top Papers (%s)\n\n", date)
	if err != nil {
		return md, nil
	}
	items, _ := result.(map[string]any)["items"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		title, _ := item["title"].(string)
		id, _ := item["id"].(string)
		md += fmt.Sprintf("- [%s] %s\n", id, title)
	}
	return md, nil
}

func (h *Handler) synthesizeNews(ctx context.Context, date string) (string, error) {
	result, err := h.tools.Invoke(ctx, "news", "daily_brief", map[string]any{"categories": []string{"world", "tech"}})
	if err != nil {
		return "# News Brief\n\n(no data)\n", nil
	}
	if markdown, ok := result.(map[string]any)["markdown"].(string); ok && markdown != "" {
		return markdown, nil
	}
	return "# News Brief\n\n(no data)\n", nil
}
