// Package agentruntime implements the Agent Runtime: the per-agent
// Draft/Running/NeedsAttention/Paused/Blocked/Done/Aborted state
// machine and the deterministic Change-Test-Release (CTR) run
// procedure every agent executes.
package agentruntime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/foreman-ai/foreman/internal/approvals"
	"github.com/foreman-ai/foreman/internal/pag"
	"github.com/foreman-ai/foreman/internal/policy"
	"github.com/foreman-ai/foreman/internal/store"
	"github.com/foreman-ai/foreman/internal/tim"
	"github.com/foreman-ai/foreman/pkg/models"
)

// Codex is the plan-seeding tool server an agent best-effort calls at
// step 2 (§4.6). It is backed by tim.Manager's in-process "codex"
// dispatch target (§4.4).
type Codex interface {
	New(ctx context.Context, prompt string) (sessionID string, err error)
}

// Runtime runs the CTR procedure for one Agent against a Store, a
// Policy & Approval Gate, the Tool Invocation Manager, and an optional
// Codex plan-seeder.
type Runtime struct {
	store      *store.Store
	gate       *pag.Gate
	approvals  *approvals.Store
	tools      *tim.Manager
	codex      Codex
	storageRoot string
}

// New builds a Runtime. codex may be nil (degrades to
// agent.codex.unavailable per Property 9).
func New(st *store.Store, gate *pag.Gate, appr *approvals.Store, tools *tim.Manager, codex Codex, storageRoot string) *Runtime {
	return &Runtime{store: st, gate: gate, approvals: appr, tools: tools, codex: codex, storageRoot: storageRoot}
}

// ErrInvalidTransition is returned when a caller requests a transition
// the state machine does not permit from the agent's current status.
var ErrInvalidTransition = errors.New("invalid agent state transition")

// validTransitions encodes the diagram in §4.6.
var validTransitions = map[models.AgentStatus]map[models.AgentStatus]bool{
	models.AgentDraft:          {models.AgentRunning: true},
	models.AgentRunning:        {models.AgentNeedsAttention: true, models.AgentDone: true, models.AgentPaused: true, models.AgentAborted: true, models.AgentBlocked: true},
	models.AgentNeedsAttention: {models.AgentRunning: true, models.AgentPaused: true, models.AgentAborted: true},
	models.AgentPaused:         {models.AgentRunning: true, models.AgentAborted: true},
	models.AgentBlocked:        {models.AgentRunning: true, models.AgentPaused: true, models.AgentAborted: true},
}

func (r *Runtime) transition(ctx context.Context, agentID string, from, to models.AgentStatus) error {
	if from.IsTerminal() || !validTransitions[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.store.UpdateAgentStatus(ctx, agentID, to)
}

// Pause transitions a non-terminal agent to Paused.
func (r *Runtime) Pause(ctx context.Context, agentID string) error {
	a, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return r.transition(ctx, agentID, a.Status, models.AgentPaused)
}

// Abort transitions any non-terminal agent to Aborted.
func (r *Runtime) Abort(ctx context.Context, agentID string) error {
	a, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		return nil
	}
	return r.store.UpdateAgentStatus(ctx, agentID, models.AgentAborted)
}

func (r *Runtime) emit(ctx context.Context, agentID, kind string, payload any) {
	a, err := r.store.GetAgent(ctx, agentID)
	var taskID *int64
	if err == nil {
		taskID = &a.TaskID
	}
	_, _ = r.store.AppendEvent(ctx, taskID, &agentID, kind, payload)
}

// Run executes (or resumes) the CTR procedure for agentID. Resumption
// re-enters at step 4: the proposed action is reconstructed and policy
// is re-evaluated, so a previously-approved write is not re-prompted
// only if the caller calls Run again after the approval resolves.
func (r *Runtime) Run(ctx context.Context, agentID string) error {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	isFreshStart := agent.Status == models.AgentDraft
	if isFreshStart {
		root := r.absoluteRoot(agent.RootDir)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create root_dir: %w", err)
		}

		r.emit(ctx, agentID, "agent.runtime.start", map[string]any{"root_dir": root})

		if r.codex != nil {
			sessionID, err := r.codex.New(ctx, "seed plan for "+agent.Title)
			if err != nil {
				r.emit(ctx, agentID, "agent.codex.unavailable", map[string]any{"error": err.Error()})
			} else {
				r.emit(ctx, agentID, "agent.codex.session", map[string]any{"session_id": sessionID})
				_ = r.store.UpdateAgentModel(ctx, agentID, sessionID)
			}
		} else {
			r.emit(ctx, agentID, "agent.codex.unavailable", map[string]any{"error": "no codex provider configured"})
		}

		if err := r.transition(ctx, agentID, models.AgentDraft, models.AgentRunning); err != nil {
			return err
		}
		agent.Status = models.AgentRunning
	}

	return r.runStep4Onward(ctx, agent)
}

func (r *Runtime) absoluteRoot(rootDir string) string {
	if filepath.IsAbs(rootDir) {
		return rootDir
	}
	return filepath.Join(r.storageRoot, rootDir)
}

// runStep4Onward implements steps 4-9 of §4.6's run procedure. It is
// the re-entry point for resumption.
func (r *Runtime) runStep4Onward(ctx context.Context, agent *models.Agent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent runtime panic: %v", rec)
		}
		if err != nil {
			r.emit(ctx, agent.ID, "agent.error", map[string]any{"error": err.Error()})
			_ = r.store.UpdateAgentStatus(ctx, agent.ID, models.AgentNeedsAttention)
		}
	}()

	root := r.absoluteRoot(agent.RootDir)
	helloPath := filepath.Join(root, "CTR_HELLO.txt")
	action := models.ProposedAction{
		Command: "apply_patch",
		Writes:  true,
		Paths:   []string{helloPath},
		Intent:  "CTR: add hello",
	}

	decision := policy.Evaluate(&models.PolicyRules{}, action)
	if decision.Kind != models.DecisionAllow {
		if agent.AutoApprovalLevel >= 2 {
			approval := r.approvals.Create(action)
			if _, aerr := r.approvals.Approve(approval.ID); aerr != nil {
				return aerr
			}
			r.emit(ctx, agent.ID, "agent.approval.auto", map[string]any{"approval_id": approval.ID})
		} else {
			approval := r.approvals.Create(action)
			r.emit(ctx, agent.ID, "agent.approval.required", map[string]any{"approval_id": approval.ID})
			return r.transition(ctx, agent.ID, agent.Status, models.AgentNeedsAttention)
		}
	}

	if _, err := r.tools.Invoke(ctx, "filesystem", "patch.apply", map[string]any{
		"path":    helloPath,
		"content": "CTR\n",
	}); err != nil {
		return fmt.Errorf("patch.apply: %w", err)
	}
	r.emit(ctx, agent.ID, "agent.apply.ok", map[string]any{"path": helloPath})

	if _, statErr := os.Stat(helloPath); statErr != nil {
		return fmt.Errorf("expected file missing after apply: %w", statErr)
	}

	if isGitRepo(root) {
		_, _ = r.tools.Invoke(ctx, "git", "add", map[string]any{"path": helloPath})
		_, _ = r.tools.Invoke(ctx, "git", "commit", map[string]any{"message": "CTR: add hello"})
	}

	if err := r.transition(ctx, agent.ID, agent.Status, models.AgentDone); err != nil {
		return err
	}
	r.emit(ctx, agent.ID, "agent.done", nil)
	return nil
}

func isGitRepo(root string) bool {
	info, err := os.Stat(filepath.Join(root, ".git"))
	return err == nil && info.IsDir()
}
