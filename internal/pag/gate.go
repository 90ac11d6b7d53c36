package pag

import (
	"context"
	"errors"

	"github.com/foreman-ai/foreman/internal/approvals"
	"github.com/foreman-ai/foreman/internal/policy"
	"github.com/foreman-ai/foreman/pkg/models"
)

// Gate is the Policy & Approval Gate: §4.7's composition of Policy,
// the Approvals Store, and the process-wide ephemeral prompt slot.
type Gate struct {
	rules      *models.PolicyRules
	approvals  *approvals.Store
	slot       *approvals.EphemeralSlot
}

// New builds a Gate over an already-merged rule set.
func New(rules *models.PolicyRules, store *approvals.Store, slot *approvals.EphemeralSlot) *Gate {
	return &Gate{rules: rules, approvals: store, slot: slot}
}

// Check evaluates action and, for any outcome other than Allow, stages
// an ephemeral prompt and blocks the caller until it is resolved or
// times out. It returns nil only when the action may proceed.
func (g *Gate) Check(ctx context.Context, action models.ProposedAction, title string) error {
	decision := policy.Evaluate(g.rules, action)
	if decision.Kind == models.DecisionAllow {
		return nil
	}

	approval := g.approvals.Create(action)
	eph := &models.EphemeralApproval{
		ID:      approval.ID,
		Title:   title,
		Action:  action,
		Details: map[string]any{"decision": decision.Kind, "reasons": decision.Reasons},
	}

	resolved, err := g.slot.Stage(ctx, eph)
	if err != nil {
		if errors.Is(err, approvals.ErrApprovalTimeout) {
			return &GateError{Kind: KindApprovalTimeout}
		}
		return &GateError{Kind: KindNeedsApproval, Reason: err.Error()}
	}

	if resolved.Status != models.ApprovalApproved {
		kind := KindPolicyRejectedWarn
		if decision.Kind == models.DecisionHold {
			kind = KindPolicyRejectedHold
		}
		return &GateError{Kind: kind, Reason: "denied by operator"}
	}
	return nil
}

// CheckInstallerWrite implements §4.7's stronger token flow for
// installer.apply_install: the caller must already hold an approval id
// and a signed token; the gate validates both signature/expiry and the
// underlying compare-only semantics before allowing the write.
func (g *Gate) CheckInstallerWrite(approvalID, token string) error {
	if approvalID == "" || token == "" {
		return &GateError{Kind: KindNeedsApproval, Reason: "missing approval_id or approve_token"}
	}
	if !g.approvals.VerifySignedToken(approvalID, token) {
		return &GateError{Kind: KindForbidden, Reason: "bad or expired token"}
	}
	return nil
}
