package policy

import (
	"testing"

	"github.com/foreman-ai/foreman/pkg/models"
)

func TestEvaluateHoldsOnApprovalKeyword(t *testing.T) {
	rules := &models.PolicyRules{RequireApprovalKeywords: []string{"sudo"}}
	action := models.ProposedAction{Command: "sudo rm -rf /", Writes: true, Paths: []string{"/"}}

	got := Evaluate(rules, action)
	if got.Kind != models.DecisionHold {
		t.Fatalf("expected Hold, got %s", got.Kind)
	}
	if got.Reasons[0] != "requires approval: sudo" {
		t.Fatalf("unexpected reason: %v", got.Reasons)
	}
}

func TestEvaluateWarnsOnWhitelistedWrite(t *testing.T) {
	rules := &models.PolicyRules{WriteWhitelist: []string{"~/"}}
	action := models.ProposedAction{Command: "touch ~/file", Writes: true, Paths: []string{"~/file"}}

	got := Evaluate(rules, action)
	if got.Kind != models.DecisionWarn {
		t.Fatalf("expected Warn, got %s", got.Kind)
	}
	if got.Reasons[0] != "write operation" {
		t.Fatalf("unexpected reason: %v", got.Reasons)
	}
}

func TestEvaluateHoldsOnWriteOutsideWhitelist(t *testing.T) {
	rules := &models.PolicyRules{WriteWhitelist: []string{"~/"}}
	action := models.ProposedAction{Command: "touch /etc/passwd", Writes: true, Paths: []string{"/etc/passwd"}}

	got := Evaluate(rules, action)
	if got.Kind != models.DecisionHold {
		t.Fatalf("expected Hold, got %s", got.Kind)
	}
}

func TestEvaluateAllowsReadOnly(t *testing.T) {
	rules := &models.PolicyRules{}
	action := models.ProposedAction{Command: "cat file.txt", Writes: false}

	got := Evaluate(rules, action)
	if got.Kind != models.DecisionAllow {
		t.Fatalf("expected Allow, got %s", got.Kind)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rules := &models.PolicyRules{WriteWhitelist: []string{"/tmp"}}
	action := models.ProposedAction{Command: "write", Writes: true, Paths: []string{"/tmp/x"}}

	first := Evaluate(rules, action)
	for i := 0; i < 20; i++ {
		got := Evaluate(rules, action)
		if got.Kind != first.Kind || got.Reasons[0] != first.Reasons[0] {
			t.Fatalf("Evaluate is not deterministic: %+v vs %+v", first, got)
		}
	}
}

func TestShellAllowlistAcceptsMatchingRule(t *testing.T) {
	allow := NewShellAllowlist([]models.ShellAllowlistRule{
		{
			Match: "mgba-qt",
			Args: &models.ShellArgConstraint{
				Count:        1,
				PathPrefixes: []string{"/home/u/roms"},
			},
		},
	})

	if err := allow.Validate("mgba-qt", []string{"/home/u/roms/g.gba"}); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}

	err := allow.Validate("mgba-qt", []string{"/etc/passwd"})
	if err == nil {
		t.Fatalf("expected rejection outside path_prefixes")
	}
	if _, ok := err.(*NotWhitelisted); !ok {
		t.Fatalf("expected NotWhitelisted, got %T", err)
	}
}

func TestShellAllowlistUnquotesArgsBeforeMatching(t *testing.T) {
	allow := NewShellAllowlist([]models.ShellAllowlistRule{
		{Match: "echo", Args: &models.ShellArgConstraint{StartsWithTokens: []string{"hello"}}},
	})
	if err := allow.Validate("echo", []string{`"hello"`}); err != nil {
		t.Fatalf("expected quoted arg to unquote and match: %v", err)
	}
}

func TestShellAllowlistDigitsAtConstraint(t *testing.T) {
	allow := NewShellAllowlist([]models.ShellAllowlistRule{
		{Match: "steam", Args: &models.ShellArgConstraint{StartsWithTokens: []string{"-applaunch"}, MinCount: 2, DigitsAt: intPtr(1)}},
	})
	if err := allow.Validate("steam", []string{"-applaunch", "440"}); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if err := allow.Validate("steam", []string{"-applaunch", "abc"}); err == nil {
		t.Fatalf("expected rejection for non-digit appid")
	}
}

func TestShellAllowlistRejectsShellMetacharacters(t *testing.T) {
	allow := NewShellAllowlist([]models.ShellAllowlistRule{
		{Match: "cat"},
	})
	if err := allow.Validate("cat", []string{"file; rm -rf /"}); err == nil {
		t.Fatalf("expected rejection on shell metacharacters")
	}
}

func intPtr(i int) *int { return &i }
