// Package policy implements the Policy Engine: a pure, synchronous
// classifier from a ProposedAction to an Allow/Warn/Hold decision, plus
// a shell-exec allowlist validator consulted before any shell.exec call
// reaches a child process.
package policy

import (
	"fmt"
	"strings"

	"github.com/foreman-ai/foreman/pkg/models"
)

// Evaluate classifies a proposed action against the merged rule set.
// It never mutates rules and never performs I/O: the same (rules,
// action) pair always yields the same decision.
func Evaluate(rules *models.PolicyRules, action models.ProposedAction) models.PolicyDecision {
	for _, kw := range rules.RequireApprovalKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(action.Command, kw) {
			return models.PolicyDecision{
				Kind:    models.DecisionHold,
				Reasons: []string{fmt.Sprintf("requires approval: %s", kw)},
			}
		}
	}

	if action.Writes {
		if len(action.Paths) > 0 {
			var outside []string
			for _, p := range action.Paths {
				if !prefixMatchesAny(p, rules.WriteWhitelist) {
					outside = append(outside, p)
				}
			}
			if len(outside) > 0 {
				return models.PolicyDecision{
					Kind:    models.DecisionHold,
					Reasons: []string{fmt.Sprintf("write outside whitelist: %s", strings.Join(outside, ", "))},
				}
			}
		}
		return models.PolicyDecision{Kind: models.DecisionWarn, Reasons: []string{"write operation"}}
	}

	return models.PolicyDecision{Kind: models.DecisionAllow, Reasons: []string{"read-only"}}
}

func prefixMatchesAny(path string, whitelist []string) bool {
	for _, prefix := range whitelist {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// MergeRules deterministically merges PolicyRules loaded from multiple
// files (already sorted by filename by the caller). Later files append
// to list-valued fields; Limits from a later file overrides any
// previously-set non-zero field.
func MergeRules(files []models.PolicyRules) models.PolicyRules {
	var out models.PolicyRules
	for _, f := range files {
		out.ProtectPaths = append(out.ProtectPaths, f.ProtectPaths...)
		out.WriteWhitelist = append(out.WriteWhitelist, f.WriteWhitelist...)
		out.RequireApprovalKeywords = append(out.RequireApprovalKeywords, f.RequireApprovalKeywords...)
		out.EnvAllowlist = append(out.EnvAllowlist, f.EnvAllowlist...)
		out.LogRedactions = append(out.LogRedactions, f.LogRedactions...)
		if f.Limits.WallTimeSec != 0 {
			out.Limits.WallTimeSec = f.Limits.WallTimeSec
		}
		if f.Limits.CPUPercent != 0 {
			out.Limits.CPUPercent = f.Limits.CPUPercent
		}
		if f.Limits.MemMB != 0 {
			out.Limits.MemMB = f.Limits.MemMB
		}
	}
	return out
}
