package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildRootCmdIncludesServe(t *testing.T) {
	cmd := buildRootCmd(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["serve"] {
		t.Fatalf("expected serve subcommand to be registered")
	}
}

func TestLoadPolicyRulesMergesSortedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "01-base.yaml"), "write_whitelist: [\"/tmp\"]\n")
	writeFile(t, filepath.Join(dir, "02-extra.yaml"), "require_approval: [\"sudo\"]\n")

	rules, err := loadPolicyRules(dir)
	if err != nil {
		t.Fatalf("loadPolicyRules: %v", err)
	}
	if len(rules.WriteWhitelist) != 1 || rules.WriteWhitelist[0] != "/tmp" {
		t.Fatalf("expected write_whitelist to merge, got %+v", rules.WriteWhitelist)
	}
	if len(rules.RequireApprovalKeywords) != 1 || rules.RequireApprovalKeywords[0] != "sudo" {
		t.Fatalf("expected require_approval to merge, got %+v", rules.RequireApprovalKeywords)
	}
}

func TestLoadPolicyRulesToleratesMissingDir(t *testing.T) {
	rules, err := loadPolicyRules(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected missing dir to be non-fatal, got %v", err)
	}
	if len(rules.WriteWhitelist) != 0 {
		t.Fatalf("expected empty rules, got %+v", rules)
	}
}

func TestLoadShellAllowlistMergesRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "01-tools.yaml"), "shell_allowlist:\n  - match: mgba-qt\n    args:\n      count: 1\n")

	rules, err := loadShellAllowlist(dir)
	if err != nil {
		t.Fatalf("loadShellAllowlist: %v", err)
	}
	if len(rules) != 1 || rules[0].Match != "mgba-qt" {
		t.Fatalf("expected one merged rule, got %+v", rules)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
