package models

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskOpen   TaskStatus = "open"
	TaskClosed TaskStatus = "closed"
)

// Task is a unit of user-facing work. Tasks are created directly by users
// or auto-created by scheduler jobs.
type Task struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Tags      []string   `json:"tags,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Atom is a unit of recalled context, full-text indexed and scoped to a
// Task. Atoms are append-only; only pinning and importance mutate.
type Atom struct {
	ID           int64     `json:"id"`
	TaskID       int64     `json:"task_id"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text"`
	Source       string    `json:"source"`
	SourceRef    string    `json:"source_ref,omitempty"`
	Importance   int       `json:"importance"`
	Pinned       bool      `json:"pinned"`
	TokensEst    int       `json:"tokens_est"`
	ParentAtomID *int64    `json:"parent_atom_id,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AtomSearchResult is one hit from an FTS search over atoms.
type AtomSearchResult struct {
	AtomID  int64   `json:"atom_id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Event is an append-only journal row. Every state transition of an
// agent, every scheduler run, every approval decision, and every tool
// call emits an Event.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    *int64    `json:"task_id,omitempty"`
	AgentID   *string   `json:"agent_id,omitempty"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload_json,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a handle to a file on disk; the file is the source of
// truth, the row exists for lookup and provenance.
type Artifact struct {
	ID        int64   `json:"id"`
	TaskID    int64   `json:"task_id"`
	AgentID   *string `json:"agent_id,omitempty"`
	Path      string  `json:"path"`
	MIME      string  `json:"mime,omitempty"`
	SHA256    string  `json:"sha256,omitempty"`
	Bytes     int64   `json:"bytes,omitempty"`
	OriginURL string  `json:"origin_url,omitempty"`
}

// AgentStatus is a node in the Agent Runtime's state machine.
type AgentStatus string

const (
	AgentDraft           AgentStatus = "Draft"
	AgentRunning         AgentStatus = "Running"
	AgentNeedsAttention  AgentStatus = "NeedsAttention"
	AgentPaused          AgentStatus = "Paused"
	AgentBlocked         AgentStatus = "Blocked"
	AgentDone            AgentStatus = "Done"
	AgentAborted         AgentStatus = "Aborted"
)

// IsTerminal reports whether the status admits no further transitions.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentDone || s == AgentAborted
}

// Agent is one autonomous background worker.
type Agent struct {
	ID                string      `json:"id"`
	TaskID            int64       `json:"task_id"`
	Title             string      `json:"title"`
	Status            AgentStatus `json:"status"`
	RootDir           string      `json:"root_dir"`
	Model             string      `json:"model,omitempty"`
	PlanArtifactID    *int64      `json:"plan_artifact_id,omitempty"`
	AutoApprovalLevel int         `json:"auto_approval_level"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ChatRole identifies the author of a ChatMessage.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleTool      ChatRole = "tool"
	ChatRoleSystem    ChatRole = "system"
)

// ChatMessage is one row of a ChatSession.
type ChatMessage struct {
	Role    ChatRole  `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at,omitempty"`
}

// ChatSession is an ordered sequence of messages persisted as a single
// JSON document per session.
type ChatSession struct {
	ID       string        `json:"id"`
	Messages []ChatMessage `json:"messages"`
}

// ProposedAction is the Policy Engine's input shape.
type ProposedAction struct {
	Command string   `json:"command"`
	Writes  bool      `json:"writes"`
	Paths   []string  `json:"paths"`
	Intent  string    `json:"intent,omitempty"`
}

// Decision is a three-valued Policy Engine verdict.
type DecisionKind string

const (
	DecisionAllow DecisionKind = "allow"
	DecisionWarn  DecisionKind = "warn"
	DecisionHold  DecisionKind = "hold"
)

// PolicyDecision is the result of Policy.Evaluate.
type PolicyDecision struct {
	Kind    DecisionKind `json:"kind"`
	Reasons []string     `json:"reasons"`
}

// ApprovalStatus is the lifecycle state of an Approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalDenied   ApprovalStatus = "Denied"
)

// Approval records a decision (or pending request) for a ProposedAction.
// Token is present iff Status == Approved, and is consumed at most once
// for sensitive writes such as installer.apply_install.
type Approval struct {
	ID        string         `json:"id"`
	Action    ProposedAction `json:"action"`
	Status    ApprovalStatus `json:"status"`
	Token     string         `json:"token,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EphemeralApproval is the process-wide single outstanding prompt.
type EphemeralApproval struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Action  ProposedAction `json:"action"`
	Details map[string]any `json:"details,omitempty"`
}

// Limits bounds resource usage for a proposed action's execution.
type Limits struct {
	WallTimeSec int `yaml:"wall_time_sec" json:"wall_time_sec,omitempty"`
	CPUPercent  int `yaml:"cpu_percent" json:"cpu_percent,omitempty"`
	MemMB       int `yaml:"mem_mb" json:"mem_mb,omitempty"`
}

// LogRedaction replaces pattern matches before a value reaches a
// user-visible log sink.
type LogRedaction struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Replace string `yaml:"replace" json:"replace"`
}

// PolicyRules is the merged, deterministic configuration the Policy
// Engine evaluates against.
type PolicyRules struct {
	ProtectPaths           []string       `yaml:"protect_paths" json:"protect_paths,omitempty"`
	WriteWhitelist         []string       `yaml:"write_whitelist" json:"write_whitelist,omitempty"`
	RequireApprovalKeywords []string      `yaml:"require_approval" json:"require_approval,omitempty"`
	EnvAllowlist           []string       `yaml:"env_allowlist" json:"env_allowlist,omitempty"`
	Limits                 Limits         `yaml:"limits" json:"limits,omitempty"`
	LogRedactions          []LogRedaction `yaml:"log_redactions" json:"log_redactions,omitempty"`
}

// ShellArgConstraint narrows which argument vectors a ShellAllowlistRule
// accepts.
type ShellArgConstraint struct {
	Count            int      `yaml:"count,omitempty" json:"count,omitempty"`
	MinCount         int      `yaml:"min_count,omitempty" json:"min_count,omitempty"`
	MaxCount         int      `yaml:"max_count,omitempty" json:"max_count,omitempty"`
	PathPrefixes     []string `yaml:"path_prefixes,omitempty" json:"path_prefixes,omitempty"`
	StartsWithTokens []string `yaml:"starts_with_tokens,omitempty" json:"starts_with_tokens,omitempty"`
	DigitsAt         *int     `yaml:"digits_at,omitempty" json:"digits_at,omitempty"`
}

// ShellAllowlistRule matches a candidate command by basename or absolute
// path plus an optional argument-shape constraint.
type ShellAllowlistRule struct {
	Match string              `yaml:"match" json:"match"`
	Args  *ShellArgConstraint `yaml:"args,omitempty" json:"args,omitempty"`
}

// ShellAllowlistFile is the top-level YAML document shape for one
// allowlist file; multiple files are merged in sorted filename order.
type ShellAllowlistFile struct {
	ShellAllowlist []ShellAllowlistRule `yaml:"shell_allowlist" json:"shell_allowlist"`
}

// ToolTransport identifies how a Manifest's server is reached.
type ToolTransport string

const (
	TransportStdio ToolTransport = "stdio"
	TransportInProcess ToolTransport = ""
)

// ToolManifest describes one tool server: either a stdio child process or
// a purely in-process implementation.
type ToolManifest struct {
	Server       string          `yaml:"server" json:"server"`
	Tools        []string        `yaml:"tools" json:"tools"`
	Transport    ToolTransport   `yaml:"transport,omitempty" json:"transport,omitempty"`
	Bin          string          `yaml:"bin,omitempty" json:"bin,omitempty"`
	Args         []string        `yaml:"args,omitempty" json:"args,omitempty"`
	Autostart    bool            `yaml:"autostart,omitempty" json:"autostart,omitempty"`
	ParamsSchema map[string]any  `yaml:"params_schema,omitempty" json:"params_schema,omitempty"`
}
