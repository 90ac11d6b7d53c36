// Package store implements the Memory Store: durable keyed storage for
// tasks, atoms, events, artifacts, and agents, backed by an embedded
// SQLite database with write-ahead logging.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foreman-ai/foreman/pkg/models"
)

// Failure wraps any database error with the operation that produced it,
// so callers can choose to surface it or degrade.
type Failure struct {
	Op  string
	Err error
}

func (f *Failure) Error() string { return fmt.Sprintf("storage: %s: %v", f.Op, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Op: op, Err: err}
}

// Store is the typed Memory Store surface consumed by the rest of the
// core. A nil/zero Store (constructed by NewInMemoryFallback) degrades
// every read to empty and every write to a no-op error, so the process
// stays live even when SQLite initialization has failed twice.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	degraded bool
	mu       sync.Mutex
}

// Open opens (creating if absent) a SQLite-backed Store at path and
// applies pending migrations. If opening or migrating fails, Open
// retries once against an in-memory database before giving up —
// matching the "initialization failure falls back to an in-memory
// store" requirement. A second failure is returned to the caller.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := openSQLite(path, logger)
	if err == nil {
		return s, nil
	}
	logger.Error("memory store init failed, falling back to in-memory", "error", err, "path", path)

	s, err2 := openSQLite(":memory:", logger)
	if err2 != nil {
		return nil, wrap("open", fmt.Errorf("primary open failed (%v); in-memory fallback also failed: %w", err, err2))
	}
	s.degraded = true
	return s, nil
}

func openSQLite(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single writer; modernc.org/sqlite is not safe for concurrent writers on one *DB beyond WAL readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, err
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Degraded reports whether the store fell back to an in-memory database.
func (s *Store) Degraded() bool {
	return s.degraded
}

// AppendEvent inserts a single append-only event row and returns its id.
func (s *Store) AppendEvent(ctx context.Context, taskID *int64, agentID *string, kind string, payload any) (int64, error) {
	var payloadJSON []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, wrap("append_event: marshal payload", err)
		}
		payloadJSON = b
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (task_id, agent_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, agentID, kind, nullBytes(payloadJSON), time.Now().UTC())
	if err != nil {
		return 0, wrap("append_event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("append_event: last insert id", err)
	}
	return id, nil
}

// AppendEventForAgent is AppendEvent scoped to a specific agent.
func (s *Store) AppendEventForAgent(ctx context.Context, taskID *int64, agentID, kind string, payload any) (int64, error) {
	return s.AppendEvent(ctx, taskID, &agentID, kind, payload)
}

// GetRecentEventsByAgent returns the most recent events for an agent,
// newest first, id strictly increasing within the returned page.
func (s *Store) GetRecentEventsByAgent(ctx context.Context, agentID string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, kind, payload, created_at FROM events
		 WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, wrap("get_recent_events_by_agent", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var taskID sql.NullInt64
		var agent sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &taskID, &agent, &ev.Kind, &payload, &ev.CreatedAt); err != nil {
			return nil, wrap("get_recent_events_by_agent: scan", err)
		}
		if taskID.Valid {
			v := taskID.Int64
			ev.TaskID = &v
		}
		if agent.Valid {
			v := agent.String
			ev.AgentID = &v
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		out = append(out, ev)
	}
	return out, wrap("get_recent_events_by_agent: rows", rows.Err())
}

// CreateTask inserts a new task and returns it with its assigned id.
func (s *Store) CreateTask(ctx context.Context, title string, tags []string) (*models.Task, error) {
	now := time.Now().UTC()
	tagsJSON, _ := json.Marshal(tags)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (title, status, tags, created_at, updated_at) VALUES (?, 'open', ?, ?, ?)`,
		title, string(tagsJSON), now, now)
	if err != nil {
		return nil, wrap("create_task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("create_task: last insert id", err)
	}
	return &models.Task{ID: id, Title: title, Status: models.TaskOpen, Tags: tags, CreatedAt: now, UpdatedAt: now}, nil
}

// ListTasks returns all tasks, most recently updated first. On a
// degraded (uninitialized) store it returns an empty slice rather than
// an error, per the Memory Store's documented degrade behavior.
func (s *Store) ListTasks(ctx context.Context) ([]models.Task, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, status, tags, created_at, updated_at FROM tasks ORDER BY updated_at DESC`)
	if err != nil {
		return nil, nil // degrade rather than propagate, per §4.1
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var t models.Task
		var tagsJSON sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &t.Status, &tagsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			continue
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &t.Tags)
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateStatus transitions a task's status.
func (s *Store) UpdateStatus(ctx context.Context, taskID int64, status models.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), taskID)
	return wrap("update_status", err)
}

// PutAtom inserts an atom (updating the FTS index via trigger) and
// returns its id.
func (s *Store) PutAtom(ctx context.Context, taskID int64, kind, text, source string, tags []string) (int64, error) {
	tagsJSON, _ := json.Marshal(tags)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO atoms (task_id, kind, text, source, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, kind, text, source, string(tagsJSON), time.Now().UTC())
	if err != nil {
		return 0, wrap("put_atom", err)
	}
	return res.LastInsertId()
}

// snippetWindow bounds the number of tokens surfaced around a match.
const snippetWindow = 8

// SearchAtoms performs a BM25-ordered FTS search, tie-broken by
// (pinned desc, importance desc, recency desc).
func (s *Store) SearchAtoms(ctx context.Context, query string, taskID *int64, k int) ([]models.AtomSearchResult, error) {
	if k <= 0 {
		k = 10
	}
	args := []any{query}
	where := `atoms_fts MATCH ?`
	if taskID != nil {
		where += ` AND a.task_id = ?`
		args = append(args, *taskID)
	}
	args = append(args, k)

	q := fmt.Sprintf(`
		SELECT a.id,
		       snippet(atoms_fts, 0, '[', ']', '...', %d) AS snip,
		       bm25(atoms_fts) AS score,
		       a.pinned, a.importance, a.created_at
		FROM atoms_fts
		JOIN atoms a ON a.id = atoms_fts.rowid
		WHERE %s
		ORDER BY a.pinned DESC, a.importance DESC, a.created_at DESC, score ASC
		LIMIT ?`, snippetWindow, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("search_atoms", err)
	}
	defer rows.Close()

	var out []models.AtomSearchResult
	for rows.Next() {
		var r models.AtomSearchResult
		var pinned int
		var importance int
		var createdAt time.Time
		if err := rows.Scan(&r.AtomID, &r.Snippet, &r.Score, &pinned, &importance, &createdAt); err != nil {
			return nil, wrap("search_atoms: scan", err)
		}
		out = append(out, r)
	}
	return out, wrap("search_atoms: rows", rows.Err())
}

// ListCards returns atoms with pinned=true OR importance>=2, ordered
// pinned desc, importance desc, created_at desc.
func (s *Store) ListCards(ctx context.Context, taskID *int64, limit int) ([]models.Atom, error) {
	if limit <= 0 {
		limit = 50
	}
	where := `(pinned = 1 OR importance >= 2)`
	args := []any{}
	if taskID != nil {
		where += ` AND task_id = ?`
		args = append(args, *taskID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, task_id, kind, text, source, source_ref, importance, pinned, tokens_est, parent_atom_id, tags, hash, created_at
		FROM atoms WHERE %s ORDER BY pinned DESC, importance DESC, created_at DESC LIMIT ?`, where), args...)
	if err != nil {
		return nil, wrap("list_cards", err)
	}
	defer rows.Close()
	return scanAtoms(rows)
}

// GetAtomFull returns a single atom by id.
func (s *Store) GetAtomFull(ctx context.Context, id int64) (*models.Atom, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, text, source, source_ref, importance, pinned, tokens_est, parent_atom_id, tags, hash, created_at
		FROM atoms WHERE id = ?`, id)
	if err != nil {
		return nil, wrap("get_atom_full", err)
	}
	defer rows.Close()
	atoms, err := scanAtoms(rows)
	if err != nil {
		return nil, err
	}
	if len(atoms) == 0 {
		return nil, wrap("get_atom_full", sql.ErrNoRows)
	}
	return &atoms[0], nil
}

// PinAtom sets an atom's pinned flag.
func (s *Store) PinAtom(ctx context.Context, id int64, pinned bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE atoms SET pinned = ? WHERE id = ?`, boolToInt(pinned), id)
	return wrap("pin_atom", err)
}

func scanAtoms(rows *sql.Rows) ([]models.Atom, error) {
	var out []models.Atom
	for rows.Next() {
		var a models.Atom
		var sourceRef, tagsJSON, hash sql.NullString
		var parentID sql.NullInt64
		var pinned int
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Text, &a.Source, &sourceRef,
			&a.Importance, &pinned, &a.TokensEst, &parentID, &tagsJSON, &hash, &a.CreatedAt); err != nil {
			return nil, wrap("scan_atom", err)
		}
		a.Pinned = pinned != 0
		if sourceRef.Valid {
			a.SourceRef = sourceRef.String
		}
		if hash.Valid {
			a.Hash = hash.String
		}
		if parentID.Valid {
			v := parentID.Int64
			a.ParentAtomID = &v
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &a.Tags)
		}
		out = append(out, a)
	}
	return out, wrap("scan_atoms: rows", rows.Err())
}

// CreateArtifact inserts an artifact handle row.
func (s *Store) CreateArtifact(ctx context.Context, art *models.Artifact) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (task_id, agent_id, path, mime, sha256, bytes, origin_url) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		art.TaskID, art.AgentID, art.Path, art.MIME, art.SHA256, art.Bytes, art.OriginURL)
	if err != nil {
		return 0, wrap("create_artifact", err)
	}
	return res.LastInsertId()
}

// GetArtifact returns an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id int64) (*models.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, agent_id, path, mime, sha256, bytes, origin_url FROM artifacts WHERE id = ?`, id)
	var a models.Artifact
	var agentID, mime, sha, originURL sql.NullString
	var bytes sql.NullInt64
	if err := row.Scan(&a.ID, &a.TaskID, &agentID, &a.Path, &mime, &sha, &bytes, &originURL); err != nil {
		return nil, wrap("get_artifact", err)
	}
	if agentID.Valid {
		v := agentID.String
		a.AgentID = &v
	}
	a.MIME = mime.String
	a.SHA256 = sha.String
	a.Bytes = bytes.Int64
	a.OriginURL = originURL.String
	return &a, nil
}

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, task_id, title, status, root_dir, model, plan_artifact_id, auto_approval_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Title, a.Status, a.RootDir, a.Model, a.PlanArtifactID, a.AutoApprovalLevel, a.CreatedAt, a.UpdatedAt)
	return wrap("create_agent", err)
}

// UpdateAgentStatus transitions an agent's status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return wrap("update_agent_status", err)
}

// UpdateAgentModel records a provider session/model identifier on an
// agent row (used by the Agent Runtime after codex.new succeeds).
func (s *Store) UpdateAgentModel(ctx context.Context, id, model string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET model = ?, updated_at = ? WHERE id = ?`,
		model, time.Now().UTC(), id)
	return wrap("update_agent_model", err)
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, title, status, root_dir, model, plan_artifact_id, auto_approval_level, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	var a models.Agent
	var model sql.NullString
	var planArtifact sql.NullInt64
	if err := row.Scan(&a.ID, &a.TaskID, &a.Title, &a.Status, &a.RootDir, &model, &planArtifact,
		&a.AutoApprovalLevel, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, wrap("get_agent", err)
	}
	a.Model = model.String
	if planArtifact.Valid {
		v := planArtifact.Int64
		a.PlanArtifactID = &v
	}
	return &a, nil
}

// ListAgents returns all agents for a task, most recently updated first.
func (s *Store) ListAgents(ctx context.Context, taskID int64) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, title, status, root_dir, model, plan_artifact_id, auto_approval_level, created_at, updated_at
		FROM agents WHERE task_id = ? ORDER BY updated_at DESC`, taskID)
	if err != nil {
		return nil, wrap("list_agents", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		var model sql.NullString
		var planArtifact sql.NullInt64
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Title, &a.Status, &a.RootDir, &model, &planArtifact,
			&a.AutoApprovalLevel, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, wrap("list_agents: scan", err)
		}
		a.Model = model.String
		if planArtifact.Valid {
			v := planArtifact.Int64
			a.PlanArtifactID = &v
		}
		out = append(out, a)
	}
	return out, wrap("list_agents: rows", rows.Err())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
