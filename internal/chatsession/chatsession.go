// Package chatsession persists ChatSession documents as one JSON file
// per session under chats/<uuid>.json (§6), and implements the
// assistant-run coalescing rule §4.5 requires of the RVB writer.
package chatsession

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foreman-ai/foreman/pkg/models"
)

// Store manages ChatSession JSON documents under a chats/ directory.
// External (non-RVB) appends are synchronous; concurrent writers to
// the same session are not supported, matching §5's ordering
// guarantee that the RVB is the only realtime writer.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir/chats, creating the directory
// if needed.
func NewStore(dir string) (*Store, error) {
	chatsDir := filepath.Join(dir, "chats")
	if err := os.MkdirAll(chatsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chats dir: %w", err)
	}
	return &Store{dir: chatsDir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create starts a new, empty ChatSession and persists it.
func (s *Store) Create() (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &models.ChatSession{ID: uuid.NewString()}
	if err := s.write(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session by id.
func (s *Store) Get(id string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// Latest returns the most-recently-modified session file (§3:
// "latest-modified wins for latest lookups").
func (s *Store) Latest() (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read chats dir: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = e.Name()
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return nil, os.ErrNotExist
	}
	id := newest[:len(newest)-len(filepath.Ext(newest))]
	return s.read(id)
}

// AppendUser appends a user message. user/tool turns always break an
// in-progress assistant coalescing run (§4.5).
func (s *Store) AppendUser(id, content string) error {
	return s.append(id, models.ChatMessage{Role: models.ChatRoleUser, Content: content, At: time.Now().UTC()})
}

// AppendTool appends a tool message.
func (s *Store) AppendTool(id, content string) error {
	return s.append(id, models.ChatMessage{Role: models.ChatRoleTool, Content: content, At: time.Now().UTC()})
}

// AppendAssistant appends assistant content, concatenating onto the
// last message if it is also assistant-authored (§4.5 "Chat append
// coalescing") so streaming deltas don't produce dozens of rows.
func (s *Store) AppendAssistant(id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(id)
	if err != nil {
		return err
	}

	if n := len(session.Messages); n > 0 && session.Messages[n-1].Role == models.ChatRoleAssistant {
		session.Messages[n-1].Content += content
		session.Messages[n-1].At = time.Now().UTC()
	} else {
		session.Messages = append(session.Messages, models.ChatMessage{
			Role:    models.ChatRoleAssistant,
			Content: content,
			At:      time.Now().UTC(),
		})
	}
	return s.write(session)
}

func (s *Store) append(id string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(id)
	if err != nil {
		return err
	}
	session.Messages = append(session.Messages, msg)
	return s.write(session)
}

func (s *Store) read(id string) (*models.ChatSession, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var session models.ChatSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *Store) write(session *models.ChatSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	tmp := s.path(session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", session.ID, err)
	}
	return os.Rename(tmp, s.path(session.ID))
}

// RecentDigest returns up to n most-recent messages, each clipped to
// maxChars, for RVB's §4.5 step 2 instructions composition.
func RecentDigest(session *models.ChatSession, n, maxChars int) []models.ChatMessage {
	msgs := session.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]models.ChatMessage, len(msgs))
	for i, m := range msgs {
		if len(m.Content) > maxChars {
			m.Content = m.Content[:maxChars]
		}
		out[i] = m
	}
	return out
}
