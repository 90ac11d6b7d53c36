// Package approvals implements the Approvals Store: pending/approved/
// denied approvals keyed by opaque, single-use tokens, plus the
// process-wide EphemeralApproval slot the Policy & Approval Gate uses
// to stage user-facing prompts.
package approvals

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/foreman-ai/foreman/pkg/models"
)

// ErrNotFound is returned when an approval id is unknown to the store.
var ErrNotFound = errors.New("approval not found")

// Store is an in-memory map of pending/approved/denied approvals. All
// operations are atomic under a single writer lock; Get/List hold a
// shared (read) lock, matching §4.3.
type Store struct {
	mu         sync.RWMutex
	approvals  map[string]*models.Approval
	signingKey []byte
}

// NewStore creates an empty Approvals Store with a fresh, process-local
// HMAC signing key for minted tokens.
func NewStore() *Store {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("approvals: failed to seed signing key: " + err.Error())
	}
	return &Store{
		approvals:  make(map[string]*models.Approval),
		signingKey: key,
	}
}

// Create registers a new Pending approval for action and returns it.
func (s *Store) Create(action models.ProposedAction) *models.Approval {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &models.Approval{
		ID:        uuid.NewString(),
		Action:    action,
		Status:    models.ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
	s.approvals[a.ID] = a
	return a
}

// tokenClaims is the JWT payload minted for an Approved approval. The
// token is treated as an opaque bearer string by ValidateToken (a byte
// compare against what was minted) — signature/expiry verification is
// an additional, stricter check used only by the installer-apply flow
// (§4.3 "(ADDED)").
type tokenClaims struct {
	ApprovalID string `json:"approval_id"`
	jwt.RegisteredClaims
}

// Approve transitions a Pending approval to Approved and mints a
// single-use token.
func (s *Store) Approve(id string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}

	claims := tokenClaims{
		ApprovalID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	a.Status = models.ApprovalApproved
	a.Token = token
	return a, nil
}

// Deny transitions a Pending approval to Denied; no token is minted.
func (s *Store) Deny(id string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Status = models.ApprovalDenied
	a.Token = ""
	return a, nil
}

// ValidateToken reports whether id is Approved and its stored token
// equals t, compared in constant time. This is Property 2 verbatim.
func (s *Store) ValidateToken(id, t string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[id]
	if !ok || a.Status != models.ApprovalApproved || a.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.Token), []byte(t)) == 1
}

// VerifySignedToken additionally checks the JWT signature and expiry on
// top of ValidateToken, for the installer.apply_install flow (§4.7).
func (s *Store) VerifySignedToken(id, t string) bool {
	if !s.ValidateToken(id, t) {
		return false
	}
	parsed, err := jwt.ParseWithClaims(t, &tokenClaims{}, func(tok *jwt.Token) (any, error) {
		return s.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	return ok && claims.ApprovalID == id
}

// Get returns an approval by id.
func (s *Store) Get(id string) (*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// List returns all approvals, for observability.
func (s *Store) List() []*models.Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Approval, 0, len(s.approvals))
	for _, a := range s.approvals {
		out = append(out, a)
	}
	return out
}
