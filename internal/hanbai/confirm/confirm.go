// Package confirm issues and redeems the short-lived, single-use tokens
// that bind a human's approval to a fully resolved mutating payload.
//
// There is deliberately no "peek without consuming" operation: every read
// is a consumption, so the confirm and cancel paths cannot race on the same
// token. Whoever redeems first wins; everyone else sees an absent token.
package confirm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okonuma/hanbai/internal/hanbai/kv"
)

// DefaultTTL is how long an unredeemed token stays valid.
const DefaultTTL = 300 * time.Second

// ExecMode selects how much of a confirmed plan runs on commit.
type ExecMode string

const (
	// ExecAll runs the main step and every satisfied follow-up.
	ExecAll ExecMode = "all"
	// ExecOnlyMain runs the main step and skips all follow-ups.
	ExecOnlyMain ExecMode = "only_main"
)

// Record is the payload bound to one confirmation token. CommitPayload is
// fully resolved at preview time (dry-run flag already flipped off), so the
// commit path never recomputes anything the human did not see.
type Record struct {
	ToolName       string         `json:"tool_name"`
	CommitPayload  map[string]any `json:"commit_payload"`
	OwnerID        string         `json:"owner_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Source         string         `json:"source"`
	PlanID         string         `json:"plan_id,omitempty"`
	ExecMode       ExecMode       `json:"exec_mode,omitempty"`
	PayloadHash    string         `json:"payload_hash"`
}

// Service mints and redeems confirmation tokens against the ephemeral
// store.
type Service struct {
	store *kv.Store
	ttl   time.Duration
}

// NewService creates a Service. Pass ttl 0 to use DefaultTTL.
func NewService(store *kv.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl}
}

// Create stores rec under a fresh unguessable token and returns the token.
// The record's PayloadHash is computed here so later stages can detect
// payload drift between preview and commit.
func (s *Service) Create(rec Record) (string, error) {
	hash, err := HashPayload(rec.CommitPayload)
	if err != nil {
		return "", err
	}
	rec.PayloadHash = hash

	token := uuid.NewString()
	s.store.Set(tokenKey(token), rec, s.ttl)
	return token, nil
}

// Redeem fetches and deletes the record for token in one step. Returns
// false when the token is absent, expired, or was already consumed; the
// three cases are indistinguishable on purpose.
func (s *Service) Redeem(token string) (*Record, bool) {
	v, ok := s.store.GetDel(tokenKey(token))
	if !ok {
		return nil, false
	}
	rec, ok := v.(Record)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// Cancel deletes the token early. It reports whether a live token was
// actually removed.
func (s *Service) Cancel(token string) bool {
	_, ok := s.store.GetDel(tokenKey(token))
	return ok
}

// HashPayload computes the stable hash of a commit payload. json.Marshal
// sorts map keys, so equal payloads always hash equally.
func HashPayload(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to hash payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func tokenKey(token string) string {
	return "confirm:" + token
}
