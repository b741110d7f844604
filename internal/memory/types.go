// Package memory stores the three memory tiers and the session transcript.
//
// Short-term records live in process memory and expire by TTL. Working and
// long-term records, sessions and turns are persisted through a Durable
// collaborator (SQLite by default).
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Tier memory tier tag
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierWorking   Tier = "working"
	TierLongTerm  Tier = "long_term"
)

// AllTiers lists tiers in tie-break priority order
var AllTiers = []Tier{TierWorking, TierLongTerm, TierShortTerm}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierShortTerm, TierWorking, TierLongTerm:
		return true
	}
	return false
}

// Priority is used to break score ties: working > long-term > short-term
func (t Tier) Priority() int {
	switch t {
	case TierWorking:
		return 3
	case TierLongTerm:
		return 2
	case TierShortTerm:
		return 1
	}
	return 0
}

// ParseTier accepts the tier tag or its short alias (short, working, long)
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "short_term", "short-term":
		return TierShortTerm, nil
	case "working", "work":
		return TierWorking, nil
	case "long", "long_term", "long-term":
		return TierLongTerm, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrValidation, s)
}

// Scope isolates memory visibility
type Scope struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// IsZero reports whether neither workspace nor session is set
func (s Scope) IsZero() bool {
	return s.WorkspaceID == "" && s.SessionID == ""
}

// Contains reports whether a record scope falls inside s
func (s Scope) Contains(other Scope) bool {
	if s.WorkspaceID != "" && s.WorkspaceID != other.WorkspaceID {
		return false
	}
	if s.SessionID != "" && s.SessionID != other.SessionID {
		return false
	}
	return true
}

// Ref addresses one record
type Ref struct {
	Tier Tier   `json:"tier"`
	ID   string `json:"id"`
}

// Record is the shape shared by all tiers. ExpiresAt is only set for
// short-term records and Pinned is only meaningful for working records.
type Record struct {
	ID             string     `json:"id"`
	Tier           Tier       `json:"tier"`
	Scope          Scope      `json:"scope"`
	Content        string     `json:"content"`
	Tags           []string   `json:"tags,omitempty"`
	Importance     float64    `json:"importance"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	AccessCount    int64      `json:"access_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Pinned         bool       `json:"pinned,omitempty"`
}

// Ref returns the record address
func (r *Record) Ref() Ref {
	return Ref{Tier: r.Tier, ID: r.ID}
}

// IsExpired reports whether a short-term record is past its expiry
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// touch bumps access bookkeeping without moving last access backwards
func (r *Record) touch(now time.Time) {
	r.LastAccessedAt = later(r.LastAccessedAt, now)
	r.AccessCount++
}

func (r *Record) clone() *Record {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

// ShortTermRequest adds a session fact that expires
type ShortTermRequest struct {
	Scope      Scope
	Content    string
	Tags       []string
	Importance float64       // 0 assigns heuristically
	TTL        time.Duration // 0 uses the store default
}

// WorkingRequest adds a session note without expiry
type WorkingRequest struct {
	Scope      Scope
	Content    string
	Tags       []string
	Importance float64
	Pinned     bool
}

// LongTermRequest adds persistent workspace knowledge
type LongTermRequest struct {
	WorkspaceID string
	Content     string
	Tags        []string
	Importance  float64
}

// Session conversation session bound to a workspace
type Session struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether the session was closed
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn one transcript message
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TierStats per-tier statistics
type TierStats struct {
	Tier        Tier       `json:"tier"`
	Count       int        `json:"count"`
	Expired     int        `json:"expired,omitempty"` // short-term records awaiting sweep
	Pinned      int        `json:"pinned,omitempty"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	Newest      *time.Time `json:"newest,omitempty"`
	ApproxBytes int64      `json:"approx_bytes"`
}

// MemoryStats statistics for a scope
type MemoryStats struct {
	Scope        Scope       `json:"scope"`
	Tiers        []TierStats `json:"tiers"`
	TotalRecords int         `json:"total_records"`
	ApproxBytes  int64       `json:"approx_bytes"`
	Sessions     int         `json:"sessions"`
	Turns        int         `json:"turns"`
	DBSizeBytes  int64       `json:"db_size_bytes"`
	DBSize       string      `json:"db_size"`
	GeneratedAt  time.Time   `json:"generated_at"`
}

// Tier returns the stats of one tier
func (s *MemoryStats) Tier(t Tier) TierStats {
	for _, ts := range s.Tiers {
		if ts.Tier == t {
			return ts
		}
	}
	return TierStats{Tier: t}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
