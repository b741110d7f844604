package memory

import (
	"context"
	"time"
)

// Durable is the persistent collaborator behind the working and long-term
// tiers, sessions and transcript. Lookups of missing rows return nil, nil;
// mutations of missing rows report false.
type Durable interface {
	// Workspaces
	EnsureWorkspace(ctx context.Context, id string, at time.Time) error
	WorkspaceExists(ctx context.Context, id string) (bool, error)

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	EndSession(ctx context.Context, id string, at time.Time) (bool, error)
	CountSessions(ctx context.Context, workspaceID string) (int, error)

	// Transcript
	AppendTurn(ctx context.Context, turn *Turn) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	CountTurns(ctx context.Context, scope Scope) (int, error)

	// Records
	InsertRecord(ctx context.Context, rec *Record) error
	// ReplaceRecords deletes evict and inserts rec as one unit
	ReplaceRecords(ctx context.Context, evict []Ref, rec *Record) error
	GetRecord(ctx context.Context, ref Ref) (*Record, error)
	ListRecords(ctx context.Context, tier Tier, scope Scope) ([]*Record, error)
	UpdateAccess(ctx context.Context, ref Ref, at time.Time) (bool, error)
	SetPinned(ctx context.Context, id string, pinned bool) (bool, error)
	DeleteRecord(ctx context.Context, ref Ref) (bool, error)
	MoveRecord(ctx context.Context, from Ref, to *Record) error

	// SizeBytes approximate on-disk size
	SizeBytes() (int64, error)
	Close() error
}
