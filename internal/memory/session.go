package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// OpenSession registers the workspace if needed and starts a session in it
func (s *Store) OpenSession(ctx context.Context, workspaceID string) (*Session, error) {
	const op = "open_session"
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil, validationError(op, "workspace is required")
	}

	now := s.now()
	if err := s.durable.EnsureWorkspace(ctx, workspaceID, now); err != nil {
		return nil, storageError(op, err)
	}

	sess := &Session{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.durable.CreateSession(ctx, sess); err != nil {
		return nil, storageError(op, err)
	}

	s.log.Info("session opened", "session", sess.ID, "workspace", workspaceID)
	return sess, nil
}

// GetSession loads a session
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	const op = "get_session"
	sess, err := s.durable.GetSession(ctx, id)
	if err != nil {
		return nil, storageError(op, err)
	}
	if sess == nil {
		return nil, notFoundError(op, "session "+id)
	}
	return sess, nil
}

// EndSession closes a session and destroys its short-term memory.
// Working memory stays until promoted or evicted. Ending a session twice
// is a validation error and keeps the first end time.
func (s *Store) EndSession(ctx context.Context, id string) error {
	const op = "end_session"
	sess, err := s.durable.GetSession(ctx, id)
	if err != nil {
		return storageError(op, err)
	}
	if sess == nil {
		return notFoundError(op, "session "+id)
	}
	if sess.Ended() {
		return validationError(op, "session "+id+" already ended")
	}

	ok, err := s.durable.EndSession(ctx, id, s.now())
	if err != nil {
		return storageError(op, err)
	}
	if !ok {
		return validationError(op, "session "+id+" already ended")
	}

	dropped := s.dropSession(id)
	s.log.Info("session ended", "session", id, "short_term_dropped", dropped)
	return nil
}

// AppendTurn adds a message to the session transcript
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) (*Turn, error) {
	const op = "append_turn"
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, validationError(op, "unknown role "+role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, validationError(op, "content cannot be empty")
	}
	if _, err := s.activeSession(ctx, op, Scope{SessionID: sessionID}); err != nil {
		return nil, err
	}

	turn := &Turn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.durable.AppendTurn(ctx, turn); err != nil {
		return nil, storageError(op, err)
	}
	return turn, nil
}

// Turns returns the latest limit turns of a session in chronological order
func (s *Store) Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	const op = "turns"
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	turns, err := s.durable.ListTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, storageError(op, err)
	}
	return turns, nil
}
