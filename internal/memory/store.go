package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// DefaultShortTermTTL applies when neither request nor store sets one
const DefaultShortTermTTL = 30 * time.Minute

// Store is the memory authority for the three tiers. Each tier has its own
// mutex held for the full duration of mutations; when two are needed the
// working lock is taken before the long-term lock.
type Store struct {
	durable Durable

	shortMu sync.Mutex
	short   map[string]*Record

	workingMu sync.Mutex
	longMu    sync.Mutex

	defaultTTL time.Duration
	workingCap int
	now        func() time.Time
	log        *slog.Logger
}

// Option store configuration option
type Option func(*Store)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithDefaultTTL sets the short-term TTL used when a request has none
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithWorkingCap bounds working memory per session; 0 means unbounded
func WithWorkingCap(limit int) Option {
	return func(s *Store) {
		s.workingCap = limit
	}
}

// NewStore creates a store over a durable collaborator
func NewStore(durable Durable, opts ...Option) *Store {
	s := &Store{
		durable:    durable,
		short:      make(map[string]*Record),
		defaultTTL: DefaultShortTermTTL,
		now:        time.Now,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store clock reading
func (s *Store) Now() time.Time {
	return s.now()
}

// ========== Scope ==========

// ResolveScope checks that a scope exists and fills in the workspace of a session
func (s *Store) ResolveScope(ctx context.Context, scope Scope) (Scope, error) {
	const op = "resolve_scope"
	if scope.IsZero() {
		return Scope{}, validationError(op, "scope requires a workspace or session")
	}

	if scope.SessionID != "" {
		sess, err := s.durable.GetSession(ctx, scope.SessionID)
		if err != nil {
			return Scope{}, storageError(op, err)
		}
		if sess == nil {
			return Scope{}, notFoundError(op, "session "+scope.SessionID)
		}
		if scope.WorkspaceID != "" && scope.WorkspaceID != sess.WorkspaceID {
			return Scope{}, validationError(op, "session "+sess.ID+" does not belong to workspace "+scope.WorkspaceID)
		}
		return Scope{WorkspaceID: sess.WorkspaceID, SessionID: sess.ID}, nil
	}

	ok, err := s.durable.WorkspaceExists(ctx, scope.WorkspaceID)
	if err != nil {
		return Scope{}, storageError(op, err)
	}
	if !ok {
		return Scope{}, notFoundError(op, "workspace "+scope.WorkspaceID)
	}
	return scope, nil
}

// activeSession resolves a session scope and rejects ended sessions
func (s *Store) activeSession(ctx context.Context, op string, scope Scope) (Scope, error) {
	if scope.SessionID == "" {
		return Scope{}, validationError(op, "session scope is required")
	}
	resolved, err := s.ResolveScope(ctx, scope)
	if err != nil {
		return Scope{}, err
	}
	sess, err := s.durable.GetSession(ctx, resolved.SessionID)
	if err != nil {
		return Scope{}, storageError(op, err)
	}
	if sess == nil {
		return Scope{}, notFoundError(op, "session "+resolved.SessionID)
	}
	if sess.Ended() {
		return Scope{}, validationError(op, "session "+sess.ID+" has ended")
	}
	return resolved, nil
}

// ========== Adds ==========

// AddShortTerm stores an expiring session fact
func (s *Store) AddShortTerm(ctx context.Context, req ShortTermRequest) (*Record, error) {
	const op = "add_short_term"
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationError(op, "content cannot be empty")
	}
	if req.TTL < 0 {
		return nil, validationError(op, "ttl cannot be negative")
	}
	importance, err := resolveImportance(op, req.Importance, content)
	if err != nil {
		return nil, err
	}
	scope, err := s.activeSession(ctx, op, req.Scope)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	s.shortMu.Lock()
	defer s.shortMu.Unlock()

	now := s.now()
	expires := now.Add(ttl)
	rec := &Record{
		ID:             uuid.New().String(),
		Tier:           TierShortTerm,
		Scope:          scope,
		Content:        content,
		Tags:           normalizeTags(req.Tags),
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      &expires,
	}
	s.short[rec.ID] = rec

	s.log.Debug("short-term memory added", "id", rec.ID, "session", scope.SessionID, "ttl", ttl)
	return rec.clone(), nil
}

// AddWorking stores a session note, evicting the least recently accessed
// unpinned note when the per-session cap is reached
func (s *Store) AddWorking(ctx context.Context, req WorkingRequest) (*Record, error) {
	const op = "add_working"
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationError(op, "content cannot be empty")
	}
	importance, err := resolveImportance(op, req.Importance, content)
	if err != nil {
		return nil, err
	}
	scope, err := s.activeSession(ctx, op, req.Scope)
	if err != nil {
		return nil, err
	}

	s.workingMu.Lock()
	defer s.workingMu.Unlock()

	var victims []*Record
	if s.workingCap > 0 {
		existing, err := s.durable.ListRecords(ctx, TierWorking, Scope{SessionID: scope.SessionID})
		if err != nil {
			return nil, storageError(op, err)
		}
		for len(existing) >= s.workingCap {
			idx := evictionCandidate(existing)
			if idx < 0 {
				return nil, NewMemoryErrorWithDetails(op, ErrCapacity, "all working memories are pinned")
			}
			victims = append(victims, existing[idx])
			existing = append(existing[:idx], existing[idx+1:]...)
		}
	}

	now := s.now()
	rec := &Record{
		ID:             uuid.New().String(),
		Tier:           TierWorking,
		Scope:          scope,
		Content:        content,
		Tags:           normalizeTags(req.Tags),
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		Pinned:         req.Pinned,
	}

	evict := make([]Ref, 0, len(victims))
	for _, victim := range victims {
		evict = append(evict, victim.Ref())
	}
	if err := s.durable.ReplaceRecords(ctx, evict, rec); err != nil {
		return nil, storageError(op, err)
	}
	for _, victim := range victims {
		s.log.Info("working memory evicted", "id", victim.ID, "session", scope.SessionID)
	}

	s.log.Debug("working memory added", "id", rec.ID, "session", scope.SessionID, "pinned", rec.Pinned)
	return rec, nil
}

// evictionCandidate picks the least recently accessed unpinned record, or -1
func evictionCandidate(records []*Record) int {
	idx := -1
	for i, rec := range records {
		if rec.Pinned {
			continue
		}
		if idx < 0 || lessRecent(rec, records[idx]) {
			idx = i
		}
	}
	return idx
}

func lessRecent(a, b *Record) bool {
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AddLongTerm stores persistent workspace knowledge
func (s *Store) AddLongTerm(ctx context.Context, req LongTermRequest) (*Record, error) {
	const op = "add_long_term"
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationError(op, "content cannot be empty")
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return nil, validationError(op, "workspace is required")
	}
	importance, err := resolveImportance(op, req.Importance, content)
	if err != nil {
		return nil, err
	}

	s.longMu.Lock()
	defer s.longMu.Unlock()

	now := s.now()
	if err := s.durable.EnsureWorkspace(ctx, req.WorkspaceID, now); err != nil {
		return nil, storageError(op, err)
	}

	rec := &Record{
		ID:             newLongTermID(now),
		Tier:           TierLongTerm,
		Scope:          Scope{WorkspaceID: req.WorkspaceID},
		Content:        content,
		Tags:           normalizeTags(req.Tags),
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.durable.InsertRecord(ctx, rec); err != nil {
		return nil, storageError(op, err)
	}

	s.log.Debug("long-term memory added", "id", rec.ID, "workspace", req.WorkspaceID)
	return rec, nil
}

func newLongTermID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

// ========== Access ==========

// Touch records an access. A record that no longer exists is ignored.
func (s *Store) Touch(ctx context.Context, ref Ref) error {
	const op = "touch"
	switch ref.Tier {
	case TierShortTerm:
		s.shortMu.Lock()
		defer s.shortMu.Unlock()
		if rec, ok := s.short[ref.ID]; ok {
			rec.touch(s.now())
		}
		return nil
	case TierWorking, TierLongTerm:
		mu := s.tierLock(ref.Tier)
		mu.Lock()
		defer mu.Unlock()
		if _, err := s.durable.UpdateAccess(ctx, ref, s.now()); err != nil {
			return storageError(op, err)
		}
		return nil
	}
	return validationError(op, "unknown tier "+string(ref.Tier))
}

func (s *Store) tierLock(t Tier) *sync.Mutex {
	switch t {
	case TierShortTerm:
		return &s.shortMu
	case TierWorking:
		return &s.workingMu
	}
	return &s.longMu
}

// Candidates returns snapshot copies of the records of one tier visible in
// a resolved scope. Expired short-term records are filtered out.
func (s *Store) Candidates(ctx context.Context, scope Scope, tier Tier) ([]*Record, error) {
	const op = "candidates"
	switch tier {
	case TierShortTerm:
		s.shortMu.Lock()
		defer s.shortMu.Unlock()
		now := s.now()
		out := make([]*Record, 0, len(s.short))
		for _, rec := range s.short {
			if rec.IsExpired(now) || !scope.Contains(rec.Scope) {
				continue
			}
			out = append(out, rec.clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	case TierWorking:
		s.workingMu.Lock()
		defer s.workingMu.Unlock()
		recs, err := s.durable.ListRecords(ctx, TierWorking, scope)
		if err != nil {
			return nil, storageError(op, err)
		}
		return recs, nil
	case TierLongTerm:
		s.longMu.Lock()
		defer s.longMu.Unlock()
		recs, err := s.durable.ListRecords(ctx, TierLongTerm, Scope{WorkspaceID: scope.WorkspaceID})
		if err != nil {
			return nil, storageError(op, err)
		}
		return recs, nil
	}
	return nil, validationError(op, "unknown tier "+string(tier))
}

// Get loads one record; expired short-term records are reported missing
func (s *Store) Get(ctx context.Context, ref Ref) (*Record, error) {
	const op = "get"
	if ref.Tier == TierShortTerm {
		s.shortMu.Lock()
		defer s.shortMu.Unlock()
		rec, ok := s.short[ref.ID]
		if !ok || rec.IsExpired(s.now()) {
			return nil, notFoundError(op, ref.ID)
		}
		return rec.clone(), nil
	}
	if !ref.Tier.Valid() {
		return nil, validationError(op, "unknown tier "+string(ref.Tier))
	}

	mu := s.tierLock(ref.Tier)
	mu.Lock()
	defer mu.Unlock()
	rec, err := s.durable.GetRecord(ctx, ref)
	if err != nil {
		return nil, storageError(op, err)
	}
	if rec == nil {
		return nil, notFoundError(op, ref.ID)
	}
	return rec, nil
}

// ========== Working memory ==========

// Pin protects a working record from eviction
func (s *Store) Pin(ctx context.Context, id string) error {
	return s.setPinned(ctx, "pin", id, true)
}

// Unpin makes a working record evictable again
func (s *Store) Unpin(ctx context.Context, id string) error {
	return s.setPinned(ctx, "unpin", id, false)
}

func (s *Store) setPinned(ctx context.Context, op, id string, pinned bool) error {
	s.workingMu.Lock()
	defer s.workingMu.Unlock()

	ok, err := s.durable.SetPinned(ctx, id, pinned)
	if err != nil {
		return storageError(op, err)
	}
	if !ok {
		return notFoundError(op, "working memory "+id)
	}
	return nil
}

// Promote moves a working record into its workspace's long-term tier,
// keeping content, tags, importance and access history
func (s *Store) Promote(ctx context.Context, id string) (*Record, error) {
	const op = "promote"

	s.workingMu.Lock()
	defer s.workingMu.Unlock()
	s.longMu.Lock()
	defer s.longMu.Unlock()

	from := Ref{Tier: TierWorking, ID: id}
	rec, err := s.durable.GetRecord(ctx, from)
	if err != nil {
		return nil, storageError(op, err)
	}
	if rec == nil {
		return nil, notFoundError(op, "working memory "+id)
	}

	now := s.now()
	promoted := &Record{
		ID:             newLongTermID(now),
		Tier:           TierLongTerm,
		Scope:          Scope{WorkspaceID: rec.Scope.WorkspaceID},
		Content:        rec.Content,
		Tags:           rec.Tags,
		Importance:     rec.Importance,
		CreatedAt:      now,
		LastAccessedAt: later(now, rec.LastAccessedAt),
		AccessCount:    rec.AccessCount,
	}
	if err := s.durable.MoveRecord(ctx, from, promoted); err != nil {
		return nil, storageError(op, err)
	}

	s.log.Info("working memory promoted", "from", id, "to", promoted.ID, "workspace", promoted.Scope.WorkspaceID)
	return promoted, nil
}

// DeleteLongTerm removes a long-term record; the only way one is removed
func (s *Store) DeleteLongTerm(ctx context.Context, id string) error {
	const op = "delete_long_term"
	s.longMu.Lock()
	defer s.longMu.Unlock()

	ok, err := s.durable.DeleteRecord(ctx, Ref{Tier: TierLongTerm, ID: id})
	if err != nil {
		return storageError(op, err)
	}
	if !ok {
		return notFoundError(op, "long-term memory "+id)
	}
	return nil
}

// ========== Expiry ==========

// SweepExpired removes short-term records whose expiry has passed. A zero
// scope sweeps every session. Returns the number removed.
func (s *Store) SweepExpired(ctx context.Context, scope Scope) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.shortMu.Lock()
	defer s.shortMu.Unlock()

	now := s.now()
	removed := 0
	for id, rec := range s.short {
		if rec.IsExpired(now) && scope.Contains(rec.Scope) {
			delete(s.short, id)
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("expired short-term memories swept", "count", removed, "workspace", scope.WorkspaceID, "session", scope.SessionID)
	}
	return removed, nil
}

// dropSession discards every short-term record of a session
func (s *Store) dropSession(sessionID string) int {
	s.shortMu.Lock()
	defer s.shortMu.Unlock()

	removed := 0
	for id, rec := range s.short {
		if rec.Scope.SessionID == sessionID {
			delete(s.short, id)
			removed++
		}
	}
	return removed
}

// Close releases the durable collaborator
func (s *Store) Close() error {
	return s.durable.Close()
}
