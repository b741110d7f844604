package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hession/memcore/internal/memory"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupEngine(t *testing.T, cfg Config) (*Engine, *memory.Store, *testClock, memory.Scope) {
	t.Helper()
	durable, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "retrieval.db"))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(durable, memory.WithClock(clock.Now))
	t.Cleanup(func() { store.Close() })

	sess, err := store.OpenSession(context.Background(), "ws")
	require.NoError(t, err)

	return NewEngine(store, cfg), store, clock, memory.Scope{WorkspaceID: "ws", SessionID: sess.ID}
}

func contents(rc *RetrievedContext) []string {
	out := make([]string, 0, len(rc.Results))
	for _, r := range rc.Results {
		out = append(out, r.Record.Content)
	}
	return out
}

func TestRetrieve_ExpiredShortTermNeverReturned(t *testing.T) {
	engine, store, clock, scope := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	ttls := []time.Duration{3 * time.Minute, time.Minute, 5 * time.Minute, 2 * time.Minute}
	for i, ttl := range ttls {
		_, err := store.AddShortTerm(ctx, memory.ShortTermRequest{
			Scope:   scope,
			Content: fmt.Sprintf("cache note %d", i),
			TTL:     ttl,
		})
		require.NoError(t, err)
	}

	for minute := 0; minute <= 5; minute++ {
		rc, err := engine.Retrieve(ctx, Query{Text: "cache", Scope: scope})
		require.NoError(t, err)
		for _, res := range rc.Results {
			assert.True(t, res.Record.ExpiresAt.After(clock.Now()), "minute %d returned expired %q", minute, res.Record.Content)
		}
		clock.Advance(time.Minute)
	}

	rc, err := engine.Retrieve(ctx, Query{Text: "cache", Scope: scope})
	require.NoError(t, err)
	assert.Empty(t, rc.Results)
}

func TestRetrieve_TierTieBreak(t *testing.T) {
	engine, store, clock, scope := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	_, err := store.AddShortTerm(ctx, memory.ShortTermRequest{Scope: scope, Content: "deploy", Importance: 0.5, TTL: time.Hour})
	require.NoError(t, err)
	_, err = store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "release checklist", Tags: []string{"deploy"}, Importance: 0.5})
	require.NoError(t, err)

	rc, err := engine.Retrieve(ctx, Query{Text: "deploy", Scope: scope})
	require.NoError(t, err)
	require.Len(t, rc.Results, 2)
	assert.Equal(t, rc.Results[0].Score, rc.Results[1].Score, "scores should tie")
	assert.Equal(t, memory.TierLongTerm, rc.Results[0].Tier)
	assert.Equal(t, memory.TierShortTerm, rc.Results[1].Tier)

	// Working beats long-term at equal score
	clock.Advance(time.Minute)
	_, err = store.AddWorking(ctx, memory.WorkingRequest{Scope: scope, Content: "deploy", Importance: 0.5})
	require.NoError(t, err)
	_, err = store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "deploy", Importance: 0.5})
	require.NoError(t, err)

	rc, err = engine.Retrieve(ctx, Query{Text: "deploy", Scope: scope, Tiers: []memory.Tier{memory.TierWorking, memory.TierLongTerm}})
	require.NoError(t, err)
	require.NotEmpty(t, rc.Results)
	assert.Equal(t, memory.TierWorking, rc.Results[0].Tier)
}

func TestRetrieve_StaleShortTermRanksBelowLongTerm(t *testing.T) {
	engine, store, clock, scope := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	_, err := store.AddShortTerm(ctx, memory.ShortTermRequest{Scope: scope, Content: "deploy", Importance: 0.5, TTL: 24 * time.Hour})
	require.NoError(t, err)
	clock.Advance(6 * time.Hour)
	_, err = store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "runbook", Tags: []string{"Deploy"}, Importance: 0.5})
	require.NoError(t, err)

	rc, err := engine.Retrieve(ctx, Query{Text: "deploy", Scope: scope})
	require.NoError(t, err)
	require.Len(t, rc.Results, 2)
	assert.Equal(t, memory.TierLongTerm, rc.Results[0].Tier)
	assert.Equal(t, rc.Results[0].Lexical, rc.Results[1].Lexical)
}

func TestRetrieve_NoMatchIsEmpty(t *testing.T) {
	engine, store, _, scope := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	_, err := store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "uses postgres"})
	require.NoError(t, err)

	rc, err := engine.Retrieve(ctx, Query{Text: "kubernetes", Scope: scope})
	require.NoError(t, err)
	assert.Empty(t, rc.Results)
	assert.Equal(t, 1, rc.Considered)
}

func TestRetrieve_EmptyQueryRanksEverything(t *testing.T) {
	engine, store, clock, scope := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	_, err := store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "old", Importance: 0.5})
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "new", Importance: 0.5})
	require.NoError(t, err)

	rc, err := engine.Retrieve(ctx, Query{Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, contents(rc))
}

func TestRetrieve_ScopeErrors(t *testing.T) {
	engine, _, _, _ := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	_, err := engine.Retrieve(ctx, Query{Text: "x", Scope: memory.Scope{SessionID: "missing"}})
	assert.True(t, memory.IsNotFound(err))

	_, err = engine.Retrieve(ctx, Query{Text: "x"})
	assert.True(t, memory.IsValidation(err))

	_, err = engine.Retrieve(ctx, Query{Text: "x", Scope: memory.Scope{WorkspaceID: "ws"}, Tiers: []memory.Tier{"bogus"}})
	assert.True(t, memory.IsValidation(err))
}

func TestRetrieve_TouchesReturnedRecords(t *testing.T) {
	engine, store, clock, scope := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	hit, err := store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "go modules"})
	require.NoError(t, err)
	miss, err := store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "python wheels"})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		clock.Advance(time.Minute)
		_, err := engine.Retrieve(ctx, Query{Text: "go", Scope: scope})
		require.NoError(t, err)

		got, err := store.Get(ctx, hit.Ref())
		require.NoError(t, err)
		assert.Equal(t, int64(i), got.AccessCount)
		assert.True(t, got.LastAccessedAt.Equal(clock.Now()))
	}

	got, err := store.Get(ctx, miss.Ref())
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount)
}

func TestRetrieve_MaxResultsAndBudget(t *testing.T) {
	engine, store, clock, scope := setupEngine(t, Config{MaxResults: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.AddLongTerm(ctx, memory.LongTermRequest{
			WorkspaceID: "ws",
			Content:     fmt.Sprintf("note %d %s", i, strings.Repeat("x", 27)),
		})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	rc, err := engine.Retrieve(ctx, Query{Text: "note", Scope: scope})
	require.NoError(t, err)
	assert.Len(t, rc.Results, 3)
	assert.Equal(t, 2, rc.Truncated)

	// each record is 34 bytes, so 12 tokens
	rc, err = engine.Retrieve(ctx, Query{Text: "note", Scope: scope, MaxResults: 5, TokenBudget: 30})
	require.NoError(t, err)
	assert.Len(t, rc.Results, 2)
	assert.Equal(t, 24, rc.TotalTokens)
	assert.LessOrEqual(t, rc.TotalTokens, 30)
	assert.Equal(t, 3, rc.Truncated)
}

func TestRetrieve_TierFilter(t *testing.T) {
	engine, store, _, scope := setupEngine(t, DefaultConfig())
	ctx := context.Background()

	_, err := store.AddShortTerm(ctx, memory.ShortTermRequest{Scope: scope, Content: "lint"})
	require.NoError(t, err)
	_, err = store.AddWorking(ctx, memory.WorkingRequest{Scope: scope, Content: "lint"})
	require.NoError(t, err)
	_, err = store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "lint"})
	require.NoError(t, err)

	rc, err := engine.Retrieve(ctx, Query{Text: "lint", Scope: scope, Tiers: []memory.Tier{memory.TierShortTerm, memory.TierShortTerm}})
	require.NoError(t, err)
	require.Len(t, rc.Results, 1)
	assert.Equal(t, memory.TierShortTerm, rc.Results[0].Tier)

	// A workspace-only scope sees working notes of all its sessions
	rc, err = engine.Retrieve(ctx, Query{Text: "lint", Scope: memory.Scope{WorkspaceID: "ws"}})
	require.NoError(t, err)
	assert.Len(t, rc.Results, 3)
}

type failingSource struct {
	err error
}

func (f *failingSource) ResolveScope(_ context.Context, s memory.Scope) (memory.Scope, error) {
	return s, nil
}

func (f *failingSource) Candidates(_ context.Context, _ memory.Scope, tier memory.Tier) ([]*memory.Record, error) {
	if tier == memory.TierLongTerm {
		return nil, f.err
	}
	return nil, nil
}

func (f *failingSource) Touch(context.Context, memory.Ref) error { return nil }
func (f *failingSource) Now() time.Time                          { return time.Now() }

func TestRetrieve_PropagatesStorageError(t *testing.T) {
	storageErr := memory.NewMemoryError("candidates", fmt.Errorf("%w: disk gone", memory.ErrStorage))
	engine := NewEngine(&failingSource{err: storageErr}, DefaultConfig())

	rc, err := engine.Retrieve(context.Background(), Query{Text: "x", Scope: memory.Scope{WorkspaceID: "ws"}})
	assert.Nil(t, rc)
	assert.True(t, memory.IsStorage(err))
	assert.True(t, errors.Is(err, storageErr))
}

func TestLexicalOverlap(t *testing.T) {
	rec := &memory.Record{Content: "The build uses Bazel", Tags: []string{"ci-pipeline"}}

	tests := []struct {
		query    string
		expected float64
	}{
		{"bazel", 1},
		{"Bazel build", 1},
		{"bazel gradle", 0.5},
		{"pipeline", 1},
		{"maven", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.InDelta(t, tt.expected, LexicalOverlap(uniqueTokens(tt.query), rec), 1e-9)
		})
	}
}

func TestRecency(t *testing.T) {
	day := 24 * time.Hour
	assert.Equal(t, 1.0, Recency(0, day))
	assert.Equal(t, 1.0, Recency(-time.Hour, day))
	assert.InDelta(t, 0.5, Recency(day, day), 1e-9)
	assert.InDelta(t, 0.25, Recency(2*day, day), 1e-9)
	assert.Greater(t, Recency(time.Hour, day), Recency(2*time.Hour, day))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"go", "1", "24", "release", "测试"}, Tokenize("Go-1.24 release: 测试"))
}
