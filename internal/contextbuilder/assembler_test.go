package contextbuilder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hession/memcore/internal/memory"
	"github.com/hession/memcore/internal/retrieval"
	"github.com/hession/memcore/internal/skills"
)

type fixture struct {
	store     *memory.Store
	engine    *retrieval.Engine
	registry  *skills.FileRegistry
	sessionID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	durable, err := memory.NewSQLiteStore(filepath.Join(dir, "ctx.db"))
	require.NoError(t, err)

	fixed := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	store := memory.NewStore(durable, memory.WithClock(func() time.Time { return fixed }))
	t.Cleanup(func() { store.Close() })

	sess, err := store.OpenSession(context.Background(), "ws")
	require.NoError(t, err)

	return &fixture{
		store:     store,
		engine:    retrieval.NewEngine(store, retrieval.DefaultConfig()),
		registry:  skills.NewFileRegistry(filepath.Join(dir, "skills")),
		sessionID: sess.ID,
	}
}

func (f *fixture) assembler(cfg Config, opts ...Option) *Assembler {
	return New(f.store, f.engine, f.registry, cfg, opts...)
}

func (f *fixture) turn(t *testing.T, role, content string) {
	t.Helper()
	_, err := f.store.AppendTurn(context.Background(), f.sessionID, role, content)
	require.NoError(t, err)
}

// text returns a string whose estimate is exactly tokens
func text(prefix string, tokens int) string {
	n := memory.MaxBytesForTokens(tokens)
	if len(prefix) >= n {
		return prefix[:n]
	}
	return prefix + strings.Repeat("x", n-len(prefix))
}

func sumTokens(segs []Segment) int {
	total := 0
	for _, s := range segs {
		total += s.Tokens
	}
	return total
}

func TestBuild_MemorySegmentDroppedWhenOverBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	system := text("system ", 30)
	f.turn(t, memory.RoleUser, text("deploy ", 65))
	_, err := f.store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: text("deploy notes ", 20)})
	require.NoError(t, err)

	a := f.assembler(Config{SystemInstruction: system, RecentTurns: 4, HistoryLimit: 10, RetrievalRatio: 0.3})
	cc, err := a.Build(ctx, Request{SessionID: f.sessionID, Budget: 100})
	require.NoError(t, err)

	assert.Equal(t, 95, cc.TotalTokens)
	require.Len(t, cc.Segments, 2)
	assert.Equal(t, SourceSystem, cc.Segments[0].Source)
	assert.Equal(t, SourceHistory, cc.Segments[1].Source)
	for _, seg := range cc.Segments {
		assert.False(t, seg.Summarized)
	}

	omitted := cc.Omitted()
	require.Len(t, omitted, 1)
	assert.Equal(t, SourceMemory, omitted[0].Source)
	assert.Equal(t, 20, omitted[0].OriginalTokens)
	assert.True(t, cc.HasOmissions())
}

func TestBuild_LatestUserTurnSummarized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	long := text("please refactor the scheduler ", 70)
	f.turn(t, memory.RoleUser, long)

	a := f.assembler(Config{RecentTurns: 4, HistoryLimit: 10, RetrievalRatio: 0.3})
	cc, err := a.Build(ctx, Request{SessionID: f.sessionID, Budget: 50})
	require.NoError(t, err)

	require.Len(t, cc.Segments, 1)
	seg := cc.Segments[0]
	assert.Equal(t, SourceHistory, seg.Source)
	assert.Equal(t, memory.RoleUser, seg.Role)
	assert.True(t, seg.Summarized)
	assert.LessOrEqual(t, seg.Tokens, 50)
	assert.True(t, strings.HasPrefix(seg.Content, "please refactor"))
	assert.True(t, strings.HasSuffix(seg.Content, ellipsis))
	assert.LessOrEqual(t, cc.TotalTokens, 50)

	require.Len(t, cc.Warnings, 1)
	assert.Equal(t, ActionSummarized, cc.Warnings[0].Action)
	assert.Equal(t, 70, cc.Warnings[0].OriginalTokens)
	assert.False(t, cc.HasOmissions())
}

func TestBuild_SummarizesAfterSystemInstruction(t *testing.T) {
	f := newFixture(t)
	f.turn(t, memory.RoleUser, text("question ", 70))

	a := f.assembler(Config{SystemInstruction: text("sys ", 10), RetrievalRatio: 0.3})
	cc, err := a.Build(context.Background(), Request{SessionID: f.sessionID, Budget: 50})
	require.NoError(t, err)

	require.Len(t, cc.Segments, 2)
	assert.Equal(t, 10, cc.Segments[0].Tokens)
	assert.True(t, cc.Segments[1].Summarized)
	assert.LessOrEqual(t, cc.Segments[1].Tokens, 40)
	assert.LessOrEqual(t, cc.TotalTokens, 50)
}

func TestBuild_PriorityAndOutputOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Save(&skills.Skill{ID: "go-style", Content: "Run gofmt before committing."}))
	for i := 0; i < 6; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		f.turn(t, role, fmt.Sprintf("turn %d about linting", i))
	}
	_, err := f.store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "linting uses golangci-lint"})
	require.NoError(t, err)

	a := f.assembler(Config{SystemInstruction: "be terse", RecentTurns: 2, HistoryLimit: 10, RetrievalRatio: 0.5})
	cc, err := a.Build(ctx, Request{SessionID: f.sessionID, Skills: []string{"go-style"}, Budget: 1000})
	require.NoError(t, err)

	var sources []Source
	var history []string
	for _, seg := range cc.Segments {
		sources = append(sources, seg.Source)
		if seg.Source == SourceHistory {
			history = append(history, seg.Content)
		}
	}
	assert.Equal(t, []Source{SourceSystem, SourceSkill, SourceMemory,
		SourceHistory, SourceHistory, SourceHistory, SourceHistory, SourceHistory, SourceHistory}, sources)
	assert.Equal(t, "turn 0 about linting", history[0])
	assert.Equal(t, "turn 5 about linting", history[5])
	assert.Empty(t, cc.Warnings)
	assert.Equal(t, sumTokens(cc.Segments), cc.TotalTokens)
	assert.Contains(t, cc.Render(), "[skill:go-style]")
}

func TestBuild_OlderHistoryDroppedFirst(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.turn(t, memory.RoleUser, text(fmt.Sprintf("t%d ", i), 10))
	}

	a := f.assembler(Config{RecentTurns: 2, HistoryLimit: 10, RetrievalRatio: 0.1})
	cc, err := a.Build(context.Background(), Request{SessionID: f.sessionID, Budget: 35})
	require.NoError(t, err)

	require.Len(t, cc.Segments, 3)
	assert.True(t, strings.HasPrefix(cc.Segments[0].Content, "t2"))
	assert.True(t, strings.HasPrefix(cc.Segments[2].Content, "t4"))
	assert.Equal(t, 30, cc.TotalTokens)
	assert.Len(t, cc.Omitted(), 2)
}

func TestBuild_SkillsWholeOrDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Save(&skills.Skill{ID: "big", Content: text("big skill ", 40)}))
	require.NoError(t, f.registry.Save(&skills.Skill{ID: "small", Content: text("small ", 5)}))

	a := f.assembler(Config{RetrievalRatio: 0.3})
	cc, err := a.Build(context.Background(), Request{SessionID: f.sessionID, Skills: []string{"big", "small"}, Budget: 30})
	require.NoError(t, err)

	require.Len(t, cc.Segments, 1)
	assert.Equal(t, "small", cc.Segments[0].RefID)
	assert.False(t, cc.Segments[0].Summarized)
	require.Len(t, cc.Warnings, 1)
	assert.Equal(t, ActionDropped, cc.Warnings[0].Action)
	assert.Equal(t, "big", cc.Warnings[0].RefID)

	_, err = a.Build(context.Background(), Request{SessionID: f.sessionID, Skills: []string{"missing"}, Budget: 30})
	assert.True(t, memory.IsNotFound(err))
}

func TestBuild_BudgetInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Save(&skills.Skill{ID: "review", Content: text("review ", 12)}))
	for i := 0; i < 8; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		f.turn(t, role, text(fmt.Sprintf("cache turn %d ", i), 5+i*3))
	}
	for i := 0; i < 5; i++ {
		_, err := f.store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: text(fmt.Sprintf("cache fact %d ", i), 4+i)})
		require.NoError(t, err)
	}

	a := f.assembler(Config{SystemInstruction: text("system ", 15), RecentTurns: 3, HistoryLimit: 20, RetrievalRatio: 0.4})
	for budget := 0; budget <= 200; budget += 7 {
		cc, err := a.Build(ctx, Request{SessionID: f.sessionID, Skills: []string{"review"}, Budget: budget})
		require.NoError(t, err)
		assert.LessOrEqual(t, cc.TotalTokens, budget, "budget %d", budget)
		assert.Equal(t, sumTokens(cc.Segments), cc.TotalTokens, "budget %d", budget)
		for _, seg := range cc.Segments {
			assert.Equal(t, memory.EstimateTokens(seg.Content), seg.Tokens)
		}
	}
}

func TestBuild_ZeroAndNegativeBudget(t *testing.T) {
	f := newFixture(t)
	f.turn(t, memory.RoleUser, "hello")
	a := f.assembler(Config{SystemInstruction: "sys", RetrievalRatio: 0.3})

	cc, err := a.Build(context.Background(), Request{SessionID: f.sessionID, Budget: 0})
	require.NoError(t, err)
	assert.Empty(t, cc.Segments)
	assert.Zero(t, cc.TotalTokens)
	assert.Len(t, cc.Omitted(), 2)

	_, err = a.Build(context.Background(), Request{SessionID: f.sessionID, Budget: -1})
	assert.True(t, memory.IsValidation(err))

	_, err = a.Build(context.Background(), Request{SessionID: "missing", Budget: 10})
	assert.True(t, memory.IsNotFound(err))
}

func TestBuild_Deterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.turn(t, memory.RoleUser, "how do we run migrations")
	f.turn(t, memory.RoleAssistant, "with the migrate tool")
	f.turn(t, memory.RoleUser, "and migrations in CI?")
	for i := 0; i < 4; i++ {
		_, err := f.store.AddLongTerm(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: fmt.Sprintf("migrations note %d", i), Importance: 0.5})
		require.NoError(t, err)
	}
	scope := memory.Scope{SessionID: f.sessionID}
	_, err := f.store.AddWorking(ctx, memory.WorkingRequest{Scope: scope, Content: "migrations are pinned", Pinned: true})
	require.NoError(t, err)

	a := f.assembler(Config{SystemInstruction: "sys", RecentTurns: 2, HistoryLimit: 10, RetrievalRatio: 0.3})
	first, err := a.Build(ctx, Request{SessionID: f.sessionID, Budget: 60})
	require.NoError(t, err)
	second, err := a.Build(ctx, Request{SessionID: f.sessionID, Budget: 60})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.Render(), second.Render())
}

type stubTranscript struct {
	err error
}

func (s *stubTranscript) GetSession(_ context.Context, id string) (*memory.Session, error) {
	return &memory.Session{ID: id, WorkspaceID: "ws"}, nil
}

func (s *stubTranscript) Turns(context.Context, string, int) ([]memory.Turn, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []memory.Turn{{ID: 1, Role: memory.RoleUser, Content: "hi"}}, nil
}

type stubRetriever struct {
	err error
}

func (s *stubRetriever) Retrieve(context.Context, retrieval.Query) (*retrieval.RetrievedContext, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &retrieval.RetrievedContext{}, nil
}

func TestBuild_PropagatesErrors(t *testing.T) {
	storageErr := memory.NewMemoryError("turns", fmt.Errorf("%w: locked", memory.ErrStorage))

	a := New(&stubTranscript{err: storageErr}, &stubRetriever{}, nil, DefaultConfig())
	_, err := a.Build(context.Background(), Request{SessionID: "s", Budget: 100})
	assert.True(t, memory.IsStorage(err))

	a = New(&stubTranscript{}, &stubRetriever{err: storageErr}, nil, DefaultConfig())
	cc, err := a.Build(context.Background(), Request{SessionID: "s", Budget: 100})
	assert.Nil(t, cc)
	assert.True(t, memory.IsStorage(err))

	a = New(&stubTranscript{}, &stubRetriever{}, nil, DefaultConfig())
	_, err = a.Build(context.Background(), Request{SessionID: "s", Skills: []string{"x"}, Budget: 100})
	assert.True(t, memory.IsNotFound(err))
}

func TestBuild_CustomSummarizerCannotBreakBudget(t *testing.T) {
	f := newFixture(t)
	f.turn(t, memory.RoleUser, text("q ", 40))

	greedy := func(content string, maxTokens int) (string, error) {
		return content + " and more", nil
	}
	a := f.assembler(Config{RetrievalRatio: 0.3}, WithSummarizer(greedy))
	cc, err := a.Build(context.Background(), Request{SessionID: f.sessionID, Budget: 20})
	require.NoError(t, err)

	assert.Empty(t, cc.Segments)
	assert.Len(t, cc.Omitted(), 1)
}

func TestTruncate(t *testing.T) {
	out, err := Truncate("short", 10)
	require.NoError(t, err)
	assert.Equal(t, "short", out)

	out, err = Truncate(strings.Repeat("a", 100), 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, memory.EstimateTokens(out), 10)
	assert.True(t, strings.HasSuffix(out, ellipsis))

	// wide runes cost two tokens each, the ellipsis one
	out, err = Truncate(strings.Repeat("测", 50), 5)
	require.NoError(t, err)
	assert.Equal(t, "测测"+ellipsis, out)
	assert.LessOrEqual(t, memory.EstimateTokens(out), 5)

	// no room for the ellipsis keeps a bare head
	out, err = Truncate("abcdefgh", 1)
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	out, err = Truncate(strings.Repeat("测", 4), 2)
	require.NoError(t, err)
	assert.Equal(t, "测", out)

	_, err = Truncate(strings.Repeat("测", 4), 1)
	assert.ErrorIs(t, err, ErrNoRoom)

	_, err = Truncate("abcdefgh", 0)
	assert.ErrorIs(t, err, ErrNoRoom)
}

func TestBuild_LatestUserTurnSummarizedAtOneToken(t *testing.T) {
	f := newFixture(t)
	f.turn(t, memory.RoleUser, text("please refactor the scheduler ", 70))

	a := f.assembler(Config{RecentTurns: 4, HistoryLimit: 10, RetrievalRatio: 0.3})
	cc, err := a.Build(context.Background(), Request{SessionID: f.sessionID, Budget: 1})
	require.NoError(t, err)

	require.Len(t, cc.Segments, 1)
	assert.Equal(t, "ple", cc.Segments[0].Content)
	assert.True(t, cc.Segments[0].Summarized)
	assert.Equal(t, 1, cc.TotalTokens)
	require.Len(t, cc.Warnings, 1)
	assert.Equal(t, ActionSummarized, cc.Warnings[0].Action)
}
