package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hession/memcore/internal/config"
	"github.com/hession/memcore/internal/contextbuilder"
	"github.com/hession/memcore/internal/memory"
	"github.com/hession/memcore/internal/retrieval"
	"github.com/hession/memcore/internal/skills"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Memory.DBPath = filepath.Join(dir, "data", "memory.db")
	cfg.Skills.Dir = filepath.Join(dir, "skills")
	cfg.Housekeeping.Enabled = false
	return cfg
}

func fixedClock() func() time.Time {
	now := time.Date(2025, 5, 10, 14, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func newService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	svc, err := New(cfg, append([]Option{WithClock(fixedClock())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retrieval.MaxResults = 0

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_results")
}

func TestService_EndToEnd(t *testing.T) {
	svc := newService(t, testConfig(t), WithSystemInstruction("You are a careful pair programmer."))
	ctx := context.Background()

	sess, err := svc.OpenSession(ctx, "payments")
	require.NoError(t, err)
	scope := memory.Scope{WorkspaceID: "payments", SessionID: sess.ID}

	_, err = svc.AddShortTermMemory(ctx, memory.ShortTermRequest{Scope: scope, Content: "the refund test is flaky today"})
	require.NoError(t, err)
	_, err = svc.AddWorkingMemory(ctx, memory.WorkingRequest{Scope: scope, Content: "refund handler lives in ledger/refund.go"})
	require.NoError(t, err)
	_, err = svc.AddLongTermMemory(ctx, memory.LongTermRequest{WorkspaceID: "payments", Content: "refund math uses decimal amounts"})
	require.NoError(t, err)

	_, err = svc.AppendTurn(ctx, sess.ID, memory.RoleUser, "why does the refund fail?")
	require.NoError(t, err)

	res, err := svc.Retrieve(ctx, retrieval.Query{Text: "refund", Scope: scope})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, memory.TierWorking, res.Results[0].Tier)

	cc, err := svc.BuildContext(ctx, sess.ID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, svc.Config().Context.TokenBudget, cc.Budget)
	assert.LessOrEqual(t, cc.TotalTokens, cc.Budget)
	assert.Equal(t, contextbuilder.SourceSystem, cc.Segments[0].Source)
	rendered := cc.Render()
	assert.Contains(t, rendered, "decimal amounts")
	assert.Contains(t, rendered, "why does the refund fail?")

	_, err = svc.BuildContext(ctx, sess.ID, nil, -5)
	assert.True(t, memory.IsValidation(err))

	stats, err := svc.GetStats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 1, stats.Turns)
}

func TestService_RetrieveUsesSubBudget(t *testing.T) {
	cfg := testConfig(t)
	svc := newService(t, cfg)
	ctx := context.Background()

	budget := RetrievalBudget(cfg)
	assert.Equal(t, int(float64(cfg.Context.TokenBudget)*cfg.Retrieval.BudgetRatio), budget)

	for i := 0; i < 6; i++ {
		content := fmt.Sprintf("deploy step %d %s", i, strings.Repeat("pipeline ", 160))
		_, err := svc.AddLongTermMemory(ctx, memory.LongTermRequest{WorkspaceID: "ops", Content: content})
		require.NoError(t, err)
	}

	res, err := svc.Retrieve(ctx, retrieval.Query{Text: "deploy", Scope: memory.Scope{WorkspaceID: "ops"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Results)
	assert.LessOrEqual(t, res.TotalTokens, budget)
	assert.Positive(t, res.Truncated)

	res, err = svc.Retrieve(ctx, retrieval.Query{Text: "deploy", Scope: memory.Scope{WorkspaceID: "ops"}, TokenBudget: 100000})
	require.NoError(t, err)
	assert.Len(t, res.Results, 6)
}

func TestService_SessionLifecycle(t *testing.T) {
	svc := newService(t, testConfig(t))
	ctx := context.Background()

	sess, err := svc.OpenSession(ctx, "ws")
	require.NoError(t, err)
	scope := memory.Scope{WorkspaceID: "ws", SessionID: sess.ID}

	_, err = svc.AddShortTermMemory(ctx, memory.ShortTermRequest{Scope: scope, Content: "temporary note"})
	require.NoError(t, err)
	note, err := svc.AddWorkingMemory(ctx, memory.WorkingRequest{Scope: scope, Content: "keep this"})
	require.NoError(t, err)

	require.NoError(t, svc.Pin(ctx, note.ID))
	require.NoError(t, svc.Unpin(ctx, note.ID))

	require.NoError(t, svc.EndSession(ctx, sess.ID))
	_, err = svc.AppendTurn(ctx, sess.ID, memory.RoleUser, "late")
	assert.True(t, memory.IsValidation(err))

	stats, err := svc.GetStats(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, stats.Tier(memory.TierShortTerm).Count)
	assert.Equal(t, 1, stats.Tier(memory.TierWorking).Count)

	promoted, err := svc.Promote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierLongTerm, promoted.Tier)

	require.NoError(t, svc.Forget(ctx, promoted.ID))
	assert.True(t, memory.IsNotFound(svc.Forget(ctx, promoted.ID)))
}

func TestService_LongTermSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	svc, err := New(cfg, WithClock(fixedClock()))
	require.NoError(t, err)
	sess, err := svc.OpenSession(ctx, "ws")
	require.NoError(t, err)
	scope := memory.Scope{WorkspaceID: "ws", SessionID: sess.ID}
	_, err = svc.AddShortTermMemory(ctx, memory.ShortTermRequest{Scope: scope, Content: "volatile deploy fact"})
	require.NoError(t, err)
	_, err = svc.AddLongTermMemory(ctx, memory.LongTermRequest{WorkspaceID: "ws", Content: "deploys go through the release branch"})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	reopened := newService(t, cfg)
	res, err := reopened.Retrieve(ctx, retrieval.Query{Text: "deploy deploys", Scope: scope})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, memory.TierLongTerm, res.Results[0].Tier)
}

func TestService_Skills(t *testing.T) {
	svc := newService(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, svc.SaveSkill(&skills.Skill{
		ID:        "SQL Review",
		Name:      "SQL review",
		AppliesTo: []string{"migration", "query"},
		Content:   "Check every migration for a down step.",
	}))

	ids, err := svc.MatchSkills(ctx, "please review this Migration")
	require.NoError(t, err)
	assert.Equal(t, []string{"sql-review"}, ids)

	sess, err := svc.OpenSession(ctx, "ws")
	require.NoError(t, err)

	cc, err := svc.BuildContext(ctx, sess.ID, ids, 200)
	require.NoError(t, err)
	require.Len(t, cc.Segments, 1)
	assert.Equal(t, "Check every migration for a down step.", cc.Segments[0].Content)

	require.NoError(t, svc.SaveSkill(&skills.Skill{ID: "sql-review", Content: "Check indexes too."}))
	cc, err = svc.BuildContext(ctx, sess.ID, ids, 200)
	require.NoError(t, err)
	assert.Equal(t, "Check indexes too.", cc.Segments[0].Content)

	all, err := svc.ListSkills(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = svc.BuildContext(ctx, sess.ID, []string{"unknown"}, 200)
	assert.True(t, memory.IsNotFound(err))
}

func TestService_SweepAndMaintenance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Housekeeping.Enabled = true
	cfg.Housekeeping.PromoteThreshold = 2

	now := time.Date(2025, 5, 10, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, err := New(cfg, WithClock(clock))
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, svc.Start())

	ctx := context.Background()
	sess, err := svc.OpenSession(ctx, "ws")
	require.NoError(t, err)
	scope := memory.Scope{WorkspaceID: "ws", SessionID: sess.ID}

	_, err = svc.AddShortTermMemory(ctx, memory.ShortTermRequest{Scope: scope, Content: "expires soon", TTL: time.Second})
	require.NoError(t, err)
	_, err = svc.AddWorkingMemory(ctx, memory.WorkingRequest{Scope: scope, Content: "hot topic cache"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.Retrieve(ctx, retrieval.Query{Text: "cache", Scope: scope})
		require.NoError(t, err)
	}

	now = now.Add(time.Minute)
	removed, err := svc.Sweep(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	result := svc.RunMaintenance(ctx)
	assert.Empty(t, result.Errors)
	assert.Zero(t, result.ExpiredCleaned)
	assert.Equal(t, 1, result.Promoted)

	stats, err := svc.GetStats(ctx, memory.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tier(memory.TierLongTerm).Count)
}
