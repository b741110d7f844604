// Package service wires the memory tiers, retrieval, skills, context
// assembly and housekeeping into one facade built from configuration.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hession/memcore/internal/config"
	"github.com/hession/memcore/internal/contextbuilder"
	"github.com/hession/memcore/internal/lifecycle"
	"github.com/hession/memcore/internal/memory"
	"github.com/hession/memcore/internal/retrieval"
	"github.com/hession/memcore/internal/skills"
)

// Service memory core facade
type Service struct {
	config      *config.Config
	log         *slog.Logger
	store       *memory.Store
	engine      *retrieval.Engine
	files       *skills.FileRegistry
	skills      *skills.CachedRegistry
	assembler   *contextbuilder.Assembler
	housekeeper *lifecycle.Housekeeper
}

type options struct {
	log               *slog.Logger
	now               func() time.Time
	systemInstruction string
	summarize         contextbuilder.SummarizeFunc
}

// Option service configuration option
type Option func(*options)

// WithLogger sets the logger shared by every component
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSystemInstruction sets the instruction placed first in every context
func WithSystemInstruction(text string) Option {
	return func(o *options) {
		o.systemInstruction = text
	}
}

// WithSummarizer replaces the truncating summarizer used for required segments
func WithSummarizer(fn contextbuilder.SummarizeFunc) Option {
	return func(o *options) {
		o.summarize = fn
	}
}

// New creates a service from configuration. Housekeeping is not scheduled
// until Start is called.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Memory.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	durable, err := memory.NewSQLiteStore(cfg.Memory.DBPath)
	if err != nil {
		return nil, err
	}

	storeOpts := []memory.Option{
		memory.WithLogger(o.log),
		memory.WithDefaultTTL(time.Duration(cfg.Memory.ShortTermTTLSeconds) * time.Second),
		memory.WithWorkingCap(cfg.Memory.WorkingMemoryCap),
	}
	if o.now != nil {
		storeOpts = append(storeOpts, memory.WithClock(o.now))
	}
	store := memory.NewStore(durable, storeOpts...)

	engine := retrieval.NewEngine(store, retrieval.Config{
		MaxResults:      cfg.Retrieval.MaxResults,
		TokenBudget:     RetrievalBudget(cfg),
		RecencyHalfLife: time.Duration(cfg.Retrieval.RecencyHalfLifeHours * float64(time.Hour)),
		Weights: retrieval.Weights{
			Lexical:    cfg.Retrieval.ScoringWeights.Lexical,
			Recency:    cfg.Retrieval.ScoringWeights.Recency,
			Importance: cfg.Retrieval.ScoringWeights.Importance,
		},
	}, retrieval.WithLogger(o.log))

	files := skills.NewFileRegistry(cfg.Skills.Dir)
	cached, err := skills.NewCachedRegistry(files, cfg.Skills.CacheMaxCost)
	if err != nil {
		store.Close()
		return nil, err
	}

	asmOpts := []contextbuilder.Option{contextbuilder.WithLogger(o.log)}
	if o.summarize != nil {
		asmOpts = append(asmOpts, contextbuilder.WithSummarizer(o.summarize))
	}
	assembler := contextbuilder.New(store, engine, cached, contextbuilder.Config{
		SystemInstruction: o.systemInstruction,
		RecentTurns:       cfg.Context.RecentTurns,
		HistoryLimit:      cfg.Context.HistoryLimit,
		RetrievalRatio:    cfg.Retrieval.BudgetRatio,
	}, asmOpts...)

	housekeeper := lifecycle.New(store, lifecycle.Config{
		Enabled:          cfg.Housekeeping.Enabled,
		Schedule:         cfg.Housekeeping.Schedule,
		PromoteThreshold: cfg.Housekeeping.PromoteThreshold,
	}, o.log)

	o.log.Info("memory service ready",
		"db", cfg.Memory.DBPath,
		"skills", cfg.Skills.Dir,
		"token_budget", cfg.Context.TokenBudget,
	)

	return &Service{
		config:      cfg,
		log:         o.log,
		store:       store,
		engine:      engine,
		files:       files,
		skills:      cached,
		assembler:   assembler,
		housekeeper: housekeeper,
	}, nil
}

// RetrievalBudget is the default token sub-budget for a retrieval: the
// context budget scaled by the retrieval ratio
func RetrievalBudget(cfg *config.Config) int {
	budget := int(float64(cfg.Context.TokenBudget) * cfg.Retrieval.BudgetRatio)
	if budget <= 0 && cfg.Context.TokenBudget > 0 {
		return 1
	}
	return budget
}

// Start schedules background housekeeping
func (s *Service) Start() error {
	return s.housekeeper.Start()
}

// Close stops housekeeping and releases the store and skill cache
func (s *Service) Close() error {
	s.housekeeper.Stop()
	s.skills.Close()
	return s.store.Close()
}

// Config returns the configuration the service was built from
func (s *Service) Config() *config.Config {
	return s.config
}

// ========== Sessions ==========

// OpenSession starts a session in a workspace
func (s *Service) OpenSession(ctx context.Context, workspaceID string) (*memory.Session, error) {
	return s.store.OpenSession(ctx, workspaceID)
}

// EndSession ends a session and discards its short-term memory
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	return s.store.EndSession(ctx, sessionID)
}

// AppendTurn records a conversation turn
func (s *Service) AppendTurn(ctx context.Context, sessionID, role, content string) (*memory.Turn, error) {
	return s.store.AppendTurn(ctx, sessionID, role, content)
}

// Turns returns up to limit most recent turns, oldest first
func (s *Service) Turns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	return s.store.Turns(ctx, sessionID, limit)
}

// ========== Memory ==========

// AddShortTermMemory stores an expiring session fact
func (s *Service) AddShortTermMemory(ctx context.Context, req memory.ShortTermRequest) (*memory.Record, error) {
	return s.store.AddShortTerm(ctx, req)
}

// AddWorkingMemory stores a session note, evicting the least recently used
// unpinned note when the session is at capacity
func (s *Service) AddWorkingMemory(ctx context.Context, req memory.WorkingRequest) (*memory.Record, error) {
	return s.store.AddWorking(ctx, req)
}

// AddLongTermMemory stores persistent workspace knowledge
func (s *Service) AddLongTermMemory(ctx context.Context, req memory.LongTermRequest) (*memory.Record, error) {
	return s.store.AddLongTerm(ctx, req)
}

// Pin protects a working memory from eviction
func (s *Service) Pin(ctx context.Context, id string) error {
	return s.store.Pin(ctx, id)
}

// Unpin makes a working memory evictable again
func (s *Service) Unpin(ctx context.Context, id string) error {
	return s.store.Unpin(ctx, id)
}

// Promote moves a working memory into long-term memory
func (s *Service) Promote(ctx context.Context, id string) (*memory.Record, error) {
	return s.store.Promote(ctx, id)
}

// Forget deletes a long-term memory
func (s *Service) Forget(ctx context.Context, id string) error {
	return s.store.DeleteLongTerm(ctx, id)
}

// Sweep removes expired short-term memory in scope; a zero scope sweeps all
func (s *Service) Sweep(ctx context.Context, scope memory.Scope) (int, error) {
	return s.store.SweepExpired(ctx, scope)
}

// RunMaintenance runs one housekeeping pass immediately
func (s *Service) RunMaintenance(ctx context.Context) *lifecycle.MaintenanceResult {
	return s.housekeeper.RunMaintenance(ctx)
}

// ========== Retrieval and context ==========

// Retrieve ranks memory visible in the query scope. A zero token budget
// uses the configured retrieval sub-budget.
func (s *Service) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.RetrievedContext, error) {
	return s.engine.Retrieve(ctx, q)
}

// BuildContext assembles the context for a session. A zero budget uses the
// configured token budget.
func (s *Service) BuildContext(ctx context.Context, sessionID string, taskSkills []string, budget int) (*contextbuilder.ChatContext, error) {
	if budget == 0 {
		budget = s.config.Context.TokenBudget
	}
	return s.assembler.Build(ctx, contextbuilder.Request{
		SessionID: sessionID,
		Skills:    taskSkills,
		Budget:    budget,
	})
}

// GetStats reports memory usage in scope; a zero scope covers everything
func (s *Service) GetStats(ctx context.Context, scope memory.Scope) (*memory.MemoryStats, error) {
	return s.store.Stats(ctx, scope)
}

// ========== Skills ==========

// ListSkills returns every registered skill
func (s *Service) ListSkills(ctx context.Context) ([]skills.Skill, error) {
	return s.skills.List(ctx)
}

// SaveSkill writes a skill definition and drops any cached copy
func (s *Service) SaveSkill(skill *skills.Skill) error {
	if err := s.files.Save(skill); err != nil {
		return err
	}
	s.skills.Invalidate(skill.ID)
	return nil
}

// MatchSkills returns IDs of skills whose applies_to hints occur in task
func (s *Service) MatchSkills(ctx context.Context, task string) ([]string, error) {
	all, err := s.skills.List(ctx)
	if err != nil {
		return nil, err
	}
	return skills.Match(all, task), nil
}
