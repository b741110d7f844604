// Package retrieval ranks memory records across tiers for a query.
//
// Scoring is a fixed weighted sum of lexical overlap, recency decay and
// importance. There is no learned ranking model.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/hession/memcore/internal/memory"
)

// DefaultMaxResults applies when neither query nor config set a limit
const DefaultMaxResults = 10

// Weights hybrid score weights
type Weights struct {
	Lexical    float64
	Recency    float64
	Importance float64
}

// Config engine configuration
type Config struct {
	MaxResults      int
	TokenBudget     int // default retrieval sub-budget; 0 means unlimited
	RecencyHalfLife time.Duration
	Weights         Weights
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxResults:      DefaultMaxResults,
		RecencyHalfLife: 72 * time.Hour,
		Weights:         Weights{Lexical: 0.6, Recency: 0.2, Importance: 0.2},
	}
}

// Source is the read side of the memory store used by the engine
type Source interface {
	ResolveScope(ctx context.Context, scope memory.Scope) (memory.Scope, error)
	Candidates(ctx context.Context, scope memory.Scope, tier memory.Tier) ([]*memory.Record, error)
	Touch(ctx context.Context, ref memory.Ref) error
	Now() time.Time
}

// Query retrieval request
type Query struct {
	Text        string
	Scope       memory.Scope
	MaxResults  int           // 0 uses the engine default
	Tiers       []memory.Tier // empty means every tier
	TokenBudget int           // 0 uses the engine default
}

// Result one ranked record
type Result struct {
	Record     *memory.Record `json:"record"`
	Tier       memory.Tier    `json:"tier"`
	Score      float64        `json:"score"`
	Lexical    float64        `json:"lexical"`
	Recency    float64        `json:"recency"`
	Importance float64        `json:"importance"`
	Tokens     int            `json:"tokens"`
}

// RetrievedContext ranked results plus their aggregate token estimate
type RetrievedContext struct {
	Results     []Result `json:"results"`
	TotalTokens int      `json:"total_tokens"`
	Considered  int      `json:"considered"`
	Truncated   int      `json:"truncated"` // matches cut by max results or budget
}

// Engine retrieval engine
type Engine struct {
	source Source
	config Config
	log    *slog.Logger
}

// Option engine configuration option
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// NewEngine creates a retrieval engine
func NewEngine(source Source, config Config, opts ...Option) *Engine {
	if config.MaxResults <= 0 {
		config.MaxResults = DefaultMaxResults
	}
	if config.RecencyHalfLife <= 0 {
		config.RecencyHalfLife = DefaultConfig().RecencyHalfLife
	}
	e := &Engine{
		source: source,
		config: config,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.config
}

// Retrieve ranks candidates from every selected tier in scope, truncates to
// the result limit and token budget, and touches what it returns
func (e *Engine) Retrieve(ctx context.Context, q Query) (*RetrievedContext, error) {
	const op = "retrieve"
	if q.MaxResults < 0 || q.TokenBudget < 0 {
		return nil, memory.NewMemoryErrorWithDetails(op, memory.ErrValidation, "limits cannot be negative")
	}
	tiers, err := selectTiers(q.Tiers)
	if err != nil {
		return nil, memory.NewMemoryErrorWithDetails(op, memory.ErrValidation, err.Error())
	}

	scope, err := e.source.ResolveScope(ctx, q.Scope)
	if err != nil {
		return nil, err
	}

	candidates, err := e.gather(ctx, scope, tiers)
	if err != nil {
		return nil, err
	}

	now := e.source.Now()
	queryTokens := uniqueTokens(q.Text)
	ranked := make([]Result, 0, len(candidates))
	for _, rec := range candidates {
		res := e.score(rec, queryTokens, now)
		if len(queryTokens) > 0 && res.Lexical == 0 {
			continue
		}
		ranked = append(ranked, res)
	}
	sortResults(ranked)

	out := &RetrievedContext{Considered: len(candidates)}
	maxResults := q.MaxResults
	if maxResults == 0 {
		maxResults = e.config.MaxResults
	}
	budget := q.TokenBudget
	if budget == 0 {
		budget = e.config.TokenBudget
	}

	for i, res := range ranked {
		if i >= maxResults {
			out.Truncated += len(ranked) - i
			break
		}
		if budget > 0 && out.TotalTokens+res.Tokens > budget {
			out.Truncated++
			continue
		}
		out.Results = append(out.Results, res)
		out.TotalTokens += res.Tokens
	}

	for _, res := range out.Results {
		if err := e.source.Touch(ctx, res.Record.Ref()); err != nil {
			e.log.Warn("failed to touch retrieved memory", "tier", res.Tier, "id", res.Record.ID, "error", err)
		}
	}

	e.log.Debug("retrieval complete",
		"workspace", scope.WorkspaceID,
		"session", scope.SessionID,
		"considered", out.Considered,
		"returned", len(out.Results),
		"tokens", out.TotalTokens,
	)
	return out, nil
}

// gather reads every tier concurrently; each tier has its own store lock
func (e *Engine) gather(ctx context.Context, scope memory.Scope, tiers []memory.Tier) ([]*memory.Record, error) {
	perTier := make([][]*memory.Record, len(tiers))
	g, gctx := errgroup.WithContext(ctx)
	for i, tier := range tiers {
		g.Go(func() error {
			recs, err := e.source.Candidates(gctx, scope, tier)
			if err != nil {
				return err
			}
			perTier[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*memory.Record
	for _, recs := range perTier {
		all = append(all, recs...)
	}
	return all, nil
}

func (e *Engine) score(rec *memory.Record, queryTokens map[string]bool, now time.Time) Result {
	res := Result{
		Record:     rec,
		Tier:       rec.Tier,
		Lexical:    LexicalOverlap(queryTokens, rec),
		Recency:    Recency(now.Sub(rec.LastAccessedAt), e.config.RecencyHalfLife),
		Importance: memory.ClampImportance(rec.Importance),
		Tokens:     memory.EstimateTokens(rec.Content),
	}
	w := e.config.Weights
	res.Score = w.Lexical*res.Lexical + w.Recency*res.Recency + w.Importance*res.Importance
	return res
}

// sortResults orders by score, then tier priority, then most recent access,
// then ID, giving a total order
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if pa, pb := a.Tier.Priority(), b.Tier.Priority(); pa != pb {
			return pa > pb
		}
		if !a.Record.LastAccessedAt.Equal(b.Record.LastAccessedAt) {
			return a.Record.LastAccessedAt.After(b.Record.LastAccessedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}

func selectTiers(requested []memory.Tier) ([]memory.Tier, error) {
	if len(requested) == 0 {
		return memory.AllTiers, nil
	}
	seen := make(map[memory.Tier]bool, len(requested))
	var tiers []memory.Tier
	for _, t := range requested {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown tier %q", t)
		}
		if !seen[t] {
			seen[t] = true
			tiers = append(tiers, t)
		}
	}
	return tiers, nil
}

// LexicalOverlap is |Q ∩ C| / |Q| where C holds the record's content and tag tokens
func LexicalOverlap(queryTokens map[string]bool, rec *memory.Record) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	docTokens := uniqueTokens(rec.Content)
	for _, tag := range rec.Tags {
		for _, tok := range Tokenize(tag) {
			docTokens[tok] = true
		}
	}

	matched := 0
	for tok := range queryTokens {
		if docTokens[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// Recency halves every halfLife of idle time
func Recency(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if halfLife <= 0 {
		return 0
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

// Tokenize splits text into lower-case letter/digit runs
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func uniqueTokens(text string) map[string]bool {
	toks := Tokenize(text)
	set := make(map[string]bool, len(toks))
	for _, tok := range toks {
		set[tok] = true
	}
	return set
}
