// Package contextbuilder merges the system instruction, skills, retrieved
// memory and the session transcript into one context that never exceeds
// its token budget.
package contextbuilder

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/hession/memcore/internal/memory"
	"github.com/hession/memcore/internal/retrieval"
	"github.com/hession/memcore/internal/skills"
)

// Transcript is the session side of the memory store
type Transcript interface {
	GetSession(ctx context.Context, id string) (*memory.Session, error)
	Turns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error)
}

// Retriever ranks memory for a query
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.RetrievedContext, error)
}

// Config assembler configuration
type Config struct {
	SystemInstruction string
	RecentTurns       int     // turns that outrank retrieved memory
	HistoryLimit      int     // turns loaded from the transcript
	RetrievalRatio    float64 // share of the budget offered to retrieval
}

// DefaultConfig returns the default assembler configuration
func DefaultConfig() Config {
	return Config{
		RecentTurns:    4,
		HistoryLimit:   50,
		RetrievalRatio: 0.3,
	}
}

// Request identifies what to assemble
type Request struct {
	SessionID string
	Skills    []string
	Budget    int
}

// Assembler builds chat contexts
type Assembler struct {
	transcript Transcript
	retriever  Retriever
	skills     skills.Registry
	config     Config
	summarize  SummarizeFunc
	log        *slog.Logger
}

// Option assembler configuration option
type Option func(*Assembler)

// WithSummarizer replaces the default truncating summarizer
func WithSummarizer(fn SummarizeFunc) Option {
	return func(a *Assembler) {
		a.summarize = fn
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(a *Assembler) {
		a.log = log
	}
}

// New creates an assembler. registry may be nil when no skills are used.
func New(transcript Transcript, retriever Retriever, registry skills.Registry, config Config, opts ...Option) *Assembler {
	if config.RecentTurns <= 0 {
		config.RecentTurns = DefaultConfig().RecentTurns
	}
	if config.HistoryLimit < config.RecentTurns {
		config.HistoryLimit = config.RecentTurns
	}
	a := &Assembler{
		transcript: transcript,
		retriever:  retriever,
		skills:     registry,
		config:     config,
		summarize:  Truncate,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// candidate is a segment waiting for a budget decision
type candidate struct {
	seg          Segment
	required     bool // summarize instead of dropping
	historyIndex int
}

// plan tracks the running total while segments are admitted in priority order
type plan struct {
	budget    int
	used      int
	admitted  []candidate
	warnings  []BudgetExceededWarning
	summarize SummarizeFunc
}

// admit adds c if it fits, summarizes it if it is required, otherwise drops it
func (p *plan) admit(c candidate) bool {
	c.seg.Tokens = memory.EstimateTokens(c.seg.Content)
	if p.used+c.seg.Tokens <= p.budget {
		p.used += c.seg.Tokens
		p.admitted = append(p.admitted, c)
		return true
	}

	remaining := p.budget - p.used
	if c.required && remaining > 0 {
		summary, err := p.summarize(c.seg.Content, remaining)
		cost := memory.EstimateTokens(summary)
		if err == nil && summary != "" && cost <= remaining {
			p.warnings = append(p.warnings, BudgetExceededWarning{
				Source:         c.seg.Source,
				RefID:          c.seg.RefID,
				Action:         ActionSummarized,
				OriginalTokens: c.seg.Tokens,
				Tokens:         cost,
				Reason:         "required segment exceeded remaining budget",
			})
			c.seg.Content = summary
			c.seg.Tokens = cost
			c.seg.Summarized = true
			p.used += cost
			p.admitted = append(p.admitted, c)
			return true
		}
	}

	p.drop(c, "exceeds remaining budget")
	return false
}

func (p *plan) drop(c candidate, reason string) {
	p.warnings = append(p.warnings, BudgetExceededWarning{
		Source:         c.seg.Source,
		RefID:          c.seg.RefID,
		Action:         ActionDropped,
		OriginalTokens: memory.EstimateTokens(c.seg.Content),
		Reason:         reason,
	})
}

// Build assembles the context for a session. Priority, highest first: system
// instruction, skills, latest user turn, other recent turns, retrieved
// memory, older history. Output order is system, skills, memory, history.
func (a *Assembler) Build(ctx context.Context, req Request) (*ChatContext, error) {
	const op = "build_context"
	if req.Budget < 0 {
		return nil, memory.NewMemoryErrorWithDetails(op, memory.ErrValidation, "budget cannot be negative")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, memory.NewMemoryErrorWithDetails(op, memory.ErrValidation, "session is required")
	}

	sess, err := a.transcript.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	turns, err := a.transcript.Turns(ctx, sess.ID, a.config.HistoryLimit)
	if err != nil {
		return nil, err
	}
	skillDefs, err := a.fetchSkills(ctx, req.Skills)
	if err != nil {
		return nil, err
	}

	p := &plan{budget: req.Budget, summarize: a.summarize}

	if a.config.SystemInstruction != "" {
		p.admit(candidate{
			seg:      Segment{Source: SourceSystem, Content: a.config.SystemInstruction},
			required: true,
		})
	}

	for _, s := range skillDefs {
		p.admit(candidate{seg: Segment{Source: SourceSkill, RefID: s.ID, Content: s.Content}})
	}

	// History is walked newest first and stops at the first turn that does
	// not fit, so the included transcript stays contiguous
	latestUser := latestUserTurn(turns)
	recentStart := len(turns) - a.config.RecentTurns
	if recentStart < 0 {
		recentStart = 0
	}
	if latestUser >= 0 && latestUser < recentStart {
		recentStart = latestUser
	}
	historyOpen := true
	if latestUser >= 0 {
		p.admit(historyCandidate(turns, latestUser, true))
	}
	for i := len(turns) - 1; i >= recentStart; i-- {
		if i == latestUser {
			continue
		}
		c := historyCandidate(turns, i, false)
		if !historyOpen {
			p.drop(c, "older turn excluded after a gap")
			continue
		}
		historyOpen = p.admit(c)
	}

	query := ""
	if latestUser >= 0 {
		query = turns[latestUser].Content
	}
	if err := a.admitMemory(ctx, p, sess, query); err != nil {
		return nil, err
	}

	for i := recentStart - 1; i >= 0; i-- {
		c := historyCandidate(turns, i, false)
		if !historyOpen {
			p.drop(c, "older turn excluded after a gap")
			continue
		}
		historyOpen = p.admit(c)
	}

	result := &ChatContext{
		SessionID:   sess.ID,
		Budget:      req.Budget,
		TotalTokens: p.used,
		Segments:    order(p.admitted),
		Warnings:    p.warnings,
	}

	a.log.Debug("context assembled",
		"session", sess.ID,
		"budget", req.Budget,
		"tokens", result.TotalTokens,
		"segments", len(result.Segments),
		"warnings", len(result.Warnings),
	)
	return result, nil
}

// admitMemory retrieves ranked memory within the retrieval share of the
// budget and offers each record as an optional segment
func (a *Assembler) admitMemory(ctx context.Context, p *plan, sess *memory.Session, query string) error {
	if a.retriever == nil {
		return nil
	}
	share := int(float64(p.budget) * a.config.RetrievalRatio)
	if share <= 0 {
		return nil
	}

	retrieved, err := a.retriever.Retrieve(ctx, retrieval.Query{
		Text:        query,
		Scope:       memory.Scope{WorkspaceID: sess.WorkspaceID, SessionID: sess.ID},
		TokenBudget: share,
	})
	if err != nil {
		return err
	}

	for _, res := range retrieved.Results {
		p.admit(candidate{seg: Segment{
			Source:  SourceMemory,
			RefID:   res.Record.ID,
			Tier:    res.Tier,
			Content: res.Record.Content,
		}})
	}
	return nil
}

func (a *Assembler) fetchSkills(ctx context.Context, ids []string) ([]skills.Skill, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if a.skills == nil {
		return nil, memory.NewMemoryErrorWithDetails("fetch_skills", memory.ErrNotFound, "no skill registry configured")
	}
	return a.skills.Fetch(ctx, ids)
}

func latestUserTurn(turns []memory.Turn) int {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == memory.RoleUser {
			return i
		}
	}
	return -1
}

func historyCandidate(turns []memory.Turn, i int, required bool) candidate {
	t := turns[i]
	return candidate{
		seg: Segment{
			Source:  SourceHistory,
			Role:    t.Role,
			RefID:   strconv.FormatInt(t.ID, 10),
			Content: t.Content,
		},
		required:     required,
		historyIndex: i,
	}
}

var sourceOrder = map[Source]int{
	SourceSystem:  0,
	SourceSkill:   1,
	SourceMemory:  2,
	SourceHistory: 3,
}

// order arranges admitted segments for output: by source group, history
// chronologically, everything else in admission order
func order(admitted []candidate) []Segment {
	sort.SliceStable(admitted, func(i, j int) bool {
		a, b := admitted[i], admitted[j]
		if sourceOrder[a.seg.Source] != sourceOrder[b.seg.Source] {
			return sourceOrder[a.seg.Source] < sourceOrder[b.seg.Source]
		}
		if a.seg.Source == SourceHistory {
			return a.historyIndex < b.historyIndex
		}
		return false
	})

	out := make([]Segment, 0, len(admitted))
	for _, c := range admitted {
		out = append(out, c.seg)
	}
	return out
}
