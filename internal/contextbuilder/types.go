package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/hession/memcore/internal/memory"
)

// Source labels where a segment came from
type Source string

const (
	SourceSystem  Source = "system"
	SourceSkill   Source = "skill"
	SourceMemory  Source = "memory"
	SourceHistory Source = "history"
)

// Segment one labeled unit of the assembled context
type Segment struct {
	Source     Source      `json:"source"`
	Role       string      `json:"role,omitempty"`   // history only
	RefID      string      `json:"ref_id,omitempty"` // skill, record or turn id
	Tier       memory.Tier `json:"tier,omitempty"`   // memory only
	Content    string      `json:"content"`
	Tokens     int         `json:"tokens"`
	Summarized bool        `json:"summarized,omitempty"`
}

// Action taken on a segment that did not fit
type Action string

const (
	ActionSummarized Action = "summarized"
	ActionDropped    Action = "dropped"
)

// BudgetExceededWarning records a segment that was shortened or left out.
// It is informational; the build still succeeds.
type BudgetExceededWarning struct {
	Source         Source `json:"source"`
	RefID          string `json:"ref_id,omitempty"`
	Action         Action `json:"action"`
	OriginalTokens int    `json:"original_tokens"`
	Tokens         int    `json:"tokens"` // cost after summarization, 0 when dropped
	Reason         string `json:"reason"`
}

func (w BudgetExceededWarning) String() string {
	if w.Action == ActionSummarized {
		return fmt.Sprintf("%s %s summarized from %d to %d tokens", w.Source, w.RefID, w.OriginalTokens, w.Tokens)
	}
	return fmt.Sprintf("%s %s dropped (%d tokens): %s", w.Source, w.RefID, w.OriginalTokens, w.Reason)
}

// ChatContext assembled, budget-bounded context
type ChatContext struct {
	SessionID   string                  `json:"session_id"`
	Budget      int                     `json:"budget"`
	TotalTokens int                     `json:"total_tokens"`
	Segments    []Segment               `json:"segments"`
	Warnings    []BudgetExceededWarning `json:"warnings,omitempty"`
}

// Omitted returns warnings for segments that were dropped
func (c *ChatContext) Omitted() []BudgetExceededWarning {
	var out []BudgetExceededWarning
	for _, w := range c.Warnings {
		if w.Action == ActionDropped {
			out = append(out, w)
		}
	}
	return out
}

// HasOmissions reports whether anything was left out
func (c *ChatContext) HasOmissions() bool {
	return len(c.Omitted()) > 0
}

// Remaining returns unused budget
func (c *ChatContext) Remaining() int {
	return c.Budget - c.TotalTokens
}

// Render formats the context as plain text, one labeled block per segment
func (c *ChatContext) Render() string {
	var b strings.Builder
	for i, seg := range c.Segments {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := string(seg.Source)
		switch seg.Source {
		case SourceHistory:
			label += ":" + seg.Role
		case SourceMemory:
			label += ":" + string(seg.Tier)
		case SourceSkill:
			label += ":" + seg.RefID
		}
		if seg.Summarized {
			label += " (summarized)"
		}
		fmt.Fprintf(&b, "[%s]\n%s", label, seg.Content)
	}
	return b.String()
}
