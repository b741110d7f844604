package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hession/memcore/internal/config"
	"github.com/hession/memcore/internal/contextbuilder"
	"github.com/hession/memcore/internal/memory"
	"github.com/hession/memcore/internal/retrieval"
	"github.com/hession/memcore/internal/service"
)

// Shell interprets slash commands against one workspace and its current
// session. Plain text is recorded as a user turn.
type Shell struct {
	svc       *service.Service
	workspace string
	sessionID string
	lastUser  string
	notice    string
	exited    bool
}

// NewShell creates a shell bound to a workspace
func NewShell(svc *service.Service, workspace string) *Shell {
	return &Shell{svc: svc, workspace: workspace}
}

// SetOmittedNotice sets the line shown when a context had to drop segments
func (s *Shell) SetOmittedNotice(notice string) {
	s.notice = notice
}

// SessionID returns the current session, empty before Open
func (s *Shell) SessionID() string {
	return s.sessionID
}

// Exited reports whether /exit was issued
func (s *Shell) Exited() bool {
	return s.exited
}

// Open starts a fresh session in the shell's workspace
func (s *Shell) Open(ctx context.Context) error {
	sess, err := s.svc.OpenSession(ctx, s.workspace)
	if err != nil {
		return err
	}
	s.sessionID = sess.ID
	s.lastUser = ""
	return nil
}

// Close ends the current session
func (s *Shell) Close(ctx context.Context) error {
	if s.sessionID == "" {
		return nil
	}
	err := s.svc.EndSession(ctx, s.sessionID)
	s.sessionID = ""
	return err
}

func (s *Shell) scope() memory.Scope {
	return memory.Scope{WorkspaceID: s.workspace, SessionID: s.sessionID}
}

// HandleCommand executes one input line.
// Returns: (output, whether the shell should exit)
func (s *Shell) HandleCommand(ctx context.Context, line string) (string, bool) {
	input := strings.TrimSpace(line)
	if input == "" {
		return "", false
	}
	if !strings.HasPrefix(input, "/") {
		return s.say(ctx, memory.RoleUser, input), false
	}

	command, rest := splitCommand(input)
	switch command {
	case "/help":
		return helpText(), false
	case "/exit", "/quit", "/q":
		s.exited = true
		return "Goodbye! 👋", true

	case "/open":
		return s.open(ctx, rest), false
	case "/end":
		return s.end(ctx), false
	case "/say":
		return s.say(ctx, memory.RoleUser, rest), false
	case "/reply":
		return s.say(ctx, memory.RoleAssistant, rest), false

	case "/note":
		return s.note(ctx, rest), false
	case "/work":
		return s.work(ctx, rest, false), false
	case "/pin":
		if len(strings.Fields(rest)) == 1 {
			return s.pin(ctx, rest, true), false
		}
		return s.work(ctx, rest, true), false
	case "/unpin":
		return s.pin(ctx, rest, false), false
	case "/learn":
		return s.learn(ctx, rest), false
	case "/promote":
		return s.promote(ctx, rest), false
	case "/forget":
		return s.forget(ctx, rest), false

	case "/recall":
		return s.recall(ctx, rest), false
	case "/context":
		return s.buildContext(ctx, rest), false
	case "/skills":
		return s.listSkills(ctx, rest), false

	case "/stats":
		return s.stats(ctx, rest), false
	case "/sweep":
		return s.sweep(ctx), false
	case "/maintenance":
		return s.maintenance(ctx), false
	case "/config":
		return s.svc.Config().String(), false
	}

	return fmt.Sprintf("❓ Unknown command: %s\nType /help for available commands", command), false
}

func splitCommand(input string) (string, string) {
	command, rest, _ := strings.Cut(input, " ")
	return strings.ToLower(command), strings.TrimSpace(rest)
}

// ========== Sessions ==========

func (s *Shell) open(ctx context.Context, workspace string) string {
	if workspace != "" {
		s.workspace = workspace
	}
	if s.sessionID != "" {
		if err := s.svc.EndSession(ctx, s.sessionID); err != nil && !memory.IsNotFound(err) && !memory.IsValidation(err) {
			return errorText("Failed to end previous session", err)
		}
	}
	if err := s.Open(ctx); err != nil {
		return errorText("Failed to open session", err)
	}
	return fmt.Sprintf("✅ Session opened\n   Workspace: %s\n   Session ID: %s", s.workspace, shortID(s.sessionID))
}

func (s *Shell) end(ctx context.Context) string {
	if s.sessionID == "" {
		return "No active session, use /open"
	}
	id := s.sessionID
	if err := s.Close(ctx); err != nil {
		return errorText("Failed to end session", err)
	}
	return fmt.Sprintf("✅ Session %s ended, short-term memory discarded", shortID(id))
}

func (s *Shell) say(ctx context.Context, role, text string) string {
	if text == "" {
		return "❌ Please enter a message"
	}
	turn, err := s.svc.AppendTurn(ctx, s.sessionID, role, text)
	if err != nil {
		return errorText("Failed to record turn", err)
	}
	if role == memory.RoleUser {
		s.lastUser = text
	}
	return fmt.Sprintf("📝 %s turn recorded (%d tokens)", turn.Role, memory.EstimateTokens(turn.Content))
}

// ========== Memory ==========

func (s *Shell) note(ctx context.Context, text string) string {
	if text == "" {
		return "❌ Please specify content: /note <text>"
	}
	rec, err := s.svc.AddShortTermMemory(ctx, memory.ShortTermRequest{Scope: s.scope(), Content: text})
	if err != nil {
		return errorText("Failed to add short-term memory", err)
	}
	return fmt.Sprintf("✅ Short-term memory %s (importance %.2f, expires %s)",
		shortID(rec.ID), rec.Importance, rec.ExpiresAt.Format("15:04:05"))
}

func (s *Shell) work(ctx context.Context, text string, pinned bool) string {
	if text == "" {
		return "❌ Please specify content: /work <text>"
	}
	rec, err := s.svc.AddWorkingMemory(ctx, memory.WorkingRequest{Scope: s.scope(), Content: text, Pinned: pinned})
	if err != nil {
		return errorText("Failed to add working memory", err)
	}
	state := ""
	if rec.Pinned {
		state = ", pinned"
	}
	return fmt.Sprintf("✅ Working memory %s (importance %.2f%s)", rec.ID, rec.Importance, state)
}

func (s *Shell) pin(ctx context.Context, id string, pinned bool) string {
	if id == "" {
		return "❌ Please specify a working memory ID"
	}
	if pinned {
		if err := s.svc.Pin(ctx, id); err != nil {
			return errorText("Failed to pin", err)
		}
		return fmt.Sprintf("📌 Pinned %s", id)
	}
	if err := s.svc.Unpin(ctx, id); err != nil {
		return errorText("Failed to unpin", err)
	}
	return fmt.Sprintf("✅ Unpinned %s", id)
}

func (s *Shell) learn(ctx context.Context, text string) string {
	if text == "" {
		return "❌ Please specify content: /learn <text>"
	}
	rec, err := s.svc.AddLongTermMemory(ctx, memory.LongTermRequest{WorkspaceID: s.workspace, Content: text})
	if err != nil {
		return errorText("Failed to add long-term memory", err)
	}
	return fmt.Sprintf("📚 Long-term memory %s (importance %.2f)", rec.ID, rec.Importance)
}

func (s *Shell) promote(ctx context.Context, id string) string {
	if id == "" {
		return "❌ Please specify a working memory ID: /promote <id>"
	}
	rec, err := s.svc.Promote(ctx, id)
	if err != nil {
		return errorText("Failed to promote", err)
	}
	return fmt.Sprintf("📚 Promoted to long-term memory %s", rec.ID)
}

func (s *Shell) forget(ctx context.Context, id string) string {
	if id == "" {
		return "❌ Please specify a long-term memory ID: /forget <id>"
	}
	if err := s.svc.Forget(ctx, id); err != nil {
		return errorText("Failed to forget", err)
	}
	return fmt.Sprintf("🗑️ Forgot %s", id)
}

// ========== Retrieval ==========

func (s *Shell) recall(ctx context.Context, query string) string {
	if query == "" {
		return "❌ Please specify a query: /recall <text>"
	}
	res, err := s.svc.Retrieve(ctx, retrieval.Query{Text: query, Scope: s.scope()})
	if err != nil {
		return errorText("Retrieval failed", err)
	}
	return FormatRetrieved(query, res)
}

// FormatRetrieved renders ranked results for display
func FormatRetrieved(query string, res *retrieval.RetrievedContext) string {
	if len(res.Results) == 0 {
		return fmt.Sprintf("🔍 No memory found for \"%s\"", query)
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("🔍 Results for \"%s\" (%d tokens, %d considered)\n\n", query, res.TotalTokens, res.Considered))
	for i, r := range res.Results {
		builder.WriteString(fmt.Sprintf("%d. %s [%s] score=%.3f\n", i+1, tierIcon(r.Tier), r.Tier, r.Score))
		builder.WriteString(fmt.Sprintf("   %s\n", truncateForDisplay(r.Record.Content, 100)))
		builder.WriteString(fmt.Sprintf("   id=%s lexical=%.2f recency=%.2f importance=%.2f\n", r.Record.ID, r.Lexical, r.Recency, r.Importance))
	}
	if res.Truncated > 0 {
		builder.WriteString(fmt.Sprintf("\n(%d more matches cut by limit or budget)", res.Truncated))
	}
	return strings.TrimRight(builder.String(), "\n")
}

// buildContext parses "[budget] [skill ...]". Without explicit skills the ones
// matching the latest user message are used.
func (s *Shell) buildContext(ctx context.Context, args string) string {
	budget := 0
	var skillIDs []string
	for i, field := range strings.Fields(args) {
		if n, err := strconv.Atoi(field); err == nil && i == 0 {
			budget = n
			continue
		}
		skillIDs = append(skillIDs, field)
	}
	if len(skillIDs) == 0 && s.lastUser != "" {
		matched, err := s.svc.MatchSkills(ctx, s.lastUser)
		if err != nil {
			return errorText("Failed to match skills", err)
		}
		skillIDs = matched
	}

	cc, err := s.svc.BuildContext(ctx, s.sessionID, skillIDs, budget)
	if err != nil {
		return errorText("Failed to build context", err)
	}
	return FormatContext(cc, s.notice)
}

// FormatContext renders an assembled context and its budget report.
// notice is appended when segments were dropped.
func FormatContext(cc *contextbuilder.ChatContext, notice string) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("🧩 Context: %d / %d tokens, %d segments\n\n", cc.TotalTokens, cc.Budget, len(cc.Segments)))
	if rendered := cc.Render(); rendered != "" {
		builder.WriteString(rendered)
		builder.WriteString("\n")
	}
	if len(cc.Warnings) > 0 {
		builder.WriteString("\n⚠️ Budget warnings:\n")
		for _, w := range cc.Warnings {
			builder.WriteString(fmt.Sprintf("   - %s\n", w.String()))
		}
	}
	if cc.HasOmissions() && notice != "" {
		builder.WriteString("\n" + notice + "\n")
	}
	return strings.TrimRight(builder.String(), "\n")
}

func (s *Shell) listSkills(ctx context.Context, task string) string {
	if task != "" {
		ids, err := s.svc.MatchSkills(ctx, task)
		if err != nil {
			return errorText("Failed to match skills", err)
		}
		if len(ids) == 0 {
			return "🧰 No skill applies"
		}
		return "🧰 Matching skills: " + strings.Join(ids, ", ")
	}

	all, err := s.svc.ListSkills(ctx)
	if err != nil {
		return errorText("Failed to list skills", err)
	}
	if len(all) == 0 {
		return "🧰 No skills registered"
	}
	var builder strings.Builder
	builder.WriteString("🧰 Skills\n\n")
	for _, sk := range all {
		builder.WriteString(fmt.Sprintf("   %s v%s - %s\n", sk.ID, sk.Version, truncateForDisplay(sk.Description, 60)))
	}
	return strings.TrimRight(builder.String(), "\n")
}

// ========== Housekeeping ==========

func (s *Shell) stats(ctx context.Context, arg string) string {
	scope := s.scope()
	if arg == "all" {
		scope = memory.Scope{}
	}
	st, err := s.svc.GetStats(ctx, scope)
	if err != nil {
		return errorText("Failed to get stats", err)
	}
	return FormatStats(st)
}

// FormatStats renders memory statistics
func FormatStats(st *memory.MemoryStats) string {
	var builder strings.Builder
	builder.WriteString("📊 Memory statistics\n")
	if !st.Scope.IsZero() {
		builder.WriteString(fmt.Sprintf("   Workspace: %s", st.Scope.WorkspaceID))
		if st.Scope.SessionID != "" {
			builder.WriteString(fmt.Sprintf("  Session: %s", shortID(st.Scope.SessionID)))
		}
		builder.WriteString("\n")
	}
	builder.WriteString("\n")
	for _, ts := range st.Tiers {
		builder.WriteString(fmt.Sprintf("%s %s: %d", tierIcon(ts.Tier), ts.Tier, ts.Count))
		if ts.Expired > 0 {
			builder.WriteString(fmt.Sprintf(" (expired: %d)", ts.Expired))
		}
		if ts.Pinned > 0 {
			builder.WriteString(fmt.Sprintf(" (pinned: %d)", ts.Pinned))
		}
		builder.WriteString("\n")
		if ts.Oldest != nil && ts.Newest != nil {
			builder.WriteString(fmt.Sprintf("   oldest %s, newest %s\n", ts.Oldest.Format("2006-01-02 15:04"), ts.Newest.Format("2006-01-02 15:04")))
		}
	}
	builder.WriteString(fmt.Sprintf("\nRecords: %d  Sessions: %d  Turns: %d\n", st.TotalRecords, st.Sessions, st.Turns))
	builder.WriteString(fmt.Sprintf("Database size: %s", st.DBSize))
	return builder.String()
}

func (s *Shell) sweep(ctx context.Context) string {
	n, err := s.svc.Sweep(ctx, memory.Scope{})
	if err != nil {
		return errorText("Sweep failed", err)
	}
	return fmt.Sprintf("🧹 Removed %d expired short-term memories", n)
}

func (s *Shell) maintenance(ctx context.Context) string {
	result := s.svc.RunMaintenance(ctx)

	var builder strings.Builder
	builder.WriteString("🔧 Maintenance complete\n\n")
	builder.WriteString(fmt.Sprintf("   Expired cleaned: %d\n", result.ExpiredCleaned))
	builder.WriteString(fmt.Sprintf("   Promoted: %d\n", result.Promoted))
	builder.WriteString(fmt.Sprintf("   Duration: %dms", result.DurationMs))
	if len(result.Errors) > 0 {
		builder.WriteString("\n\n⚠️ Errors:")
		for _, e := range result.Errors {
			builder.WriteString(fmt.Sprintf("\n   - %s", e))
		}
	}
	return builder.String()
}

// ========== Helpers ==========

func errorText(what string, err error) string {
	hint := ""
	switch {
	case errors.Is(err, memory.ErrValidation):
		hint = " (invalid input)"
	case errors.Is(err, memory.ErrCapacity):
		hint = " (working memory full, pin fewer notes)"
	case errors.Is(err, memory.ErrNotFound):
		hint = " (not found)"
	}
	return fmt.Sprintf("❌ %s: %v%s", what, err, hint)
}

func tierIcon(t memory.Tier) string {
	switch t {
	case memory.TierShortTerm:
		return "📝"
	case memory.TierWorking:
		return "🛠️"
	case memory.TierLongTerm:
		return "📚"
	default:
		return "📄"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncateForDisplay flattens newlines and cuts to maxLen runes
func truncateForDisplay(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}

func helpText() string {
	return `📖 memcore Help

Sessions:
  /open [workspace]   - Start a new session (ends the current one)
  /end                - End the session and discard short-term memory
  /say <text>         - Record a user turn (plain text does the same)
  /reply <text>       - Record an assistant turn

Memory:
  /note <text>        - Add short-term memory (expires)
  /work <text>        - Add working memory
  /pin <text|id>      - Add pinned working memory, or pin an existing one
  /unpin <id>         - Make working memory evictable again
  /learn <text>       - Add long-term workspace memory
  /promote <id>       - Move working memory to long-term
  /forget <id>        - Delete long-term memory

Retrieval:
  /recall <query>     - Rank memory for a query
  /context [budget] [skill ...] - Assemble the context for this session
  /skills [task]      - List skills, or match them against a task

Maintenance:
  /stats [all]        - Memory statistics
  /sweep              - Remove expired short-term memory
  /maintenance        - Run housekeeping now
  /config             - Show configuration
  /exit               - Exit`
}

// configSummary is shown at startup
func configSummary(cfg *config.Config) string {
	return fmt.Sprintf("db=%s budget=%d tokens working cap=%d", cfg.Memory.DBPath, cfg.Context.TokenBudget, cfg.Memory.WorkingMemoryCap)
}
