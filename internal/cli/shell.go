package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	prompt "github.com/c-bata/go-prompt"

	"github.com/hession/memcore/internal/config"
	"github.com/hession/memcore/internal/service"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

var commandSuggestions = []prompt.Suggest{
	{Text: "/help", Description: "Show help"},
	{Text: "/open", Description: "Start a new session"},
	{Text: "/end", Description: "End the current session"},
	{Text: "/say", Description: "Record a user turn"},
	{Text: "/reply", Description: "Record an assistant turn"},
	{Text: "/note", Description: "Add short-term memory"},
	{Text: "/work", Description: "Add working memory"},
	{Text: "/pin", Description: "Pin working memory"},
	{Text: "/unpin", Description: "Unpin working memory"},
	{Text: "/learn", Description: "Add long-term memory"},
	{Text: "/promote", Description: "Promote working memory"},
	{Text: "/forget", Description: "Delete long-term memory"},
	{Text: "/recall", Description: "Rank memory for a query"},
	{Text: "/context", Description: "Assemble the session context"},
	{Text: "/skills", Description: "List or match skills"},
	{Text: "/stats", Description: "Memory statistics"},
	{Text: "/sweep", Description: "Remove expired short-term memory"},
	{Text: "/maintenance", Description: "Run housekeeping now"},
	{Text: "/config", Description: "Show configuration"},
	{Text: "/exit", Description: "Exit"},
}

// Run starts the interactive shell for a workspace. notice is shown under
// contexts that had to drop segments.
func Run(svc *service.Service, workspace, version, notice string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sh := NewShell(svc, workspace)
	sh.SetOmittedNotice(notice)
	if err := sh.Open(ctx); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if err := sh.Close(context.Background()); err != nil {
			fmt.Printf("%s❌ Failed to end session: %v%s\n", colorRed, err, colorReset)
		}
	}()

	printWelcome(os.Stdout, version, svc.Config(), sh)

	// Handle termination signals; go-prompt handles Ctrl+C itself
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			sh.Close(context.Background())
			fmt.Printf("\n%sGoodbye! 👋%s\n", colorCyan, colorReset)
			os.Exit(0)
		case <-ctx.Done():
		}
	}()

	p := prompt.New(
		func(in string) {
			out, _ := sh.HandleCommand(ctx, in)
			if out != "" {
				fmt.Println(colorize(out))
				fmt.Println()
			}
		},
		Complete,
		prompt.OptionTitle("memcore"),
		prompt.OptionPrefix("memcore> "),
		prompt.OptionLivePrefix(func() (string, bool) {
			return livePrefix(sh), true
		}),
		prompt.OptionPrefixTextColor(prompt.Green),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && sh.Exited()
		}),
	)
	p.Run()
	return nil
}

// Complete suggests slash commands for the first word of the line
func Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	if strings.Contains(before, " ") || !strings.HasPrefix(before, "/") {
		return nil
	}
	return prompt.FilterHasPrefix(commandSuggestions, d.GetWordBeforeCursor(), true)
}

func livePrefix(sh *Shell) string {
	if sh.SessionID() == "" {
		return fmt.Sprintf("%s (no session)> ", sh.workspace)
	}
	return fmt.Sprintf("%s/%s> ", sh.workspace, shortID(sh.SessionID()))
}

// colorize tints status lines by their leading marker
func colorize(out string) string {
	switch {
	case strings.HasPrefix(out, "❌"):
		return colorRed + out + colorReset
	case strings.HasPrefix(out, "✅"):
		return colorGreen + out + colorReset
	case strings.HasPrefix(out, "❓"), strings.HasPrefix(out, "⚠️"):
		return colorYellow + out + colorReset
	}
	return out
}

// printWelcome prints welcome message
func printWelcome(w io.Writer, version string, cfg *config.Config, sh *Shell) {
	fmt.Fprintf(w, "\n%s🧠 memcore v%s%s - memory core for your assistant\n", colorCyan, version, colorReset)
	fmt.Fprintf(w, "%s%s%s\n", colorGray, configSummary(cfg), colorReset)
	fmt.Fprintf(w, "%sWorkspace %s, session %s. Type /help for help, /exit to quit%s\n\n",
		colorGray, sh.workspace, shortID(sh.SessionID()), colorReset)
}
