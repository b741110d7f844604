package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hession/memcore/internal/cli"
	"github.com/hession/memcore/internal/config"
	"github.com/hession/memcore/internal/logger"
	"github.com/hession/memcore/internal/memory"
	"github.com/hession/memcore/internal/retrieval"
	"github.com/hession/memcore/internal/service"
)

var (
	version = "0.1.0"
)

// app holds state shared by subcommands
type app struct {
	out       io.Writer
	configDir string
	workspace string
	asJSON    bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	rootCmd := &cobra.Command{
		Use:   "memcore",
		Short: "memcore - memory core for AI assistants",
		Long: `memcore keeps short-term, working and long-term memory for an AI assistant
and assembles token-budgeted contexts from it.

It can:
  • Store expiring session facts, capped working notes and persistent knowledge
  • Rank memory for a query by keyword overlap, recency and importance
  • Build a context that never exceeds its token budget
  • Inject reusable skills into contexts`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.configDir != "" {
				config.SetConfigDir(a.configDir)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runShell()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configDir, "config-dir", "", "configuration directory (default ./config)")
	rootCmd.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", "default", "workspace ID")
	rootCmd.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "shell",
			Short: "Start the interactive shell",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runShell()
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Show configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				fmt.Fprintln(a.out, cfg.String())

				path, _ := config.ConfigPath()
				fmt.Fprintf(a.out, "\nConfig file path: %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(a.out, "memcore v%s\n", version)
			},
		},
		a.sessionCmd(),
		a.turnCmd(),
		a.rememberCmd(),
		a.recallCmd(),
		a.contextCmd(),
		a.statsCmd(),
		a.sweepCmd(),
	)
	return rootCmd
}

// open loads configuration and builds the service. The returned func
// releases everything.
func (a *app) open() (*service.Service, *config.InstructionsConfig, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		LogDir:     config.LogDir(),
		Level:      cfg.Log.Level,
		MaxDays:    cfg.Log.MaxDays,
		ConsoleOut: cfg.Log.Console,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logConfigInfo(log.Logger, cfg)

	instructions, err := config.LoadInstructions()
	if err != nil {
		log.Close()
		return nil, nil, nil, fmt.Errorf("failed to load instructions: %w", err)
	}

	svc, err := service.New(cfg,
		service.WithLogger(log.Logger),
		service.WithSystemInstruction(instructions.SystemInstruction()),
	)
	if err != nil {
		log.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize memory service: %w", err)
	}

	release := func() {
		if err := svc.Close(); err != nil {
			log.Error("failed to close memory service", "error", err)
		}
		log.Close()
	}
	return svc, instructions, release, nil
}

func (a *app) runShell() error {
	svc, instructions, release, err := a.open()
	if err != nil {
		return err
	}
	defer release()

	if err := svc.Start(); err != nil {
		return err
	}
	return cli.Run(svc, a.workspace, version, instructions.OmittedNotice())
}

// withService runs fn against a freshly opened service
func (a *app) withService(fn func(ctx context.Context, svc *service.Service) error) error {
	svc, _, release, err := a.open()
	if err != nil {
		return err
	}
	defer release()
	return fn(context.Background(), svc)
}

func (a *app) print(v any, text string) error {
	if !a.asJSON {
		fmt.Fprintln(a.out, text)
		return nil
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open or end sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "open",
			Short: "Open a session in the workspace and print its ID",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withService(func(ctx context.Context, svc *service.Service) error {
					sess, err := svc.OpenSession(ctx, a.workspace)
					if err != nil {
						return err
					}
					return a.print(sess, sess.ID)
				})
			},
		},
		&cobra.Command{
			Use:   "end <session-id>",
			Short: "End a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withService(func(ctx context.Context, svc *service.Service) error {
					if err := svc.EndSession(ctx, args[0]); err != nil {
						return err
					}
					return a.print(map[string]string{"ended": args[0]}, "Session ended: "+args[0])
				})
			},
		},
	)
	return cmd
}

func (a *app) turnCmd() *cobra.Command {
	var sessionID, role string
	cmd := &cobra.Command{
		Use:   "turn <content>",
		Short: "Append a conversation turn to a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(ctx context.Context, svc *service.Service) error {
				turn, err := svc.AppendTurn(ctx, sessionID, role, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return a.print(turn, fmt.Sprintf("Turn %d recorded", turn.ID))
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID")
	cmd.Flags().StringVar(&role, "role", memory.RoleUser, "turn role (user, assistant, system)")
	cmd.MarkFlagRequired("session")
	return cmd
}

func (a *app) rememberCmd() *cobra.Command {
	var (
		tier       string
		sessionID  string
		tags       []string
		importance float64
		ttl        time.Duration
		pinned     bool
	)
	cmd := &cobra.Command{
		Use:   "remember <content>",
		Short: "Store a memory in a tier",
		Long: `Store a memory. Long-term memory belongs to the workspace; short-term and
working memory belong to a session. Short-term memory lives only as long as
the process, so it is mostly useful from the shell.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := memory.ParseTier(tier)
			if err != nil {
				return err
			}
			content := strings.Join(args, " ")
			scope := memory.Scope{WorkspaceID: a.workspace, SessionID: sessionID}

			return a.withService(func(ctx context.Context, svc *service.Service) error {
				var rec *memory.Record
				switch t {
				case memory.TierShortTerm:
					rec, err = svc.AddShortTermMemory(ctx, memory.ShortTermRequest{
						Scope: scope, Content: content, Tags: tags, Importance: importance, TTL: ttl,
					})
				case memory.TierWorking:
					rec, err = svc.AddWorkingMemory(ctx, memory.WorkingRequest{
						Scope: scope, Content: content, Tags: tags, Importance: importance, Pinned: pinned,
					})
				default:
					rec, err = svc.AddLongTermMemory(ctx, memory.LongTermRequest{
						WorkspaceID: a.workspace, Content: content, Tags: tags, Importance: importance,
					})
				}
				if err != nil {
					return err
				}
				return a.print(rec, fmt.Sprintf("Stored %s memory %s (importance %.2f)", rec.Tier, rec.ID, rec.Importance))
			})
		},
	}
	cmd.Flags().StringVarP(&tier, "tier", "t", string(memory.TierLongTerm), "tier (short_term, working, long_term)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID for short-term and working memory")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().Float64Var(&importance, "importance", 0, "importance in [0,1]; 0 assigns it from the content")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "short-term lifetime; 0 uses the configured default")
	cmd.Flags().BoolVar(&pinned, "pin", false, "pin working memory")
	return cmd
}

func (a *app) recallCmd() *cobra.Command {
	var (
		sessionID  string
		maxResults int
		budget     int
		tiers      []string
	)
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Rank memory for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := retrieval.Query{
				Text:        strings.Join(args, " "),
				Scope:       memory.Scope{WorkspaceID: a.workspace, SessionID: sessionID},
				MaxResults:  maxResults,
				TokenBudget: budget,
			}
			for _, name := range tiers {
				t, err := memory.ParseTier(name)
				if err != nil {
					return err
				}
				q.Tiers = append(q.Tiers, t)
			}

			return a.withService(func(ctx context.Context, svc *service.Service) error {
				res, err := svc.Retrieve(ctx, q)
				if err != nil {
					return err
				}
				return a.print(res, cli.FormatRetrieved(q.Text, res))
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID; empty searches the workspace")
	cmd.Flags().IntVarP(&maxResults, "max", "n", 0, "maximum results; 0 uses the configured default")
	cmd.Flags().IntVar(&budget, "budget", 0, "token budget for results; 0 uses the configured sub-budget")
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "restrict to tiers (repeatable)")
	return cmd
}

func (a *app) contextCmd() *cobra.Command {
	var (
		sessionID string
		budget    int
		skillIDs  []string
	)
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Assemble the context for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, instructions, release, err := a.open()
			if err != nil {
				return err
			}
			defer release()

			cc, err := svc.BuildContext(context.Background(), sessionID, skillIDs, budget)
			if err != nil {
				return err
			}
			return a.print(cc, cli.FormatContext(cc, instructions.OmittedNotice()))
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID")
	cmd.Flags().IntVarP(&budget, "budget", "b", 0, "token budget; 0 uses context.token_budget")
	cmd.Flags().StringSliceVar(&skillIDs, "skill", nil, "skill to inject (repeatable)")
	cmd.MarkFlagRequired("session")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var (
		sessionID string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := memory.Scope{WorkspaceID: a.workspace, SessionID: sessionID}
			if all {
				scope = memory.Scope{}
			}
			return a.withService(func(ctx context.Context, svc *service.Service) error {
				st, err := svc.GetStats(ctx, scope)
				if err != nil {
					return err
				}
				return a.print(st, cli.FormatStats(st))
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID")
	cmd.Flags().BoolVar(&all, "all", false, "report on every workspace")
	return cmd
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run housekeeping: sweep expired memory and promote frequently used notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(ctx context.Context, svc *service.Service) error {
				result := svc.RunMaintenance(ctx)
				text := fmt.Sprintf("Expired cleaned: %d, promoted: %d, took %dms",
					result.ExpiredCleaned, result.Promoted, result.DurationMs)
				if len(result.Errors) > 0 {
					text += "\nErrors:\n  " + strings.Join(result.Errors, "\n  ")
				}
				return a.print(result, text)
			})
		},
	}
}

// logConfigInfo logs configuration information
func logConfigInfo(log *slog.Logger, cfg *config.Config) {
	log.Info("configuration loaded",
		"db_path", cfg.Memory.DBPath,
		"short_term_ttl_seconds", cfg.Memory.ShortTermTTLSeconds,
		"working_memory_cap", cfg.Memory.WorkingMemoryCap,
		"max_results", cfg.Retrieval.MaxResults,
		"token_budget", cfg.Context.TokenBudget,
		"skills_dir", cfg.Skills.Dir,
		"housekeeping", cfg.Housekeeping.Enabled,
	)
}
