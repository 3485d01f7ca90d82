package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/engine"
	"forgeline/internal/engine/guard"
	"forgeline/internal/migrate"
	"forgeline/internal/publish"
	"forgeline/internal/repo"
	"forgeline/internal/runner"
	"forgeline/internal/safety"
	"forgeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline runs an app-store pipeline: community ideas go in one end and
vetted catalog apps come out the other.
- Workspace: your .forgeline directory with the database; forgeline.yml next to it holds the config.
- Requests: app ideas; statuses go submitted -> queued -> generating -> safety_review -> wild_west.
- Jobs: generation attempts with retry backoff; cancel pulls a request back to submitted.
- Safety: every artifact is screened (keywords, patterns, optional evaluator) before users see it.
- Wild west: the staging shelf where anyone can try apps, vote, and file feedback.
- Promotion: enough upvotes (or an admin override) plus a publish acknowledgment moves an app to the catalog.
- Tiers: anonymous browses, limited submits and votes, promoted moderates, admin overrides.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "root", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(verdictCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(stagedCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var catalogID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates .forgeline/, writes a commented forgeline.yml if none exists, runs migrations, and seeds the root admin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(catalogID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			} else if err != nil {
				return err
			} else {
				fmt.Printf("Config %s already exists, leaving it alone\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if err := app.EnsureAdminUser(cmd.Context(), repo.Repo{DB: conn}, "root"); err != nil {
				return err
			}
			fmt.Println("Workspace initialized (admin user: root)")
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogID, "catalog-id", "forgeline", "catalog identifier")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (forgeline.yml): generation mode and retries, safety policies, voting thresholds, publisher target, categories.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var catalogID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", cfgPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(catalogID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogID, "catalog-id", "forgeline", "catalog identifier")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "The scoreboard: how many requests sit in each pipeline state and how the staging shelf looks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				requests, err := e.Repo.CountRequestsByStatus(ctx)
				if err != nil {
					return err
				}
				staged, err := e.Repo.CountStagedByStatus(ctx)
				if err != nil {
					return err
				}
				schema, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				out := map[string]any{
					"catalog_id":     e.Config.Catalog.ID,
					"schema_version": schema,
					"request_counts": requests,
					"staged_counts":  staged,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Catalog: %s (schema v%d)\n", e.Config.Catalog.ID, schema)
				fmt.Println("Requests:")
				for status, c := range requests {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Staged apps:")
				for status, c := range staged {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage app requests",
		Long:  "Requests are app ideas. Submit one, enqueue it for generation, and watch it move through safety review into the wild west.",
	}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestEnqueueCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestRejectCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var title, description, category string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an app request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				a, err := e.SubmitRequest(ctx, engine.SubmitOptions{
					ActorID:     actorID,
					Tier:        tier,
					Title:       title,
					Description: description,
					Category:    category,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "app title")
	cmd.Flags().StringVar(&description, "description", "", "what the app should do")
	cmd.Flags().StringVar(&category, "category", "other", "category")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List app requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAppRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Status", "Attempts", "Requester"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Title, a.Category, a.Status, a.Attempts, a.RequesterID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an app request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAppRequest(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func requestEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <id>",
		Short: "Queue a request for generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				a, err := e.EnqueueRequest(ctx, actorID, tier, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func requestApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a request (moderator fast-track to the queue)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				a, err := e.ApproveRequest(ctx, actorID, tier, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				a, err := e.RejectRequest(ctx, actorID, tier, id, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is rejected")
	return cmd
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect generation jobs",
		Long:  "Each generation attempt is a job. Failed and timed-out jobs retry with backoff up to the configured cap.",
	}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsShowCmd())
	jobs.AddCommand(jobsCancelCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetAppRequest(ctx, requestID); err != nil {
					return err
				}
				jobs, err := e.Repo.ListGenerationJobs(ctx, requestID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Attempt", "Status", "Artifact", "Failure"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Attempt, j.Status, deref(j.ArtifactRef), deref(j.FailureKind)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	var withLog bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetGenerationJob(ctx, id)
				if err != nil {
					return err
				}
				if !withLog {
					j.BuildLog = ""
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().BoolVar(&withLog, "log", false, "include the build log")
	return cmd
}

func jobsCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				j, err := e.Repo.GetGenerationJob(ctx, id)
				if err != nil {
					return err
				}
				cancelled, err := e.CancelGeneration(ctx, actorID, tier, j.RequestID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cancelled)
			})
		},
	}
	return cmd
}

func verdictCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "verdict",
		Short: "Inspect safety verdicts",
	}
	v.AddCommand(verdictShowCmd())
	return v
}

func verdictShowCmd() *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the latest verdict for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.LatestVerdictForRequest(ctx, requestID)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	return cmd
}

func voteCmd() *cobra.Command {
	vote := &cobra.Command{
		Use:   "vote",
		Short: "Vote on requests and staged apps",
		Long:  "One vote per user per target; casting the other direction flips it. Tallies are recomputed from the ledger, never incremented.",
	}
	vote.AddCommand(voteCastCmd())
	vote.AddCommand(voteRemoveCmd())
	vote.AddCommand(voteTallyCmd())
	return vote
}

func voteCastCmd() *cobra.Command {
	var targetKind, targetID, direction string
	cmd := &cobra.Command{
		Use:   "cast",
		Short: "Cast or flip a vote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				res, err := e.CastVote(ctx, actorID, tier, targetKind, targetID, direction)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&targetKind, "target-kind", "staged_app", "request or staged_app")
	cmd.Flags().StringVar(&targetID, "target-id", "", "target id")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	_ = cmd.MarkFlagRequired("target-id")
	return cmd
}

func voteRemoveCmd() *cobra.Command {
	var targetKind, targetID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove your vote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				res, err := e.RemoveVote(ctx, actorID, tier, targetKind, targetID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&targetKind, "target-kind", "staged_app", "request or staged_app")
	cmd.Flags().StringVar(&targetID, "target-id", "", "target id")
	_ = cmd.MarkFlagRequired("target-id")
	return cmd
}

func voteTallyCmd() *cobra.Command {
	var targetKind, targetID string
	cmd := &cobra.Command{
		Use:   "tally",
		Short: "Tally votes for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tally, err := e.Tally(ctx, targetKind, targetID)
				if err != nil {
					return err
				}
				return printJSONOrTable(tally)
			})
		},
	}
	cmd.Flags().StringVar(&targetKind, "target-kind", "staged_app", "request or staged_app")
	cmd.Flags().StringVar(&targetID, "target-id", "", "target id")
	_ = cmd.MarkFlagRequired("target-id")
	return cmd
}

func stagedCmd() *cobra.Command {
	staged := &cobra.Command{
		Use:   "staged",
		Short: "Manage staged apps",
		Long:  "Staged apps live in the wild west until they earn promotion or get retired.",
	}
	staged.AddCommand(stagedListCmd())
	staged.AddCommand(stagedShowCmd())
	staged.AddCommand(stagedPromoteCmd())
	staged.AddCommand(stagedRetireCmd())
	staged.AddCommand(stagedConfirmPublishCmd())
	return staged
}

func stagedListCmd() *cobra.Command {
	var f repo.StagedAppFilters
	var eligible string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staged apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch eligible {
			case "":
			case "true", "false":
				v := eligible == "true"
				f.Eligible = &v
			default:
				return fmt.Errorf("--eligible must be true or false")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListStagedApps(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Status", "Up", "Down", "Feedback", "Eligible"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Category, s.Status, s.Upvotes, s.Downvotes, s.FeedbackCount, s.Eligible})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&eligible, "eligible", "", "eligibility filter (true or false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func stagedShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a staged app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStagedApp(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func stagedPromoteCmd() *cobra.Command {
	var override bool
	cmd := &cobra.Command{
		Use:   "promote <id>",
		Short: "Request promotion to the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				s, intent, err := e.PromoteStagedApp(ctx, actorID, tier, id, override)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"staged_app": s, "publish_intent": intent})
			})
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "admin override of the vote threshold")
	return cmd
}

func stagedRetireCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retire <id>",
		Short: "Retire a staged app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				s, err := e.RetireStagedApp(ctx, actorID, tier, id, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the app is retired")
	return cmd
}

func stagedConfirmPublishCmd() *cobra.Command {
	var intentID string
	cmd := &cobra.Command{
		Use:   "confirm-publish <id>",
		Short: "Acknowledge a publish intent by hand",
		Long:  "Manual stand-in for the catalog publisher acknowledgment. The intent id must match the one issued at promotion time.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if intentID == "" {
				return fmt.Errorf("--intent required")
			}
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				if err := guard.Allow(tier, "promote"); err != nil {
					return err
				}
				s, err := e.ConfirmPublish(ctx, actorID, id, intentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&intentID, "intent", "", "publish intent id")
	return cmd
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{
		Use:   "feedback",
		Short: "Feedback on staged apps",
	}
	fb.AddCommand(feedbackAddCmd())
	fb.AddCommand(feedbackListCmd())
	return fb
}

func feedbackAddCmd() *cobra.Command {
	var kind, message, priority string
	cmd := &cobra.Command{
		Use:   "add <staged-app-id>",
		Short: "File feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				item, err := e.SubmitFeedback(ctx, actorID, tier, id, kind, message, priority)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "general", "bug, feature or general")
	cmd.Flags().StringVar(&message, "message", "", "feedback text")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func feedbackListCmd() *cobra.Command {
	var f repo.FeedbackFilters
	cmd := &cobra.Command{
		Use:   "list <staged-app-id>",
		Short: "List feedback for a staged app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.StagedAppID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetStagedApp(ctx, f.StagedAppID); err != nil {
					return err
				}
				items, err := e.Repo.ListFeedback(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Author", "Kind", "Priority", "Message"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.AuthorID, item.Kind, item.Priority, item.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func usersCmd() *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage users and tiers",
	}
	users.AddCommand(usersListCmd())
	users.AddCommand(usersAddCmd())
	users.AddCommand(usersSetTierCmd())
	return users
}

func usersListCmd() *cobra.Command {
	var tier string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx, tier, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Handle", "Tier", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Handle, u.Tier, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "tier filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func usersAddCmd() *cobra.Command {
	var handle, tier string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, actorTier string) error {
				u, err := e.CreateUser(ctx, actorID, actorTier, handle, tier)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "user handle")
	cmd.Flags().StringVar(&tier, "tier", "limited", "starting tier")
	_ = cmd.MarkFlagRequired("handle")
	return cmd
}

func usersSetTierCmd() *cobra.Command {
	var tier string
	cmd := &cobra.Command{
		Use:   "set-tier <user-id>",
		Short: "Change a user's tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tier == "" {
				return fmt.Errorf("--tier required")
			}
			id := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, actorTier string) error {
				u, err := e.SetUserTier(ctx, actorID, actorTier, id, tier)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "limited, promoted or admin")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Mint an API key (plaintext shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				key, plaintext, err := e.CreateAPIKey(ctx, actorID, tier, userID, name)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":      key.ID,
					"user_id": key.UserID,
					"name":    key.Name,
					"key":     plaintext,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key for %s: %s\n", key.UserID, plaintext)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(keys))
					for _, k := range keys {
						out = append(out, map[string]any{
							"id":         k.ID,
							"user_id":    k.UserID,
							"name":       k.Name,
							"created_at": k.CreatedAt,
						})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID, tier string) error {
				key, err := e.RevokeAPIKey(ctx, actorID, tier, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "revoked": true})
				}
				fmt.Printf("Revoked key %s (user %s)\n", key.ID, key.UserID)
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event log",
		Long:  "The diary of everything that happened: submissions, generation attempts, verdicts, votes, promotions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !follow {
					events, err := e.Repo.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
					if err != nil {
						return err
					}
					return printJSONOrTable(events)
				}
				cursor, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				fctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-fctx.Done():
						return nil
					case <-ticker.C:
					}
					batch, err := e.Repo.EventsAfter(fctx, 100, cursor, evtType)
					if err != nil {
						return err
					}
					for _, evt := range batch {
						if entityKind != "" && evt.EntityKind != entityKind {
							continue
						}
						if entityID != "" && evt.EntityID != entityID {
							continue
						}
						fmt.Printf("%s %s %s/%s actor=%s %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
					}
					if len(batch) > 0 {
						cursor = batch[len(batch)-1].ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&follow, "follow", false, "poll for new events until interrupted")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)

			jwtSecret := os.Getenv("FORGELINE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = cfg.Auth.JWTSecret
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret or FORGELINE_JWT_SECRET")
			}
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			}

			logger := log.New(os.Stderr, "", log.LstdFlags)
			screener, err := safety.New(cfg.Safety)
			if err != nil {
				return err
			}
			screener.Logger = logger
			run := runner.New(e, runner.NewCapability(cfg.Generation), screener, logger)

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
					Logger:                 logger,
				},
				Canceler: run,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return run.Run(gctx) })
			g.Go(func() error { return screener.Watch(gctx, config.Path(workspace)) })
			if cfg.Publisher.CatalogURL != "" {
				pub := publish.New(e, logger)
				g.Go(func() error { return pub.Run(gctx) })
			} else {
				logger.Printf("publisher disabled: no publisher.catalog_url configured; promotions wait for manual confirm-publish")
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			fmt.Printf("Serving Forgeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				_ = g.Wait()
				return err
			}
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.host:port from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// withActor resolves the acting user's tier from the database before running
// fn, so CLI actions face the same gates as HTTP ones.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, string, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actorID := viper.GetString("actor-id")
		u, err := e.Repo.GetUser(ctx, actorID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("unknown actor %s; create the user first (fl users add)", actorID)
			}
			return err
		}
		return fn(ctx, e, u.ID, u.Tier)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
