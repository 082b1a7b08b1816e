package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scribeworks/guildscribe/internal/config"
	"github.com/scribeworks/guildscribe/internal/discord"
	"github.com/scribeworks/guildscribe/internal/export"
	"github.com/scribeworks/guildscribe/internal/llm"
	"github.com/scribeworks/guildscribe/internal/logging"
	"github.com/scribeworks/guildscribe/internal/pipeline"
	"github.com/scribeworks/guildscribe/internal/prompt"
	"github.com/scribeworks/guildscribe/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	jsonOutput bool
	configPath string
)

func main() {
	// A missing .env is fine; explicit config still wins.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "guildscribe",
		Short: "Discord guild scraper and marketing content pipeline",
		Long: `Guildscribe archives a Discord guild into a local SQLite store and
runs a staged LLM pipeline over it (filter, categorize, summarize,
extract, format) to surface marketing-ready content.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "output as JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		versionCmd(),
		scrapeCmd(),
		dbCmd(),
		exportCmd(),
		processCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{"version": version, "commit": commit, "date": buildDate})
				return
			}
			fmt.Printf("guildscribe %s (%s, %s)\n", version, commit, buildDate)
		},
	}
}

// setup loads config, builds the logger and opens the store.
func setup() (*config.Config, zerolog.Logger, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, log, nil, err
	}
	return cfg, log, st, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func scrapeCmd() *cobra.Command {
	var (
		full        bool
		incremental bool
		channels    []string
		limit       int
		delay       int
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape guild channels into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := cfg.ValidateScrape(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			session, err := discord.Connect(ctx, cfg.Discord.Token)
			if err != nil {
				return err
			}
			defer session.Close()

			if delay == 0 {
				delay = cfg.Scraper.DelayBetweenRequests
			}

			runID := uuid.NewString()
			log.Info().Str("run_id", runID).Str("guild", cfg.Discord.GuildID).Msg("scrape starting")

			scraper := discord.NewScraper(session, st, log)
			res, err := scraper.Run(ctx, discord.ScrapeOptions{
				GuildID:  cfg.Discord.GuildID,
				RunID:    runID,
				Full:     full && !incremental,
				Channels: channels,
				Limit:    limit,
				DelayMS:  delay,
				DryRun:   dryRun,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				printJSON(res)
				return nil
			}
			fmt.Printf("Scraped %d channels, %d new messages in %s\n",
				res.ChannelsScraped, res.NewMessages, res.Duration.Round(time.Millisecond))
			for _, ce := range res.ChannelErrors {
				fmt.Printf("  channel %s failed: %v\n", ce.Name, ce.Err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "ignore resume cursors and re-walk full history")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "resume from per-channel cursors (default)")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "only scrape these channel names")
	cmd.Flags().IntVar(&limit, "limit", 0, "per-channel message cap")
	cmd.Flags().IntVar(&delay, "delay", 0, "ms between page requests (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and count without persisting")
	return cmd
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the database and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "path": cfg.Database.Path})
				return nil
			}
			fmt.Printf("Database ready at %s\n", cfg.Database.Path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show table counts and time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(stats)
				return nil
			}
			fmt.Printf("Guilds: %d  Channels: %d  Users: %d  Messages: %d\n",
				stats.Guilds, stats.Channels, stats.Users, stats.Messages)
			fmt.Printf("Embeds: %d  Attachments: %d  Reactions: %d  Extracts: %d\n",
				stats.Embeds, stats.Attachments, stats.Reactions, stats.Extracts)
			if !stats.OldestMessage.IsZero() {
				fmt.Printf("Messages from %s to %s\n",
					stats.OldestMessage.Format("2006-01-02"), stats.NewestMessage.Format("2006-01-02"))
			}
			for stage, n := range stats.StageCounts {
				fmt.Printf("  %s: %d processed\n", stage, n)
			}
			fmt.Printf("File size: %d bytes\n", stats.FileSize)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the database file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]string{"path": cfg.Database.Path})
				return nil
			}
			fmt.Println(cfg.Database.Path)
			return nil
		},
	})

	return cmd
}

func exportCmd() *cobra.Command {
	var (
		format             string
		since, until       string
		pretty             bool
		includeEmbeds      bool
		includeAttachments bool
		includeReactions   bool
	)

	cmd := &cobra.Command{
		Use:       "export {messages|channels|summary}",
		Short:     "Export store contents as JSON or CSV",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"messages", "channels", "summary"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()

			opts := export.Options{
				Format:             format,
				Pretty:             pretty,
				IncludeEmbeds:      includeEmbeds,
				IncludeAttachments: includeAttachments,
				IncludeReactions:   includeReactions,
			}
			if opts.Since, err = parseDate(since); err != nil {
				return err
			}
			if opts.Until, err = parseDate(until); err != nil {
				return err
			}

			ctx := cmd.Context()
			switch args[0] {
			case "messages":
				return export.Messages(ctx, st, os.Stdout, opts)
			case "channels":
				return export.Channels(ctx, st, os.Stdout, opts)
			case "summary":
				return export.Summaries(ctx, st, os.Stdout, opts)
			default:
				return fmt.Errorf("unknown export target %q", args[0])
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "output format: json or csv")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "end date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent JSON output")
	cmd.Flags().BoolVar(&includeEmbeds, "include-embeds", false, "include embed rows")
	cmd.Flags().BoolVar(&includeAttachments, "include-attachments", false, "include attachment rows")
	cmd.Flags().BoolVar(&includeReactions, "include-reactions", false, "include reaction rows")
	return cmd
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the LLM processing pipeline",
	}
	cmd.AddCommand(processRunCmd(), processStatusCmd(), processResetCmd())
	return cmd
}

// newEngine builds the pipeline engine with its LLM client and prompt
// builder from config.
func newEngine(cfg *config.Config, st *store.Store, log zerolog.Logger) (*pipeline.Engine, error) {
	client := llm.NewClient(cfg.AI.APIKey, cfg.AI.BaseURL, llm.RetryPolicy{
		MaxAttempts: cfg.AI.RetryAttempts,
		BaseDelay:   time.Duration(cfg.AI.RetryDelayMs) * time.Millisecond,
		Multiplier:  cfg.Scraper.BackoffMultiplier,
	})
	prompts := prompt.NewBuilder(cfg.Prompts.Dir, log)
	if cfg.Prompts.Dir != "" {
		if err := prompts.Watch(); err != nil {
			log.Warn().Err(err).Msg("prompt reload disabled")
		}
	}
	return pipeline.New(st, client, prompts, cfg, log), nil
}

func processRunCmd() *cobra.Command {
	var (
		stage        string
		all          bool
		channelID    string
		since, until string
		date         string
		week         string
		extractType  string
		limit        int
		force        bool
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one stage or the whole pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := cfg.ValidateProcess(); err != nil {
				return err
			}
			if !all && stage == "" {
				return fmt.Errorf("pass --stage <name> or --all")
			}

			engine, err := newEngine(cfg, st, log)
			if err != nil {
				return err
			}

			opts := pipeline.RunOptions{
				ChannelID: channelID,
				Limit:     limit,
				Force:     force,
				DryRun:    dryRun,
			}
			if opts.Start, err = parseDate(since); err != nil {
				return err
			}
			if opts.End, err = parseDate(until); err != nil {
				return err
			}

			day := time.Now().UTC().AddDate(0, 0, -1) // default: yesterday
			if date != "" {
				if day, err = parseDate(date); err != nil {
					return err
				}
			}
			weekStart := day
			if week != "" {
				if weekStart, err = parseDate(week); err != nil {
					return err
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			stages := []string{stage}
			if all {
				stages = nil
				for _, s := range pipeline.StageOrder {
					if cfg.StageEnabled(s) {
						stages = append(stages, s)
					}
				}
			}

			var results []*pipeline.Result
			for _, s := range stages {
				res, err := runStage(ctx, engine, cfg, s, opts, day, weekStart, extractType)
				if err != nil {
					return err
				}
				results = append(results, res...)
			}

			if jsonOutput {
				printJSON(results)
				return nil
			}
			for _, r := range results {
				fmt.Printf("%-10s candidates=%d processed=%d errors=%d tokens=%d/%d cost=$%.4f\n",
					r.Stage, r.Candidates, r.Processed, len(r.Errors), r.InputTokens, r.OutputTokens, r.EstimatedCost)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "stage to run: filter, categorize, summarize, extract, format")
	cmd.Flags().BoolVar(&all, "all", false, "run every enabled stage in order")
	cmd.Flags().StringVar(&channelID, "channel", "", "restrict to one channel id")
	cmd.Flags().StringVar(&since, "since", "", "start of message window")
	cmd.Flags().StringVar(&until, "until", "", "end of message window")
	cmd.Flags().StringVar(&date, "date", "", "day for daily summaries (default yesterday)")
	cmd.Flags().StringVar(&week, "week", "", "week start for the weekly summary")
	cmd.Flags().StringVar(&extractType, "type", "all", "extract type: quote, announcement, faq or all")
	cmd.Flags().IntVar(&limit, "limit", 0, "max candidates")
	cmd.Flags().BoolVar(&force, "force", false, "reprocess entities with existing results")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "select and batch without calling the LLM")
	return cmd
}

func runStage(ctx context.Context, engine *pipeline.Engine, cfg *config.Config, stage string, opts pipeline.RunOptions, day, weekStart time.Time, extractType string) ([]*pipeline.Result, error) {
	switch stage {
	case "filter":
		res, err := engine.RunFilter(ctx, opts)
		return []*pipeline.Result{res}, err
	case "categorize":
		res, err := engine.RunCategorize(ctx, opts)
		return []*pipeline.Result{res}, err
	case "summarize":
		daily, err := engine.RunDailySummaries(ctx, day, opts)
		if err != nil {
			return nil, err
		}
		guildName := ""
		if g, err := engine.Store().GetGuild(ctx, cfg.Discord.GuildID); err == nil && g != nil {
			guildName = g.Name
		}
		weekly, err := engine.RunWeeklySummary(ctx, cfg.Discord.GuildID, guildName, weekStart, opts)
		if err != nil {
			return nil, err
		}
		return []*pipeline.Result{daily, weekly}, nil
	case "extract":
		res, err := engine.RunExtract(ctx, extractType, opts)
		return []*pipeline.Result{res}, err
	case "format":
		res, err := engine.RunFormat(ctx, opts)
		return []*pipeline.Result{res}, err
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

func processStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-stage progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()

			engine, err := newEngine(cfg, st, log)
			if err != nil {
				return err
			}
			status, err := engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(status)
				return nil
			}
			fmt.Println("Processed:")
			for stage, n := range status.Stages {
				fmt.Printf("  %-12s %d\n", stage, n)
			}
			fmt.Println("Pending:")
			for stage, n := range status.Pending {
				fmt.Printf("  %-12s %d\n", stage, n)
			}
			if len(status.Extracts) > 0 {
				fmt.Println("Extracts:")
				for typ, n := range status.Extracts {
					fmt.Printf("  %-12s %d\n", typ, n)
				}
			}
			return nil
		},
	}
}

func processResetCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "reset <stage>",
		Short: "Delete all results for one stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to reset stage %q without --confirm", args[0])
			}
			cfg, log, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()

			engine, err := newEngine(cfg, st, log)
			if err != nil {
				return err
			}
			n, err := engine.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"stage": args[0], "deleted": n})
				return nil
			}
			fmt.Printf("Deleted %d %s results\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the destructive reset")
	return cmd
}

// parseDate accepts YYYY-MM-DD or RFC3339. Empty input is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC3339)", s)
	}
	return t.UTC(), nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
