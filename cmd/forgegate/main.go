// Package main provides the forgegate binary entry point.
// ForgeGate drives goal-to-release workflows through a staged state
// machine and gates every release on a multi-signal risk assessment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	// Register provider codecs via init()
	_ "github.com/c360studio/forgegate/provider/codecs"

	"github.com/c360studio/forgegate/config"
	"github.com/c360studio/forgegate/orchestrator"
	"github.com/c360studio/forgegate/provider"
	"github.com/c360studio/forgegate/risk"
	"github.com/c360studio/forgegate/workflow"
)

const (
	Version = "0.1.0"
	appName = "forgegate"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Risk-gated artifact workflow engine",
		Long: `ForgeGate runs goal-to-release workflows through a fixed stage
machine (parse, generate, audit, release, verify, test) with durable,
resumable state. Before anything is released, a pipeline of independent
risk collectors assesses the candidate; HIGH, CRITICAL, or UNKNOWN risk
blocks the release unless an operator explicitly overrides.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(flags))
	cmd.AddCommand(resumeCmd(flags))
	cmd.AddCommand(listCmd(flags))
	cmd.AddCommand(statusCmd(flags))
	cmd.AddCommand(intelCmd(flags))
	cmd.AddCommand(providersCmd(flags))
	cmd.AddCommand(configCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

// setup builds the logger, config, and engine shared by the commands.
func setup(ctx context.Context, flags *globalFlags, params appParams) (*App, string, error) {
	level := slog.LevelInfo
	switch strings.ToLower(flags.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	var cfg *config.Config
	var configPath string
	var err error
	if flags.configPath != "" {
		cfg = config.DefaultConfig()
		loaded, lerr := config.LoadFromFile(flags.configPath)
		if lerr != nil {
			return nil, "", lerr
		}
		cfg.Merge(loaded)
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
		configPath = flags.configPath
	} else {
		cfg, err = loader.Load()
		if err != nil {
			return nil, "", err
		}
		configPath = loader.ProjectConfigPath()
	}

	app, err := newApp(ctx, cfg, params, logger)
	if err != nil {
		return nil, "", err
	}
	return app, configPath, nil
}

// driveToExit maps the terminal workflow state to the process exit.
func driveToExit(state *workflow.State, err error) error {
	if err != nil {
		if orchestrator.IsGateBlocked(err) && state != nil {
			return fmt.Errorf("workflow %s blocked by risk policy: %s", state.ID, state.FailureNote)
		}
		return err
	}
	if state == nil {
		return errors.New("no workflow state")
	}
	switch state.CurrentStage {
	case workflow.StageDone:
		fmt.Printf("workflow %s completed\n", state.ID)
		if len(state.Degraded) > 0 {
			fmt.Printf("degraded stages: %v\n", state.Degraded)
		}
		return nil
	case workflow.StageAborted:
		return fmt.Errorf("workflow %s aborted", state.ID)
	default:
		return fmt.Errorf("workflow %s failed at %s: %s", state.ID, state.CurrentStage, state.FailureNote)
	}
}

// signalContext cancels on the second interrupt; the first requests a
// graceful abort at the next stage boundary.
func signalContext(parent context.Context, onFirst func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			onFirst()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		override    bool
		strict      bool
		templateRef string
	)

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Create a workflow for a goal and drive it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.Join(args, " ")

			app, configPath, err := setup(cmd.Context(), flags, appParams{
				templateRef: templateRef,
				strict:      strict,
			})
			if err != nil {
				return err
			}
			defer app.Close()

			var abort func()
			ctx, cancel := signalContext(cmd.Context(), func() {
				if abort != nil {
					abort()
				}
			})
			defer cancel()
			app.StartBackground(ctx, configPath)

			// The workflow id is only known after Create; route the
			// first interrupt through a late-bound abort.
			created := make(chan string, 1)
			abort = func() {
				select {
				case id := <-created:
					app.orch.Abort(id)
					fmt.Fprintln(os.Stderr, "abort requested, finishing current stage")
				default:
				}
			}

			state, err := app.store.Create(ctx, goal)
			if err != nil {
				return err
			}
			created <- state.ID
			fmt.Printf("workflow %s created\n", state.ID)

			final, err := app.orch.Resume(ctx, state.ID, orchestrator.RunOptions{Override: override})
			return driveToExit(final, err)
		},
	}

	cmd.Flags().BoolVar(&override, "override", false, "Explicit human override of the release gate")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat degradable stage failures as workflow failures")
	cmd.Flags().StringVar(&templateRef, "template", "", "Content ID of a template to enrich generation")
	return cmd
}

func resumeCmd(flags *globalFlags) *cobra.Command {
	var (
		override bool
		strict   bool
		force    []string
	)

	cmd := &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume a workflow from its last committed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			forced := make(map[workflow.Stage]bool, len(force))
			for _, f := range force {
				stage, err := workflow.ParseStage(f)
				if err != nil {
					return err
				}
				forced[stage] = true
			}

			app, configPath, err := setup(cmd.Context(), flags, appParams{strict: strict})
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signalContext(cmd.Context(), func() {
				app.orch.Abort(id)
				fmt.Fprintln(os.Stderr, "abort requested, finishing current stage")
			})
			defer cancel()
			app.StartBackground(ctx, configPath)

			final, err := app.orch.Resume(ctx, id, orchestrator.RunOptions{
				Override: override,
				Force:    forced,
			})
			if errors.Is(err, workflow.ErrTerminal) {
				return fmt.Errorf("workflow %s is already terminal (%s)", id, final.CurrentStage)
			}
			return driveToExit(final, err)
		},
	}

	cmd.Flags().BoolVar(&override, "override", false, "Explicit human override of the release gate")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat degradable stage failures as workflow failures")
	cmd.Flags().StringSliceVar(&force, "force", nil, "Stages to re-execute even if already succeeded")
	return cmd
}

func listCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := setup(cmd.Context(), flags, appParams{})
			if err != nil {
				return err
			}
			defer app.Close()

			summaries, err := app.store.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTAGE\tSTATUS\tUPDATED\tGOAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.CurrentStage, s.Status,
					s.UpdatedAt.Format("2006-01-02 15:04:05"),
					truncateGoal(s.Goal))
			}
			return w.Flush()
		},
	}
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show the detailed status of one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := setup(cmd.Context(), flags, appParams{})
			if err != nil {
				return err
			}
			defer app.Close()

			state, err := app.store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("workflow:  %s\n", state.ID)
			fmt.Printf("goal:      %s\n", state.Goal)
			fmt.Printf("stage:     %s\n", state.CurrentStage)
			fmt.Printf("status:    %s\n", state.Status)
			if state.FailureKind != workflow.FailureNone {
				fmt.Printf("failure:   %s (%s)\n", state.FailureKind, state.FailureNote)
			}
			if len(state.Degraded) > 0 {
				fmt.Printf("degraded:  %v\n", state.Degraded)
			}
			if last := state.LastEvent(); last != nil {
				fmt.Printf("last event: [%s] %s %s\n", last.Stage, last.Action, last.Reasoning)
			}
			stages := make([]workflow.Stage, 0, len(state.Artifacts))
			for stage := range state.Artifacts {
				stages = append(stages, stage)
			}
			sort.Slice(stages, func(i, j int) bool { return stages[i].Index() < stages[j].Index() })
			for _, stage := range stages {
				fmt.Printf("artifact %s: %s\n", stage, truncateGoal(state.Artifacts[stage]))
			}
			if a := releaseAssessment(state); a != nil {
				fmt.Printf("risk:      %s (score %.1f", a.Level, a.AggregateScore)
				if a.ForcedCritical != "" {
					fmt.Printf(", forced by %q", a.ForcedCritical)
				}
				if a.Conflict {
					fmt.Print(", conflicting signals")
				}
				fmt.Println(")")
			}
			return nil
		},
	}
}

// releaseAssessment decodes the gate assessment attached to the release
// stage, if one was recorded.
func releaseAssessment(state *workflow.State) *risk.Assessment {
	artifact, ok := state.Artifacts[workflow.StageRelease]
	if !ok || !strings.HasPrefix(artifact, "{") {
		return nil
	}
	var a risk.Assessment
	if err := json.Unmarshal([]byte(artifact), &a); err != nil || a.Level == "" {
		return nil
	}
	return &a
}

func intelCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intel",
		Short: "Manage the reputation intel ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add-label <subject> <label>",
		Short: "Append a label to a subject's reputation record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := setup(cmd.Context(), flags, appParams{})
			if err != nil {
				return err
			}
			defer app.Close()

			if app.intel == nil {
				return errors.New("reputation persistence is disabled; set reputation.persist and nats.url")
			}
			if err := app.intel.AddLabel(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("labeled %s %q\n", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add-edge <subject> <neighbor> <weight>",
		Short: "Append a weighted association edge between two subjects",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("weight: %w", err)
			}

			app, _, err := setup(cmd.Context(), flags, appParams{})
			if err != nil {
				return err
			}
			defer app.Close()

			if app.intel == nil {
				return errors.New("reputation persistence is disabled; set reputation.persist and nats.url")
			}
			if err := app.intel.AddEdge(cmd.Context(), args[0], args[1], weight); err != nil {
				return err
			}
			fmt.Printf("linked %s -> %s (%.2f)\n", args[0], args[1], weight)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <subject>",
		Short: "Show a subject's reputation record with propagated risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := setup(cmd.Context(), flags, appParams{})
			if err != nil {
				return err
			}
			defer app.Close()

			subject := args[0]
			if !app.graph.Known(subject) {
				fmt.Printf("no intel for %s\n", subject)
				return nil
			}
			rec := app.graph.Lookup(subject)
			fmt.Printf("subject: %s\n", rec.Subject)
			fmt.Printf("risk:    %.1f\n", rec.RiskScore)
			if len(rec.Labels) > 0 {
				fmt.Printf("labels:  %s\n", strings.Join(rec.Labels, ", "))
			}
			for _, e := range rec.Edges {
				fmt.Printf("edge:    %s (%.2f)\n", e.Neighbor, e.Weight)
			}
			return nil
		},
	})

	return cmd
}

func providersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured generation providers and available codecs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := setup(cmd.Context(), flags, appParams{})
			if err != nil {
				return err
			}
			defer app.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCODEC\tMODEL\tCOST\tCAPABILITIES")
			for _, p := range app.cfg.Providers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
					p.Name, p.Codec, p.Model, p.Cost, strings.Join(p.Capabilities, ","))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("codecs: %s\n", strings.Join(provider.ListCodecs(), ", "))
			return nil
		},
	}
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(slog.Default())
			if err := loader.EnsureUserConfig(); err != nil {
				return err
			}
			if p := loader.ProjectConfigPath(); p != "" {
				fmt.Printf("project config: %s\n", p)
			}
			return nil
		},
	})

	return cmd
}

func truncateGoal(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
