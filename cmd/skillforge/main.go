package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skillforge/internal/activity"
	"skillforge/internal/config"
	"skillforge/internal/gateway"
	"skillforge/internal/logging"
	"skillforge/internal/pipeline"
	"skillforge/internal/prompt"
	"skillforge/internal/scoring"
	"skillforge/internal/store"
	"skillforge/internal/types"
)

var (
	// Global flags
	configDir string
	dataDir   string
	debug     bool

	// Logger
	logger *zap.Logger

	app *runtime
)

// runtime bundles the long-lived collaborators commands share.
type runtime struct {
	cfg     *config.Manager
	store   *store.Store
	loader  *activity.Loader
	events  *logging.EventLog
	gateway *gateway.Gateway
	engine  *scoring.Engine
	orch    *pipeline.Orchestrator
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.loader != nil {
		r.loader.Close()
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

var rootCmd = &cobra.Command{
	Use:   "skillforge",
	Short: "skillforge - LLM-driven learner activity evaluation engine",
	Long: `skillforge evaluates learner activity submissions through a multi-phase
LLM pipeline: combined rubric and validity evaluation, evidence-decay scoring
with dual-gate mastery tracking, and intelligent feedback generation.

Provider credentials come from the environment (A_KEY, O_KEY, G_KEY); the
gateway falls back across providers in the configured order.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env next to the binary is a convenience, not a requirement.
		_ = godotenv.Load()

		zapCfg := zap.NewProductionConfig()
		if debug {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Init(filepath.Join(dataDir, "logs"), debug); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}

		cfg, err := config.Load(configDir)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		st, err := store.Open(store.DefaultPath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		loader, err := activity.NewLoader(activity.DefaultDir())
		if err != nil {
			st.Close()
			return fmt.Errorf("failed to open activities directory: %w", err)
		}
		if err := loader.Watch(); err != nil {
			logger.Warn("activity watcher unavailable", zap.Error(err))
		}

		events, err := logging.OpenEventLog(dataDir)
		if err != nil {
			loader.Close()
			st.Close()
			return fmt.Errorf("failed to open event log: %w", err)
		}

		gw := gateway.New(cfg, events)
		engine := scoring.New(st, cfg)
		builder := prompt.NewBuilder(cfg)

		app = &runtime{
			cfg:     cfg,
			store:   st,
			loader:  loader,
			events:  events,
			gateway: gw,
			engine:  engine,
			orch:    pipeline.New(st, cfg, loader, builder, gw, engine, events),
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		app.Close()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a learner submission through the full pipeline",
	Long: `Runs the four-phase pipeline for one submission and prints the
evaluation result as JSON.

The transcript file carries the submission envelope; alternatively pass a
plain response with --response for quick runs:

  skillforge evaluate --activity ACT-001 --learner L-001 --transcript sub.json
  skillforge evaluate --activity ACT-001 --learner L-001 --response "my answer"`,
	RunE: runEvaluate,
}

var (
	evalActivityID string
	evalLearnerID  string
	evalTranscript string
	evalResponse   string
)

func runEvaluate(cmd *cobra.Command, args []string) error {
	sub := &pipeline.Submission{
		ActivityID: evalActivityID,
		LearnerID:  evalLearnerID,
	}

	switch {
	case evalTranscript != "":
		data, err := os.ReadFile(evalTranscript)
		if err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}
		if err := json.Unmarshal(data, &sub.ActivityTranscript); err != nil {
			return fmt.Errorf("failed to parse transcript: %w", err)
		}
	case evalResponse != "":
		sub.ActivityTranscript = map[string]interface{}{
			"student_engagement": map[string]interface{}{
				"completion_status": "completed",
				"component_responses": []interface{}{
					map[string]interface{}{
						"component_id":     "C1",
						"response_content": evalResponse,
						"response_type":    "text",
					},
				},
				"assistance_log": []interface{}{},
			},
		}
	default:
		return fmt.Errorf("either --transcript or --response is required")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	result := app.orch.Evaluate(ctx, sub)
	logger.Info("evaluation finished",
		zap.String("evaluation_id", result.EvaluationID),
		zap.Bool("success", result.OverallSuccess),
		zap.Int("tokens", result.TotalTokens))

	return printJSON(result)
}

var learnerCmd = &cobra.Command{
	Use:   "learner",
	Short: "Manage learner profiles",
}

var (
	learnerName       string
	learnerEmail      string
	learnerBackground string
	learnerExperience string
)

var learnerAddCmd = &cobra.Command{
	Use:   "add [learner-id]",
	Short: "Create a learner profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := &types.LearnerProfile{
			LearnerID:       args[0],
			Name:            learnerName,
			Email:           learnerEmail,
			Background:      learnerBackground,
			ExperienceLevel: learnerExperience,
			EnrollmentDate:  types.UTCTimestamp(time.Now()),
		}
		if err := app.store.CreateLearner(profile); err != nil {
			return err
		}
		fmt.Printf("Created learner %s\n", profile.LearnerID)
		return nil
	},
}

var learnerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learner profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		learners, err := app.store.ListLearners()
		if err != nil {
			return err
		}
		for _, l := range learners {
			fmt.Printf("%-12s  %-24s  %-28s  %s\n", l.LearnerID, l.Name, l.Email, l.Status)
		}
		fmt.Printf("%d learner(s)\n", len(learners))
		return nil
	},
}

var learnerShowCmd = &cobra.Command{
	Use:   "show [learner-id]",
	Short: "Show a learner's profile and skill progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		learner, err := app.store.GetLearner(args[0])
		if err != nil {
			return err
		}
		if learner == nil {
			return fmt.Errorf("unknown learner %s", args[0])
		}
		progress, err := app.store.ListSkillProgress(args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"profile":        learner,
			"skill_progress": progress,
		})
	},
}

var learnerResetCmd = &cobra.Command{
	Use:   "reset [learner-id]",
	Short: "Delete a learner's history, progress, and activity records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.store.ResetLearnerHistory(args[0]); err != nil {
			return err
		}
		fmt.Printf("Reset history for learner %s\n", args[0])
		return nil
	},
}

var recalcAll bool

var recalcCmd = &cobra.Command{
	Use:   "recalc [learner-id]",
	Short: "Retroactively recompute evidence decay under the current setting",
	Long: `Recomputes every history row's decay-adjusted evidence volume using the
current decay factor and re-derives skill progress. Pass a learner id, or
--all to recalculate every learner.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var updated int
		var err error
		switch {
		case recalcAll:
			updated, err = app.engine.RecalculateAll(cmd.Context())
		case len(args) == 1:
			updated, err = app.engine.Recalculate(args[0])
		default:
			return fmt.Errorf("pass a learner id or --all")
		}
		if err != nil {
			return err
		}

		if stateErr := app.cfg.UpdateState(func(s *config.AppState) {
			s.LastRecalculation = types.UTCTimestamp(time.Now())
		}); stateErr != nil {
			logger.Warn("failed to record recalculation time", zap.Error(stateErr))
		}

		fmt.Printf("Recalculated %d history row(s) (decay factor %.3f)\n", updated, app.cfg.DecayFactor())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider availability and engine settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Providers (fallback order):")
		for _, p := range app.gateway.Status() {
			state := "unavailable"
			if p.Available {
				state = "ready"
			}
			fmt.Printf("  %-10s  %-28s  %s\n", p.Name, p.Model, state)
		}

		scoringCfg := app.cfg.Scoring()
		fmt.Printf("\nDecay factor: %.3f\n", scoringCfg.DecayFactor)
		fmt.Printf("Gate 1 thresholds: %.2f / %.2f / %.2f\n",
			scoringCfg.Gate1.Passed, scoringCfg.Gate1.Approaching, scoringCfg.Gate1.Developing)
		fmt.Printf("Gate 2 thresholds: %.1f / %.1f / %.1f\n",
			scoringCfg.Gate2.Passed, scoringCfg.Gate2.Approaching, scoringCfg.Gate2.Developing)
		fmt.Printf("Database: %s\n", store.DefaultPath())
		fmt.Printf("Activities: %s\n", activity.DefaultDir())
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and update engine configuration",
}

var configSetDecayCmd = &cobra.Command{
	Use:   "set-decay [factor]",
	Short: "Update the evidence decay factor",
	Long: `Sets the global decay factor in (0, 1] and persists it. Existing history
rows keep their stored decay until "recalc" is run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid decay factor %q: %w", args[0], err)
		}
		if err := app.cfg.SetDecayFactor(d); err != nil {
			return err
		}
		fmt.Printf("Decay factor set to %.3f (run \"skillforge recalc --all\" to apply retroactively)\n", d)
		return nil
	},
}

var activitiesCmd = &cobra.Command{
	Use:   "activities",
	Short: "List the loadable activity definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := app.loader.List()
		if err != nil {
			return err
		}
		for _, spec := range specs {
			fmt.Printf("%-12s  %-4s  %-8s  %5.1f  %s\n",
				spec.ActivityID, spec.ActivityType, spec.TargetSkill, spec.TargetEvidenceVolume, spec.Title)
		}
		fmt.Printf("%d activity definition(s)\n", len(specs))
		return nil
	},
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./config", "configuration directory")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "data directory for logs and event streams")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	evaluateCmd.Flags().StringVar(&evalActivityID, "activity", "", "activity id (required)")
	evaluateCmd.Flags().StringVar(&evalLearnerID, "learner", "", "learner id (required)")
	evaluateCmd.Flags().StringVar(&evalTranscript, "transcript", "", "path to a submission transcript JSON file")
	evaluateCmd.Flags().StringVar(&evalResponse, "response", "", "inline learner response text")
	evaluateCmd.MarkFlagRequired("activity")
	evaluateCmd.MarkFlagRequired("learner")

	learnerAddCmd.Flags().StringVar(&learnerName, "name", "", "learner display name")
	learnerAddCmd.Flags().StringVar(&learnerEmail, "email", "", "learner email (unique)")
	learnerAddCmd.Flags().StringVar(&learnerBackground, "background", "", "learner background")
	learnerAddCmd.Flags().StringVar(&learnerExperience, "experience", "", "experience level")
	learnerAddCmd.MarkFlagRequired("name")
	learnerAddCmd.MarkFlagRequired("email")
	learnerCmd.AddCommand(learnerAddCmd, learnerListCmd, learnerShowCmd, learnerResetCmd)

	recalcCmd.Flags().BoolVar(&recalcAll, "all", false, "recalculate every learner")

	configCmd.AddCommand(configSetDecayCmd)

	rootCmd.AddCommand(evaluateCmd, learnerCmd, recalcCmd, statusCmd, configCmd, activitiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
