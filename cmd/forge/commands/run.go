package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/playbook"
	"github.com/taskforge/taskforge/pkg/stores"
)

func newRunCommand() *cobra.Command {
	var (
		maxConcurrency  int
		varFlags        []string
		rollback        bool
		continueOnError bool
		useStore        bool
		noPolicy        bool
		requireAll      bool
		minSuccess      int
		critical        []string
		allowFail       []string
		pushURL         string
		traceEndpoint   string
	)

	cmd := &cobra.Command{
		Use:   "run <playbook>",
		Short: "Execute a playbook",
		Long: `Execute a playbook end to end.

This command:
  - Loads and validates the playbook manifest (CUE or YAML)
  - Resolves declared module dependencies
  - Evaluates admission policies (unless --no-policy)
  - Builds the dispatch table against the built-in step handlers
  - Runs stages in order with bounded concurrency, timeouts, and retries
  - Judges the run against its success criteria
  - Optionally persists the run and pushes metrics

The exit code is 0 only when the run meets its success criteria.`,
		Example: `  # Run a playbook
  forge run deploy.cue

  # Run with variables and bounded concurrency
  forge run deploy.cue --var region=eu-west-1 --var dry=false --max-concurrency 4

  # Roll back completed steps if the run halts
  forge run deploy.cue --rollback

  # Tolerate step failures and require at least 3 successes
  forge run deploy.cue --continue-on-error --min-success 3

  # Persist the run for forge history
  forge run deploy.cue --store

  # Push metrics for a short-lived run
  forge run deploy.cue --push http://prometheus:9090/api/v1/write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			variables, err := parseVariables(varFlags)
			if err != nil {
				return err
			}

			loader := playbook.NewLoader()
			doc, err := loader.Load(ctx, path)
			if err != nil {
				return err
			}

			log.Info().
				Str("playbook", doc.Name).
				Int("stages", len(doc.Stages)).
				Int("steps", doc.StepCount()).
				Msg("Playbook loaded")

			criteria := doc.SuccessCriteria()
			if cmd.Flags().Changed("require-all") {
				criteria.RequireAllSuccess = requireAll
			}
			if cmd.Flags().Changed("min-success") {
				minCount := minSuccess
				criteria.MinimumSuccessCount = &minCount
			}
			if len(critical) > 0 {
				criteria.CriticalSteps = critical
			}
			if len(allowFail) > 0 {
				criteria.AllowedFailures = allowFail
			}

			tel, err := newTelemetryStack("", pushURL, 0, traceEndpoint)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)
			subscribeRunLog(tel)

			var store stores.Store
			if useStore {
				sqlStore, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer sqlStore.Close()
				subscribeStoreSink(tel, sqlStore)
				store = sqlStore
			}

			result, runErr := executePlaybook(ctx, tel, doc, execOptions{
				variables:       variables,
				criteria:        criteria,
				maxConcurrency:  maxConcurrency,
				continueOnError: continueOnError,
				rollback:        rollback,
				skipPolicy:      noPolicy,
				store:           store,
				playbookPath:    path,
			})
			if result != nil {
				printRunReport(result)
			}
			if runErr != nil {
				return runErr
			}
			if !result.OverallSuccess {
				return fmt.Errorf("run %s failed: %d of %d steps failed",
					result.ExecutionID, result.Summary.Failed, result.Summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "max parallel steps in a group (0 = playbook setting)")
	cmd.Flags().StringSliceVar(&varFlags, "var", nil, "runtime variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "undo completed steps if the run halts")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "never halt on step failures")
	cmd.Flags().BoolVar(&useStore, "store", false, "persist the run to the history database")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy admission")
	cmd.Flags().BoolVar(&requireAll, "require-all", false, "require every step to succeed")
	cmd.Flags().IntVar(&minSuccess, "min-success", 0, "minimum number of succeeded steps")
	cmd.Flags().StringSliceVar(&critical, "critical", nil, "step targets that must not fail")
	cmd.Flags().StringSliceVar(&allowFail, "allow-fail", nil, "step targets whose failures are tolerated")
	cmd.Flags().StringVar(&pushURL, "push", "", "Prometheus remote write URL for metrics")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP endpoint for trace export")

	return cmd
}

// printRunReport writes the human-readable run summary to stdout. Structured
// progress already went to the log; this is the operator-facing verdict.
func printRunReport(result *engine.OrchestrationResult) {
	status := "succeeded"
	if !result.OverallSuccess {
		status = "failed"
	}

	fmt.Printf("\nRun %s %s: playbook=%s\n", result.ExecutionID, status, result.Playbook)
	summary := result.Summary
	fmt.Printf("  steps: %d total, %d succeeded, %d failed, %d retried, %d skipped\n",
		summary.Total+summary.Skipped, summary.Succeeded, summary.Failed, summary.Retried, summary.Skipped)
	fmt.Printf("  duration: %s\n", result.Duration().Round(time.Millisecond))
	if result.Halted {
		fmt.Println("  halted: yes")
	}
	if result.Rollback != nil {
		fmt.Printf("  rollback: %d undone, %d failed\n",
			len(result.Rollback.RolledBack), len(result.Rollback.Errors))
	}

	if len(result.FailedSteps) > 0 {
		fmt.Println("\nFailed steps:")
		for _, step := range result.FailedSteps {
			fmt.Printf("  [%s] %s attempt %d: %s (%s)\n",
				step.Stage, step.StepTarget, step.AttemptNumber, step.Error, step.ErrorCode)
		}
	}
}
