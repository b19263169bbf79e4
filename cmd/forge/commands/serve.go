package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/playbook"
	"github.com/taskforge/taskforge/pkg/policy"
	"github.com/taskforge/taskforge/pkg/schedule"
	"github.com/taskforge/taskforge/pkg/stores"
)

func newServeCommand() *cobra.Command {
	var (
		scheduleSpec  string
		playbookDir   string
		metricsListen string
		pushURL       string
		pushInterval  time.Duration
		traceEndpoint string
		useStore      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run playbooks on a cron schedule",
		Long: `Run as a long-lived scheduler executing playbooks on cron triggers.

The schedule spec binds playbooks to cron expressions:

  playbook[,playbook...]:expression[;...]

Expressions use the standard five cron fields plus descriptors such as
@hourly and @every 30m. Playbook names must match manifests found in the
playbook directory.

While serving, forge:
  - Fires each trigger on its schedule and executes the bound playbooks
  - Exposes Prometheus metrics on the --metrics-listen address
  - Pushes metrics to a remote write endpoint when --push is set
  - Watches the policy directory and reloads policies on change
  - Persists runs to the history database when --store is set`,
		Example: `  # Nightly deploy plus hourly audit
  forge serve --playbook-dir ./playbooks \
    --schedule 'deploy-web:0 2 * * *;audit:@hourly'

  # Two playbooks on one trigger, metrics pushed every 30s
  forge serve --playbook-dir ./playbooks \
    --schedule 'cache-warm,deploy-web:@every 15m' \
    --push http://prometheus:9090/api/v1/write --push-interval 30s

  # Persist scheduled runs and watch policies
  forge serve --playbook-dir ./playbooks --schedule 'audit:@hourly' \
    --store --policy-dir ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			docs, docPaths, err := loadPlaybookDir(ctx, playbookDir)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				return fmt.Errorf("no playbooks found in %s", playbookDir)
			}
			known := make(map[string]bool, len(docs))
			for name := range docs {
				known[name] = true
			}

			// The manager parses the spec again below; this pass only maps
			// playbooks to their expressions for the trigger events.
			specs, err := schedule.ParseTriggerSpecs(scheduleSpec, known)
			if err != nil {
				return err
			}
			expressions := make(map[string]string)
			for _, spec := range specs {
				for _, name := range spec.Playbooks {
					if _, ok := expressions[name]; !ok {
						expressions[name] = spec.Expression
					}
				}
			}

			tel, err := newTelemetryStack(metricsListen, pushURL, pushInterval, traceEndpoint)
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

			policyEngine, err := newPolicyEngine(ctx)
			if err != nil {
				return err
			}
			if policyDir != "" {
				watcher := policy.NewLoader(log.Logger)
				reload := func([]policy.Policy) error {
					if err := policyEngine.ReloadPolicies(ctx); err != nil {
						return err
					}
					return policyEngine.LoadPolicies(ctx, []string{policyDir})
				}
				if err := watcher.Watch(ctx, []string{policyDir}, reload); err != nil {
					return err
				}
				defer watcher.StopWatching()
			}

			runner := schedule.RunnerFunc(func(runCtx context.Context, playbooks []string) error {
				var errs []error
				for _, name := range playbooks {
					doc := docs[name]
					if err := tel.Events.PublishScheduleTriggered(runCtx, name, expressions[name]); err != nil {
						log.Debug().Err(err).Msg("Schedule event dropped")
					}
					result, err := executePlaybook(runCtx, tel, doc, execOptions{
						criteria:     doc.SuccessCriteria(),
						policyEngine: policyEngine,
						store:        store,
						playbookPath: docPaths[name],
					})
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", name, err))
						continue
					}
					if !result.OverallSuccess {
						errs = append(errs, fmt.Errorf("%s: %d of %d steps failed",
							name, result.Summary.Failed, result.Summary.Total))
					}
				}
				return errors.Join(errs...)
			})

			manager, err := schedule.NewManager(scheduleSpec, runner, log.Logger, known)
			if err != nil {
				return err
			}

			if err := tel.StartMetricsServer(); err != nil {
				return err
			}
			tel.StartRemoteWrite(ctx)
			manager.Start(ctx)

			log.Info().
				Int("triggers", manager.Triggers()).
				Int("playbooks", len(docs)).
				Time("next_run", manager.NextRun()).
				Str("metrics", metricsListen).
				Msg("Serving scheduled playbooks")

			<-ctx.Done()
			log.Info().Msg("Scheduler stopping")
			return nil
		},
	}

	cmd.Flags().StringVar(&scheduleSpec, "schedule", "", "trigger spec binding playbooks to cron expressions")
	cmd.Flags().StringVar(&playbookDir, "playbook-dir", ".", "directory of playbook manifests")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", ":9090", "metrics HTTP listener address")
	cmd.Flags().StringVar(&pushURL, "push", "", "Prometheus remote write URL for metrics")
	cmd.Flags().DurationVar(&pushInterval, "push-interval", 0, "remote write push interval (0 = config default)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP endpoint for trace export")
	cmd.Flags().BoolVar(&useStore, "store", false, "persist scheduled runs to the history database")
	cmd.MarkFlagRequired("schedule")

	return cmd
}

// loadPlaybookDir loads every playbook manifest in dir, keyed by playbook
// name. The second map carries each playbook's source path for run records.
func loadPlaybookDir(ctx context.Context, dir string) (map[string]*playbook.Document, map[string]string, error) {
	loader := playbook.NewLoader()
	docs := make(map[string]*playbook.Document)
	docPaths := make(map[string]string)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".cue", ".yaml", ".yml":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := loader.Load(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if existing, ok := docPaths[doc.Name]; ok {
			return nil, nil, fmt.Errorf("playbook %s defined in both %s and %s", doc.Name, existing, path)
		}
		docs[doc.Name] = doc
		docPaths[doc.Name] = path
	}
	return docs, docPaths, nil
}
