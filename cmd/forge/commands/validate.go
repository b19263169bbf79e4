package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/playbook"
	"github.com/taskforge/taskforge/pkg/policy"
	"github.com/taskforge/taskforge/pkg/steps"
)

func newValidateCommand() *cobra.Command {
	var withPolicy bool

	cmd := &cobra.Command{
		Use:   "validate <playbook>",
		Short: "Validate a playbook without running it",
		Long: `Validate a playbook manifest without executing any step.

This command:
  - Parses the manifest (CUE or YAML) against the playbook schema
  - Checks semantic rules (timeouts, retry bounds, stage structure)
  - Compiles step definitions
  - Resolves module dependencies and reports cycles
  - Verifies every step target against the built-in handlers
  - Optionally dry-runs the admission policies`,
		Example: `  # Validate a playbook
  forge validate deploy.cue

  # Validate a YAML playbook including policy admission
  forge validate deploy.yaml --policy --policy-dir ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			loader := playbook.NewLoader()
			doc, err := loader.Load(ctx, path)
			if err != nil {
				return err
			}

			def, err := doc.Compile()
			if err != nil {
				return err
			}

			if descriptors := doc.ModuleDescriptors(); len(descriptors) > 0 {
				res := engine.ResolveLoadOrder(descriptors)
				if err := res.Err(); err != nil {
					return err
				}
			}

			registry := engine.NewHandlerRegistry()
			if err := steps.RegisterBuiltins(registry); err != nil {
				return err
			}
			if _, err := engine.BuildDispatchTable(registry, def); err != nil {
				return err
			}

			if withPolicy {
				policyEngine, err := newPolicyEngine(ctx)
				if err != nil {
					return err
				}
				result, err := policyEngine.EvaluatePlaybook(ctx, def, &policy.Context{
					Operation: "validate",
					DryRun:    true,
					Timestamp: time.Now(),
				})
				if err != nil {
					return err
				}
				for _, v := range result.Violations {
					log.Warn().
						Str("policy", v.Policy).
						Str("step", v.Step).
						Str("severity", string(v.Severity)).
						Msg(v.Message)
				}
				if !result.Allowed {
					return fmt.Errorf("playbook %s would be denied by policy", def.Name)
				}
			}

			fmt.Printf("Playbook %s is valid: %d stages, %d steps, %d modules\n",
				doc.Name, len(doc.Stages), doc.StepCount(), len(doc.Modules))
			return nil
		},
	}

	cmd.Flags().BoolVar(&withPolicy, "policy", false, "also dry-run admission policies")

	return cmd
}
