package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/playbook"
)

func newResolveCommand() *cobra.Command {
	var dotOutput bool

	cmd := &cobra.Command{
		Use:   "resolve <playbook>",
		Short: "Resolve module load order",
		Long: `Resolve the dependency graph of the modules a playbook declares.

Prints a valid load order for the acyclic portion of the graph. Cycles and
missing dependencies are reported as findings, never hidden: a graph with
problems still produces the best order the resolver can give.

With --dot the graph is emitted in Graphviz DOT format; modules on a cycle
are highlighted.`,
		Example: `  # Show the load order
  forge resolve deploy.cue

  # Render the dependency graph
  forge resolve deploy.cue --dot | dot -Tsvg -o modules.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader := playbook.NewLoader()
			doc, err := loader.Load(ctx, args[0])
			if err != nil {
				return err
			}

			descriptors := doc.ModuleDescriptors()
			if len(descriptors) == 0 {
				fmt.Printf("Playbook %s declares no modules\n", doc.Name)
				return nil
			}

			result := engine.ResolveLoadOrder(descriptors)

			if dotOutput {
				fmt.Print(result.ToDOT(descriptors))
				return result.Err()
			}

			fmt.Printf("Load order for %s (%d modules):\n", doc.Name, len(descriptors))
			for i, name := range result.Order {
				fmt.Printf("  %2d. %s (depth %d)\n", i+1, name, result.Depth[name])
			}

			for _, cycle := range result.Cycles {
				fmt.Printf("\nCycle: %s\n", strings.Join(cycle, " -> "))
			}

			missing := make([]string, 0, len(result.Missing))
			for module := range result.Missing {
				missing = append(missing, module)
			}
			sort.Strings(missing)
			for _, module := range missing {
				fmt.Printf("\nMissing: %s requires %s\n", module, strings.Join(result.Missing[module], ", "))
			}

			return result.Err()
		},
	}

	cmd.Flags().BoolVar(&dotOutput, "dot", false, "emit the graph in Graphviz DOT format")

	return cmd
}
