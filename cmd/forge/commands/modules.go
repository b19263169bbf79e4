package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/playbook"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules <playbook>",
		Short: "List a playbook's module catalogue",
		Long: `List the modules a playbook declares, in load order.

The depth column is the length of each module's longest dependency chain;
modules at the same depth have no ordering constraint between them. Modules
participating in a dependency cycle are listed last and marked.`,
		Example: `  # Show the module catalogue
  forge modules deploy.cue`,
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

			byName := make(map[string]engine.ModuleDescriptor, len(descriptors))
			for _, desc := range descriptors {
				byName[desc.Name] = desc
			}
			result := engine.ResolveLoadOrder(descriptors)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tDEPTH\tREQUIRED\tREQUIRES")
			for _, name := range result.Order {
				writeModuleRow(w, byName[name], fmt.Sprintf("%d", result.Depth[name]))
			}
			listed := make(map[string]bool)
			for _, cycle := range result.Cycles {
				for _, name := range cycle {
					if listed[name] {
						continue
					}
					listed[name] = true
					writeModuleRow(w, byName[name], "cycle")
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}

			return result.Err()
		},
	}

	return cmd
}

func writeModuleRow(w *tabwriter.Writer, desc engine.ModuleDescriptor, depth string) {
	version := desc.Version
	if version == "" {
		version = "-"
	}
	required := ""
	if desc.Required {
		required = "yes"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		desc.Name, version, depth, required, strings.Join(desc.Dependencies, ","))
}
