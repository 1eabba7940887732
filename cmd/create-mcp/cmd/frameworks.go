package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/broisnischal/create/scaffold"
	"github.com/spf13/cobra"
)

var frameworksFlags struct {
	registry string
	category string
}

var frameworksCmd = &cobra.Command{
	Use:   "frameworks",
	Short: "List the frameworks in the registry",
	Example: `  create-mcp frameworks
  create-mcp frameworks --category backend
  create-mcp frameworks --registry ./frameworks.yaml`,
	RunE: runFrameworks,
}

func init() {
	frameworksCmd.Flags().StringVar(&frameworksFlags.registry, "registry", "", "YAML registry file to list instead of the built-in one")
	frameworksCmd.Flags().StringVar(&frameworksFlags.category, "category", "", "only list this category (frontend, backend, fullstack, mobile, ai)")
	rootCmd.AddCommand(frameworksCmd)
}

func runFrameworks(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry(frameworksFlags.registry)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCATEGORY\tPACKAGE MANAGERS\tDESCRIPTION")
	for _, fw := range reg.List(scaffold.Category(frameworksFlags.category)) {
		pms := make([]string, len(fw.PackageManagers))
		for i, pm := range fw.PackageManagers {
			pms[i] = string(pm)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", fw.Name, fw.Category, strings.Join(pms, ","), fw.Description)
	}
	return tw.Flush()
}

// loadRegistry returns the built-in registry, replaced by path when set.
func loadRegistry(path string) (*scaffold.Registry, error) {
	reg, err := scaffold.NewRegistry()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return reg, nil
	}
	fws, err := scaffold.Load(path)
	if err != nil {
		return nil, err
	}
	reg.Replace(fws)
	return reg, nil
}
