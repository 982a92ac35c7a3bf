package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

var propsCmd = &cobra.Command{
	Use:   "props <namespace>",
	Short: "Print the current properties of a namespace",
	Long: `Print the static and dynamic properties the daemon currently holds for a
namespace.

Examples:
  widgetinfo props system
  widgetinfo props resources -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runProps,
}

func init() {
	rootCmd.AddCommand(propsCmd)
}

func runProps(cmd *cobra.Command, args []string) error {
	ns := provider.Namespace(args[0])
	if !ns.Valid() {
		return fmt.Errorf("invalid namespace %q", args[0])
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()

	p := manager.Proxy(ns)
	if err := p.Refresh(ctx); err != nil {
		return err
	}
	data, _ := p.CachedData()
	return writeOutput(data.ToMap())
}
