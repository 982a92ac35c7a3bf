package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/tui"
)

var watchOpts struct {
	clipboard string
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace...]",
	Short: "Watch provider data live",
	Long: `Open an interactive view of one or more namespaces that updates as the
daemon pushes new dynamic properties.

Without arguments, every well-known namespace is shown; namespaces without a
provider are listed as such.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchOpts.clipboard, "clipboard", "",
		"Clipboard command for copy actions (auto-detects if empty)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	namespaces := make([]provider.Namespace, 0, len(args))
	for _, arg := range args {
		ns := provider.Namespace(arg)
		if !ns.Valid() {
			return fmt.Errorf("invalid namespace %q", arg)
		}
		namespaces = append(namespaces, ns)
	}

	return tui.Run(tui.RunOptions{
		Manager:    manager,
		Namespaces: namespaces,
		Clipboard:  watchOpts.clipboard,
	})
}
