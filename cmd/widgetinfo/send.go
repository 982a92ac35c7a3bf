package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

var sendOpts struct {
	data string
}

var sendCmd = &cobra.Command{
	Use:   "send <namespace> <function>",
	Short: "Deliver a widget message to a provider",
	Long: `Deliver a widget message to the provider of a namespace and print its
reply, as a widget would.

Examples:
  widgetinfo send system refresh
  widgetinfo send applications launchApplication --data '{"identifier": "firefox"}'
  widgetinfo send weather setDynamic --data '{"temp": 21}'`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendOpts.data, "data", "d", "",
		"Message payload as a JSON object")
}

func runSend(cmd *cobra.Command, args []string) error {
	ns := provider.Namespace(args[0])
	if !ns.Valid() {
		return fmt.Errorf("invalid namespace %q", args[0])
	}
	data, err := parseMessageData(sendOpts.data)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()

	reply, err := manager.Proxy(ns).SendWidgetMessage(ctx, args[1], data)
	if err != nil {
		return err
	}
	return writeOutput(map[string]any(reply))
}
