package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/widgetinfo/internal/dbus"
	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/transport"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the device sleep and network state",
	Long: `Ask the daemon for the current device state as seen by its state manager.

The daemon may have the device state capability disabled
([state] device_state_capability = false), in which case "not available"
is printed. Over D-Bus the daemon's name and version are included.`,
	Args: cobra.NoArgs,
	RunE: runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	ds, err := manager.DeviceState(ctx)
	if protocol.IsCapabilityUnavailable(err) {
		fmt.Println("not available")
		return nil
	}
	if err != nil {
		return err
	}

	out := ds.ToMap()
	if conn, err := manager.Connection(ctx); err == nil {
		if info := daemonInfo(ctx, conn); info != nil {
			out["daemon"] = info
		}
	}
	return writeOutput(out)
}

// serverInformer is implemented by transports that can describe the daemon
// on the other end.
type serverInformer interface {
	ServerInformation(ctx context.Context) (dbus.ServerInfo, error)
}

// daemonInfo returns the daemon description, or nil when conn cannot
// provide one.
func daemonInfo(ctx context.Context, conn transport.Connection) map[string]any {
	si, ok := conn.(serverInformer)
	if !ok {
		return nil
	}
	info, err := si.ServerInformation(ctx)
	if err != nil {
		slog.Debug("failed to read server information", "error", err)
		return nil
	}
	return map[string]any{
		"name":     info.Name,
		"version":  info.Version,
		"protocol": info.ProtocolVersion,
	}
}
