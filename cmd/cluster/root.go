package cluster

import (
	"github.com/ValentinKolb/dCtx/cmd/util"
	"github.com/ValentinKolb/dCtx/lib/sharedctx"
	"github.com/spf13/cobra"
)

var (
	remote *sharedctx.RemoteContext

	// ClusterCommands represents the cluster command group
	ClusterCommands = &cobra.Command{
		Use:                "cluster",
		Short:              "Inspect and maintain the cluster of a context",
		PersistentPreRunE:  setupClusterClient,
		PersistentPostRunE: closeClusterClient,
	}
)

func init() {
	// Add common RPC flags to the cluster command
	util.SetupRPCClientFlags(ClusterCommands)
	ClusterCommands.PersistentFlags().Bool("json", false, util.WrapString("Print the result as json"))

	// Add subcommands
	ClusterCommands.AddCommand(pingCmd)
	ClusterCommands.AddCommand(infoCmd)
	ClusterCommands.AddCommand(ownerCmd)
	ClusterCommands.AddCommand(statsCmd)
	ClusterCommands.AddCommand(healthCmd)
	ClusterCommands.AddCommand(syncCmd)
	ClusterCommands.AddCommand(rehashCmd)
	ClusterCommands.AddCommand(queryCmd)

	healthCmd.Flags().Bool("clients", false, util.WrapString("Also check the client nodes"))
	rehashCmd.Flags().Int("wait", 300, util.WrapString("Seconds to wait for the rehash to complete"))
	queryCmd.Flags().String("merge", "", util.WrapString("Expression combining the per-node results, bound as `results`. Without it the results are printed as they are"))
	queryCmd.Flags().StringArray("var", nil, util.WrapString("A variable in the form name=value available to both expressions. Values are parsed as json if possible. Can be given multiple times"))
	queryCmd.Flags().Bool("partial", false, util.WrapString("Merge the results of the reachable nodes if some fail. The failed nodes are bound as `missing`"))
}

// setupClusterClient connects to the configured context
func setupClusterClient(cmd *cobra.Command, _ []string) error {
	var err error
	remote, err = util.ConnectRemote(cmd)
	return err
}

func closeClusterClient(*cobra.Command, []string) error {
	if remote == nil {
		return nil
	}
	return remote.Close()
}
