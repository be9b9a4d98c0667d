package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/ValentinKolb/dCtx/cmd/cluster"
	"github.com/ValentinKolb/dCtx/cmd/ctx"
	"github.com/ValentinKolb/dCtx/cmd/lock"
	"github.com/ValentinKolb/dCtx/cmd/serve"
	"github.com/ValentinKolb/dCtx/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dctx",
		Short: "distributed shared context",
		Long: fmt.Sprintf(`dCtx (v%s)

A distributed shared context written in Go. Keys of a named context are
partitioned over the server nodes of a cluster, every node can serve every
key. Supports locks, transactions, diff based updates and federated queries.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dCtx",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dCtx v%s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(ctx.ContextCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(cluster.ClusterCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, cbor, json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix, http)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
