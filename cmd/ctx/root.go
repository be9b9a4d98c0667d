package ctx

import (
	"github.com/ValentinKolb/dCtx/cmd/util"
	"github.com/ValentinKolb/dCtx/lib/sharedctx"
	"github.com/spf13/cobra"
)

var (
	remote *sharedctx.RemoteContext

	// ContextCommands represents the map command group
	ContextCommands = &cobra.Command{
		Use:                "ctx",
		Short:              "Perform map operations on a shared context",
		PersistentPreRunE:  setupContextClient,
		PersistentPostRunE: closeContextClient,
	}
)

func init() {
	// Add common RPC flags to the ctx command
	util.SetupRPCClientFlags(ContextCommands)

	// Add subcommands
	ContextCommands.AddCommand(getCmd)
	ContextCommands.AddCommand(putCmd)
	ContextCommands.AddCommand(delCmd)
	ContextCommands.AddCommand(hasCmd)
	ContextCommands.AddCommand(keysCmd)
	ContextCommands.AddCommand(sizeCmd)
	ContextCommands.AddCommand(clearCmd)
	ContextCommands.AddCommand(fieldsCmd)
	ContextCommands.AddCommand(setFieldsCmd)

	putCmd.Flags().Int64("if-version", -1, util.WrapString("Only write if the key is at this version (0 for a key that was never written)"))
	delCmd.Flags().Int64("if-version", -1, util.WrapString("Only delete if the key is at this version"))
	setFieldsCmd.Flags().StringSlice("del", nil, util.WrapString("Fields to delete"))
	setFieldsCmd.Flags().Uint64("base", 0, util.WrapString("Version of the value the fields were read at. Fields changed after it are not overwritten"))
	setFieldsCmd.Flags().Bool("if-exists", false, util.WrapString("Only update if the key holds a value"))
}

// setupContextClient connects to the configured context
func setupContextClient(cmd *cobra.Command, _ []string) error {
	var err error
	remote, err = util.ConnectRemote(cmd)
	return err
}

func closeContextClient(*cobra.Command, []string) error {
	if remote == nil {
		return nil
	}
	return remote.Close()
}
