package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCtx/cmd/util"
	"github.com/ValentinKolb/dCtx/lib/lockmgr"
	"github.com/ValentinKolb/dCtx/lib/sharedctx"
	"github.com/spf13/cobra"
)

var (
	remote         *sharedctx.RemoteContext
	acquireTimeout uint64
	acquireOwner   string
	releaseForce   bool

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:                "lock",
		Short:              "Perform lock operations",
		PersistentPreRunE:  setupLockClient,
		PersistentPostRunE: closeLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Long:  "Acquire the lock of a key. Without --owner a new owner id is generated and printed, pass it to release.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [key] [ownerID]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the key and owner ID. The owner ID is the one printed by the acquire command. With --force the lock is released regardless of its holder.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runRelease,
	}

	// listCmd represents the list command
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the locked keys of the context",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
)

func init() {
	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(listCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	// Add flags specific to acquire and release
	acquireCmd.Flags().Uint64Var(&acquireTimeout, "wait", 30, "Seconds to wait for the lock (0 fails at once if the lock is held)")
	acquireCmd.Flags().StringVar(&acquireOwner, "owner", "", "Owner id to acquire the lock for")
	releaseCmd.Flags().BoolVar(&releaseForce, "force", false, "Release the lock whoever holds it")
}

// setupLockClient connects to the configured context
func setupLockClient(cmd *cobra.Command, _ []string) error {
	var err error
	remote, err = util.ConnectRemote(cmd)
	return err
}

func closeLockClient(*cobra.Command, []string) error {
	if remote == nil {
		return nil
	}
	return remote.Close()
}

// runAcquire handles the acquire lock command
func runAcquire(_ *cobra.Command, args []string) error {
	key := args[0]
	owner := acquireOwner
	if owner == "" {
		owner = lockmgr.NewOwnerID()
	}

	wait := time.Duration(acquireTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), wait+5*time.Second)
	defer cancel()

	if err := remote.Lock(ctx, key, owner, wait); err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}

	fmt.Printf("acquired=true, ownerId=%s\n", owner)
	return nil
}

// runRelease handles the release lock command
func runRelease(_ *cobra.Command, args []string) error {
	key := args[0]
	owner := ""
	if len(args) > 1 {
		owner = args[1]
	} else if !releaseForce {
		return fmt.Errorf("an owner id is required unless --force is given")
	}

	released, err := remote.Unlock(context.Background(), key, owner, releaseForce)
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}

	fmt.Printf("released=%v\n", released)
	return nil
}

// runList prints the locked keys of all nodes
func runList(_ *cobra.Command, _ []string) error {
	keys, err := remote.LockedKeys(context.Background())
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}
