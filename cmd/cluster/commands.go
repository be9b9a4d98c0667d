package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ValentinKolb/dCtx/cmd/util"
	"github.com/ValentinKolb/dCtx/lib/sharedctx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Checks that the node answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := remote.Ping(context.Background()); err != nil {
				return err
			}
			fmt.Printf("pong (%s)\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Shows members and partition table as seen by the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := remote.Info(context.Background(), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return util.PrintJSON(info)
			}
			printInfo(info)
			return nil
		},
	}
	ownerCmd = &cobra.Command{
		Use:   "owner [key]",
		Short: "Shows the partition and the owning node of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := remote.Info(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, partition=%d, owner=%s, epoch=%d\n", args[0], info.Partition, info.Owner, info.Table.Epoch)
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Shows statistics of every member and the key distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := remote.Stats(context.Background())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return util.PrintJSON(stats)
			}
			printStats(stats)
			return nil
		},
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Pings every server (and optionally every client) of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, _ := cmd.Flags().GetBool("clients")
			report, healthy, err := remote.Health(context.Background(), clients)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(report))
			for id := range report {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("%-20s %s\n", id, report[id])
			}
			if !healthy {
				return fmt.Errorf("cluster is not healthy")
			}
			return nil
		},
	}
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Pushes the partition table of the coordinator to every member",
		Long:  "Pushes the partition table of the coordinator to every member. Servers hand entries they hold but do not own to the owners, clients refresh their cache.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := remote.Synchronize(context.Background()); err != nil {
				return err
			}
			fmt.Println("synchronized")
			return nil
		},
	}
	rehashCmd = &cobra.Command{
		Use:   "rehash",
		Short: "Recomputes the partition table and migrates the keys of moved partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetInt("wait")
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(wait)*time.Second)
			defer cancel()

			start := time.Now()
			if err := remote.Rehash(ctx); err != nil {
				return err
			}
			info, err := remote.Info(context.Background(), "")
			if err != nil {
				return err
			}
			fmt.Printf("rehashed to epoch %d in %s\n", info.Table.Epoch, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [expression]",
		Short: "Evaluates an expression on every server and merges the results",
		Long: `Evaluates an expression on every server. The local part of the context is bound as
'context' with the methods Size(), Keys(), Get(key) and Contains(key).

Example: dctx cluster query 'context.Size()' --merge 'sum(results)'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			merge, _ := cmd.Flags().GetString("merge")
			partial, _ := cmd.Flags().GetBool("partial")
			raw, _ := cmd.Flags().GetStringArray("var")
			vars, err := parseVars(raw)
			if err != nil {
				return err
			}

			res, err := remote.Query(context.Background(), args[0], merge, vars, partial)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return util.PrintJSON(res)
			}
			fmt.Printf("%v\n", res)
			return nil
		},
	}
)

// parseVars parses name=value pairs, values that are valid json are decoded
func parseVars(raw []string) (map[string]any, error) {
	vars := make(map[string]any, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q, expected name=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		vars[name] = v
	}
	return vars, nil
}

func printInfo(info sharedctx.ClusterInfo) {
	fmt.Printf("context      : %s\n", info.Context)
	fmt.Printf("node         : %s (%s, %s)\n", info.Self.ID, info.Self.Role, info.Self.Endpoint)
	fmt.Printf("ready        : %t\n", info.Ready)
	fmt.Printf("distributor  : %s\n", info.Distributor)
	fmt.Printf("rehash       : %t (migrating: %t)\n", info.RehashEnabled, info.Migrating)
	fmt.Printf("epoch        : %d\n", info.Table.Epoch)

	fmt.Println("\nMEMBERS")
	for _, m := range info.View.Members {
		marker := ""
		if m.ID == info.Self.ID {
			marker = " *"
		}
		fmt.Printf("  %-16s %-7s %-24s ordinal %d%s\n", m.ID, m.Role, m.Endpoint, m.Ordinal, marker)
	}

	fmt.Println("\nPARTITIONS")
	for p, main := range info.Table.Mains {
		fmt.Printf("  %4d -> %s\n", p, main)
	}
}

func printStats(stats sharedctx.ClusterStats) {
	fmt.Printf("%-16s %-7s %8s %9s %6s %11s %6s %9s\n", "NODE", "ROLE", "KEYS", "AVG SIZE", "LOCKS", "PARTITIONS", "TXNS", "CACHE HIT")
	for _, s := range stats.Nodes {
		fmt.Printf("%-16s %-7s %8d %9d %6d %11d %6d %8.1f%%\n",
			s.Node.ID, s.Node.Role, s.Keys, s.Values.Avg, s.Locks.Held, len(s.Partitions), s.Transactions, s.Cache.HitRatio*100)
	}
	d := stats.Distribution
	fmt.Printf("\nkeys per server: min %.0f, max %.0f, mean %.1f, stddev %.2f, quality %.2f\n",
		d.Min, d.Max, d.Mean, d.StdDeviation, d.DistributionQuality)
}
