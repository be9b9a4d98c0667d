package ctx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value, version, ok, err := remote.Get(context.Background(), key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, version=%d, value=%s\n", key, ok, version, value)
			return nil
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], []byte(args[1])
			expected, _ := cmd.Flags().GetInt64("if-version")

			var version uint64
			var err error
			if expected >= 0 {
				version, err = remote.PutIfVersion(context.Background(), key, value, uint64(expected))
			} else {
				version, err = remote.Put(context.Background(), key, value)
			}
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, version=%d\n", key, version)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			expected, _ := cmd.Flags().GetInt64("if-version")

			var removed bool
			var err error
			if expected >= 0 {
				removed, err = remote.RemoveIfVersion(context.Background(), key, uint64(expected))
			} else {
				removed, err = remote.Remove(context.Background(), key)
			}
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, removed=%t\n", key, removed)
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			_, _, found, err := remote.Get(context.Background(), key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", key, found)
			return nil
		},
	}
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Lists the keys of the context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := remote.Keys(context.Background())
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
	sizeCmd = &cobra.Command{
		Use:   "size",
		Short: "Prints the number of keys of the context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := remote.Size(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("size=%d\n", size)
			return nil
		},
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Removes every key of the context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cleared, err := remote.Clear(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("cleared=%d\n", cleared)
			return nil
		},
	}
	fieldsCmd = &cobra.Command{
		Use:   "fields [key]",
		Short: "Reads a field map value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value, version, ok, err := remote.Get(context.Background(), key)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("key=%s, found=false\n", key)
				return nil
			}
			m, err := reconcile.FieldMapStrategy().DecodeValue(value, version)
			if err != nil {
				return fmt.Errorf("%s does not hold a field map: %w", key, err)
			}
			names := make([]string, 0, len(m.Fields))
			for name := range m.Fields {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Printf("key=%s, version=%d\n", key, version)
			for _, name := range names {
				fmt.Printf("  %s=%s (changed at %d)\n", name, m.Fields[name], m.Stamps[name])
			}
			return nil
		},
	}
	setFieldsCmd = &cobra.Command{
		Use:   "set-fields [key] [field=value]...",
		Short: "Applies a diff to a field map value",
		Long:  "Sets and deletes fields of a field map value. Applying the same diff twice has no further effect. Fields changed by another writer after --base are kept and the result is partial or a conflict.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			diff := reconcile.FieldDiff{Set: map[string]string{}}
			for _, kv := range args[1:] {
				name, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid field %q, expected field=value", kv)
				}
				diff.Set[name] = value
			}
			diff.Delete, _ = cmd.Flags().GetStringSlice("del")
			diff.Base, _ = cmd.Flags().GetUint64("base")
			ifExists, _ := cmd.Flags().GetBool("if-exists")

			s := reconcile.FieldMapStrategy()
			var res reconcile.Result
			var err error
			if ifExists {
				res, err = reconcile.UpdateIfExists(context.Background(), remote, key, s, diff)
			} else {
				res, err = reconcile.Update(context.Background(), remote, key, s, diff)
			}
			fmt.Printf("key=%s, result=%s\n", key, res)
			return err
		},
	}
)
