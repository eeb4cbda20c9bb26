package kv

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if resp, ok, err := rpcStore.Get(key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%v, value=%s\n", key, ok, resp)
			}
			return nil
		},
	}
	containsCmd = &cobra.Command{
		Use:   "contains [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if found, err := rpcStore.ContainsKey(key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%t\n", key, found)
			}
			return nil
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcStore.Put(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}
	putIfAbsentCmd = &cobra.Command{
		Use:   "put-if-absent [key] [value]",
		Short: "Sets the value for a key if the key is not already set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			existing, loaded, err := rpcStore.PutIfAbsent(key, []byte(args[1]))
			if err != nil {
				return err
			}
			if loaded {
				fmt.Printf("key=%s, stored=false, existing=%s\n", key, existing)
			} else {
				fmt.Printf("key=%s, stored=true\n", key)
			}
			return nil
		},
	}
	replaceCmd = &cobra.Command{
		Use:   "replace [key] [value]",
		Short: "Replaces the value of an existing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			previous, replaced, err := rpcStore.Replace(key, []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, replaced=%t, previous=%s\n", key, replaced, previous)
			return nil
		},
	}
	replaceIfCmd = &cobra.Command{
		Use:   "replace-if [key] [expected] [value]",
		Short: "Replaces the value of a key if it currently holds the expected value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			replaced, err := rpcStore.ReplaceIf(key, []byte(args[1]), []byte(args[2]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, replaced=%t\n", key, replaced)
			return nil
		},
	}
	removeCmd = &cobra.Command{
		Use:   "remove [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			removed, err := rpcStore.Remove(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, removed=%t\n", key, removed)
			return nil
		},
	}
	removeIfCmd = &cobra.Command{
		Use:   "remove-if [key] [expected]",
		Short: "Deletes a key if it currently holds the expected value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			removed, err := rpcStore.RemoveIf(key, []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, removed=%t\n", key, removed)
			return nil
		},
	}
	sizeCmd = &cobra.Command{
		Use:   "size",
		Short: "Prints the number of entries of the shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := rpcStore.Size()
			if err != nil {
				return err
			}
			fmt.Printf("size=%d\n", size)
			return nil
		},
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Removes all entries of the shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcStore.Clear(); err != nil {
				return err
			}
			fmt.Println("cleared successfully")
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints the counters of the shard as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats := rpcStore.Statistics()
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			fmt.Printf("hit ratio: %.2f\n", stats.HitRatio())
			return nil
		},
	}
)
