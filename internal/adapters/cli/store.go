package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Read and write persisted plugin data",
	Long: `Read and write documents in the configured store.

The backend is chosen exactly as the bot chooses it: document store, then
relational store, then the file store in the data directory. Do not write
to the file store while a bot is running on the same data directory.`,
}

var storeGetCmd = &cobra.Command{
	Use:   "get <collection> <key>",
	Short: "Print a document",
	Args:  cobra.ExactArgs(2),
	RunE:  runStoreGet,
}

var storeSetCmd = &cobra.Command{
	Use:   "set <collection> <key> <json>",
	Short: "Store a JSON document",
	Args:  cobra.ExactArgs(3),
	RunE:  runStoreSet,
}

var storeDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <key>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(2),
	RunE:  runStoreDelete,
}

var storeKeysCmd = &cobra.Command{
	Use:   "keys <collection>",
	Short: "List the keys of a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreKeys,
}

func init() {
	storeCmd.AddCommand(storeKeysCmd)
	storeCmd.AddCommand(storeGetCmd)
	storeCmd.AddCommand(storeSetCmd)
	storeCmd.AddCommand(storeDeleteCmd)
}

// withCollection opens the store, runs fn on one collection and closes the
// store, which flushes pending file writes.
func withCollection(cmd *cobra.Command, name string, fn func(ctx context.Context, c ports.Collection) error) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close store: %w", cerr)
		}
	}()

	c, err := store.Collection(name)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

func runStoreKeys(cmd *cobra.Command, args []string) error {
	return withCollection(cmd, args[0], func(ctx context.Context, c ports.Collection) error {
		keys, err := c.Keys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	})
}

func runStoreGet(cmd *cobra.Command, args []string) error {
	return withCollection(cmd, args[0], func(ctx context.Context, c ports.Collection) error {
		doc, ok, err := c.Get(ctx, args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found in %s", args[1], args[0])
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, doc, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(doc)
		}
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		return nil
	})
}

func runStoreSet(cmd *cobra.Command, args []string) error {
	raw := json.RawMessage(args[2])
	if !json.Valid(raw) {
		return fmt.Errorf("value is not valid JSON: %s", args[2])
	}
	return withCollection(cmd, args[0], func(ctx context.Context, c ports.Collection) error {
		if err := c.Set(ctx, args[1], raw); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s/%s saved\n", args[0], args[1])
		return nil
	})
}

func runStoreDelete(cmd *cobra.Command, args []string) error {
	return withCollection(cmd, args[0], func(ctx context.Context, c ports.Collection) error {
		if err := c.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s/%s deleted\n", args[0], args[1])
		return nil
	})
}
