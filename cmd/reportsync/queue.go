package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/reportsync/internal/models"
	"github.com/kimhsiao/reportsync/internal/sync/conflict"
	"github.com/kimhsiao/reportsync/internal/sync/remote"
)

var enqueueFile string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <report|user|log> [payload-json]",
	Short: "Queue a record for upload",
	Long: `Queue a record for upload. The payload is read from the argument, from
--file, or from stdin when neither is given.

Examples:
  reportsync enqueue report '{"teacherId":"t-1","title":"Week 3"}'
  reportsync enqueue log --file event.json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemType, err := models.ParseItemType(args[0])
		if err != nil {
			return err
		}
		raw, err := readPayload(cmd, args[1:])
		if err != nil {
			return err
		}
		payload, err := models.DecodePayload(itemType, raw)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.engine.Enqueue(cmd.Context(), payload)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), item)
	},
}

func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case enqueueFile != "":
		return os.ReadFile(enqueueFile)
	default:
		return io.ReadAll(cmd.InOrStdin())
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync state and queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.engine.CurrentState(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := a.engine.Stats(cmd.Context())
		if err != nil {
			return err
		}
		// One-shot engines run offline; report what a probe sees instead.
		state.IsOnline = a.client != nil && a.client.Health(cmd.Context()) == nil

		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"device_id":  a.engine.DeviceID(),
			"configured": cfg.Configured(),
			"state":      state,
			"queue":      stats,
		})
	},
}

func printItems(w io.Writer, items []*models.SyncItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tRETRIES\tERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", item.ID, item.Type, item.Status, item.RetryCount, item.Error)
	}
	return tw.Flush()
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List items waiting for upload, including failed ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.engine.PendingItems(cmd.Context())
		if err != nil {
			return err
		}
		return printItems(cmd.OutOrStdout(), items)
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List items the server rejected as stale",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.engine.ConflictedItems(cmd.Context())
		if err != nil {
			return err
		}
		return printItems(cmd.OutOrStdout(), items)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <item-id> <keep_local|keep_server>",
	Short: "Resolve a conflicted item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := conflict.ParseResolution(args[1])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.ResolveConflict(cmd.Context(), args[0], res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed items to the queue with a fresh retry budget",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.engine.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d item(s)\n", n)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one upload pass now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.engine.SyncNow(cmd.Context())
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if result.Error != "" {
			return fmt.Errorf("sync pass failed: %s", result.Error)
		}
		return nil
	},
}

var deviceIDCmd = &cobra.Command{
	Use:   "device-id",
	Short: "Print the stable device id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Fprintln(cmd.OutOrStdout(), a.engine.DeviceID())
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <bearer-token>",
	Short: "Store the bearer token, encrypted for this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := remote.SaveToken(cmd.Context(), a.backend, a.engine.DeviceID(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "token stored")
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "", "read the payload from a file")

	rootCmd.AddCommand(enqueueCmd, statusCmd, pendingCmd, conflictsCmd, resolveCmd,
		retryCmd, syncCmd, deviceIDCmd, tokenCmd)
}
