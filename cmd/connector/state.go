package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"connector/internal/deadletter"
	"connector/internal/pipeline"
	"connector/internal/transport"
	"connector/record"
	"connector/sink"
)

func statusCmd() *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print partition status from a running connector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := transport.Dial(addr)
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			stats, err := cli.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats %s: %w", addr, err)
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:7070", "Control plane address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "RPC timeout")
	return cmd
}

// byteOrder is used where the store only reads cursors back.
func byteOrder(a, b record.Cursor) int { return strings.Compare(string(a), string(b)) }

func openState(path string) (*pipeline.State, error) {
	f, _, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	return pipeline.OpenState(f, byteOrder)
}

func checkpointCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or advance stored checkpoints",
	}
	cmd.PersistentFlags().StringVarP(&path, "pipeline", "p", "pipeline.yml", "Path to the pipeline file")

	cmd.AddCommand(&cobra.Command{
		Use:   "get [partition...]",
		Short: "Print stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openState(path)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			all := map[string]record.Cursor{}
			if len(args) == 0 {
				if all, err = st.Store.List(ctx); err != nil {
					return err
				}
			}
			for _, p := range args {
				if all[p], err = st.Store.Load(ctx, p); err != nil {
					return err
				}
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, all[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <partition> <cursor>",
		Short: "Advance a checkpoint; older cursors are ignored",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, _, err := pipeline.Load(path)
			if err != nil {
				return err
			}
			// the source knows how its cursors order
			src, err := pipeline.OpenSource(ctx, f)
			if err != nil {
				return err
			}
			defer src.Close()
			st, err := pipeline.OpenState(f, src.Compare)
			if err != nil {
				return err
			}
			defer st.Close()

			partition, cursor := args[0], record.Cursor(args[1])
			if err := st.Store.Commit(ctx, partition, cursor); err != nil {
				return err
			}
			got, err := st.Store.Load(ctx, partition)
			if err != nil {
				return err
			}
			if got != cursor {
				return fmt.Errorf("checkpoint %s not moved: stored %q is ahead of %q", partition, got, cursor)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", partition, got)
			return nil
		},
	})
	return cmd
}

func deadletterCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect or replay dead-lettered records",
	}
	cmd.PersistentFlags().StringVarP(&path, "pipeline", "p", "pipeline.yml", "Path to the pipeline file")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print dead letters oldest first, one JSON object per line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openState(path)
			if err != nil {
				return err
			}
			defer st.Close()
			entries, err := st.DeadLetters.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "Maximum entries to print (0 = all)")

	var maxEntries int
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Deliver dead letters through the pipeline's sink",
		Long: `Pop dead letters oldest first and deliver each through the configured sink.
On the first failure the entry is put back and replay stops.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, _, err := pipeline.Load(path)
			if err != nil {
				return err
			}
			snk, err := pipeline.OpenSink(ctx, f)
			if err != nil {
				return err
			}
			defer snk.Close()
			st, err := pipeline.OpenState(f, byteOrder)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := deadletter.Replay(ctx, st.DeadLetters, maxEntries, func(ctx context.Context, e record.DeadLetter) error {
				return deliverOne(ctx, snk, e)
			})
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d\n", n)
			return err
		},
	}
	replay.Flags().IntVar(&maxEntries, "max", 0, "Maximum entries to replay (0 = all)")

	cmd.AddCommand(list, replay)
	return cmd
}

func deliverOne(ctx context.Context, snk sink.Adapter, e record.DeadLetter) error {
	outs, err := snk.Deliver(ctx, e.Partition, []record.Transformed{{
		Key:     e.Key,
		Value:   e.Payload,
		Headers: e.Headers,
		Cursor:  e.Cursor,
	}})
	if err != nil {
		return err
	}
	// nil outcomes: every record was accepted
	if outs == nil {
		return nil
	}
	if len(outs) != 1 {
		return fmt.Errorf("sink returned %d outcomes for 1 record", len(outs))
	}
	if outs[0].Result != sink.OK {
		if outs[0].Err != nil {
			return outs[0].Err
		}
		return fmt.Errorf("sink answered %s", outs[0].Result)
	}
	return nil
}
