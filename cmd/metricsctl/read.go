package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/flowmetrics/pkg/client"
	"github.com/splax/flowmetrics/pkg/config"
)

func newReadCmd(opts *globalOptions) *cobra.Command {
	var (
		token       string
		byTimestamp bool
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "read <process-model-id>",
		Short: "Read every entry of a process model through the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := client.New(opts.apiURL, client.WithBearerToken(token))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			order := client.OrderWrite
			if byTimestamp {
				order = client.OrderByTimestamp
			}
			result, err := cli.ReadEntries(ctx, args[0], order)
			if err != nil {
				return fmt.Errorf("read entries: %w", err)
			}
			if result.Warning != nil {
				for _, s := range result.Warning.Skipped {
					fmt.Fprintf(opts.stderr, "skipped record at %s: %s\n", s.Position, s.Reason)
				}
			}
			if !opts.useTable() {
				return writeJSON(opts.stdout, result)
			}
			rows := make([]row, 0, len(result.Entries))
			for _, e := range result.Entries {
				r := row{
					timestamp:          e.Timestamp,
					correlationID:      e.CorrelationID,
					measurementPoint:   e.MeasurementPoint,
					flowNodeID:         e.FlowNodeID,
					flowNodeInstanceID: e.FlowNodeInstanceID,
				}
				if e.Error != nil {
					r.errorMessage = e.Error.Message
				}
				rows = append(rows, r)
			}
			return writeTable(opts.stdout, rows)
		},
	}
	cmd.Flags().StringVar(&token, "token", config.GetString("FLOWMETRICS_TOKEN", ""), "read token (JWT with metrics:read scope)")
	cmd.Flags().BoolVar(&byTimestamp, "by-timestamp", false, "order entries by timestamp instead of write order")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	return cmd
}
