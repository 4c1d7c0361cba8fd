package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository/filelog"
	"github.com/splax/flowmetrics/internal/service/metrics"
)

type dumpedPartition struct {
	ProcessModelID string                  `json:"process_model_id"`
	File           string                  `json:"file"`
	Entries        []metrics.EntryPayload  `json:"entries"`
	Warning        *metrics.WarningPayload `json:"warning,omitempty"`
}

func newDumpCmd(opts *globalOptions) *cobra.Command {
	var byTimestamp bool
	cmd := &cobra.Command{
		Use:   "dump <data-dir|log-file>...",
		Short: "Decode file store logs offline, reporting damaged records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := logFiles(args)
			if err != nil {
				return err
			}
			partitions := make([]dumpedPartition, 0, len(files))
			for _, path := range files {
				result, err := filelog.ReadFile(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				entries := result.Entries
				if byTimestamp {
					entries = domain.SortByTimestamp(entries)
				}
				if result.Warning != nil {
					for _, s := range result.Warning.Skipped {
						fmt.Fprintf(opts.stderr, "%s: skipped record at %s: %s\n", path, s.Position, s.Reason)
					}
				}
				partitions = append(partitions, dumpedPartition{
					ProcessModelID: filelog.ProcessModelIDFromPath(path),
					File:           path,
					Entries:        metrics.NewEntryPayloads(entries),
					Warning:        metrics.NewWarningPayload(result.Warning),
				})
			}
			if !opts.useTable() {
				return writeJSON(opts.stdout, partitions)
			}
			for i, p := range partitions {
				if i > 0 {
					fmt.Fprintln(opts.stdout)
				}
				fmt.Fprintf(opts.stdout, "# %s (%d entries)\n", p.ProcessModelID, len(p.Entries))
				if err := writeTable(opts.stdout, payloadRows(p.Entries)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&byTimestamp, "by-timestamp", false, "order entries by timestamp instead of write order")
	return cmd
}

// logFiles expands directories to the log files they contain.
func logFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.log"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}
