package main

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/flowmetrics/pkg/config"
)

const (
	outputAuto  = "auto"
	outputTable = "table"
	outputJSON  = "json"
)

type globalOptions struct {
	apiURL string
	output string
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "metricsctl",
		Short:         "Inspect flowmetrics entries",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.apiURL, "api", config.GetString("FLOWMETRICS_API", "http://localhost:4100"), "flowmetrics API base URL")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputAuto, "output format (auto|table|json)")

	root.AddCommand(newReadCmd(opts))
	root.AddCommand(newDumpCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	return root
}

// useTable reports whether output should be a table. auto picks a table for terminals.
func (o *globalOptions) useTable() bool {
	switch strings.ToLower(strings.TrimSpace(o.output)) {
	case outputTable:
		return true
	case outputJSON:
		return false
	}
	if f, ok := o.stdout.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
