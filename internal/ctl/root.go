// Package ctl implements scoreboardctl, the operator command line for the
// scoreboard service.
package ctl

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/okian/scoreboard/pkg/logger"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	Verbose bool
	Format  string
}

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the scoreboardctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scoreboardctl",
		Short: "Operate a scoreboard service",
		Long:  "Inspect dead-lettered score batches and drive load against a running scoreboard.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Verbose {
				return logger.SetLevelString("debug")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))

	return cmd
}
