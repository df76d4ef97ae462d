package ctl

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/scoreboard/internal/adapters/deadletter"
	"github.com/okian/scoreboard/internal/domain/model"
)

// DeadLettersOptions holds flags for the deadletters commands.
type DeadLettersOptions struct {
	*RootOptions
	Path  string
	Limit int
}

// deadLetterList is the json rendering of deadletters list.
type deadLetterList struct {
	Total   int                      `json:"total"`
	Records []model.DeadLetterRecord `json:"records"`
}

// NewDeadLettersCommand builds the deadletters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect batches that could not be persisted",
	}
	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLettersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered batches in the order they were recorded",
		Long: `List the batches the service moved to its dead-letter store after the
persistence sink kept failing. Entries are printed with their original
timestamps so they can be replayed by hand.

Examples:
  scoreboardctl deadletters list --path ./data/deadletters.db
  scoreboardctl deadletters list --path ./data/deadletters.db --limit 5 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLettersList(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Path, "path", "", "path to the dead-letter SQLite database (required)")
	_ = cmd.MarkFlagRequired("path")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of records (0 for all)")

	return cmd
}

func runDeadLettersList(ctx context.Context, opts *DeadLettersOptions, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "limit must not be negative")
	}

	st, err := deadletter.Open(opts.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "open dead-letter store", err)
	}
	defer st.Close()

	total, err := st.Count(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "count dead letters", err)
	}
	records, err := st.List(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "list dead letters", err)
	}
	if records == nil {
		records = []model.DeadLetterRecord{}
	}

	out := deadLetterList{Total: total, Records: records}
	return printer{format: opts.Format, w: w}.print(out, func(w io.Writer) error {
		return writeDeadLettersText(w, out, opts.Verbose)
	})
}

func writeDeadLettersText(w io.Writer, list deadLetterList, verbose bool) error {
	if len(list.Records) == 0 {
		_, err := fmt.Fprintln(w, "no dead letters")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECORDED\tENTRIES\tATTEMPTS\tLAST ERROR")
	for _, rec := range list.Records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			rec.ID, rec.RecordedAt.Format(time.RFC3339), len(rec.Entries), rec.AttemptCount, rec.LastError)
		if verbose {
			for _, e := range rec.Entries {
				fmt.Fprintf(tw, "\t  %s\t%d\t%s\t\n", e.ParticipantID, e.Score, e.OccurredAt.Format(time.RFC3339Nano))
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "showing %d of %d\n", len(list.Records), list.Total)
	return err
}
