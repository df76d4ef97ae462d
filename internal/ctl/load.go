package ctl

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/okian/scoreboard/pkg/logger"
)

const (
	defaultMaxScore = 1_000_000
	progressEvery   = time.Second
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	BaseURL      string
	Participants int
	Duplicates   int
	Workers      int
	TopN         int
	MaxScore     int64
	Timeout      time.Duration
	Settle       time.Duration
}

// LoadReport summarises a load run.
type LoadReport struct {
	Participants  int           `json:"participants"`
	Submitted     int64         `json:"submitted"`
	Accepted      int64         `json:"accepted"`
	Duplicates    int64         `json:"duplicates"`
	Rejected      int64         `json:"rejected"`
	Failed        int64         `json:"failed"`
	RanksFetched  int64         `json:"ranks_fetched"`
	Leaderboard   []Entry       `json:"leaderboard"`
	Duration      time.Duration `json:"duration_ns"`
	EventsPerSec  float64       `json:"events_per_second"`
	Violations    []string      `json:"violations,omitempty"`
}

// NewLoadCommand builds the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Submit random scores and verify the leaderboard",
		Long: `Generate one score per participant, submit them concurrently, resend a
number of them to exercise deduplication, then read the leaderboard and
per-participant ranks back and check that they agree with what was sent.

The command exits 1 when verification finds a mismatch.

Examples:
  scoreboardctl load --url http://localhost:9080 --participants 5000
  scoreboardctl load --participants 200 --duplicates 50 --workers 8 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runLoad(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.BaseURL, "url", "http://localhost:9080", "base URL of the scoreboard service")
	cmd.Flags().IntVarP(&opts.Participants, "participants", "n", 1000, "number of distinct participants")
	cmd.Flags().IntVar(&opts.Duplicates, "duplicates", 0, "number of events to resend verbatim")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", runtime.NumCPU()*2, "concurrent HTTP workers")
	cmd.Flags().IntVar(&opts.TopN, "top", 10, "leaderboard entries to fetch and verify")
	cmd.Flags().Int64Var(&opts.MaxScore, "max-score", defaultMaxScore, "scores are drawn from [0, max-score)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 2*time.Second, "wait between submission and read-back")

	return cmd
}

func (o *LoadOptions) validate() error {
	switch {
	case o.Participants <= 0:
		return NewExitError(ExitCommandError, "participants must be positive")
	case o.Duplicates < 0 || o.Duplicates > o.Participants:
		return NewExitError(ExitCommandError, "duplicates must be between 0 and participants")
	case o.Workers <= 0:
		return NewExitError(ExitCommandError, "workers must be positive")
	case o.TopN <= 0:
		return NewExitError(ExitCommandError, "top must be positive")
	case o.MaxScore <= 0:
		return NewExitError(ExitCommandError, "max-score must be positive")
	}
	return nil
}

func runLoad(ctx context.Context, opts *LoadOptions, w io.Writer) error {
	if err := opts.validate(); err != nil {
		return err
	}
	log := logger.Get().Named("load")
	client := NewClient(opts.BaseURL, opts.Timeout)
	start := time.Now()

	if err := client.Health(ctx); err != nil {
		return WrapExitError(ExitCommandError, "service health check failed", err)
	}

	events, err := generateEvents(opts.Participants, opts.MaxScore, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "generate events", err)
	}
	log.Info(ctx, "submitting events",
		logger.Int("participants", len(events)),
		logger.Int("duplicates", opts.Duplicates),
		logger.Int("workers", opts.Workers))

	report := &LoadReport{Participants: len(events)}
	outbox := slices.Concat(events, events[:opts.Duplicates])
	landed, err := submitEvents(ctx, client, outbox, opts.Workers, report)
	if err != nil {
		return WrapExitError(ExitCommandError, "submit events", err)
	}

	log.Info(ctx, "waiting for the service to settle", logger.Duration("settle", opts.Settle))
	select {
	case <-time.After(opts.Settle):
	case <-ctx.Done():
		return WrapExitError(ExitCommandError, "interrupted", ctx.Err())
	}

	ranks, err := fetchRanks(ctx, client, events, opts.Workers, report)
	if err != nil {
		return WrapExitError(ExitCommandError, "fetch ranks", err)
	}
	board, err := client.Leaderboard(ctx, opts.TopN)
	if err != nil {
		return WrapExitError(ExitCommandError, "fetch leaderboard", err)
	}
	report.Leaderboard = board
	report.Duration = time.Since(start)
	if secs := report.Duration.Seconds(); secs > 0 {
		report.EventsPerSec = float64(report.Submitted) / secs
	}

	report.Violations = verify(events, landed, ranks, board)

	if err := (printer{format: opts.Format, w: w}).print(report, func(w io.Writer) error {
		return writeLoadText(w, report)
	}); err != nil {
		return err
	}
	if len(report.Violations) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("verification failed with %d violations", len(report.Violations)))
	}
	return nil
}

// generateEvents creates one event per participant with a uuid id and a
// score drawn from crypto/rand.
func generateEvents(n int, maxScore int64, now time.Time) ([]Event, error) {
	limit := big.NewInt(maxScore)
	events := make([]Event, n)
	ts := now.UTC().Format(time.RFC3339Nano)
	for i := range events {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, err
		}
		events[i] = Event{
			ParticipantID: uuid.NewString(),
			Score:         v.Int64(),
			OccurredAt:    ts,
		}
	}
	return events, nil
}

// submitEvents posts every event and returns the participants whose score the
// service took, either as a new event or as a duplicate of one it already had.
func submitEvents(ctx context.Context, client *Client, events []Event, workers int, report *LoadReport) (map[string]bool, error) {
	log := logger.Get().Named("load")
	var submitted, accepted, duplicates, rejected, failed atomic.Int64
	var landed sync.Map

	ticker := time.NewTicker(progressEvery)
	defer ticker.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				log.Debug(ctx, "progress",
					logger.Int64("submitted", submitted.Load()),
					logger.Int("total", len(events)),
					logger.Int64("failed", failed.Load()))
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ev := range events {
		g.Go(func() error {
			outcome, err := client.Submit(gctx, ev)
			submitted.Add(1)
			switch {
			case err != nil:
				failed.Add(1)
				log.Debug(gctx, "submit failed", logger.String("participant_id", ev.ParticipantID), logger.Error(err))
			case outcome == OutcomeAccepted:
				accepted.Add(1)
				landed.Store(ev.ParticipantID, true)
			case outcome == OutcomeDuplicate:
				duplicates.Add(1)
				landed.Store(ev.ParticipantID, true)
			default:
				rejected.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Submitted = submitted.Load()
	report.Accepted = accepted.Load()
	report.Duplicates = duplicates.Load()
	report.Rejected = rejected.Load()
	report.Failed = failed.Load()

	out := make(map[string]bool)
	landed.Range(func(k, _ any) bool {
		out[k.(string)] = true
		return true
	})
	return out, ctx.Err()
}

// fetchRanks reads every participant's row back. Missing participants are
// left out of the result.
func fetchRanks(ctx context.Context, client *Client, events []Event, workers int, report *LoadReport) (map[string]Entry, error) {
	rows := make([]*Entry, len(events))
	var fetched atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, ev := range events {
		g.Go(func() error {
			row, err := client.Rank(gctx, ev.ParticipantID)
			if err != nil {
				return nil
			}
			rows[i] = &row
			fetched.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	report.RanksFetched = fetched.Load()

	out := make(map[string]Entry, len(rows))
	for _, r := range rows {
		if r != nil {
			out[r.ParticipantID] = *r
		}
	}
	return out, ctx.Err()
}

func writeLoadText(w io.Writer, r *LoadReport) error {
	fmt.Fprintf(w, "participants: %d\n", r.Participants)
	fmt.Fprintf(w, "submitted:    %d (accepted %d, duplicate %d, rejected %d, failed %d)\n",
		r.Submitted, r.Accepted, r.Duplicates, r.Rejected, r.Failed)
	fmt.Fprintf(w, "ranks read:   %d\n", r.RanksFetched)
	fmt.Fprintf(w, "duration:     %s (%.1f events/s)\n", r.Duration.Round(time.Millisecond), r.EventsPerSec)
	fmt.Fprintln(w, "leaderboard:")
	for _, e := range r.Leaderboard {
		fmt.Fprintf(w, "  %3d. %s %d\n", e.Rank, e.ParticipantID, e.Score)
	}
	if len(r.Violations) == 0 {
		_, err := fmt.Fprintln(w, "verification: ok")
		return err
	}
	fmt.Fprintf(w, "verification: %d violations\n", len(r.Violations))
	for _, v := range r.Violations {
		fmt.Fprintf(w, "  - %s\n", v)
	}
	return nil
}
