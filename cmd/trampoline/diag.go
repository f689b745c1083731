package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/tinyrange/trampoline/internal/diag"
	"github.com/tinyrange/trampoline/internal/timeslice"
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Read diagnostic journals and timing files",
}

var journalOpts struct {
	kinds   []string
	sources []string
	limit   int
	summary bool
}

var journalCmd = &cobra.Command{
	Use:   "journal FILE",
	Short: "List journaled dispatch events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := diag.ReadFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if journalOpts.summary {
			start, end := r.TimeRange()
			fmt.Fprintf(out, "%d events from %d sources between %s and %s\n",
				r.Len(), len(r.Sources()), start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
			for k := diag.StaleTarget; k <= diag.TornDown; k++ {
				if n := r.Count(k); n > 0 {
					fmt.Fprintf(out, "%16s %d\n", k, n)
				}
			}
			return nil
		}

		opts := diag.SearchOptions{Sources: journalOpts.sources, Limit: journalOpts.limit}
		for _, name := range journalOpts.kinds {
			k, err := diag.ParseKind(name)
			if err != nil {
				return err
			}
			opts.Kinds = append(opts.Kinds, k)
		}
		return r.Search(opts, func(e diag.Entry) error {
			_, err := fmt.Fprintf(out, "%s %-16s %s %s\n",
				e.Time.Format(time.RFC3339Nano), e.Kind, e.Source, e.Message)
			return err
		})
	},
}

var timingCmd = &cobra.Command{
	Use:   "timing FILE",
	Short: "Summarize per-phase dispatch timings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open timing file: %w", err)
		}
		defer f.Close()

		sums, err := timeslice.Summarize(f)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(sums))
		for name := range sums {
			names = append(names, name)
		}
		slices.Sort(names)

		out := cmd.OutOrStdout()
		for _, name := range names {
			s := sums[name]
			fmt.Fprintf(out, "% 28s flags=% 10s count=% 8d total=% 14s max=% 12s avg=% 12s\n",
				s.Kind, s.Flags, s.Count, s.Total, s.Max, s.Mean())
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().StringSliceVar(&journalOpts.kinds, "kind", nil, "only show these event kinds")
	journalCmd.Flags().StringSliceVar(&journalOpts.sources, "source", nil, "only show events from these registrations")
	journalCmd.Flags().IntVar(&journalOpts.limit, "limit", 0, "stop after this many events")
	journalCmd.Flags().BoolVar(&journalOpts.summary, "summary", false, "print counts per kind instead of events")

	diagCmd.AddCommand(journalCmd, timingCmd)
}
