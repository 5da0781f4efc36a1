package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/banshee-data/lineage/internal/db"
	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/lineage/linking"
	"github.com/banshee-data/lineage/internal/lineage/storage/sqlite"
	"github.com/banshee-data/lineage/internal/version"
)

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "lineage",
		Short: "Link spot detections into lineage trees and repair tracks",
		Long: `lineage works on a spot graph stored in SQLite. It links each
timepoint's spots to predecessors at earlier timepoints and extends
individual tracks backwards with help from a prediction service.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.dbPath, "db", "", "SQLite database path (default from config, then lineage.db)")
	pf.StringVar(&o.configPath, "config", "", "tuning config file (.json, .yaml or .yml)")
	pf.StringVar(&o.predictionURL, "prediction-url", "", "prediction service base URL")
	pf.BoolVar(&o.dumpMetrics, "metrics", false, "print engine metrics after the command")
	pf.BoolVar(&o.verbose, "verbose", false, "log per-timepoint engine decisions")

	root.AddCommand(
		newLinkCmd(o),
		newBacktrackCmd(o),
		newStatsCmd(o),
		newCheckCmd(o),
		newUndoLogCmd(o),
		newMigrateCmd(o),
		newVersionCmd(),
	)
	return root
}

// finish saves the graph, prints metrics when asked, and closes the
// session. runErr is returned in preference to its own errors.
func (o *options) finish(cmd *cobra.Command, s *session, runErr error) error {
	err := s.save(cmd.Context())
	if err == nil && o.dumpMetrics {
		err = s.writeMetrics(cmd.OutOrStdout())
	}
	if cerr := s.close(); err == nil {
		err = cerr
	}
	if runErr != nil {
		return runErr
	}
	return err
}

func newLinkCmd(o *options) *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link spots to predecessors over a range of timepoints",
		Long: `link processes timepoints from --to down to --from, linking every
eligible spot without a predecessor to a spot at an earlier timepoint.
Timepoint 0 has no earlier timepoint and is never linked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := o.openSession(ctx)
			if err != nil {
				return err
			}
			if to < 0 {
				s.graph.Read(func(v lineage.View) {
					if tps := v.Timepoints(); len(tps) > 0 {
						to = tps[len(tps)-1]
					}
				})
			}
			if s.cfg.UseOpticalFlow {
				if err := s.requirePrediction(ctx); err != nil {
					s.close()
					return err
				}
			}

			ec := s.engineContext()
			linker := linking.NewLinker(s.graph, s.index, s.predictor, s.cfg, s.metrics)
			var reports []linking.LinkReport
			runLinker := func(ctx context.Context) (err error) {
				reports, err = linker.Run(ctx, ec, from, to)
				return err
			}
			var runErr error
			if s.cfg.UseOpticalFlow {
				runErr = s.watchPrediction(ctx, runLinker)
			} else {
				runErr = runLinker(ctx)
			}
			w := cmd.OutOrStdout()
			for _, r := range reports {
				fmt.Fprintf(w, "t=%d passes=%d created=%d evicted=%d interpolated=%d unresolved=%d\n",
					r.Timepoint, r.Passes, r.Created, r.Evicted, r.Interpolated, r.Unresolved)
			}
			fmt.Fprintf(w, "run %s\n", ec.RunID)
			return o.finish(cmd, s, runErr)
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "earliest timepoint to link")
	cmd.Flags().IntVar(&to, "to", -1, "latest timepoint (default: last timepoint in the graph)")
	return cmd
}

func newBacktrackCmd(o *options) *cobra.Command {
	var rows []int64
	cmd := &cobra.Command{
		Use:   "backtrack",
		Short: "Extend tracks backwards from the given spots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(rows) == 0 {
				return fmt.Errorf("at least one --spot is required")
			}
			ctx := cmd.Context()
			s, err := o.openSession(ctx)
			if err != nil {
				return err
			}
			if err := s.requirePrediction(ctx); err != nil {
				s.close()
				return err
			}

			bc := linking.NewBackwardCorrector(s.graph, s.index, s.predictor, s.cfg, s.metrics)
			ec := s.engineContext()
			var outcomes []linking.Outcome
			runErr := s.watchPrediction(ctx, func(ctx context.Context) error {
				for _, row := range rows {
					id, ok := s.store.SpotByRow(row)
					if !ok {
						return fmt.Errorf("spot %d not found", row)
					}
					out, err := bc.Run(ctx, ec, id)
					outcomes = append(outcomes, out)
					if err != nil {
						return err
					}
					if out.Reason == linking.ReasonAborted {
						return nil
					}
				}
				return nil
			})
			// Rows for spots created by the run exist only after saving.
			if err := s.save(ctx); err != nil && runErr == nil {
				runErr = err
			}
			w := cmd.OutOrStdout()
			for _, out := range outcomes {
				start, _ := s.store.RowOf(out.Start)
				last, _ := s.store.RowOf(out.Last)
				fmt.Fprintf(w, "spot %d: %s after %d steps (%d spots added), track starts at spot %d\n",
					start, out.Reason, out.Steps, out.Added, last)
			}
			fmt.Fprintf(w, "run %s\n", ec.RunID)
			return o.finish(cmd, s, runErr)
		},
	}
	cmd.Flags().Int64SliceVar(&rows, "spot", nil, "spot row to start from (repeatable)")
	return cmd
}

func newStatsCmd(o *options) *cobra.Command {
	var perTrack bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the stored lineage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			printStats(cmd.OutOrStdout(), s, perTrack)
			return nil
		},
	}
	cmd.Flags().BoolVar(&perTrack, "tracks", false, "print one line per track")
	return cmd
}

func printStats(w io.Writer, s *session, perTrack bool) {
	s.graph.Read(func(v lineage.View) {
		roots := lineage.Roots(v)
		var (
			divisions, longest int
			tracks             []lineage.TrackStats
		)
		for _, r := range roots {
			st, ok := lineage.TrackStatistics(v, r)
			if !ok {
				continue
			}
			tracks = append(tracks, st)
			divisions += st.Divisions
			longest = max(longest, st.LastTimepoint-st.FirstTimepoint+1)
		}
		tps := v.Timepoints()
		fmt.Fprintf(w, "spots: %d\nlinks: %d\ntimepoints: %d\ntracks: %d\ndivisions: %d\nlongest track: %d timepoints\n",
			v.NumSpots(), v.NumLinks(), len(tps), len(tracks), divisions, longest)
		if !perTrack {
			return
		}
		progenitors := lineage.AssignProgenitors(v)
		for _, st := range tracks {
			row, _ := s.store.RowOf(st.Root)
			fmt.Fprintf(w, "track %d: progenitor=%d t=%d..%d spots=%d divisions=%d leaves=%d length=%.2f\n",
				row, progenitors[st.Root], st.FirstTimepoint, st.LastTimepoint, st.Spots, st.Divisions, st.Leaves, st.PathLength)
		}
	})
}

func newCheckCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the stored graph is a forest of time-ordered links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			s.graph.Read(func(v lineage.View) { err = lineage.CheckInvariants(v) })
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newUndoLogCmd(o *options) *cobra.Command {
	var (
		limit int
		run   string
	)
	cmd := &cobra.Command{
		Use:   "undo-log",
		Short: "List recorded undo points, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := db.Open(o.dbPath)
			if err != nil {
				return err
			}
			defer d.Close()
			journal := sqlite.NewUndoJournal(d.DB)

			var entries []sqlite.JournalEntry
			if run != "" {
				id, perr := uuid.Parse(run)
				if perr != nil {
					return fmt.Errorf("--run: %w", perr)
				}
				entries, err = journal.ForRun(cmd.Context(), id)
			} else {
				entries, err = journal.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(w, "%s  %-24s run=%s spots=+%d/-%d links=+%d/-%d\n",
					e.At.UTC().Format("2006-01-02T15:04:05.000Z"), e.Label, e.RunID,
					e.SpotsAdded, e.SpotsRemoved, e.LinksAdded, e.LinksRemoved)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries (0 for all)")
	cmd.Flags().StringVar(&run, "run", "", "only show entries of this run ID, oldest first")
	return cmd
}

func newMigrateCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the database schema version",
	}
	open := func() (*db.DB, error) { return db.OpenDB(o.dbPath) }

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show current and latest schema versions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := open()
				if err != nil {
					return err
				}
				defer d.Close()
				st, err := d.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "current: %d\nlatest: %d\ndirty: %t\npending: %t\n",
					st.Current, st.Latest, st.Dirty, st.Pending())
				return nil
			},
		},
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := open()
				if err != nil {
					return err
				}
				defer d.Close()
				return d.MigrateUp()
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := open()
				if err != nil {
					return err
				}
				defer d.Close()
				return d.MigrateDown()
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the recorded version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				d, err := open()
				if err != nil {
					return err
				}
				defer d.Close()
				return d.MigrateForce(v)
			},
		},
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
