package main

import (
	"fmt"
	"time"

	"github.com/hyperengineering/factstore/internal/types"
	"github.com/hyperengineering/factstore/internal/worker"
	"github.com/spf13/cobra"
)

var (
	statsVerify bool

	jobsClear bool
	jobsTake  bool
	jobsLimit int

	sweepBatchSize int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show property usage statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List, take or clear queued update jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Dispose identifiers marked outdated or deleted",
	Long:  "Runs one disposal sweep over the marked identifiers, throttled like the server's background worker.",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	statsCmd.Flags().BoolVar(&statsVerify, "verify", false,
		"Recount usage from the property tables and report mismatches")

	jobsCmd.Flags().BoolVar(&jobsClear, "clear", false,
		"Drop every queued job")
	jobsCmd.Flags().BoolVar(&jobsTake, "take", false,
		"Remove the listed jobs from the queue for dispatch")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 100,
		"Maximum number of jobs to list")

	sweepCmd.Flags().IntVar(&sweepBatchSize, "batch-size", 0,
		"Identifiers per batch (default from config)")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	usage, err := rt.engine.PropertyStatistics(ctx, statsVerify)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if usage == nil {
			usage = []types.PropertyUsage{}
		}
		return printJSON(out, usage)
	}
	if len(usage) == 0 {
		fmt.Fprintln(out, "No property usage recorded.")
		return nil
	}

	w := newTabWriter(out)
	if statsVerify {
		fmt.Fprintln(w, "ID\tPROPERTY\tUSAGE\tCOUNTED")
	} else {
		fmt.Fprintln(w, "ID\tPROPERTY\tUSAGE")
	}
	mismatches := 0
	for _, u := range usage {
		key := u.Key
		if key == "" {
			key = "-"
		}
		if !statsVerify {
			fmt.Fprintf(w, "%d\t%s\t%d\n", u.PropertyID, key, u.Usage)
			continue
		}
		mark := ""
		if *u.Counted != u.Usage {
			mark = " !"
			mismatches++
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d%s\n", u.PropertyID, key, u.Usage, *u.Counted, mark)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if statsVerify && mismatches > 0 {
		return fmt.Errorf("%d usage counters disagree with the stored rows", mismatches)
	}
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()

	if jobsClear {
		n, err := rt.engine.ClearJobs(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out, types.ClearJobsResponse{Cleared: n})
		}
		fmt.Fprintf(out, "Cleared %d jobs\n", n)
		return nil
	}

	list := rt.engine.Jobs
	if jobsTake {
		list = rt.engine.TakeJobs
	}
	jobs, err := list(ctx, jobsLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		if jobs == nil {
			jobs = []types.UpdateJob{}
		}
		return printJSON(out, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs queued.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tSUBJECT\tREASON\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			j.ID,
			j.Subject.Title,
			j.Reason,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	batch := sweepBatchSize
	if batch <= 0 {
		batch = rt.cfg.Worker.DisposalBatchSize
	}
	coordinator := worker.NewDisposalCoordinator(rt.engine,
		time.Duration(rt.cfg.Worker.DisposalInterval),
		batch,
		rt.cfg.Worker.DisposalRate,
	)
	cycle := coordinator.RunOnce(ctx)

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, cycle)
	}
	fmt.Fprintf(out, "Scanned %d identifiers in %d batches, disposed %d\n",
		cycle.Scanned, cycle.Batches, cycle.Disposed)
	return nil
}
