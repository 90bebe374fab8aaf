package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"pkg.jsn.cam/protpred/internal/dispatch"
	"pkg.jsn.cam/protpred/internal/journal"
	"pkg.jsn.cam/protpred/pkg/protpred"
	"pkg.jsn.cam/protpred/pkg/protpred/protocol"
)

// runFlags are shared by run and resume.
type runFlags struct {
	output      string
	journalPath string
	parallel    int
	retries     int
	timeout     time.Duration
	verbose     bool
}

func registerRunFlags(fs *flag.FlagSet) *runFlags {
	rf := &runFlags{}
	fs.StringVar(&rf.output, "output", "", "Results file; blocks are appended")
	fs.StringVar(&rf.journalPath, "journal", "", "bbolt journal recording batch progress (enables resume)")
	fs.IntVar(&rf.parallel, "parallel", 0, "Maximum concurrent predictor invocations (default: one per batch)")
	fs.IntVar(&rf.retries, "retries", 0, "Times to re-run failed batches before giving up")
	fs.DurationVar(&rf.timeout, "timeout", 0, "Overall deadline for the run (0 for none)")
	fs.BoolVar(&rf.verbose, "v", false, "Log every batch instead of drawing a progress bar")
	return rf
}

func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	input := fs.String("input", "", "Input TSV of key<TAB>sequence lines")
	workers := fs.Int("workers", 1, "Number of batches to split the input into")
	pf := registerPredictorFlags(fs)
	rf := registerRunFlags(fs)
	fs.Parse(args)

	if *input == "" || rf.output == "" {
		log.Fatal("-input and -output are required")
	}

	items, err := protpred.LoadFile(*input)
	if err != nil {
		log.Fatalf("Failed to load items: %v", err)
	}
	sizes, err := protpred.BatchSizes(len(items), *workers)
	if err != nil {
		log.Fatalf("Invalid worker count: %v", err)
	}

	logger := componentLogger(rf.verbose)
	pred, mode, err := pf.build(logger)
	if err != nil {
		log.Fatalf("Failed to configure predictor: %v", err)
	}

	j := openJournal(rf.journalPath, logger)
	if j != nil {
		defer j.Close()
	}

	ctx, cancel := rf.context()
	defer cancel()

	bar := newProgress(len(sizes), rf.verbose)
	d, err := dispatch.New(dispatch.Config{
		Predictor:   pred,
		Journal:     j,
		Logger:      logger,
		OnBatchDone: bar.done,
		Mode:        mode,
		Workers:     *workers,
		Parallelism: rf.parallel,
	})
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	run := &protocol.RunRecord{
		ID:         uuid.New().String(),
		InputPath:  absPath(*input),
		OutputPath: absPath(rf.output),
	}
	fmt.Fprintf(os.Stderr, "Run %s: %d items in %d batches (%s mode)\n", run.ID, len(items), len(sizes), mode)

	start := time.Now()
	report, err := d.Execute(ctx, run, items)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	finish(ctx, d, report, rf, bar, j, start)
}

func resumeCommand(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	runID := fs.String("run", "", "Id of the journaled run")
	input := fs.String("input", "", "Input TSV (default: the journaled input path)")
	pf := registerPredictorFlags(fs)
	rf := registerRunFlags(fs)
	fs.Parse(args)

	if rf.journalPath == "" || *runID == "" {
		log.Fatal("-journal and -run are required")
	}

	logger := componentLogger(rf.verbose)
	j := openJournal(rf.journalPath, logger)
	defer j.Close()

	run, err := j.LoadRun(*runID)
	if err != nil {
		log.Fatalf("Failed to load run: %v", err)
	}
	if *input == "" {
		*input = run.InputPath
	}
	if rf.output == "" {
		rf.output = run.OutputPath
	}

	items, err := protpred.LoadFile(*input)
	if err != nil {
		log.Fatalf("Failed to load items: %v", err)
	}

	// Journaled results can only be merged in the mode they were produced in.
	pf.mode = string(run.Mode)
	pred, mode, err := pf.build(logger)
	if err != nil {
		log.Fatalf("Failed to configure predictor: %v", err)
	}

	ctx, cancel := rf.context()
	defer cancel()

	bar := newProgress(run.Batches, rf.verbose)
	if recs, err := j.LoadBatches(*runID); err == nil {
		done := 0
		for _, rec := range recs {
			if rec.Status == protocol.BatchStatusSucceeded || rec.Status == protocol.BatchStatusMerged {
				done++
			}
		}
		bar.skip(done)
	}

	d, err := dispatch.New(dispatch.Config{
		Predictor:   pred,
		Journal:     j,
		Logger:      logger,
		OnBatchDone: bar.done,
		Mode:        mode,
		Workers:     run.Workers,
		Parallelism: rf.parallel,
	})
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	start := time.Now()
	report, err := d.Resume(ctx, *runID, items)
	if err != nil {
		log.Fatalf("Resume failed: %v", err)
	}

	finish(ctx, d, report, rf, bar, j, start)
}

// finish retries failed batches as configured, then merges the report into
// the output file or exits non-zero.
func finish(ctx context.Context, d *dispatch.Dispatcher, report *dispatch.Report, rf *runFlags, bar *progress, j *journal.Journal, start time.Time) {
	for attempt := 1; attempt <= rf.retries && report.Err() != nil; attempt++ {
		if ctx.Err() != nil {
			break
		}
		log.Printf("Retry %d/%d: re-running batches %v", attempt, rf.retries, report.Failed())
		bar.extend(len(report.Failed()))
		d.Retry(ctx, report)
	}
	bar.finish()

	if err := report.Err(); err != nil {
		log.Printf("%d of %d batches failed:", len(report.Failed()), len(report.Batches))
		for _, i := range report.Failed() {
			log.Printf("  batch %d: %v", i, report.Failures[i])
			var pe *protpred.PredictorError
			if errors.As(report.Failures[i], &pe) && pe.Stderr != "" {
				log.Printf("  batch %d stderr:\n%s", i, pe.Stderr)
			}
		}

		if j != nil {
			log.Fatalf("Successful batches kept; continue with: protpred resume -journal %s -run %s", j.Path(), report.RunID)
		}
		if err := report.Discard(); err != nil {
			log.Printf("Failed to clean up batch outputs: %v", err)
		}
		os.Exit(1)
	}

	if err := d.Aggregate(report, nil, rf.output); err != nil {
		if j != nil {
			log.Fatalf("Failed to merge results: %v\nMerged batches are recorded; continue with: protpred resume -journal %s -run %s", err, j.Path(), report.RunID)
		}
		log.Fatalf("Failed to merge results: %v", err)
	}

	size := uint64(0)
	if info, err := os.Stat(rf.output); err == nil {
		size = uint64(info.Size())
	}

	fmt.Printf("Run completed!\n")
	fmt.Printf("  Run ID:   %s\n", report.RunID)
	fmt.Printf("  Batches:  %d\n", len(report.Batches))
	fmt.Printf("  Output:   %s (%s)\n", rf.output, humanize.Bytes(size))
	fmt.Printf("  Duration: %v\n", time.Since(start).Round(time.Millisecond))
}

func (rf *runFlags) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if rf.timeout <= 0 {
		return ctx, stop
	}

	ctx, cancel := context.WithTimeout(ctx, rf.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func openJournal(path string, logger *log.Logger) *journal.Journal {
	if path == "" {
		return nil
	}

	j, err := journal.Open(path, logger)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	return j
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// progress draws batch completion on stderr; a nil bar is a no-op.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(batches int, verbose bool) *progress {
	if verbose {
		return &progress{}
	}

	return &progress{bar: progressbar.NewOptions(batches,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("predicting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)}
}

func (p *progress) done(index int, err error) {
	if p.bar == nil {
		return
	}
	if err != nil {
		p.bar.Describe(fmt.Sprintf("predicting (batch %d failed)", index))
	}
	p.bar.Add(1)
}

// skip counts batches that were already done before this invocation.
func (p *progress) skip(n int) {
	if p.bar == nil || n <= 0 {
		return
	}
	p.bar.Add(n)
}

// extend grows the bar for batches that are about to be retried.
func (p *progress) extend(n int) {
	if p.bar == nil {
		return
	}
	p.bar.ChangeMax(p.bar.GetMax() + n)
}

func (p *progress) finish() {
	if p.bar == nil {
		return
	}
	p.bar.Finish()
	fmt.Fprintln(os.Stderr)
}
