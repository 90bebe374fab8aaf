package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pkg.jsn.cam/protpred/internal/journal"
	"pkg.jsn.cam/protpred/pkg/protpred"
	"pkg.jsn.cam/protpred/pkg/protpred/protocol"
)

var (
	ErrRunCompleted = errors.New("run already completed")
	ErrInputChanged = errors.New("input no longer matches journaled batches")
)

// Config holds dispatcher configuration
type Config struct {
	Predictor protpred.Predictor
	Journal   *journal.Journal // optional; enables Resume
	Logger    *log.Logger
	// OnBatchDone is called once per finished invocation, from the worker
	// goroutine. err is nil on success.
	OnBatchDone func(index int, err error)
	Mode        protpred.Mode // recorded in the journal
	Workers     int           // requested batch count
	Parallelism int           // concurrent invocations (default: one per batch)
}

// Dispatcher partitions items, runs the predictor on every batch and hands
// the collected results to the aggregator in batch order.
type Dispatcher struct {
	cfg Config
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Predictor == nil {
		return nil, errors.New("predictor is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: %d", protpred.ErrInvalidWorkerCount, cfg.Workers)
	}
	if cfg.Mode == "" {
		cfg.Mode = protpred.ModeMapping
	}

	return &Dispatcher{cfg: cfg}, nil
}

// Run executes a new run over items with a generated run id.
func (d *Dispatcher) Run(ctx context.Context, items []protpred.Item) (*Report, error) {
	return d.Execute(ctx, &protocol.RunRecord{ID: uuid.New().String()}, items)
}

// Execute partitions items and invokes every batch. A failing batch does not
// stop the others; its error is kept in the report so it can be retried on
// its own. The returned error covers setup problems only.
func (d *Dispatcher) Execute(ctx context.Context, run *protocol.RunRecord, items []protpred.Item) (*Report, error) {
	batches, err := protpred.Partition(items, d.cfg.Workers)
	if err != nil {
		return nil, err
	}

	run.Workers = d.cfg.Workers
	run.Items = len(items)
	run.Mode = d.cfg.Mode
	run.Status = protocol.RunStatusRunning

	report := newReport(run.ID, batches)
	if d.cfg.Journal != nil {
		if err := d.cfg.Journal.CreateRun(run, batches); err != nil {
			return nil, fmt.Errorf("journal run: %w", err)
		}
	}

	d.logf("[DISPATCH] Run %s: %d items in %d batches", run.ID, len(items), len(batches))

	d.invoke(ctx, report, report.pending())
	d.finishRun(report)

	return report, nil
}

// Retry re-invokes only the failed batches of report and returns the
// remaining failures, if any.
func (d *Dispatcher) Retry(ctx context.Context, report *Report) error {
	failed := report.Failed()
	if len(failed) == 0 {
		return nil
	}

	d.logf("[DISPATCH] Run %s: retrying batches %v", report.RunID, failed)

	d.invoke(ctx, report, failed)
	d.finishRun(report)

	return report.Err()
}

// Resume rebuilds the report of a journaled run from its input items and
// re-invokes every batch that did not succeed or whose output has vanished.
func (d *Dispatcher) Resume(ctx context.Context, runID string, items []protpred.Item) (*Report, error) {
	if d.cfg.Journal == nil {
		return nil, errors.New("resume requires a journal")
	}

	run, err := d.cfg.Journal.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status == protocol.RunStatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrRunCompleted, runID)
	}

	recs, err := d.cfg.Journal.LoadBatches(runID)
	if err != nil {
		return nil, err
	}

	batches, err := protpred.Partition(items, run.Workers)
	if err != nil {
		return nil, err
	}
	if len(batches) != len(recs) {
		return nil, fmt.Errorf("%w: %d batches, journal has %d", ErrInputChanged, len(batches), len(recs))
	}

	report := newReport(runID, batches)
	for i, rec := range recs {
		if rec.Index != i || rec.Start != batches[i].Start || rec.Size != batches[i].Len() {
			return nil, fmt.Errorf("%w: batch %d", ErrInputChanged, i)
		}

		// Already in the results file from an earlier, interrupted merge.
		if rec.Status == protocol.BatchStatusMerged {
			report.Merged[i] = true
			continue
		}

		res, ok := rec.Result()
		if ok && resultExists(res) {
			report.Results[i] = res
			continue
		}
		report.Failures[i] = errors.New(string(rec.Status))
	}

	d.logf("[DISPATCH] Run %s: resuming, %d of %d batches to run", runID, len(report.Failures), len(batches))

	d.invoke(ctx, report, report.Failed())
	d.finishRun(report)

	return report, nil
}

// Aggregate merges a complete report into dest and marks the run completed.
// Every merged batch is recorded, so calling Aggregate again (or resuming the
// run) after a failed merge appends only the batches that are still missing.
func (d *Dispatcher) Aggregate(report *Report, agg *protpred.Aggregator, dest string) error {
	if err := report.Err(); err != nil {
		return fmt.Errorf("%w: %v", protpred.ErrIncompleteRun, err)
	}

	merger := protpred.Aggregator{Logger: d.cfg.Logger}
	if agg != nil {
		merger = *agg
	}
	onMerged := merger.OnMerged
	merger.OnMerged = func(res protpred.WorkerResult) {
		report.markMerged(res.BatchIndex())
		d.journalMerged(report.RunID, res.BatchIndex())
		if onMerged != nil {
			onMerged(res)
		}
	}

	todo := report.unmerged()
	if err := merger.Aggregate(todo, dest); err != nil {
		return err
	}

	d.logf("[DISPATCH] Run %s: merged %d batches into %s", report.RunID, len(todo), dest)

	if d.cfg.Journal == nil {
		return nil
	}

	run, err := d.cfg.Journal.LoadRun(report.RunID)
	if err != nil {
		return err
	}
	run.OutputPath = dest
	run.Status = protocol.RunStatusCompleted
	run.CompletedAt = time.Now()
	return d.cfg.Journal.SaveRun(run)
}

func (d *Dispatcher) invoke(ctx context.Context, report *Report, indices []int) {
	var g errgroup.Group
	if d.cfg.Parallelism > 0 {
		g.SetLimit(d.cfg.Parallelism)
	}

	for _, i := range indices {
		batch := report.Batches[i]
		g.Go(func() error {
			d.invokeBatch(ctx, report, batch)
			return nil
		})
	}

	g.Wait()
}

func (d *Dispatcher) invokeBatch(ctx context.Context, report *Report, batch protpred.Batch) {
	rec := d.markRunning(report.RunID, batch)

	start := time.Now()
	res, err := d.cfg.Predictor.Predict(ctx, batch)
	if err == nil && res == nil {
		err = protpred.ErrNilResult
	}
	if err != nil {
		var pe *protpred.PredictorError
		if !errors.As(err, &pe) {
			err = &protpred.PredictorError{Batch: batch.Index, Err: err}
		}
	}

	report.record(batch.Index, res, err)

	if err != nil {
		d.logf("[DISPATCH] Batch %d failed after %v: %v", batch.Index, time.Since(start), err)
	} else {
		d.logf("[DISPATCH] Batch %d done in %v (%d items)", batch.Index, time.Since(start), batch.Len())
	}

	d.markDone(report.RunID, rec, res, err)

	if d.cfg.OnBatchDone != nil {
		d.cfg.OnBatchDone(batch.Index, err)
	}
}

func (d *Dispatcher) markRunning(runID string, batch protpred.Batch) *protocol.BatchRecord {
	rec := &protocol.BatchRecord{
		Index:  batch.Index,
		Start:  batch.Start,
		Size:   batch.Len(),
		Status: protocol.BatchStatusRunning,
	}
	if d.cfg.Journal == nil {
		return rec
	}

	if recs, err := d.cfg.Journal.LoadBatches(runID); err == nil && batch.Index < len(recs) {
		rec.Attempts = recs[batch.Index].Attempts
	}
	rec.Attempts++

	if err := d.cfg.Journal.SaveBatch(runID, rec); err != nil {
		d.logf("[DISPATCH] Warning: failed to journal batch %d: %v", batch.Index, err)
	}
	return rec
}

func (d *Dispatcher) markDone(runID string, rec *protocol.BatchRecord, res protpred.WorkerResult, err error) {
	if d.cfg.Journal == nil {
		return
	}

	if err != nil {
		rec.Status = protocol.BatchStatusFailed
		rec.Error = err.Error()
		var pe *protpred.PredictorError
		if errors.As(err, &pe) {
			rec.Error = pe.Err.Error()
			rec.Stderr = pe.Stderr
		}
	} else {
		rec.SetResult(res)
	}

	if err := d.cfg.Journal.SaveBatch(runID, rec); err != nil {
		d.logf("[DISPATCH] Warning: failed to journal batch %d: %v", rec.Index, err)
	}
}

func (d *Dispatcher) journalMerged(runID string, index int) {
	if d.cfg.Journal == nil {
		return
	}

	rec, err := d.cfg.Journal.LoadBatch(runID, index)
	if err == nil {
		rec.Status = protocol.BatchStatusMerged
		err = d.cfg.Journal.SaveBatch(runID, rec)
	}
	if err != nil {
		d.logf("[DISPATCH] Warning: failed to journal merge of batch %d: %v", index, err)
	}
}

func (d *Dispatcher) finishRun(report *Report) {
	failed := report.Failed()
	if len(failed) > 0 {
		d.logf("[DISPATCH] Run %s: %d/%d batches failed: %v",
			report.RunID, len(failed), len(report.Batches), failed)
	}

	if d.cfg.Journal == nil {
		return
	}

	run, err := d.cfg.Journal.LoadRun(report.RunID)
	if err != nil {
		d.logf("[DISPATCH] Warning: failed to load run %s: %v", report.RunID, err)
		return
	}
	run.Status = protocol.RunStatusRunning
	if len(failed) > 0 {
		run.Status = protocol.RunStatusFailed
	}
	if err := d.cfg.Journal.SaveRun(run); err != nil {
		d.logf("[DISPATCH] Warning: failed to journal run %s: %v", report.RunID, err)
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// resultExists reports whether the files behind a journaled result are
// still on disk.
func resultExists(res protpred.WorkerResult) bool {
	switch r := res.(type) {
	case *protpred.AppendFileResult:
		_, err := os.Stat(r.Path)
		return err == nil
	case *protpred.DirectoryResult:
		info, err := os.Stat(r.Dir)
		return err == nil && info.IsDir()
	}
	return true
}

// Report collects the outcome of every batch of a run, indexed by batch
// position regardless of completion order.
type Report struct {
	Failures map[int]error
	Merged   map[int]bool // batches already written to the results file
	RunID    string
	Batches  []protpred.Batch
	Results  []protpred.WorkerResult // nil where the batch failed or was merged
	mu       sync.Mutex
}

func newReport(runID string, batches []protpred.Batch) *Report {
	return &Report{
		RunID:    runID,
		Batches:  batches,
		Results:  make([]protpred.WorkerResult, len(batches)),
		Failures: make(map[int]error),
		Merged:   make(map[int]bool),
	}
}

func (r *Report) markMerged(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Merged[index] = true
	r.Results[index] = nil
}

// unmerged returns the results still to be written, in batch order.
func (r *Report) unmerged() []protpred.WorkerResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protpred.WorkerResult, 0, len(r.Results))
	for i, res := range r.Results {
		if !r.Merged[i] {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) record(index int, res protpred.WorkerResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.Results[index] = nil
		r.Failures[index] = err
		return
	}
	r.Results[index] = res
	delete(r.Failures, index)
}

// pending lists batches that have no result or failure and are not merged.
func (r *Report) pending() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []int
	for i, res := range r.Results {
		if _, failed := r.Failures[i]; res == nil && !failed && !r.Merged[i] {
			out = append(out, i)
		}
	}
	return out
}

// Failed returns the indices of failed batches in ascending order.
func (r *Report) Failed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []int
	for i := range r.Batches {
		if _, ok := r.Failures[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// Err joins the batch failures in index order; nil when every batch succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, i := range r.Failed() {
		r.mu.Lock()
		errs = append(errs, r.Failures[i])
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Discard removes the transient artifacts of every successful result.
func (r *Report) Discard() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i, res := range r.Results {
		if res == nil {
			continue
		}
		if err := res.Discard(); err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
		}
		r.Results[i] = nil
	}
	return errors.Join(errs...)
}
