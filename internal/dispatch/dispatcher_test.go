package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkg.jsn.cam/protpred/internal/journal"
	"pkg.jsn.cam/protpred/pkg/protpred"
	"pkg.jsn.cam/protpred/pkg/protpred/protocol"
	"pkg.jsn.cam/protpred/pkg/storage"
)

var quiet = log.New(io.Discard, "", 0)

func makeItems(n int) []protpred.Item {
	items := make([]protpred.Item, n)
	for i := range items {
		items[i] = protpred.Item{Key: fmt.Sprintf("seq_%d", i), Value: strings.Repeat("M", i+1)}
	}
	return items
}

// echoPredictor predicts "len=<n>" for every item, finishing later batches
// first so completion order is the reverse of dispatch order.
func echoPredictor(total int) protpred.PredictorFunc {
	return func(ctx context.Context, b protpred.Batch) (protpred.WorkerResult, error) {
		time.Sleep(time.Duration(total-b.Index) * 5 * time.Millisecond)

		res := &protpred.MappingResult{Batch: b.Index}
		for _, item := range b.Items {
			res.Entries = append(res.Entries, protpred.Prediction{
				Key:  item.Key,
				Text: fmt.Sprintf("len=%d\n", len(item.Value)),
			})
		}
		return res, nil
	}
}

func expectedOutput(items []protpred.Item) string {
	var b strings.Builder
	for _, item := range items {
		protpred.WriteBlock(&b, item.Key, fmt.Sprintf("len=%d\n", len(item.Value)))
	}
	return b.String()
}

func TestRun_AggregatesInBatchOrder(t *testing.T) {
	t.Parallel()

	items := makeItems(10)
	d, err := New(Config{Predictor: echoPredictor(3), Workers: 3, Logger: quiet})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	report, err := d.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := report.Err(); err != nil {
		t.Fatalf("report.Err: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "results")
	if err := d.Aggregate(report, &protpred.Aggregator{Logger: quiet}, dest); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	got, _ := os.ReadFile(dest)
	if string(got) != expectedOutput(items) {
		t.Errorf("results =\n%s\nwant\n%s", got, expectedOutput(items))
	}
}

func TestRun_FailedBatchDoesNotLoseOthers(t *testing.T) {
	t.Parallel()

	items := makeItems(9)
	var failBatch atomic.Bool
	failBatch.Store(true)

	pred := protpred.PredictorFunc(func(ctx context.Context, b protpred.Batch) (protpred.WorkerResult, error) {
		if b.Index == 1 && failBatch.Load() {
			return nil, errors.New("segfault")
		}
		return echoPredictor(0)(ctx, b)
	})

	var mu sync.Mutex
	done := map[int]error{}
	d, _ := New(Config{
		Predictor: pred,
		Workers:   3,
		Logger:    quiet,
		OnBatchDone: func(i int, err error) {
			mu.Lock()
			done[i] = err
			mu.Unlock()
		},
	})

	report, err := d.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if failed := report.Failed(); len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("Failed() = %v, want [1]", failed)
	}
	var pe *protpred.PredictorError
	if !errors.As(report.Err(), &pe) || pe.Batch != 1 {
		t.Errorf("report.Err() = %v, want PredictorError for batch 1", report.Err())
	}
	if report.Results[0] == nil || report.Results[2] == nil {
		t.Error("successful batches must keep their results")
	}
	if len(done) != 3 || done[1] == nil || done[0] != nil {
		t.Errorf("OnBatchDone calls = %v", done)
	}

	dest := filepath.Join(t.TempDir(), "results")
	if err := d.Aggregate(report, nil, dest); !errors.Is(err, protpred.ErrIncompleteRun) {
		t.Errorf("Aggregate with failures = %v, want ErrIncompleteRun", err)
	}

	failBatch.Store(false)
	if err := d.Retry(context.Background(), report); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := d.Aggregate(report, &protpred.Aggregator{Logger: quiet}, dest); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	got, _ := os.ReadFile(dest)
	if string(got) != expectedOutput(items) {
		t.Errorf("results after retry =\n%s", got)
	}
}

func TestRun_Parallelism(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	pred := protpred.PredictorFunc(func(ctx context.Context, b protpred.Batch) (protpred.WorkerResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &protpred.MappingResult{Batch: b.Index}, nil
	})

	d, _ := New(Config{Predictor: pred, Workers: 8, Parallelism: 2, Logger: quiet})
	if _, err := d.Run(context.Background(), makeItems(8)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRun_NilResultIsFailure(t *testing.T) {
	t.Parallel()

	pred := protpred.PredictorFunc(func(ctx context.Context, b protpred.Batch) (protpred.WorkerResult, error) {
		return nil, nil
	})
	d, _ := New(Config{Predictor: pred, Workers: 1, Logger: quiet})

	report, err := d.Run(context.Background(), makeItems(2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(report.Err(), protpred.ErrNilResult) {
		t.Errorf("report.Err() = %v, want ErrNilResult", report.Err())
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Workers: 1}); err == nil {
		t.Error("New without predictor should fail")
	}
	_, err := New(Config{Predictor: echoPredictor(0), Workers: 0})
	if !errors.Is(err, protpred.ErrInvalidWorkerCount) {
		t.Errorf("New with 0 workers = %v, want ErrInvalidWorkerCount", err)
	}
}

func TestResume_RerunsOnlyUnfinishedBatches(t *testing.T) {
	t.Parallel()

	j, err := journal.New(storage.NewMemoryBackend())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}

	items := makeItems(7)
	var calls sync.Map
	var failing atomic.Bool
	failing.Store(true)

	pred := protpred.PredictorFunc(func(ctx context.Context, b protpred.Batch) (protpred.WorkerResult, error) {
		n, _ := calls.LoadOrStore(b.Index, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		if b.Index == 2 && failing.Load() {
			return nil, &protpred.PredictorError{Batch: b.Index, Err: errors.New("exit status 1"), Stderr: "CUDA out of memory"}
		}
		return echoPredictor(0)(ctx, b)
	})

	d, _ := New(Config{Predictor: pred, Workers: 3, Journal: j, Logger: quiet})
	report, err := d.Execute(context.Background(), &protocol.RunRecord{ID: "run-42", InputPath: "in.tsv"}, items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Err() == nil {
		t.Fatal("expected batch 2 to fail")
	}

	run, _ := j.LoadRun("run-42")
	if run.Status != protocol.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	recs, _ := j.LoadBatches("run-42")
	if recs[2].Status != protocol.BatchStatusFailed || recs[2].Stderr != "CUDA out of memory" {
		t.Errorf("failed batch record = %+v", recs[2])
	}
	if recs[0].Status != protocol.BatchStatusSucceeded || len(recs[0].Entries) != 3 {
		t.Errorf("succeeded batch record = %+v", recs[0])
	}

	// A fresh dispatcher, as after a process restart.
	failing.Store(false)
	d2, _ := New(Config{Predictor: pred, Workers: 3, Journal: j, Logger: quiet})
	resumed, err := d2.Resume(context.Background(), "run-42", items)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := resumed.Err(); err != nil {
		t.Fatalf("resumed report: %v", err)
	}

	for i, want := range []int32{1, 1, 2} {
		n, _ := calls.Load(i)
		if got := n.(*atomic.Int32).Load(); got != want {
			t.Errorf("batch %d invoked %d times, want %d", i, got, want)
		}
	}

	recs, _ = j.LoadBatches("run-42")
	if recs[2].Attempts != 2 {
		t.Errorf("batch 2 attempts = %d, want 2", recs[2].Attempts)
	}

	dest := filepath.Join(t.TempDir(), "results")
	if err := d2.Aggregate(resumed, &protpred.Aggregator{Logger: quiet}, dest); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != expectedOutput(items) {
		t.Errorf("results =\n%s", got)
	}

	run, _ = j.LoadRun("run-42")
	if run.Status != protocol.RunStatusCompleted || run.OutputPath != dest {
		t.Errorf("run after aggregate = %+v", run)
	}
	if _, err := d2.Resume(context.Background(), "run-42", items); !errors.Is(err, ErrRunCompleted) {
		t.Errorf("Resume of completed run = %v, want ErrRunCompleted", err)
	}
}

func TestResume_InputChanged(t *testing.T) {
	t.Parallel()

	j, _ := journal.New(storage.NewMemoryBackend())
	d, _ := New(Config{Predictor: echoPredictor(0), Workers: 2, Journal: j, Logger: quiet})

	if _, err := d.Execute(context.Background(), &protocol.RunRecord{ID: "r"}, makeItems(4)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := d.Resume(context.Background(), "r", makeItems(5)); !errors.Is(err, ErrInputChanged) {
		t.Errorf("Resume with different input = %v, want ErrInputChanged", err)
	}
}

func TestResume_MissingOutputIsRerun(t *testing.T) {
	t.Parallel()

	j, _ := journal.New(storage.NewMemoryBackend())
	dir := t.TempDir()
	var calls atomic.Int32

	pred := protpred.PredictorFunc(func(ctx context.Context, b protpred.Batch) (protpred.WorkerResult, error) {
		calls.Add(1)
		path := filepath.Join(dir, fmt.Sprintf("batch-%d-%d.out", b.Index, calls.Load()))
		if err := os.WriteFile(path, []byte("\n"+b.Items[0].Key+"\nCCC\n"), 0o644); err != nil {
			return nil, err
		}
		if b.Index == 1 && calls.Load() <= 2 {
			return nil, errors.New("flaky")
		}
		return &protpred.AppendFileResult{Batch: b.Index, Path: path}, nil
	})

	d, _ := New(Config{Predictor: pred, Workers: 2, Parallelism: 1, Journal: j, Mode: protpred.ModeAppend, Logger: quiet})
	report, err := d.Execute(context.Background(), &protocol.RunRecord{ID: "r"}, makeItems(2))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Lose batch 0's output behind the journal's back.
	if err := os.Remove(report.Results[0].(*protpred.AppendFileResult).Path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	resumed, err := d.Resume(context.Background(), "r", makeItems(2))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := resumed.Err(); err != nil {
		t.Fatalf("resumed: %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("predictor calls = %d, want 4", calls.Load())
	}
}

func TestReport_Discard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "batch.out")
	os.WriteFile(out, []byte("x"), 0o644)
	sub := filepath.Join(dir, "batch-dir")
	os.Mkdir(sub, 0o755)
	os.WriteFile(filepath.Join(sub, "a.ss2"), []byte("y"), 0o644)

	report := newReport("r", make([]protpred.Batch, 3))
	report.record(0, &protpred.AppendFileResult{Batch: 0, Path: out}, nil)
	report.record(1, &protpred.DirectoryResult{Batch: 1, Dir: sub}, nil)
	report.record(2, nil, errors.New("failed"))

	if err := report.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("append file should be removed")
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Error("output directory should be removed")
	}
}

// appendPredictor writes every batch as blocks into a fresh file under dir.
func appendPredictor(dir string) protpred.PredictorFunc {
	var calls atomic.Int32
	return func(ctx context.Context, b protpred.Batch) (protpred.WorkerResult, error) {
		var sb strings.Builder
		for _, item := range b.Items {
			protpred.WriteBlock(&sb, item.Key, fmt.Sprintf("len=%d\n", len(item.Value)))
		}
		path := filepath.Join(dir, fmt.Sprintf("batch-%d-%d.out", b.Index, calls.Add(1)))
		if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
			return nil, err
		}
		return &protpred.AppendFileResult{Batch: b.Index, Path: path}, nil
	}
}

func TestResume_AfterPartialMergeAppendsOnlyMissingBatches(t *testing.T) {
	t.Parallel()

	j, _ := journal.New(storage.NewMemoryBackend())
	items := makeItems(4)
	d, _ := New(Config{Predictor: appendPredictor(t.TempDir()), Workers: 2, Journal: j, Mode: protpred.ModeAppend, Logger: quiet})

	report, err := d.Execute(context.Background(), &protocol.RunRecord{ID: "r"}, items)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	os.Remove(report.Results[1].(*protpred.AppendFileResult).Path)

	dest := filepath.Join(t.TempDir(), "results")
	if err := d.Aggregate(report, nil, dest); !errors.Is(err, protpred.ErrAggregationIO) {
		t.Fatalf("Aggregate = %v, want ErrAggregationIO", err)
	}
	recs, _ := j.LoadBatches("r")
	if recs[0].Status != protocol.BatchStatusMerged || recs[1].Status != protocol.BatchStatusSucceeded {
		t.Fatalf("batch statuses after failed merge = %s, %s", recs[0].Status, recs[1].Status)
	}

	resumed, err := d.Resume(context.Background(), "r", items)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed.Merged[0] || resumed.Results[1] == nil {
		t.Fatalf("resumed report: merged=%v results=%v", resumed.Merged, resumed.Results)
	}
	if err := d.Aggregate(resumed, nil, dest); err != nil {
		t.Fatalf("Aggregate after resume: %v", err)
	}

	got, _ := os.ReadFile(dest)
	if string(got) != expectedOutput(items) {
		t.Errorf("results =\n%s\nwant\n%s", got, expectedOutput(items))
	}
	run, _ := j.LoadRun("r")
	if run.Status != protocol.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
}

func TestAggregate_RetrySkipsMergedBatches(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	items := makeItems(6)
	d, _ := New(Config{Predictor: appendPredictor(work), Workers: 3, Mode: protpred.ModeAppend, Logger: quiet})

	report, err := d.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Hide batch 2's file so the first merge stops there.
	path := report.Results[2].(*protpred.AppendFileResult).Path
	if err := os.Rename(path, path+".hidden"); err != nil {
		t.Fatal(err)
	}

	var merged []int
	agg := &protpred.Aggregator{Logger: quiet, OnMerged: func(res protpred.WorkerResult) {
		merged = append(merged, res.BatchIndex())
	}}

	dest := filepath.Join(t.TempDir(), "results")
	if err := d.Aggregate(report, agg, dest); err == nil {
		t.Fatal("Aggregate should fail on the missing file")
	}
	if err := os.Rename(path+".hidden", path); err != nil {
		t.Fatal(err)
	}
	if err := d.Aggregate(report, agg, dest); err != nil {
		t.Fatalf("second Aggregate: %v", err)
	}

	got, _ := os.ReadFile(dest)
	if string(got) != expectedOutput(items) {
		t.Errorf("results =\n%s\nwant\n%s", got, expectedOutput(items))
	}
	if want := []int{0, 1, 2}; fmt.Sprint(merged) != fmt.Sprint(want) {
		t.Errorf("OnMerged batches = %v, want %v", merged, want)
	}
	if left, _ := os.ReadDir(work); len(left) != 0 {
		t.Errorf("transient files left behind: %v", left)
	}
}
