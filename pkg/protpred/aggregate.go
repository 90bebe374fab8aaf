package protpred

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Aggregator merges worker results into a single results file. It is the
// only writer of its destination; callers must not run two aggregations
// against the same file concurrently.
type Aggregator struct {
	Logger *log.Logger
	// OnMerged, if set, is called once a result's blocks are flushed to the
	// destination and its transient files are gone.
	OnMerged func(res WorkerResult)
}

// Aggregate merges results into dest with a default Aggregator.
func Aggregate(results []WorkerResult, dest string) error {
	return (&Aggregator{}).Aggregate(results, dest)
}

// Aggregate appends every result to dest in slice order and removes the
// transient files behind them. It stops at the first failure; whatever was
// already appended stays in dest.
func (a *Aggregator) Aggregate(results []WorkerResult, dest string) error {
	out, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open results file: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for i, res := range results {
		if res == nil {
			w.Flush()
			return &AggregationError{Batch: i, Path: dest, Err: ErrNilResult}
		}

		var detail string
		switch r := res.(type) {
		case *MappingResult:
			detail, err = a.mergeMapping(w, r, dest)
		case *AppendFileResult:
			detail, err = a.mergeAppendFile(w, r, dest)
		case *DirectoryResult:
			detail, err = a.mergeDirectory(w, r, dest)
		default:
			err = &AggregationError{Batch: res.BatchIndex(), Path: dest, Err: fmt.Errorf("%w: %T", ErrUnknownMode, res)}
		}
		if err != nil {
			w.Flush()
			return err
		}
		if err := w.Flush(); err != nil {
			return &AggregationError{Batch: res.BatchIndex(), Path: dest, Err: err}
		}

		a.logf("[AGGREGATE] Merged batch %d (%s, %s)", res.BatchIndex(), res.Mode(), detail)
		if a.OnMerged != nil {
			a.OnMerged(res)
		}
	}

	return out.Close()
}

func (a *Aggregator) mergeMapping(w *bufio.Writer, r *MappingResult, dest string) (string, error) {
	for _, p := range r.Entries {
		if err := WriteBlock(w, p.Key, p.Text); err != nil {
			return "", &AggregationError{Batch: r.Batch, Path: dest, Err: err}
		}
	}

	return fmt.Sprintf("%d entries", len(r.Entries)), nil
}

func (a *Aggregator) mergeAppendFile(w *bufio.Writer, r *AppendFileResult, dest string) (string, error) {
	src, err := os.Open(r.Path)
	if err != nil {
		return "", &AggregationError{Batch: r.Batch, Path: r.Path, Err: err}
	}

	n, err := io.Copy(w, src)
	src.Close()
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		return "", &AggregationError{Batch: r.Batch, Path: dest, Err: err}
	}

	if err := os.Remove(r.Path); err != nil {
		return "", &AggregationError{Batch: r.Batch, Path: r.Path, Err: err}
	}

	return humanize.Bytes(uint64(n)), nil
}

func (a *Aggregator) mergeDirectory(w *bufio.Writer, r *DirectoryResult, dest string) (string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return "", &AggregationError{Batch: r.Batch, Path: r.Dir, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}

	files := ResolveOutputs(names, r.Keys)
	for _, f := range files {
		path := filepath.Join(r.Dir, f.Name)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &AggregationError{Batch: r.Batch, Path: path, Err: err}
		}

		if err := WriteBlock(w, f.Key, string(data)); err == nil {
			err = w.Flush()
		}
		if err != nil {
			return "", &AggregationError{Batch: r.Batch, Path: dest, Err: err}
		}

		if err := os.Remove(path); err != nil {
			return "", &AggregationError{Batch: r.Batch, Path: path, Err: err}
		}
	}

	if err := os.Remove(r.Dir); err != nil {
		return "", &AggregationError{Batch: r.Batch, Path: r.Dir, Err: err}
	}

	return fmt.Sprintf("%d files", len(files)), nil
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// WriteBlock writes one results block: a blank separator line, the key, then
// the prediction text terminated by a newline.
func WriteBlock(w io.Writer, key, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(w, "\n"+key+"\n"+text)
	return err
}
