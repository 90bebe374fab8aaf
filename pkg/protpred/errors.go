package protpred

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// Input errors
	ErrMalformedRecord    = errors.New("malformed record")
	ErrInvalidWorkerCount = errors.New("invalid worker count")
	ErrUnknownMode        = errors.New("unknown aggregation mode")

	// Execution errors
	ErrPredictorExecution = errors.New("predictor execution failed")
	ErrAggregationIO      = errors.New("aggregation i/o failed")
	ErrIncompleteRun      = errors.New("run has failed batches")
	ErrNilResult          = errors.New("nil worker result")
)

// MalformedRecordError reports an input line that has no key/value split.
type MalformedRecordError struct {
	Text string
	Line int
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("line %d: %v: %q", e.Line, ErrMalformedRecord, e.Text)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// PredictorError carries the batch identity and the tool's diagnostic output.
type PredictorError struct {
	Err    error
	Stderr string
	Batch  int
}

func (e *PredictorError) Error() string {
	msg := fmt.Sprintf("batch %d: %v: %v", e.Batch, ErrPredictorExecution, e.Err)
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}

	return msg
}

func (e *PredictorError) Unwrap() []error {
	return []error{ErrPredictorExecution, e.Err}
}

// AggregationError names the batch and path that could not be merged.
type AggregationError struct {
	Err   error
	Path  string
	Batch int
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("batch %d: %v: %s: %v", e.Batch, ErrAggregationIO, e.Path, e.Err)
}

func (e *AggregationError) Unwrap() []error {
	return []error{ErrAggregationIO, e.Err}
}
