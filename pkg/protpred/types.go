package protpred

import "context"

// Item is one labeled input record, e.g. a sequence id and its residues.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Batch is a contiguous slice of the input assigned to one predictor run.
type Batch struct {
	Items []Item `json:"items"`
	Index int    `json:"index"` // dispatch position
	Start int    `json:"start"` // offset of Items[0] in the input
}

// Len returns the number of items in the batch.
func (b Batch) Len() int {
	return len(b.Items)
}

// Keys returns the item keys in batch order.
func (b Batch) Keys() []string {
	keys := make([]string, len(b.Items))
	for i, item := range b.Items {
		keys[i] = item.Key
	}

	return keys
}

// Prediction is the predictor output for a single item.
type Prediction struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Mode selects how a worker hands its output to the aggregator.
type Mode string

const (
	ModeMapping   Mode = "mapping" // predictions held in memory
	ModeAppend    Mode = "file"    // one append-only file per batch
	ModeDirectory Mode = "dir"     // one file per item in a per-batch directory
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeMapping, ModeAppend, ModeDirectory:
		return m, nil
	}

	return "", ErrUnknownMode
}

// Predictor runs the opaque prediction tool over one batch.
//
// Implementations must not share mutable state between calls: the same
// Predictor is invoked concurrently for different batches.
type Predictor interface {
	Predict(ctx context.Context, batch Batch) (WorkerResult, error)
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(ctx context.Context, batch Batch) (WorkerResult, error)

// Predict calls f(ctx, batch).
func (f PredictorFunc) Predict(ctx context.Context, batch Batch) (WorkerResult, error) {
	return f(ctx, batch)
}
