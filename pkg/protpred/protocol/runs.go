package protocol

import (
	"time"

	"pkg.jsn.cam/protpred/pkg/protpred"
)

// RunStatus represents the current state of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusFailed    RunStatus = "failed"    // at least one batch failed
	RunStatusCompleted RunStatus = "completed" // all batches merged
)

// BatchStatus represents the state of a single batch
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusSucceeded BatchStatus = "succeeded"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusMerged    BatchStatus = "merged" // written to the results file
)

// RunRecord is the journaled description of one prediction run
type RunRecord struct {
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
	ID            string        `json:"id"`
	InputPath     string        `json:"input_path"`
	OutputPath    string        `json:"output_path"`
	Mode          protpred.Mode `json:"mode"`
	Status        RunStatus     `json:"status"`
	SchemaVersion string        `json:"schema_version"`
	Workers       int           `json:"workers"`
	Items         int           `json:"items"`
	Batches       int           `json:"batches"`
}

// BatchRecord tracks one batch and, once it succeeded, where its result lives
type BatchRecord struct {
	UpdatedAt time.Time   `json:"updated_at"`
	Status    BatchStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	Stderr    string      `json:"stderr,omitempty"`
	Index     int         `json:"index"`
	Start     int         `json:"start"`
	Size      int         `json:"size"`
	Attempts  int         `json:"attempts"`

	// Result locator, set when Status is succeeded
	Mode    protpred.Mode         `json:"mode,omitempty"`
	Entries []protpred.Prediction `json:"entries,omitempty"` // mapping mode
	Path    string                `json:"path,omitempty"`    // append-file or directory mode
	Keys    []string              `json:"keys,omitempty"`    // directory mode
}

// Result rebuilds the WorkerResult recorded for a succeeded batch.
func (b *BatchRecord) Result() (protpred.WorkerResult, bool) {
	if b.Status != BatchStatusSucceeded {
		return nil, false
	}

	switch b.Mode {
	case protpred.ModeMapping:
		return &protpred.MappingResult{Batch: b.Index, Entries: b.Entries}, true
	case protpred.ModeAppend:
		return &protpred.AppendFileResult{Batch: b.Index, Path: b.Path}, true
	case protpred.ModeDirectory:
		return &protpred.DirectoryResult{Batch: b.Index, Dir: b.Path, Keys: b.Keys}, true
	}

	return nil, false
}

// SetResult records res as the batch outcome.
func (b *BatchRecord) SetResult(res protpred.WorkerResult) {
	b.Status = BatchStatusSucceeded
	b.Error = ""
	b.Stderr = ""
	b.Mode = res.Mode()
	b.Entries, b.Path, b.Keys = nil, "", nil

	switch r := res.(type) {
	case *protpred.MappingResult:
		b.Entries = r.Entries
	case *protpred.AppendFileResult:
		b.Path = r.Path
	case *protpred.DirectoryResult:
		b.Path = r.Dir
		b.Keys = r.Keys
	}
}
