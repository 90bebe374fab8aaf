package protpred

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// WorkerResult is the output of one batch's predictor run. The concrete type
// selects the merge strategy: *MappingResult, *AppendFileResult or
// *DirectoryResult.
type WorkerResult interface {
	BatchIndex() int
	Mode() Mode
	// Discard removes any transient file or directory backing the result.
	Discard() error
}

// MappingResult holds predictions in memory, in batch order.
type MappingResult struct {
	Entries []Prediction
	Batch   int
}

func (r *MappingResult) BatchIndex() int { return r.Batch }
func (r *MappingResult) Mode() Mode      { return ModeMapping }
func (r *MappingResult) Discard() error  { return nil }

// AppendFileResult points at a file whose bytes are copied verbatim into the
// results artifact.
type AppendFileResult struct {
	Path  string
	Batch int
}

func (r *AppendFileResult) BatchIndex() int { return r.Batch }
func (r *AppendFileResult) Mode() Mode      { return ModeAppend }

func (r *AppendFileResult) Discard() error {
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DirectoryResult points at a directory holding one output file per item.
// Keys, when set, restores batch order and original keys (see ResolveOutputs).
type DirectoryResult struct {
	Dir   string
	Keys  []string
	Batch int
}

func (r *DirectoryResult) BatchIndex() int { return r.Batch }
func (r *DirectoryResult) Mode() Mode      { return ModeDirectory }

func (r *DirectoryResult) Discard() error {
	return os.RemoveAll(r.Dir)
}

// ReadDirectory loads every file of dir as a prediction, ordered by
// ResolveOutputs. Subdirectories are ignored.
func ReadDirectory(dir string, keys []string) ([]Prediction, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}

	files := ResolveOutputs(names, keys)
	preds := make([]Prediction, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			return nil, err
		}
		preds = append(preds, Prediction{Key: f.Key, Text: string(data)})
	}

	return preds, nil
}
