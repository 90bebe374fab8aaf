package journal

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"time"

	"pkg.jsn.cam/protpred/pkg/protpred"
	"pkg.jsn.cam/protpred/pkg/protpred/protocol"
	"pkg.jsn.cam/protpred/pkg/storage"
)

var (
	ErrRunNotFound         = errors.New("run not found")
	ErrIncompatibleJournal = errors.New("incompatible journal")
)

var (
	bucketMeta = []byte("meta")
	bucketRuns = []byte("runs")

	keySchemaVersion = []byte("schema_version")
)

func batchesBucket(runID string) []byte {
	return []byte("batches/" + runID)
}

func batchKey(index int) []byte {
	return []byte(fmt.Sprintf("%08d", index))
}

// Journal persists runs and per-batch progress so a run with failed batches
// can be resumed without re-running the batches that succeeded.
type Journal struct {
	backend storage.Backend
	logger  *log.Logger
	path    string
}

// Open opens (or creates) a bbolt journal at path. A nil logger uses the
// standard logger.
func Open(path string, logger *log.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	backend, err := storage.NewBboltBackend(path)
	if err != nil {
		return nil, err
	}

	j, err := New(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	j.logger = logger
	j.path = backend.Path()

	j.logf("[JOURNAL] Opened %s", j.path)
	return j, nil
}

// Path returns the database file of a journal created by Open, or "".
func (j *Journal) Path() string {
	return j.path
}

// New wraps backend, initializing the schema on first use. A backend written
// with a different major schema version is rejected.
func New(backend storage.Backend) (*Journal, error) {
	err := backend.Update(func(tx storage.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketRuns); err != nil {
			return err
		}

		stored := string(meta.Get(keySchemaVersion))
		if stored == "" {
			return meta.Put(keySchemaVersion, []byte(protocol.JournalSchemaVersion))
		}

		ok, err := protocol.IsCompatibleVersion(stored, protocol.JournalSchemaVersion)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIncompatibleJournal, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrIncompatibleJournal,
				protocol.CompatibilityError("journal schema", stored, protocol.JournalSchemaVersion))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Journal{backend: backend}, nil
}

// CreateRun records a new run with every batch pending.
func (j *Journal) CreateRun(run *protocol.RunRecord, batches []protpred.Batch) error {
	run.SchemaVersion = protocol.JournalSchemaVersion
	run.Batches = len(batches)
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	return j.backend.Update(func(tx storage.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if runs.Get([]byte(run.ID)) != nil {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		if err := storage.PutJSON(runs, []byte(run.ID), run); err != nil {
			return err
		}

		bkt, err := tx.CreateBucket(batchesBucket(run.ID))
		if err != nil {
			return err
		}
		for _, b := range batches {
			rec := &protocol.BatchRecord{
				Index:     b.Index,
				Start:     b.Start,
				Size:      b.Len(),
				Status:    protocol.BatchStatusPending,
				UpdatedAt: run.CreatedAt,
			}
			if err := storage.PutJSON(bkt, batchKey(b.Index), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveRun overwrites the run record.
func (j *Journal) SaveRun(run *protocol.RunRecord) error {
	return j.backend.Update(func(tx storage.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if runs.Get([]byte(run.ID)) == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
		}
		return storage.PutJSON(runs, []byte(run.ID), run)
	})
}

// SaveBatch overwrites one batch record of a run.
func (j *Journal) SaveBatch(runID string, rec *protocol.BatchRecord) error {
	rec.UpdatedAt = time.Now()

	return j.backend.Update(func(tx storage.Tx) error {
		bkt := tx.Bucket(batchesBucket(runID))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return storage.PutJSON(bkt, batchKey(rec.Index), rec)
	})
}

// LoadRun returns the run record for id.
func (j *Journal) LoadRun(id string) (*protocol.RunRecord, error) {
	var run protocol.RunRecord
	err := j.backend.View(func(tx storage.Tx) error {
		found, err := storage.GetJSON(tx.Bucket(bucketRuns), []byte(id), &run)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// LoadBatch returns one batch record of a run.
func (j *Journal) LoadBatch(runID string, index int) (*protocol.BatchRecord, error) {
	var rec protocol.BatchRecord
	err := j.backend.View(func(tx storage.Tx) error {
		bkt := tx.Bucket(batchesBucket(runID))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		found, err := storage.GetJSON(bkt, batchKey(index), &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("run %s has no batch %d", runID, index)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// LoadBatches returns the batch records of a run in index order.
func (j *Journal) LoadBatches(id string) ([]*protocol.BatchRecord, error) {
	var recs []*protocol.BatchRecord
	err := j.backend.View(func(tx storage.Tx) error {
		bkt := tx.Bucket(batchesBucket(id))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return bkt.ForEach(func(k, v []byte) error {
			var rec protocol.BatchRecord
			if err := storage.DecodeJSON(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return recs, nil
}

// ListRuns returns every run, oldest first.
func (j *Journal) ListRuns() ([]*protocol.RunRecord, error) {
	var runs []*protocol.RunRecord
	err := j.backend.View(func(tx storage.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run protocol.RunRecord
			if err := storage.DecodeJSON(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(runs, func(a, b *protocol.RunRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return runs, nil
}

// DeleteRun removes a run and its batch records.
func (j *Journal) DeleteRun(id string) error {
	err := j.backend.Update(func(tx storage.Tx) error {
		if err := tx.Bucket(bucketRuns).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.DeleteBucket(batchesBucket(id))
	})
	if err == nil {
		j.logf("[JOURNAL] Deleted run %s", id)
	}
	return err
}

// Close closes the underlying backend.
func (j *Journal) Close() error {
	return j.backend.Close()
}

func (j *Journal) logf(format string, args ...any) {
	if j.logger != nil {
		j.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
