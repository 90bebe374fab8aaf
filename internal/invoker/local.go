package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"pkg.jsn.cam/protpred/pkg/protpred"
)

// Command is the argument contract of the external predictor.
//
// Directory modes run
//
//	Name Args... SaveFilesFlag OutDirFlag <dir> <fasta>
//
// and append mode runs `Name Args... <fasta>` with stdout captured.
type Command struct {
	Name          string
	SaveFilesFlag string // default "--save-files"; "-" disables
	OutDirFlag    string // default "--outdir"
	Dir           string // working directory of the process
	Args          []string
	Env           []string // appended to the parent environment
}

// Config holds local invoker configuration
type Config struct {
	IDs       protpred.IDGenerator
	Logger    *log.Logger
	Mode      protpred.Mode
	WorkDir   string // scratch root for inputs and outputs (default: os.TempDir())
	Command   Command
	MaxStderr int // bytes of diagnostic output kept per run (default: 64KiB)
}

// Local runs the predictor as a subprocess on this host.
type Local struct {
	cfg Config
}

// NewLocal validates cfg and fills in defaults.
func NewLocal(cfg Config) (*Local, error) {
	if cfg.Command.Name == "" {
		return nil, errors.New("predictor command is required")
	}

	if cfg.Mode == "" {
		cfg.Mode = protpred.ModeMapping
	}
	if _, err := protpred.ParseMode(string(cfg.Mode)); err != nil {
		return nil, fmt.Errorf("%w: %q", err, cfg.Mode)
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	if cfg.IDs == nil {
		cfg.IDs = protpred.UUIDGenerator{}
	}
	if cfg.MaxStderr <= 0 {
		cfg.MaxStderr = 64 * 1024
	}
	if cfg.Command.SaveFilesFlag == "" {
		cfg.Command.SaveFilesFlag = "--save-files"
	}
	if cfg.Command.OutDirFlag == "" {
		cfg.Command.OutDirFlag = "--outdir"
	}

	return &Local{cfg: cfg}, nil
}

// Mode returns the configured aggregation mode.
func (l *Local) Mode() protpred.Mode {
	return l.cfg.Mode
}

// Predict writes the batch to a scratch FASTA file, runs the predictor and
// collects its output. The scratch file is always removed; on failure the
// output location is removed as well.
func (l *Local) Predict(ctx context.Context, batch protpred.Batch) (protpred.WorkerResult, error) {
	base := filepath.Join(l.cfg.WorkDir, fmt.Sprintf("batch-%d-%s", batch.Index, l.cfg.IDs.NewID()))
	seqPath := base + ".fasta"

	l.logf("[INVOKER:%d] Running predictor on %d items (%s)", batch.Index, batch.Len(), base)

	// Directory modes derive file names from the header, so they need the
	// injective file-safe form; append mode keeps keys as they are.
	header := protpred.EncodeKey
	if l.cfg.Mode == protpred.ModeAppend {
		header = rawHeader
	}

	if err := writeFASTA(seqPath, batch.Items, header); err != nil {
		os.Remove(seqPath)
		return nil, &protpred.PredictorError{Batch: batch.Index, Err: fmt.Errorf("write input: %w", err)}
	}
	defer os.Remove(seqPath)

	start := time.Now()
	var (
		res protpred.WorkerResult
		err error
	)
	switch l.cfg.Mode {
	case protpred.ModeAppend:
		res, err = l.runAppend(ctx, batch, seqPath, base+".out")
	default:
		res, err = l.runDirectory(ctx, batch, seqPath, base)
	}
	if err != nil {
		l.logf("[INVOKER:%d] Failed after %v: %v", batch.Index, time.Since(start), err)
		return nil, err
	}

	l.logf("[INVOKER:%d] Completed in %v", batch.Index, time.Since(start))
	return res, nil
}

func (l *Local) runAppend(ctx context.Context, batch protpred.Batch, seqPath, outPath string) (protpred.WorkerResult, error) {
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &protpred.PredictorError{Batch: batch.Index, Err: fmt.Errorf("create output: %w", err)}
	}

	args := append(append([]string{}, l.cfg.Command.Args...), seqPath)
	diag := newTailBuffer(l.cfg.MaxStderr)
	runErr := l.run(ctx, args, out, diag)
	closeErr := out.Close()

	fail := func(err error) (protpred.WorkerResult, error) {
		os.Remove(outPath)
		return nil, &protpred.PredictorError{Batch: batch.Index, Err: err, Stderr: diag.String()}
	}

	if runErr != nil {
		return fail(runErr)
	}
	if closeErr != nil {
		return fail(closeErr)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return fail(err)
	}
	if info.Size() == 0 && batch.Len() > 0 {
		return fail(errors.New("predictor produced no output"))
	}

	return &protpred.AppendFileResult{Batch: batch.Index, Path: outPath}, nil
}

func (l *Local) runDirectory(ctx context.Context, batch protpred.Batch, seqPath, outDir string) (protpred.WorkerResult, error) {
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return nil, &protpred.PredictorError{Batch: batch.Index, Err: fmt.Errorf("create output dir: %w", err)}
	}

	args := append([]string{}, l.cfg.Command.Args...)
	if l.cfg.Command.SaveFilesFlag != "-" {
		args = append(args, l.cfg.Command.SaveFilesFlag)
	}
	args = append(args, l.cfg.Command.OutDirFlag, outDir, seqPath)

	diag := newTailBuffer(l.cfg.MaxStderr)

	fail := func(err error) (protpred.WorkerResult, error) {
		os.RemoveAll(outDir)
		return nil, &protpred.PredictorError{Batch: batch.Index, Err: err, Stderr: diag.String()}
	}

	if err := l.run(ctx, args, diag, diag); err != nil {
		return fail(err)
	}

	keys := batch.Keys()
	preds, err := protpred.ReadDirectory(outDir, keys)
	if err != nil {
		return fail(fmt.Errorf("read output dir: %w", err))
	}
	if want := protpred.DistinctNames(keys); len(preds) != want {
		return fail(fmt.Errorf("expected %d output files, found %d", want, len(preds)))
	}

	if l.cfg.Mode == protpred.ModeDirectory {
		return &protpred.DirectoryResult{Batch: batch.Index, Dir: outDir, Keys: keys}, nil
	}

	if err := os.RemoveAll(outDir); err != nil {
		return fail(fmt.Errorf("remove output dir: %w", err))
	}

	return &protpred.MappingResult{Batch: batch.Index, Entries: preds}, nil
}

func (l *Local) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, l.cfg.Command.Name, args...)
	cmd.Dir = l.cfg.Command.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Orphaned grandchildren must not hold the output pipes open forever
	// after ctx kills the predictor.
	cmd.WaitDelay = 5 * time.Second
	if len(l.cfg.Command.Env) > 0 {
		cmd.Env = append(os.Environ(), l.cfg.Command.Env...)
	}

	return cmd.Run()
}

func (l *Local) logf(format string, args ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
