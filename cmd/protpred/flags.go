package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"strings"

	"pkg.jsn.cam/protpred/internal/invoker"
	"pkg.jsn.cam/protpred/internal/remote"
	"pkg.jsn.cam/protpred/pkg/protpred"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, " ")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// predictorFlags selects and configures the predictor behind a command.
type predictorFlags struct {
	command    string
	saveFlag   string
	outDirFlag string
	mode       string
	workDir    string
	remoteURL  string
	args       stringList
	env        stringList
}

func registerPredictorFlags(fs *flag.FlagSet) *predictorFlags {
	pf := &predictorFlags{}
	fs.StringVar(&pf.command, "predictor", "python3", "Predictor executable")
	fs.Var(&pf.args, "arg", "Argument passed to the predictor before the generated ones (repeatable)")
	fs.Var(&pf.env, "env", "KEY=VALUE added to the predictor environment (repeatable)")
	fs.StringVar(&pf.saveFlag, "save-files-flag", "--save-files", `Flag asking the predictor for per-item files ("-" to omit)`)
	fs.StringVar(&pf.outDirFlag, "outdir-flag", "--outdir", "Flag naming the predictor output directory")
	fs.StringVar(&pf.mode, "mode", string(protpred.ModeMapping), "Result mode: mapping, file or dir")
	fs.StringVar(&pf.workDir, "workdir", "", "Scratch directory for predictor inputs and outputs (default: system temp)")
	fs.StringVar(&pf.remoteURL, "remote", "", "Send batches to a protpred server at this URL instead of running locally")
	return pf
}

func (pf *predictorFlags) parseMode() (protpred.Mode, error) {
	return protpred.ParseMode(pf.mode)
}

// build returns the configured predictor. logger receives component logs.
func (pf *predictorFlags) build(logger *log.Logger) (protpred.Predictor, protpred.Mode, error) {
	mode, err := pf.parseMode()
	if err != nil {
		return nil, "", err
	}

	if pf.remoteURL != "" {
		client, err := remote.NewClient(pf.remoteURL, remote.ClientConfig{Mode: mode, WorkDir: pf.workDir})
		if err != nil {
			return nil, "", err
		}
		return client, mode, nil
	}

	if pf.command == "" {
		return nil, "", errors.New("-predictor is required")
	}
	local, err := invoker.NewLocal(invoker.Config{
		Mode:    mode,
		WorkDir: pf.workDir,
		Logger:  logger,
		Command: invoker.Command{
			Name:          pf.command,
			Args:          pf.args,
			Env:           pf.env,
			SaveFilesFlag: pf.saveFlag,
			OutDirFlag:    pf.outDirFlag,
		},
	})
	if err != nil {
		return nil, "", err
	}
	return local, mode, nil
}

// componentLogger returns nil (the standard logger) when verbose, otherwise
// a logger that drops output so the progress bar owns the terminal.
func componentLogger(verbose bool) *log.Logger {
	if verbose {
		return nil
	}
	return log.New(io.Discard, "", 0)
}
