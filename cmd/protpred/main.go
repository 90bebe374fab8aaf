package main

import (
	"fmt"
	"log"
	"os"
)

const usage = `protpred runs a batch protein structure predictor over a TSV of sequences.

Usage:
  protpred run     -input F -output F -workers N [flags]   predict and merge
  protpred resume  -journal P -run ID [flags]              re-run failed batches and merge
  protpred serve   -addr :8080 -predictor CMD [flags]      serve predictions over HTTP
  protpred runs    -journal P                              list journaled runs

Run "protpred <command> -h" for the flags of a command.
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		runCommand(args)
	case "resume":
		resumeCommand(args)
	case "serve":
		serveCommand(args)
	case "runs":
		runsCommand(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
