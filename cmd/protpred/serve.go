package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pkg.jsn.cam/protpred/internal/remote"
	"pkg.jsn.cam/protpred/pkg/protpred"
)

func serveCommand(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "Listen address")
	pf := registerPredictorFlags(fs)
	fs.Parse(args)

	if pf.remoteURL != "" {
		log.Fatal("serve runs the predictor locally; -remote is not allowed")
	}
	mode, err := pf.parseMode()
	if err != nil {
		log.Fatalf("Invalid mode: %v", err)
	}
	if mode == protpred.ModeAppend {
		log.Fatal("serve needs per-item results; use -mode mapping or dir")
	}

	pred, _, err := pf.build(nil)
	if err != nil {
		log.Fatalf("Failed to configure predictor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := remote.NewServer(pred).ListenAndServe(ctx, *addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("[REMOTE] Shut down")
}
