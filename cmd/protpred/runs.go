package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"pkg.jsn.cam/protpred/internal/journal"
)

func runsCommand(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	journalPath := fs.String("journal", "", "bbolt journal to read")
	runID := fs.String("run", "", "Show batch details of this run")
	deleteRun := fs.Bool("delete", false, "Delete the run given by -run from the journal")
	fs.Parse(args)

	if *journalPath == "" {
		log.Fatal("-journal is required")
	}

	j := openJournal(*journalPath, componentLogger(false))
	defer j.Close()

	if *runID != "" {
		if *deleteRun {
			if err := j.DeleteRun(*runID); err != nil {
				log.Fatalf("Failed to delete run: %v", err)
			}
			fmt.Printf("Run deleted: %s\n", *runID)
			return
		}
		showRun(j, *runID)
		return
	}

	runs, err := j.ListRuns()
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return
	}

	fmt.Printf("%-36s %-10s %-8s %8s %8s  %s\n", "RUN ID", "STATUS", "MODE", "ITEMS", "BATCHES", "CREATED")
	fmt.Println("─────────────────────────────────────────────────────────────────────────────────────────────")
	for _, run := range runs {
		fmt.Printf("%-36s %-10s %-8s %8d %8d  %s\n",
			run.ID,
			run.Status,
			run.Mode,
			run.Items,
			run.Batches,
			humanize.Time(run.CreatedAt))
	}
}

func showRun(j *journal.Journal, id string) {
	run, err := j.LoadRun(id)
	if err != nil {
		log.Fatalf("Failed to load run: %v", err)
	}
	batches, err := j.LoadBatches(id)
	if err != nil {
		log.Fatalf("Failed to load batches: %v", err)
	}

	fmt.Printf("Run Details:\n")
	fmt.Printf("  ID:       %s\n", run.ID)
	fmt.Printf("  Status:   %s\n", run.Status)
	fmt.Printf("  Mode:     %s\n", run.Mode)
	fmt.Printf("  Input:    %s\n", run.InputPath)
	fmt.Printf("  Output:   %s\n", run.OutputPath)
	fmt.Printf("  Items:    %d in %d batches\n", run.Items, run.Batches)
	fmt.Printf("  Created:  %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if !run.CompletedAt.IsZero() {
		fmt.Printf("  Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Duration: %v\n", run.CompletedAt.Sub(run.CreatedAt))
	}

	fmt.Printf("\n%-6s %-10s %8s %8s %8s  %s\n", "BATCH", "STATUS", "START", "SIZE", "ATTEMPTS", "ERROR")
	for _, b := range batches {
		fmt.Printf("%-6d %-10s %8d %8d %8d  %s\n", b.Index, b.Status, b.Start, b.Size, b.Attempts, b.Error)
	}
}
