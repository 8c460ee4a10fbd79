// Command drover-journal inspects and prunes the event journal. The journal
// is append-only and grows without bound; run this periodically (or after
// incidents) to reclaim space.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/drover-io/drover/pkg/events"
)

var (
	journalPath = flag.String("journal", "drover-events.db", "Path to the event journal")
	list        = flag.Int("list", 0, "Print the N most recent events and exit")
	olderThan   = flag.Duration("prune-older-than", 0, "Delete events older than this duration (e.g. 720h)")
	dryRun      = flag.Bool("dry-run", false, "Show what would be pruned without making changes")
	backupPath  = flag.String("backup", "", "Copy the journal here before pruning (default: <journal>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)

	if _, err := os.Stat(*journalPath); os.IsNotExist(err) {
		log.Fatalf("Journal not found at %s", *journalPath)
	}

	journal, err := events.OpenJournal(*journalPath)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer journal.Close()

	total, err := journal.Len()
	if err != nil {
		log.Fatalf("Failed to read journal: %v", err)
	}
	log.Printf("Journal: %s (%d events)", *journalPath, total)

	if *list > 0 {
		listEvents(journal, *list)
		return
	}

	if *olderThan <= 0 {
		log.Println("Nothing to do. Use -list N or -prune-older-than DURATION.")
		return
	}

	cutoff := time.Now().Add(-*olderThan)
	log.Printf("Pruning events before %s", cutoff.Format(time.RFC3339))

	if *dryRun {
		log.Println("[DRY RUN] No changes made. Run without -dry-run to prune.")
		return
	}

	// The journal must be backed up before pruning since deletes are
	// irreversible.
	backupFile := *backupPath
	if backupFile == "" {
		backupFile = *journalPath + ".backup"
	}
	if err := copyFile(*journalPath, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Printf("✓ Backup created: %s", backupFile)

	removed, err := journal.PruneBefore(cutoff)
	if err != nil {
		log.Fatalf("Prune failed after removing %d events: %v", removed, err)
	}
	log.Printf("✓ Pruned %d/%d events", removed, total)
}

func listEvents(journal *events.Journal, limit int) {
	recent, err := journal.Recent(limit)
	if err != nil {
		log.Fatalf("Failed to list events: %v", err)
	}
	for _, e := range recent {
		line := fmt.Sprintf("%s  %-18s", e.Timestamp.Format(time.RFC3339), e.Type)
		if e.TaskID != "" {
			line += "  task=" + e.TaskID
		}
		if e.WorkerID != "" {
			line += "  worker=" + e.WorkerID
		}
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		fmt.Println(line)
	}
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
