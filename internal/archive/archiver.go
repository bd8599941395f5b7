package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/printfarm/fleetd/internal/config"
	"github.com/printfarm/fleetd/internal/jobstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    filename            TEXT NOT NULL,
    status              TEXT NOT NULL,
    created_at          TEXT NOT NULL,
    started_at          TEXT,
    finished_at         TEXT NOT NULL,
    printer_id          TEXT,
    assigned_printer_id TEXT,
    plate               INTEGER,
    error               TEXT,
    archived_at         TEXT NOT NULL
);`

// Archiver moves terminal jobs older than a cutoff out of the hot queue into
// monthly sqlite files, keeping the JSON store small while preserving
// history for reporting.
type Archiver struct {
	store  *jobstore.Store
	logger *slog.Logger
	dir    string
	days   int

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

func New(store *jobstore.Store, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archiver{
		store:  store,
		logger: logger,
		dir:    cfg.Path,
		days:   cfg.Days,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Start runs one sweep immediately, then daily.
func (a *Archiver) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		a.sweep()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.sweep()
			}
		}
	}()
	a.logger.Info("archiver started", "dir", a.dir, "days", a.days)
}

func (a *Archiver) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Archiver) sweep() {
	n, err := a.RunOnce()
	if err != nil {
		a.logger.Error("archive sweep failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("jobs archived", "count", n)
	}
}

// RunOnce archives every terminal job finished before the cutoff and removes
// it from the store. Returns the number of jobs moved.
func (a *Archiver) RunOnce() (int, error) {
	cutoff := a.now().AddDate(0, 0, -a.days)

	byMonth := make(map[string][]jobstore.Job)
	for _, job := range a.store.List("") {
		if !job.Status.Terminal() || job.FinishedAt == nil {
			continue
		}
		if !job.FinishedAt.Before(cutoff) {
			continue
		}
		key := job.FinishedAt.Format("2006_01")
		byMonth[key] = append(byMonth[key], job)
	}

	moved := 0
	for month, jobs := range byMonth {
		n, err := a.archiveMonth(month, jobs)
		moved += n
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

func (a *Archiver) archiveMonth(month string, jobs []jobstore.Job) (int, error) {
	path := filepath.Join(a.dir, "archive_"+month+".db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return 0, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return 0, fmt.Errorf("init archive %s: %w", path, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO jobs
		(id, filename, status, created_at, started_at, finished_at,
		 printer_id, assigned_printer_id, plate, error, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare archive insert: %w", err)
	}

	now := time.Now().Format(time.RFC3339)
	for _, job := range jobs {
		_, err := stmt.Exec(
			job.ID, job.Filename, string(job.Status),
			job.CreatedAt.Format(time.RFC3339),
			formatTime(job.StartedAt), formatTime(job.FinishedAt),
			job.PrinterID, job.AssignedPrinterID, job.Plate, job.Error, now,
		)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return 0, fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive tx: %w", err)
	}

	// Remove from the hot store only after the archive file is durable.
	for _, job := range jobs {
		a.store.Remove(job.ID)
	}
	return len(jobs), nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// ListArchives returns the archive filenames, newest month first.
func (a *Archiver) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "archive_") && strings.HasSuffix(name, ".db") {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
