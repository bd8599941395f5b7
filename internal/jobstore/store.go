package jobstore

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDispatching Status = "dispatching"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
)

// Terminal reports whether a job in this status can never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type Job struct {
	ID                string     `json:"id"`
	Filename          string     `json:"filename"`
	Filepath          string     `json:"filepath"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	PrinterID         string     `json:"printer_id,omitempty"`
	AssignedPrinterID string     `json:"assigned_printer_id,omitempty"`
	Plate             int        `json:"plate"`
	AutoAssign        bool       `json:"auto_assign"`
	Error             string     `json:"error,omitempty"`
}

type metaDocument struct {
	Jobs []*Job `json:"jobs"`
}

// Store is a durable queue of print jobs. Job records live in a single JSON
// document next to the artifact files; every mutation is written through with
// a temp-file-then-rename so a crash mid-write never corrupts the last good
// state. A single lock serializes all operations; everything except the
// artifact copy in Enqueue is a fast in-memory mutation.
type Store struct {
	mu     sync.Mutex
	logger *slog.Logger
	jobs   map[string]*Job

	storageDir string
	rootDir    string
	filesDir   string
	metaPath   string
}

func Open(dir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}

	s := &Store{
		logger:     logger,
		jobs:       make(map[string]*Job),
		storageDir: abs,
		rootDir:    filepath.Dir(abs),
		filesDir:   filepath.Join(abs, "files"),
		metaPath:   filepath.Join(abs, "queue.json"),
	}

	if err := os.MkdirAll(s.filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}

	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read job metadata, starting empty", "path", s.metaPath, "error", err)
		}
		return
	}

	var doc metaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// Corrupt queue file; keep the store usable so new jobs can still be
		// enqueued.
		s.logger.Warn("corrupt job metadata, starting empty", "path", s.metaPath, "error", err)
		return
	}

	touched := false
	for _, job := range doc.Jobs {
		if job == nil || job.ID == "" {
			continue
		}
		if abs := s.absPath(job.Filepath); abs != job.Filepath {
			job.Filepath = abs
			touched = true
		}
		s.jobs[job.ID] = job
	}
	if touched {
		if err := s.persist(); err != nil {
			s.logger.Warn("failed to rewrite migrated job metadata", "error", err)
		}
	}
}

// absPath re-resolves relative artifact paths recorded by older layouts.
// Entries like "jobs/files/..." were written relative to the repo root;
// anything else relative is taken against the storage dir.
func (s *Store) absPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	normalized := filepath.FromSlash(strings.ReplaceAll(path, `\`, "/"))
	if strings.HasPrefix(normalized, "jobs"+string(filepath.Separator)) {
		return filepath.Join(s.rootDir, normalized)
	}
	return filepath.Join(s.storageDir, normalized)
}

func (s *Store) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	data, err := json.MarshalIndent(metaDocument{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	tmpPath := s.metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write job metadata: %w", err)
	}
	if err := os.Rename(tmpPath, s.metaPath); err != nil {
		return fmt.Errorf("replace job metadata: %w", err)
	}
	return nil
}

func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func safeFilename(filename string) string {
	base := filepath.Base(filename)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), "._")
	if cleaned == "" {
		return "job.gcode"
	}
	return cleaned
}

// Enqueue copies the artifact into managed storage and records a new queued
// job. printerID pins the job to one device; empty means any.
func (s *Store) Enqueue(filename string, content io.Reader, plate int, printerID string, autoAssign bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newJobID()
	name := safeFilename(filename)
	path := filepath.Join(s.filesDir, id+"__"+name)

	out, err := os.Create(path)
	if err != nil {
		return Job{}, fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, content); err != nil {
		out.Close()
		os.Remove(path)
		return Job{}, fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return Job{}, fmt.Errorf("close artifact: %w", err)
	}

	job := &Job{
		ID:         id,
		Filename:   name,
		Filepath:   path,
		Status:     StatusQueued,
		CreatedAt:  time.Now(),
		PrinterID:  printerID,
		Plate:      plate,
		AutoAssign: autoAssign,
	}
	s.jobs[id] = job

	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist job metadata", "job_id", id, "error", err)
	}
	return *job, nil
}

// List returns jobs ordered by creation time, oldest first. An empty status
// returns everything.
func (s *Store) List(status Status) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// transition applies to -> apply under the lock if the job exists and its
// current status is one of from. A false return means the caller lost a race
// or the job is gone; it is never an error condition.
func (s *Store) transition(id string, from []Status, apply func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	allowed := false
	for _, f := range from {
		if job.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	apply(job)
	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist job metadata", "job_id", id, "error", err)
	}
	return true
}

// Claim atomically moves a queued job to dispatching and assigns it to a
// printer. Exactly one concurrent caller wins.
func (s *Store) Claim(id, printerID string) bool {
	return s.transition(id, []Status{StatusQueued}, func(job *Job) {
		now := time.Now()
		job.Status = StatusDispatching
		job.AssignedPrinterID = printerID
		job.StartedAt = &now
	})
}

func (s *Store) MarkRunning(id string) bool {
	return s.transition(id, []Status{StatusDispatching}, func(job *Job) {
		job.Status = StatusRunning
	})
}

func (s *Store) MarkCompleted(id string) bool {
	return s.transition(id, []Status{StatusRunning}, func(job *Job) {
		now := time.Now()
		job.Status = StatusCompleted
		job.FinishedAt = &now
	})
}

// MarkFailed accepts jobs in dispatching (upload/start errors) as well as
// running (device entered a failed state).
func (s *Store) MarkFailed(id, errMsg string) bool {
	return s.transition(id, []Status{StatusDispatching, StatusRunning}, func(job *Job) {
		now := time.Now()
		job.Status = StatusFailed
		job.Error = errMsg
		job.FinishedAt = &now
	})
}

func (s *Store) Cancel(id string) bool {
	return s.transition(id, []Status{StatusQueued, StatusDispatching}, func(job *Job) {
		now := time.Now()
		job.Status = StatusCanceled
		job.FinishedAt = &now
	})
}

// Remove deletes the record and its backing artifact. Safe to call twice;
// the second call returns false.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	delete(s.jobs, id)

	if job.Filepath != "" {
		if err := os.Remove(job.Filepath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove job artifact", "job_id", id, "path", job.Filepath, "error", err)
		}
	}

	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist job metadata", "job_id", id, "error", err)
	}
	return true
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}
