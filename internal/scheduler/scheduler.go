package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/printfarm/fleetd/internal/jobstore"
	"github.com/printfarm/fleetd/internal/printer"
)

// Dispatch records one successful job assignment during a tick.
type Dispatch struct {
	JobID     string `json:"job_id"`
	PrinterID string `json:"printer_id"`
}

// Failure records a job that could not be dispatched or finished badly.
type Failure struct {
	JobID     string `json:"job_id"`
	PrinterID string `json:"printer_id,omitempty"`
	Error     string `json:"error"`
}

// Skip records a job left queued this tick and why.
type Skip struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// Result summarizes one tick for the status report.
type Result struct {
	Queued     int        `json:"queued"`
	Available  []string   `json:"available_printers"`
	Dispatched []Dispatch `json:"dispatched,omitempty"`
	Completed  []string   `json:"completed,omitempty"`
	Failed     []Failure  `json:"failed,omitempty"`
	Skipped    []Skip     `json:"skipped,omitempty"`
	SkipReason string     `json:"skip_reason,omitempty"`
}

// Status is the observability view of the scheduler.
type Status struct {
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
}

// Scheduler reconciles running jobs against device telemetry and assigns
// queued jobs to available devices. It holds no durable state of its own,
// only counters for observability.
type Scheduler struct {
	registry *printer.Registry
	store    *jobstore.Store
	logger   *slog.Logger
	interval time.Duration

	// tickMu serializes ticks so the periodic loop and on-demand calls
	// never interleave inside one tick.
	tickMu sync.Mutex

	mu         sync.Mutex
	running    bool
	lastTickAt time.Time
	lastError  string
	lastResult *Result

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(registry *printer.Registry, store *jobstore.Store, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		store:    store,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("dispatch loop started", "interval", s.interval)
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("dispatch loop stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.safeTick()
		}
	}
}

// safeTick keeps the background loop alive no matter what one tick does.
func (s *Scheduler) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch tick panicked", "panic", r)
			s.mu.Lock()
			s.lastError = fmt.Sprintf("panic: %v", r)
			s.mu.Unlock()
		}
	}()
	s.TickNow()
}

// TickNow runs one dispatch tick immediately. Safe to call concurrently with
// the periodic loop; concurrent callers serialize.
func (s *Scheduler) TickNow() Result {
	s.tickMu.Lock()
	res := s.tick()
	s.tickMu.Unlock()

	s.mu.Lock()
	s.lastTickAt = time.Now()
	s.lastResult = &res
	s.lastError = ""
	s.mu.Unlock()
	return res
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:   s.running,
		Interval:  s.interval.String(),
		LastError: s.lastError,
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		st.LastTickAt = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	return st
}

func (s *Scheduler) tick() Result {
	var res Result

	snapshot := s.registry.Snapshot()

	// Opportunistic reconnect for devices with no session or no state yet.
	// Errors are expected here (backoff window, device off) and swallowed.
	reconnected := false
	for _, st := range snapshot {
		if st.Connected && st.PrinterState != "" {
			continue
		}
		conn, err := s.registry.Get(st.ID)
		if err != nil {
			continue
		}
		if err := conn.EnsureConnected(false); err == nil {
			reconnected = true
		}
	}
	if reconnected {
		snapshot = s.registry.Snapshot()
	}

	byID := make(map[string]printer.Status, len(snapshot))
	for _, st := range snapshot {
		byID[st.ID] = st
	}

	s.reconcileRunning(byID, &res)

	queued := s.store.List(jobstore.StatusQueued)
	res.Queued = len(queued)
	if len(queued) == 0 {
		return res
	}

	available := make([]string, 0, len(snapshot))
	availSet := make(map[string]bool, len(snapshot))
	for _, st := range snapshot {
		if printer.Available(st) {
			available = append(available, st.ID)
			availSet[st.ID] = true
		}
	}
	res.Available = available

	if len(available) == 0 {
		res.SkipReason = "no printer available: " + describeFleet(snapshot)
		s.logger.Debug("dispatch skipped", "reason", res.SkipReason)
		return res
	}

	for _, job := range queued {
		if len(availSet) == 0 {
			res.Skipped = append(res.Skipped, Skip{JobID: job.ID, Reason: "no printer left this tick"})
			continue
		}

		candidate := ""
		if job.PrinterID != "" {
			// Pinned jobs wait for their device, never reassign.
			if !availSet[job.PrinterID] {
				res.Skipped = append(res.Skipped, Skip{JobID: job.ID, Reason: "pinned printer " + job.PrinterID + " unavailable"})
				continue
			}
			candidate = job.PrinterID
		} else {
			for _, id := range available {
				if availSet[id] {
					candidate = id
					break
				}
			}
			if candidate == "" {
				res.Skipped = append(res.Skipped, Skip{JobID: job.ID, Reason: "no printer left this tick"})
				continue
			}
		}

		if !s.store.Claim(job.ID, candidate) {
			res.Skipped = append(res.Skipped, Skip{JobID: job.ID, Reason: "claim lost"})
			continue
		}

		// One attempt per device per tick, success or not: a device whose
		// upload/start just errored must not be handed the rest of the
		// queue and fail every job in one pass.
		delete(availSet, candidate)

		if err := s.dispatch(job, candidate); err != nil {
			s.store.MarkFailed(job.ID, err.Error())
			res.Failed = append(res.Failed, Failure{JobID: job.ID, PrinterID: candidate, Error: err.Error()})
			s.logger.Error("dispatch failed", "job_id", job.ID, "printer_id", candidate, "error", err)
			continue
		}

		s.store.MarkRunning(job.ID)
		res.Dispatched = append(res.Dispatched, Dispatch{JobID: job.ID, PrinterID: candidate})
		s.logger.Info("job dispatched", "job_id", job.ID, "printer_id", candidate, "file", job.Filename)
	}

	return res
}

// reconcileRunning closes out running jobs whose device has gone idle or
// failed since the last tick.
func (s *Scheduler) reconcileRunning(byID map[string]printer.Status, res *Result) {
	for _, job := range s.store.List(jobstore.StatusRunning) {
		st, ok := byID[job.AssignedPrinterID]
		if !ok || !st.Connected || st.PrinterState == "" {
			continue
		}

		switch {
		case printer.IdleState(st.PrinterState):
			if s.store.MarkCompleted(job.ID) {
				res.Completed = append(res.Completed, job.ID)
				s.logger.Info("job completed", "job_id", job.ID, "printer_id", job.AssignedPrinterID)
			}
		case printer.FailedState(st.PrinterState):
			msg := composeFailure(st)
			if s.store.MarkFailed(job.ID, msg) {
				res.Failed = append(res.Failed, Failure{JobID: job.ID, PrinterID: job.AssignedPrinterID, Error: msg})
				s.logger.Warn("job failed on device", "job_id", job.ID, "printer_id", job.AssignedPrinterID, "error", msg)
			}
		}
	}
}

func (s *Scheduler) dispatch(job jobstore.Job, printerID string) error {
	conn, err := s.registry.Get(printerID)
	if err != nil {
		return err
	}

	name, err := conn.UploadPath(job.Filepath)
	if err != nil {
		return err
	}

	ok, err := conn.StartPrint(name, job.Plate)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("printer %s refused start", printerID)
	}
	return nil
}

// composeFailure builds a human-readable diagnostic from whichever of the
// redundant device fault fields carry information.
func composeFailure(st printer.Status) string {
	var parts []string
	if st.PrintErrorCode != nil && *st.PrintErrorCode != 0 {
		parts = append(parts, fmt.Sprintf("print_error_code=%d", *st.PrintErrorCode))
	}
	if st.MCPrintErrorCode != nil && *st.MCPrintErrorCode != 0 {
		parts = append(parts, fmt.Sprintf("mc_print_error_code=%d", *st.MCPrintErrorCode))
	}
	if st.FailReason != "" {
		parts = append(parts, "fail_reason="+st.FailReason)
	}
	if len(st.HMS) > 0 {
		parts = append(parts, "hms="+strings.Join(st.HMS, ","))
	}
	if len(parts) == 0 {
		return "device reported failed state"
	}
	return "device failed: " + strings.Join(parts, ", ")
}

func describeFleet(snapshot []printer.Status) string {
	parts := make([]string, 0, len(snapshot))
	for _, st := range snapshot {
		state := st.PrinterState
		if state == "" {
			state = "unknown"
		}
		if !st.Connected {
			state = "disconnected"
		}
		parts = append(parts, st.ID+"="+state)
	}
	return strings.Join(parts, " ")
}
