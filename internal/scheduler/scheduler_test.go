package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printfarm/fleetd/internal/config"
	"github.com/printfarm/fleetd/internal/jobstore"
	"github.com/printfarm/fleetd/internal/printer"
)

type stubTransport struct {
	mu         sync.Mutex
	connectErr error
	uploadErr  error
	frame      *printer.Telemetry
	uploads    []string
	starts     int
}

func (s *stubTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectErr
}

func (s *stubTransport) Disconnect() error { return nil }

func (s *stubTransport) Read() (*printer.Telemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, nil
}

func (s *stubTransport) Publish(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if body, ok := payload["print"].(map[string]any); ok && body["command"] == "project_file" {
		s.starts++
	}
	return nil
}

func (s *stubTransport) PushAll() error { return nil }

func (s *stubTransport) Upload(filename string, r io.Reader) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.uploads = append(s.uploads, filename)
	return nil
}

func (s *stubTransport) setFrame(f *printer.Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = f
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	sched      *Scheduler
	store      *jobstore.Store
	registry   *printer.Registry
	transports map[string]*stubTransport
}

func newFixture(t *testing.T, printerIDs ...string) *fixture {
	t.Helper()

	transports := make(map[string]*stubTransport)
	factory := func(pc config.PrinterConfig) printer.Transport {
		st := &stubTransport{}
		transports[pc.ID] = st
		return st
	}

	fleet := config.FleetConfig{PollInterval: time.Hour}
	for _, id := range printerIDs {
		fleet.Printers = append(fleet.Printers, config.PrinterConfig{
			ID: id, Name: id, Host: "10.0.0.1", Serial: "SN-" + id, AccessCode: "code",
		})
	}

	registry := printer.NewRegistry(fleet, factory, quietLogger())

	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs"), quietLogger())
	require.NoError(t, err)

	return &fixture{
		sched:      New(registry, store, time.Hour, quietLogger()),
		store:      store,
		registry:   registry,
		transports: transports,
	}
}

// prime connects a device and feeds it one telemetry frame so the scheduler
// sees a concrete state.
func (f *fixture) prime(t *testing.T, id string, frame *printer.Telemetry) {
	t.Helper()
	f.transports[id].setFrame(frame)
	conn, err := f.registry.Get(id)
	require.NoError(t, err)
	_, err = conn.TestConnection()
	require.NoError(t, err)
}

func (f *fixture) enqueue(t *testing.T, name, pinnedTo string) jobstore.Job {
	t.Helper()
	job, err := f.store.Enqueue(name, strings.NewReader("G28\n"), 1, pinnedTo, pinnedTo == "")
	require.NoError(t, err)
	return job
}

func TestSingleAssignmentPerTick(t *testing.T) {
	f := newFixture(t, "p1")
	f.prime(t, "p1", &printer.Telemetry{GcodeState: "IDLE"})

	first := f.enqueue(t, "a.gcode", "")
	second := f.enqueue(t, "b.gcode", "")

	res := f.sched.TickNow()

	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, first.ID, res.Dispatched[0].JobID)
	assert.Equal(t, "p1", res.Dispatched[0].PrinterID)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, second.ID, res.Skipped[0].JobID)

	got, _ := f.store.Get(first.ID)
	assert.Equal(t, jobstore.StatusRunning, got.Status)
	got, _ = f.store.Get(second.ID)
	assert.Equal(t, jobstore.StatusQueued, got.Status, "second job waits for the next tick")

	assert.Equal(t, 1, f.transports["p1"].starts)
	require.Len(t, f.transports["p1"].uploads, 1)
	assert.Contains(t, f.transports["p1"].uploads[0], first.ID)
}

func TestPinnedJobNeverReassigned(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	f.prime(t, "p1", &printer.Telemetry{GcodeState: "IDLE"})
	f.transports["p2"].mu.Lock()
	f.transports["p2"].connectErr = errors.New("unreachable")
	f.transports["p2"].mu.Unlock()

	pinned := f.enqueue(t, "pinned.gcode", "p2")

	res := f.sched.TickNow()

	assert.Empty(t, res.Dispatched)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, pinned.ID, res.Skipped[0].JobID)
	assert.Contains(t, res.Skipped[0].Reason, "p2")

	got, _ := f.store.Get(pinned.ID)
	assert.Equal(t, jobstore.StatusQueued, got.Status)
	assert.Zero(t, f.transports["p1"].starts, "idle p1 must not steal the pinned job")
}

func TestPinnedJobDispatchesToItsDevice(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	f.prime(t, "p1", &printer.Telemetry{GcodeState: "IDLE"})
	f.prime(t, "p2", &printer.Telemetry{GcodeState: "IDLE"})

	pinned := f.enqueue(t, "pinned.gcode", "p2")

	res := f.sched.TickNow()
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, "p2", res.Dispatched[0].PrinterID)

	got, _ := f.store.Get(pinned.ID)
	assert.Equal(t, jobstore.StatusRunning, got.Status)
	assert.Equal(t, "p2", got.AssignedPrinterID)
}

func TestReconcileRunningJobs(t *testing.T) {
	f := newFixture(t, "p1", "p2")

	done := f.enqueue(t, "done.gcode", "")
	require.True(t, f.store.Claim(done.ID, "p1"))
	require.True(t, f.store.MarkRunning(done.ID))

	broken := f.enqueue(t, "broken.gcode", "")
	require.True(t, f.store.Claim(broken.ID, "p2"))
	require.True(t, f.store.MarkRunning(broken.ID))

	f.prime(t, "p1", &printer.Telemetry{GcodeState: "FINISH"})
	code := int64(5)
	mcCode := int64(83886087)
	f.prime(t, "p2", &printer.Telemetry{
		GcodeState:       "FAILED",
		PrintErrorCode:   &code,
		MCPrintErrorCode: &mcCode,
		FailReason:       "filament broke",
	})

	res := f.sched.TickNow()

	require.Len(t, res.Completed, 1)
	assert.Equal(t, done.ID, res.Completed[0])
	got, _ := f.store.Get(done.ID)
	assert.Equal(t, jobstore.StatusCompleted, got.Status)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, broken.ID, res.Failed[0].JobID)
	got, _ = f.store.Get(broken.ID)
	assert.Equal(t, jobstore.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "print_error_code=5")
	assert.Contains(t, got.Error, "mc_print_error_code=83886087")
	assert.Contains(t, got.Error, "fail_reason=filament broke")
}

func TestSkipReportsFleetStateWhenNoneAvailable(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	f.prime(t, "p1", &printer.Telemetry{GcodeState: "RUNNING"})
	f.transports["p2"].mu.Lock()
	f.transports["p2"].connectErr = errors.New("unreachable")
	f.transports["p2"].mu.Unlock()

	f.enqueue(t, "a.gcode", "")

	res := f.sched.TickNow()
	assert.Empty(t, res.Dispatched)
	assert.Contains(t, res.SkipReason, "p1=RUNNING")
	assert.Contains(t, res.SkipReason, "p2=disconnected")
}

func TestEmptyQueueShortCircuits(t *testing.T) {
	f := newFixture(t, "p1")
	f.prime(t, "p1", &printer.Telemetry{GcodeState: "IDLE"})

	res := f.sched.TickNow()
	assert.Zero(t, res.Queued)
	assert.Empty(t, res.Dispatched)
	assert.Empty(t, res.Skipped)

	st := f.sched.Status()
	require.NotNil(t, st.LastTickAt)
	require.NotNil(t, st.LastResult)
}

func TestFailingDeviceCostsOneJobPerTick(t *testing.T) {
	f := newFixture(t, "p1")
	f.prime(t, "p1", &printer.Telemetry{GcodeState: "IDLE"})
	f.transports["p1"].mu.Lock()
	f.transports["p1"].uploadErr = errors.New("connection refused")
	f.transports["p1"].mu.Unlock()

	first := f.enqueue(t, "a.gcode", "")
	second := f.enqueue(t, "b.gcode", "")

	res := f.sched.TickNow()

	require.Len(t, res.Failed, 1)
	assert.Equal(t, first.ID, res.Failed[0].JobID)
	got, _ := f.store.Get(first.ID)
	assert.Equal(t, jobstore.StatusFailed, got.Status)

	// The broken device is consumed by the failed attempt; the rest of the
	// queue waits instead of being fed into it.
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, second.ID, res.Skipped[0].JobID)
	got, _ = f.store.Get(second.ID)
	assert.Equal(t, jobstore.StatusQueued, got.Status)
}

func TestDispatchFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, "p1")
	f.prime(t, "p1", &printer.Telemetry{GcodeState: "IDLE"})

	job := f.enqueue(t, "a.gcode", "")
	require.NoError(t, os.Remove(job.Filepath))

	res := f.sched.TickNow()

	require.Len(t, res.Failed, 1)
	assert.Equal(t, job.ID, res.Failed[0].JobID)

	got, _ := f.store.Get(job.ID)
	assert.Equal(t, jobstore.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "open artifact")
}

func TestComposeFailureFallback(t *testing.T) {
	msg := composeFailure(printer.Status{PrinterState: "FAILED"})
	assert.Equal(t, "device reported failed state", msg)
}
