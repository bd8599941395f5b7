package jobstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs"), testLogger())
	require.NoError(t, err)
	return s
}

func enqueue(t *testing.T, s *Store, name string) Job {
	t.Helper()
	job, err := s.Enqueue(name, strings.NewReader("G28\n"), 1, "", true)
	require.NoError(t, err)
	return job
}

func TestEnqueueCreatesArtifactAndRecord(t *testing.T) {
	s := openStore(t)

	job, err := s.Enqueue("bench y.gcode", strings.NewReader("G28\nG1 X10\n"), 2, "p1", false)
	require.NoError(t, err)

	assert.Len(t, job.ID, 12)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "benchy.gcode", job.Filename)
	assert.Equal(t, 2, job.Plate)
	assert.Equal(t, "p1", job.PrinterID)
	assert.False(t, job.AutoAssign)

	data, err := os.ReadFile(job.Filepath)
	require.NoError(t, err)
	assert.Equal(t, "G28\nG1 X10\n", string(data))
}

func TestListOrderedByCreation(t *testing.T) {
	s := openStore(t)

	a := enqueue(t, s, "a.gcode")
	b := enqueue(t, s, "b.gcode")
	c := enqueue(t, s, "c.gcode")

	jobs := s.List("")
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	require.True(t, s.Cancel(b.ID))
	queued := s.List(StatusQueued)
	require.Len(t, queued, 2)
	assert.Equal(t, a.ID, queued[0].ID)
	assert.Equal(t, c.ID, queued[1].ID)
}

func TestClaimWinsOnce(t *testing.T) {
	s := openStore(t)
	job := enqueue(t, s, "a.gcode")

	assert.True(t, s.Claim(job.ID, "p1"))
	assert.False(t, s.Claim(job.ID, "p2"), "second claim must lose")

	got, ok := s.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDispatching, got.Status)
	assert.Equal(t, "p1", got.AssignedPrinterID)
	require.NotNil(t, got.StartedAt)
}

func TestLifecycleTransitions(t *testing.T) {
	s := openStore(t)
	job := enqueue(t, s, "a.gcode")

	// Running requires dispatching first.
	assert.False(t, s.MarkRunning(job.ID))

	require.True(t, s.Claim(job.ID, "p1"))
	require.True(t, s.MarkRunning(job.ID))
	require.True(t, s.MarkCompleted(job.ID))

	got, _ := s.Get(job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)

	// Terminal states never transition again.
	assert.False(t, s.MarkFailed(job.ID, "boom"))
	assert.False(t, s.Cancel(job.ID))
	assert.False(t, s.MarkRunning(job.ID))
}

func TestMarkFailedFromDispatching(t *testing.T) {
	s := openStore(t)
	job := enqueue(t, s, "a.gcode")

	require.True(t, s.Claim(job.ID, "p1"))
	require.True(t, s.MarkFailed(job.ID, "upload refused"))

	got, _ := s.Get(job.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "upload refused", got.Error)
}

func TestCancelOnlyBeforeRunning(t *testing.T) {
	s := openStore(t)
	job := enqueue(t, s, "a.gcode")

	require.True(t, s.Claim(job.ID, "p1"))
	require.True(t, s.MarkRunning(job.ID))
	assert.False(t, s.Cancel(job.ID))
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	job, err := s.Enqueue("a.gcode", strings.NewReader("G28\n"), 1, "", true)
	require.NoError(t, err)
	require.True(t, s.Claim(job.ID, "p1"))

	reopened, err := Open(dir, testLogger())
	require.NoError(t, err)

	got, ok := reopened.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDispatching, got.Status)
	assert.Equal(t, "p1", got.AssignedPrinterID)
}

func TestCorruptMetadataStartsEmptyAndUsable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.json"), []byte("{not json"), 0o644))

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	assert.Empty(t, s.List(""))

	job, err := s.Enqueue("a.gcode", strings.NewReader("G28\n"), 1, "", true)
	require.NoError(t, err)
	_, ok := s.Get(job.ID)
	assert.True(t, ok)
}

func TestLegacyRelativePathsResolved(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "jobs")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0o755))

	doc := metaDocument{Jobs: []*Job{{
		ID:       "abc123def456",
		Filename: "a.gcode",
		Filepath: "jobs/files/abc123def456__a.gcode",
		Status:   StatusQueued,
	}}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.json"), data, 0o644))

	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	got, ok := s.Get("abc123def456")
	require.True(t, ok)
	assert.True(t, filepath.IsAbs(got.Filepath))
	assert.Equal(t, filepath.Join(dir, "files", "abc123def456__a.gcode"), got.Filepath)
}

func TestRemoveDeletesArtifact(t *testing.T) {
	s := openStore(t)
	job := enqueue(t, s, "a.gcode")

	require.True(t, s.Remove(job.ID))
	assert.False(t, s.Remove(job.ID))

	_, err := os.Stat(job.Filepath)
	assert.True(t, os.IsNotExist(err))
	_, ok := s.Get(job.ID)
	assert.False(t, ok)
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"benchy.gcode", "benchy.gcode"},
		{"../../etc/passwd", "passwd"},
		{"my part (v2).gcode", "mypartv2.gcode"},
		{"???", "job.gcode"},
		{"..hidden..", "hidden"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeFilename(tt.in), "input %q", tt.in)
	}
}
