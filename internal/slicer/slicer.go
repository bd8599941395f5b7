package slicer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/printfarm/fleetd/internal/config"
)

var ErrNoSlicerBinary = errors.New("no slicer binary found at configured paths")

// IsReadyFile reports whether a filename is already device-ready and needs
// no slicing.
func IsReadyFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".gcode") || strings.HasSuffix(lower, ".gcode.3mf")
}

// IsSliceable reports whether a filename is a model the slicer can convert.
// A plain .3mf is a project file and sliceable; .gcode.3mf is already output.
func IsSliceable(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".gcode.3mf") {
		return false
	}
	return strings.HasSuffix(lower, ".stl") ||
		strings.HasSuffix(lower, ".obj") ||
		strings.HasSuffix(lower, ".3mf")
}

// Slicer wraps an external slicer CLI. The command line is a config-driven
// template so different slicer builds can be swapped without code changes.
type Slicer struct {
	cfg    config.SlicerConfig
	logger *slog.Logger
}

func New(cfg config.SlicerConfig, logger *slog.Logger) *Slicer {
	return &Slicer{cfg: cfg, logger: logger}
}

func (s *Slicer) Enabled() bool { return s.cfg.Enabled }

func (s *Slicer) findBinary() (string, error) {
	for _, path := range s.cfg.Paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", ErrNoSlicerBinary
}

// buildArgs expands the {input}, {output} and {outdir} placeholders in the
// configured command template.
func buildArgs(template []string, input, output, outdir string) []string {
	args := make([]string, 0, len(template))
	for _, a := range template {
		a = strings.ReplaceAll(a, "{input}", input)
		a = strings.ReplaceAll(a, "{output}", output)
		a = strings.ReplaceAll(a, "{outdir}", outdir)
		args = append(args, a)
	}
	return args
}

// Slice converts a model file into a device-ready artifact in outDir and
// returns the artifact path. The invocation is bounded by the configured
// max wait.
func (s *Slicer) Slice(ctx context.Context, inputPath, outDir string) (string, error) {
	exe, err := s.findBinary()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create slicer output dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	output := filepath.Join(outDir, base+".gcode.3mf")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MaxWait)
	defer cancel()

	started := time.Now()
	args := buildArgs(s.cfg.CommandArgs, inputPath, output, outDir)
	cmd := exec.CommandContext(ctx, exe, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("slicer timed out after %s", s.cfg.MaxWait)
		}
		return "", fmt.Errorf("slicer failed: %w: %s", err, truncate(string(out), 500))
	}

	s.logger.Info("model sliced", "input", filepath.Base(inputPath), "took", time.Since(started).Round(time.Millisecond))

	if _, err := os.Stat(output); err == nil {
		return output, nil
	}
	// Some slicer builds pick their own output name; take the newest
	// device-ready file written since we started.
	return discoverOutput(outDir, started)
}

func discoverOutput(dir string, since time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read slicer output dir: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !IsReadyFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(since) {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", errors.New("slicer produced no output file")
	}
	return newest, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
