package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/printfarm/fleetd/internal/config"
)

const (
	initialBackoff     = 2 * time.Second
	maxBackoff         = 60 * time.Second
	connectTimeout     = 10 * time.Second
	defaultCommandWait = 8 * time.Second
	defaultCommandPoll = 250 * time.Millisecond
	defaultNudgeEvery  = time.Second
)

var (
	ErrNotConnected   = errors.New("printer not connected")
	ErrBackoffPending = errors.New("reconnect backoff window still open")
)

// envelopeVariant describes one shape of the command envelope tried during a
// retry burst. Device acknowledgement is asynchronous and occasionally
// dropped, so every control command goes out as a burst of these variants
// back to back; firmware versions differ in which one they accept.
type envelopeVariant struct {
	withSeq    bool
	zeroSeq    bool
	emptyParam bool
}

// Burst order matters: plain first, then the last-observed sequence id, then
// a forced zero id, then zero id with the param stripped.
var burstVariants = []envelopeVariant{
	{},
	{withSeq: true},
	{withSeq: true, zeroSeq: true},
	{withSeq: true, zeroSeq: true, emptyParam: true},
}

// Node-name aliases for the logo light; firmware variants disagree on the
// name, so toggles try all of them and succeed if any publish lands.
var logoLightNodes = []string{"logo_light", "logo", "logo_led", "led_logo"}

var chamberLightNodes = []string{"chamber_light"}

// Connection drives one device: connect lifecycle with backoff, a telemetry
// poll loop, and the command-retry protocol. One mutex guards everything, so
// a slow bounded wait on this device blocks its other operations but never
// another device's.
type Connection struct {
	cfg       config.PrinterConfig
	transport Transport
	logger    *slog.Logger

	mu            sync.Mutex
	status        Status
	connected     bool
	backoff       time.Duration
	nextConnectAt time.Time

	pollInterval time.Duration
	commandWait  time.Duration
	commandPoll  time.Duration
	nudgeEvery   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

func NewConnection(cfg config.PrinterConfig, transport Transport, pollInterval time.Duration, logger *slog.Logger) *Connection {
	return &Connection{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("printer_id", cfg.ID),
		status: Status{
			ID:            cfg.ID,
			Name:          cfg.Name,
			CameraEnabled: cfg.Camera.IsEnabled(),
		},
		pollInterval: pollInterval,
		commandWait:  defaultCommandWait,
		commandPoll:  defaultCommandPoll,
		nudgeEvery:   defaultNudgeEvery,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

func (c *Connection) ID() string   { return c.cfg.ID }
func (c *Connection) Name() string { return c.cfg.Name }

// Start launches the telemetry poll loop.
func (c *Connection) Start() {
	c.wg.Add(1)
	go c.pollLoop()
}

func (c *Connection) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		if err := c.transport.Disconnect(); err != nil {
			c.logger.Warn("disconnect failed", "error", err)
		}
		c.connected = false
		c.status.Connected = false
	}
}

func (c *Connection) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

// pollOnce reads one telemetry frame. Errors are recorded into the status,
// never propagated; the loop must outlive any transport trouble.
func (c *Connection) pollOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.ensureConnectedLocked(false); err != nil {
			return
		}
	}

	frame, err := c.transport.Read()
	if err != nil {
		c.logger.Debug("telemetry read failed", "error", err)
		c.connected = false
		c.status.Connected = false
		c.status.LastError = err.Error()
		return
	}
	if frame != nil {
		c.applyTelemetryLocked(frame)
	}
}

// EnsureConnected connects if not already connected. A forced attempt
// ignores the backoff deadline; an opportunistic one returns
// ErrBackoffPending while the window is still open.
func (c *Connection) EnsureConnected(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked(force)
}

func (c *Connection) ensureConnectedLocked(force bool) error {
	if c.connected {
		return nil
	}

	now := c.now()
	if !force && now.Before(c.nextConnectAt) {
		return ErrBackoffPending
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err := c.transport.Connect(ctx)
	cancel()
	if err != nil {
		if c.backoff == 0 {
			c.backoff = initialBackoff
		} else {
			c.backoff *= 2
			if c.backoff > maxBackoff {
				c.backoff = maxBackoff
			}
		}
		c.nextConnectAt = now.Add(c.backoff)
		c.status.LastError = err.Error()
		return fmt.Errorf("connect %s: %w", c.cfg.ID, err)
	}

	c.connected = true
	c.backoff = 0
	c.nextConnectAt = time.Time{}
	c.status.Connected = true
	c.status.LastError = ""
	c.logger.Info("connected", "host", c.cfg.Host)
	return nil
}

func (c *Connection) applyTelemetryLocked(t *Telemetry) {
	now := c.now()
	c.status.LastUpdate = &now

	if t.GcodeState != "" {
		c.status.PrinterState = strings.ToUpper(t.GcodeState)
	}
	if t.PrintStatus != "" {
		c.status.PrintStatus = t.PrintStatus
		c.status.FilamentRunout = t.PrintStatus == PrintStatusPausedFilamentRunout
	}
	if t.SequenceID != nil {
		c.status.SequenceID = t.SequenceID
	}
	if t.PrintErrorCode != nil {
		c.status.PrintErrorCode = t.PrintErrorCode
	}
	if t.MCPrintErrorCode != nil {
		c.status.MCPrintErrorCode = t.MCPrintErrorCode
	}
	if t.FailReason != "" {
		c.status.FailReason = t.FailReason
	}
	if t.HMS != nil {
		c.status.HMS = t.HMS
	}
	if t.GcodeFile != "" {
		c.status.GcodeFile = t.GcodeFile
	}
	if t.SubtaskName != "" {
		c.status.SubtaskName = t.SubtaskName
	}
	if t.Percentage != nil {
		c.status.Percentage = t.Percentage
	}
	if t.BedTemp != nil {
		c.status.BedTemp = t.BedTemp
	}
	if t.NozzleTemp != nil {
		c.status.NozzleTemp = t.NozzleTemp
	}
	if t.RemainingTime != nil {
		c.status.RemainingTime = t.RemainingTime
	}
	if t.LightState != "" {
		c.status.LightState = t.LightState
	}
}

// Status returns a snapshot copy; callers never alias internal state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.clone()
}

// TestConnection force-connects, asks for a full report, and reads one fresh
// frame. Used by the diagnostics endpoint.
func (c *Connection) TestConnection() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return c.status.clone(), err
	}
	if err := c.transport.PushAll(); err != nil {
		return c.status.clone(), fmt.Errorf("pushall: %w", err)
	}
	frame, err := c.transport.Read()
	if err != nil {
		c.connected = false
		c.status.Connected = false
		c.status.LastError = err.Error()
		return c.status.clone(), fmt.Errorf("read: %w", err)
	}
	if frame != nil {
		c.applyTelemetryLocked(frame)
	}
	return c.status.clone(), nil
}

func (c *Connection) buildEnvelope(command, param string, v envelopeVariant) map[string]any {
	body := map[string]any{"command": command}
	if param != "" && !v.emptyParam {
		body["param"] = param
	}
	if v.emptyParam {
		body["param"] = ""
	}
	if v.withSeq {
		if v.zeroSeq || c.status.SequenceID == nil {
			body["sequence_id"] = "0"
		} else {
			body["sequence_id"] = strconv.FormatInt(*c.status.SequenceID, 10)
		}
	}
	return map[string]any{"print": body}
}

// waitForStateLocked polls telemetry until the reported state lands in
// targets or the deadline passes, nudging the device once per nudge interval
// to re-publish its full state. Caller holds the lock for the whole wait.
func (c *Connection) waitForStateLocked(targets map[string]bool, timeout time.Duration) bool {
	deadline := c.now().Add(timeout)
	lastNudge := c.now()

	for {
		if frame, err := c.transport.Read(); err == nil && frame != nil {
			c.applyTelemetryLocked(frame)
		}
		if targets[c.status.PrinterState] {
			return true
		}
		if !c.now().Before(deadline) {
			return false
		}
		if c.now().Sub(lastNudge) >= c.nudgeEvery {
			if err := c.transport.PushAll(); err != nil {
				c.logger.Debug("pushall nudge failed", "error", err)
			}
			lastNudge = c.now()
		}
		time.Sleep(c.commandPoll)
	}
}

// driveToStateLocked runs the full retry protocol for one control command:
// the variant burst, the bounded wait, then the legacy fallback payloads with
// a second bounded wait.
func (c *Connection) driveToStateLocked(command, param string, fallbacks []map[string]any, targets map[string]bool) (bool, error) {
	for _, v := range burstVariants {
		// With no observed sequence id the observed-id variant would just
		// duplicate the zero-id one; skip it.
		if v.withSeq && !v.zeroSeq && c.status.SequenceID == nil {
			continue
		}
		if err := c.transport.Publish(c.buildEnvelope(command, param, v)); err != nil {
			return false, fmt.Errorf("publish %s: %w", command, err)
		}
	}
	if c.waitForStateLocked(targets, c.commandWait) {
		return true, nil
	}

	if len(fallbacks) == 0 {
		return false, fmt.Errorf("command %s: target state not reached within %s", command, c.commandWait)
	}

	c.logger.Warn("command unacknowledged, trying legacy fallback", "command", command)
	for _, payload := range fallbacks {
		if err := c.transport.Publish(payload); err != nil {
			return false, fmt.Errorf("publish fallback for %s: %w", command, err)
		}
	}
	if c.waitForStateLocked(targets, c.commandWait) {
		return true, nil
	}
	return false, fmt.Errorf("command %s: target state not reached after fallback", command)
}

func gcodeEnvelope(lines ...string) map[string]any {
	return map[string]any{"print": map[string]any{
		"command":     "gcode_line",
		"param":       strings.Join(lines, "\n") + "\n",
		"sequence_id": "0",
	}}
}

func amsControlEnvelope(action string) map[string]any {
	return map[string]any{"print": map[string]any{
		"command":     "ams_control",
		"param":       action,
		"sequence_id": "0",
	}}
}

// Pause requests a pause. Returns true immediately when already paused,
// false without sending anything when there is nothing to pause.
func (c *Connection) Pause() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}

	switch c.status.PrinterState {
	case StatePaused:
		return true, nil
	case StateIdle, StateFinished, StateFailed:
		return false, nil
	}

	return c.driveToStateLocked("pause", "",
		[]map[string]any{gcodeEnvelope("M25")},
		map[string]bool{StatePaused: true})
}

// Resume only acts from the paused state.
func (c *Connection) Resume() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}

	if c.status.PrinterState != StatePaused {
		return false, nil
	}

	fallbacks := []map[string]any{gcodeEnvelope("M24")}
	if c.status.PrintStatus == PrintStatusPausedFilamentRunout {
		// A runout pause resumes through the filament workflow, not M24.
		fallbacks = []map[string]any{amsControlEnvelope("resume"), gcodeEnvelope("M24")}
	}

	return c.driveToStateLocked("resume", "", fallbacks,
		map[string]bool{StateRunning: true})
}

// StopPrint aborts the current print. Already-idle states count as success
// with nothing sent.
func (c *Connection) StopPrint() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}

	switch c.status.PrinterState {
	case StateIdle, StateFinished, StateFailed:
		return true, nil
	}

	return c.driveToStateLocked("stop", "",
		[]map[string]any{gcodeEnvelope("M0"), gcodeEnvelope("M25")},
		map[string]bool{StateIdle: true, StateFinished: true, StateFailed: true})
}

// ClearFault acknowledges a device fault. A no-op success outside the failed
// state.
func (c *Connection) ClearFault() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}

	if c.status.PrinterState != StateFailed {
		return true, nil
	}

	return c.driveToStateLocked("clean_print_error", "", nil,
		map[string]bool{StateIdle: true, StateFinished: true})
}

func ledEnvelope(node, mode string) map[string]any {
	return map[string]any{"system": map[string]any{
		"sequence_id":   "0",
		"command":       "ledctrl",
		"led_node":      node,
		"led_mode":      mode,
		"led_on_time":   500,
		"led_off_time":  500,
		"loop_times":    0,
		"interval_time": 0,
	}}
}

// setLightLocked publishes the led command once per node alias; success is
// the OR of all attempts.
func (c *Connection) setLightLocked(nodes []string, on bool) (bool, error) {
	mode := "off"
	if on {
		mode = "on"
	}

	var lastErr error
	ok := false
	for _, node := range nodes {
		if err := c.transport.Publish(ledEnvelope(node, mode)); err != nil {
			lastErr = err
			continue
		}
		ok = true
	}
	if !ok {
		return false, fmt.Errorf("light command failed on all nodes: %w", lastErr)
	}
	return true, nil
}

func (c *Connection) SetLight(on bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}
	ok, err := c.setLightLocked(logoLightNodes, on)
	if ok {
		if on {
			c.status.LightState = "on"
		} else {
			c.status.LightState = "off"
		}
	}
	return ok, err
}

func (c *Connection) SetChamberLight(on bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}
	return c.setLightLocked(chamberLightNodes, on)
}

// SelectFilament records the slot used for the next start command, pushes a
// best-effort settings update to the device, and, only while the device is
// paused for filament runout, issues a toolchange plus workflow resume.
func (c *Connection) SelectFilament(amsID, trayID int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}

	toolID := amsID*4 + trayID
	c.status.SelectedFilament = &FilamentSelection{AMSID: amsID, TrayID: trayID, ToolID: toolID}

	setting := map[string]any{"print": map[string]any{
		"command":     "ams_filament_setting",
		"ams_id":      amsID,
		"tray_id":     trayID,
		"sequence_id": "0",
	}}
	if err := c.transport.Publish(setting); err != nil {
		c.logger.Debug("filament setting publish failed", "error", err)
	}

	if c.status.PrintStatus == PrintStatusPausedFilamentRunout {
		if err := c.transport.Publish(gcodeEnvelope(fmt.Sprintf("T%d", toolID))); err != nil {
			return false, fmt.Errorf("toolchange: %w", err)
		}
		if err := c.transport.Publish(amsControlEnvelope("resume")); err != nil {
			return false, fmt.Errorf("filament resume: %w", err)
		}
	}
	return true, nil
}

// Upload stores an artifact on the device under filename.
func (c *Connection) Upload(filename string, r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return err
	}
	if err := c.transport.Upload(filename, r); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	return nil
}

// UploadPath uploads a local artifact file under its base name and returns
// that name for the subsequent start command.
func (c *Connection) UploadPath(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	name := filepath.Base(path)
	if err := c.Upload(name, f); err != nil {
		return "", err
	}
	return name, nil
}

// StartPrint issues the start command for a previously uploaded artifact.
// The extruder-to-slot mapping comes from the last filament selection,
// defaulting to slot 0.
func (c *Connection) StartPrint(filename string, plate int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}

	if plate < 1 {
		plate = 1
	}
	slot := 0
	if c.status.SelectedFilament != nil {
		slot = c.status.SelectedFilament.ToolID
	}
	mapping := []int{slot}

	payload := map[string]any{"print": map[string]any{
		"command":      "project_file",
		"param":        fmt.Sprintf("Metadata/plate_%d.gcode", plate),
		"url":          "file:///sdcard/" + filename,
		"subtask_name": filename,
		"use_ams":      true,
		"ams_mapping":  mapping,
		"sequence_id":  "0",
	}}
	if err := c.transport.Publish(payload); err != nil {
		return false, fmt.Errorf("start %s: %w", filename, err)
	}

	c.status.LastStartAMSMapping = mapping
	c.logger.Info("print started", "file", filename, "plate", plate, "ams_mapping", mapping)
	return true, nil
}

// ensureNotPrintingLocked guards manual motion commands.
func (c *Connection) ensureNotPrintingLocked() bool {
	return !containsAny(normalizeState(c.status.PrinterState), busyStateTokens)
}

// Jog moves the head by a relative offset. Refused while the device is busy.
func (c *Connection) Jog(dx, dy, dz float64, feedrate int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}
	if !c.ensureNotPrintingLocked() {
		return false, nil
	}
	if feedrate <= 0 {
		feedrate = 3000
	}

	move := fmt.Sprintf("G0 X%.2f Y%.2f Z%.2f F%d", dx, dy, dz, feedrate)
	if err := c.transport.Publish(gcodeEnvelope("G91", move, "G90")); err != nil {
		return false, fmt.Errorf("jog: %w", err)
	}
	return true, nil
}

func (c *Connection) Home() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return false, err
	}
	if !c.ensureNotPrintingLocked() {
		return false, nil
	}
	if err := c.transport.Publish(gcodeEnvelope("G28")); err != nil {
		return false, fmt.Errorf("home: %w", err)
	}
	return true, nil
}

// SetTemps sets bed and/or nozzle target temperatures; nil leaves a target
// untouched.
func (c *Connection) SetTemps(bed, nozzle *float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return err
	}

	var lines []string
	if bed != nil {
		lines = append(lines, fmt.Sprintf("M140 S%.0f", *bed))
	}
	if nozzle != nil {
		lines = append(lines, fmt.Sprintf("M104 S%.0f", *nozzle))
	}
	if len(lines) == 0 {
		return nil
	}
	if err := c.transport.Publish(gcodeEnvelope(lines...)); err != nil {
		return fmt.Errorf("set temps: %w", err)
	}
	return nil
}

func fanPWM(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return int(math.Round(255 * float64(percent) / 100))
}

// SetFans sets part/aux/chamber fan speeds in percent; nil leaves a fan
// untouched. Percents are cached client-side since the firmware does not
// report them back.
func (c *Connection) SetFans(part, aux, chamber *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(true); err != nil {
		return err
	}

	var lines []string
	if part != nil {
		lines = append(lines, fmt.Sprintf("M106 P1 S%d", fanPWM(*part)))
	}
	if aux != nil {
		lines = append(lines, fmt.Sprintf("M106 P2 S%d", fanPWM(*aux)))
	}
	if chamber != nil {
		lines = append(lines, fmt.Sprintf("M106 P3 S%d", fanPWM(*chamber)))
	}
	if len(lines) == 0 {
		return nil
	}
	if err := c.transport.Publish(gcodeEnvelope(lines...)); err != nil {
		return fmt.Errorf("set fans: %w", err)
	}

	if part != nil {
		c.status.PartFanPercent = cloneInt(part)
	}
	if aux != nil {
		c.status.AuxFanPercent = cloneInt(aux)
	}
	if chamber != nil {
		c.status.ChamberFanPercent = cloneInt(chamber)
	}
	return nil
}

// CameraURL assembles the device stream URL from config; empty when the
// camera is disabled.
func (c *Connection) CameraURL() string {
	cam := c.cfg.Camera
	if !cam.IsEnabled() {
		return ""
	}
	if cam.URL != "" {
		return cam.URL
	}
	path := cam.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d%s",
		cam.Protocol, cam.User, c.cfg.AccessCode, c.cfg.Host, cam.Port, path)
}
