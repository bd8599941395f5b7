package bambu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/printfarm/fleetd/internal/printer"
)

// Print stage the firmware reports while paused for a filament runout.
// Firmware-dependent; other paused sub-stages map to a plain pause.
const stageFilamentRunout = 6

// The firmware sends partial reports: most fields appear only when they
// change, and numeric fields flip between string and number encodings across
// versions. Everything here is pointer-or-raw for that reason.
type printReport struct {
	GcodeState       string          `json:"gcode_state"`
	SequenceID       json.RawMessage `json:"sequence_id"`
	PrintError       json.RawMessage `json:"print_error"`
	MCPrintErrorCode json.RawMessage `json:"mc_print_error_code"`
	FailReason       string          `json:"fail_reason"`
	MCPercent        *int            `json:"mc_percent"`
	MCRemainingTime  *int            `json:"mc_remaining_time"`
	BedTemper        *float64        `json:"bed_temper"`
	NozzleTemper     *float64        `json:"nozzle_temper"`
	GcodeFile        string          `json:"gcode_file"`
	SubtaskName      string          `json:"subtask_name"`
	StgCur           *int            `json:"stg_cur"`
	HMS              []hmsEntry      `json:"hms"`
	LightsReport     []lightEntry    `json:"lights_report"`
}

type hmsEntry struct {
	Attr int64 `json:"attr"`
	Code int64 `json:"code"`
}

type lightEntry struct {
	Node string `json:"node"`
	Mode string `json:"mode"`
}

// parseReport maps one raw report message onto a telemetry frame. Messages
// without a print section (mc_print, system acks) yield nil.
func parseReport(data []byte) (*printer.Telemetry, error) {
	var envelope struct {
		Print *printReport `json:"print"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if envelope.Print == nil {
		return nil, nil
	}
	rep := envelope.Print

	frame := &printer.Telemetry{
		GcodeState:    rep.GcodeState,
		FailReason:    rep.FailReason,
		GcodeFile:     rep.GcodeFile,
		SubtaskName:   rep.SubtaskName,
		Percentage:    rep.MCPercent,
		RemainingTime: rep.MCRemainingTime,
		BedTemp:       rep.BedTemper,
		NozzleTemp:    rep.NozzleTemper,
	}

	frame.SequenceID = coerceInt64(rep.SequenceID)
	frame.PrintErrorCode = coerceInt64(rep.PrintError)
	frame.MCPrintErrorCode = coerceInt64(rep.MCPrintErrorCode)

	if rep.HMS != nil {
		codes := make([]string, 0, len(rep.HMS))
		for _, h := range rep.HMS {
			codes = append(codes, fmt.Sprintf("%08X_%08X", h.Attr, h.Code))
		}
		frame.HMS = codes
	}

	if strings.EqualFold(rep.GcodeState, "PAUSE") && rep.StgCur != nil && *rep.StgCur == stageFilamentRunout {
		frame.PrintStatus = printer.PrintStatusPausedFilamentRunout
	} else if rep.GcodeState != "" {
		frame.PrintStatus = strings.ToUpper(rep.GcodeState)
	}

	for _, l := range rep.LightsReport {
		if l.Node == "chamber_light" {
			frame.LightState = l.Mode
		}
	}

	return frame, nil
}

// coerceInt64 parses a JSON value that may be a number, a quoted number, or
// absent.
func coerceInt64(raw json.RawMessage) *int64 {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(raw), `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// mergeFrames overlays a newer partial frame onto the accumulated one so a
// Read between two partial reports never loses fields.
func mergeFrames(base, next *printer.Telemetry) *printer.Telemetry {
	if base == nil {
		return next
	}
	if next.GcodeState != "" {
		base.GcodeState = next.GcodeState
	}
	if next.PrintStatus != "" {
		base.PrintStatus = next.PrintStatus
	}
	if next.SequenceID != nil {
		base.SequenceID = next.SequenceID
	}
	if next.PrintErrorCode != nil {
		base.PrintErrorCode = next.PrintErrorCode
	}
	if next.MCPrintErrorCode != nil {
		base.MCPrintErrorCode = next.MCPrintErrorCode
	}
	if next.FailReason != "" {
		base.FailReason = next.FailReason
	}
	if next.HMS != nil {
		base.HMS = next.HMS
	}
	if next.GcodeFile != "" {
		base.GcodeFile = next.GcodeFile
	}
	if next.SubtaskName != "" {
		base.SubtaskName = next.SubtaskName
	}
	if next.Percentage != nil {
		base.Percentage = next.Percentage
	}
	if next.BedTemp != nil {
		base.BedTemp = next.BedTemp
	}
	if next.NozzleTemp != nil {
		base.NozzleTemp = next.NozzleTemp
	}
	if next.RemainingTime != nil {
		base.RemainingTime = next.RemainingTime
	}
	if next.LightState != "" {
		base.LightState = next.LightState
	}
	return base
}
