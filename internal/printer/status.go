package printer

import "time"

// Raw device states as the firmware reports them.
const (
	StateIdle     = "IDLE"
	StateRunning  = "RUNNING"
	StatePaused   = "PAUSE"
	StateFinished = "FINISH"
	StateFailed   = "FAILED"
)

// PrintStatusPausedFilamentRunout marks the one paused sub-state in which a
// toolchange plus resume is allowed after selecting a new filament slot.
const PrintStatusPausedFilamentRunout = "PAUSED_FILAMENT_RUNOUT"

// FilamentSelection is the operator's slot choice, cached client-side because
// the device does not echo it back.
type FilamentSelection struct {
	AMSID  int `json:"ams_id"`
	TrayID int `json:"tray_id"`
	ToolID int `json:"tool_id"`
}

// Status is a point-in-time snapshot of one device. Fields carry the last
// value the device reported; pointers are nil until first seen.
type Status struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`

	LastUpdate *time.Time `json:"last_update,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	PrinterState   string `json:"printer_state"`
	PrintStatus    string `json:"print_status,omitempty"`
	FilamentRunout bool   `json:"filament_runout"`

	SequenceID       *int64   `json:"sequence_id,omitempty"`
	PrintErrorCode   *int64   `json:"print_error_code,omitempty"`
	MCPrintErrorCode *int64   `json:"mc_print_error_code,omitempty"`
	FailReason       string   `json:"fail_reason,omitempty"`
	HMS              []string `json:"hms,omitempty"`

	GcodeFile     string   `json:"gcode_file,omitempty"`
	SubtaskName   string   `json:"subtask_name,omitempty"`
	Percentage    *int     `json:"percentage,omitempty"`
	BedTemp       *float64 `json:"bed_temp,omitempty"`
	NozzleTemp    *float64 `json:"nozzle_temp,omitempty"`
	RemainingTime *int     `json:"remaining_time,omitempty"`

	// Fan percents are cached client-side after a successful set; the
	// firmware does not report them back in a usable form.
	PartFanPercent    *int `json:"part_fan_percent,omitempty"`
	AuxFanPercent     *int `json:"aux_fan_percent,omitempty"`
	ChamberFanPercent *int `json:"chamber_fan_percent,omitempty"`

	LightState    string `json:"light_state,omitempty"`
	CameraEnabled bool   `json:"camera_enabled"`

	SelectedFilament    *FilamentSelection `json:"selected_filament,omitempty"`
	LastStartAMSMapping []int              `json:"last_start_ams_mapping,omitempty"`
}

func (s *Status) clone() Status {
	out := *s
	out.HMS = append([]string(nil), s.HMS...)
	out.LastStartAMSMapping = append([]int(nil), s.LastStartAMSMapping...)
	if s.LastUpdate != nil {
		t := *s.LastUpdate
		out.LastUpdate = &t
	}
	if s.SelectedFilament != nil {
		f := *s.SelectedFilament
		out.SelectedFilament = &f
	}
	out.SequenceID = cloneInt64(s.SequenceID)
	out.PrintErrorCode = cloneInt64(s.PrintErrorCode)
	out.MCPrintErrorCode = cloneInt64(s.MCPrintErrorCode)
	out.Percentage = cloneInt(s.Percentage)
	out.RemainingTime = cloneInt(s.RemainingTime)
	out.PartFanPercent = cloneInt(s.PartFanPercent)
	out.AuxFanPercent = cloneInt(s.AuxFanPercent)
	out.ChamberFanPercent = cloneInt(s.ChamberFanPercent)
	out.BedTemp = cloneFloat(s.BedTemp)
	out.NozzleTemp = cloneFloat(s.NozzleTemp)
	return out
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
