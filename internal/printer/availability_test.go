package printer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func i64(v int64) *int64 { return &v }

func TestAvailable(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{
			name:   "idle and connected",
			status: Status{Connected: true, PrinterState: "IDLE"},
			want:   true,
		},
		{
			name:   "finished counts as idle",
			status: Status{Connected: true, PrinterState: "FINISH"},
			want:   true,
		},
		{
			name:   "disconnected idle",
			status: Status{Connected: false, PrinterState: "IDLE"},
			want:   false,
		},
		{
			name:   "no state yet",
			status: Status{Connected: true},
			want:   false,
		},
		{
			name:   "running",
			status: Status{Connected: true, PrinterState: "RUNNING"},
			want:   false,
		},
		{
			name: "paused regardless of clean error fields",
			status: Status{
				Connected: true, PrinterState: "PAUSE",
				PrintErrorCode: i64(0), MCPrintErrorCode: i64(0),
			},
			want: false,
		},
		{
			name:   "firmware variant PREPARING",
			status: Status{Connected: true, PrinterState: "PREPARING"},
			want:   false,
		},
		{
			name:   "firmware variant AUTO_CALIBRATING",
			status: Status{Connected: true, PrinterState: "AUTO_CALIBRATING"},
			want:   false,
		},
		{
			name: "failed with all fault signals clear",
			status: Status{
				Connected: true, PrinterState: "FAILED",
				PrintErrorCode: i64(0), MCPrintErrorCode: i64(0), HMS: []string{},
			},
			want: true,
		},
		{
			name: "failed with secondary code and hms absent",
			status: Status{
				Connected: true, PrinterState: "FAILED",
				PrintErrorCode: i64(0),
			},
			want: true,
		},
		{
			name: "failed with primary error",
			status: Status{
				Connected: true, PrinterState: "FAILED",
				PrintErrorCode: i64(5),
			},
			want: false,
		},
		{
			name: "failed with primary unreported",
			status: Status{
				Connected: true, PrinterState: "FAILED",
			},
			want: false,
		},
		{
			name: "failed with secondary error",
			status: Status{
				Connected: true, PrinterState: "FAILED",
				PrintErrorCode: i64(0), MCPrintErrorCode: i64(83886087),
			},
			want: false,
		},
		{
			name: "failed with hms entries",
			status: Status{
				Connected: true, PrinterState: "FAILED",
				PrintErrorCode: i64(0), HMS: []string{"0C00_0300_0002_0004"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Available(tt.status))
		})
	}
}
