package printer

import (
	"context"
	"io"

	"github.com/printfarm/fleetd/internal/config"
)

// Telemetry is one raw report frame from the device. Pointer fields are nil
// when the device omitted them from the report; the connection merges frames
// into its cached status rather than replacing it wholesale.
type Telemetry struct {
	GcodeState       string
	PrintStatus      string
	SequenceID       *int64
	PrintErrorCode   *int64
	MCPrintErrorCode *int64
	FailReason       string
	HMS              []string
	GcodeFile        string
	SubtaskName      string
	Percentage       *int
	BedTemp          *float64
	NozzleTemp       *float64
	RemainingTime    *int
	LightState       string
}

// Transport is the device-side collaborator: a session to one printer over
// whatever wire protocol the firmware speaks. Implementations must be safe
// for one reader plus concurrent publishers.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Read returns the latest report frame, blocking up to the transport's
	// own receive window. A nil frame with nil error means nothing new.
	Read() (*Telemetry, error)

	// Publish sends one command envelope to the device.
	Publish(payload map[string]any) error

	// PushAll asks the device to emit a full state report.
	PushAll() error

	// Upload stores an artifact on the device's local storage under filename.
	Upload(filename string, r io.Reader) error
}

// TransportFactory builds the transport for one configured device.
type TransportFactory func(cfg config.PrinterConfig) Transport
