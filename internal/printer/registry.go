package printer

import (
	"errors"
	"log/slog"

	"github.com/printfarm/fleetd/internal/config"
)

var ErrPrinterNotFound = errors.New("printer not found")

// BroadcastResult is one device's outcome of a fleet-wide action.
type BroadcastResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Registry owns every Connection, built once from config and never replaced.
type Registry struct {
	logger *slog.Logger
	ids    []string
	conns  map[string]*Connection
}

func NewRegistry(cfg config.FleetConfig, factory TransportFactory, logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logger,
		conns:  make(map[string]*Connection, len(cfg.Printers)),
	}
	for _, pc := range cfg.Printers {
		r.ids = append(r.ids, pc.ID)
		r.conns[pc.ID] = NewConnection(pc, factory(pc), cfg.PollInterval, logger)
	}
	return r
}

// StartAll launches every poll loop. connectNow forces an initial connect
// attempt per device; failures only prime the backoff.
func (r *Registry) StartAll(connectNow bool) {
	for _, id := range r.ids {
		conn := r.conns[id]
		if connectNow {
			if err := conn.EnsureConnected(true); err != nil {
				r.logger.Warn("initial connect failed", "printer_id", id, "error", err)
			}
		}
		conn.Start()
	}
	r.logger.Info("printer fleet started", "printers", len(r.ids))
}

func (r *Registry) StopAll() {
	for _, id := range r.ids {
		r.conns[id].Stop()
	}
	r.logger.Info("printer fleet stopped")
}

func (r *Registry) Get(id string) (*Connection, error) {
	conn, ok := r.conns[id]
	if !ok {
		return nil, ErrPrinterNotFound
	}
	return conn, nil
}

func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Snapshot returns every device's status in config order.
func (r *Registry) Snapshot() []Status {
	out := make([]Status, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.conns[id].Status())
	}
	return out
}

// Broadcast applies action to every device; one device's failure never stops
// the others.
func (r *Registry) Broadcast(action func(*Connection) (bool, error)) map[string]BroadcastResult {
	results := make(map[string]BroadcastResult, len(r.ids))
	for _, id := range r.ids {
		ok, err := action(r.conns[id])
		res := BroadcastResult{OK: ok}
		if err != nil {
			res.Error = err.Error()
		}
		results[id] = res
	}
	return results
}
