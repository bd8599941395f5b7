package printer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printfarm/fleetd/internal/config"
)

func testFleet(t *testing.T) (*Registry, map[string]*fakeTransport) {
	t.Helper()
	transports := make(map[string]*fakeTransport)
	factory := func(pc config.PrinterConfig) Transport {
		ft := &fakeTransport{}
		transports[pc.ID] = ft
		return ft
	}

	cfg := config.FleetConfig{
		PollInterval: 50 * time.Millisecond,
		Printers: []config.PrinterConfig{
			{ID: "p1", Name: "One", Host: "10.0.0.1", Serial: "S1", AccessCode: "a"},
			{ID: "p2", Name: "Two", Host: "10.0.0.2", Serial: "S2", AccessCode: "b"},
			{ID: "p3", Name: "Three", Host: "10.0.0.3", Serial: "S3", AccessCode: "c"},
		},
	}
	return NewRegistry(cfg, factory, quietLogger()), transports
}

func TestRegistryLookup(t *testing.T) {
	r, _ := testFleet(t)

	conn, err := r.Get("p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", conn.ID())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrPrinterNotFound)
}

func TestSnapshotKeepsConfigOrder(t *testing.T) {
	r, _ := testFleet(t)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "p1", snap[0].ID)
	assert.Equal(t, "p2", snap[1].ID)
	assert.Equal(t, "p3", snap[2].ID)
	assert.Equal(t, "Two", snap[1].Name)
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	r, _ := testFleet(t)
	for _, id := range r.IDs() {
		markConnected(r.conns[id], StateRunning)
	}

	results := r.Broadcast(func(c *Connection) (bool, error) {
		if c.ID() == "p2" {
			return false, errors.New("device unreachable")
		}
		return true, nil
	})

	require.Len(t, results, 3)
	assert.True(t, results["p1"].OK)
	assert.False(t, results["p2"].OK)
	assert.Equal(t, "device unreachable", results["p2"].Error)
	assert.True(t, results["p3"].OK)
}
