package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/printfarm/fleetd/internal/printer"
	"github.com/printfarm/fleetd/internal/scheduler"
)

type DispatchHandler struct {
	sched    *scheduler.Scheduler
	registry *printer.Registry
	logger   *slog.Logger
}

func NewDispatchHandler(sched *scheduler.Scheduler, registry *printer.Registry, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{sched: sched, registry: registry, logger: logger}
}

type DispatchStatusResponse struct {
	scheduler.Status
	Availability map[string]bool `json:"availability"`
}

func (h *DispatchHandler) Status(c *gin.Context) {
	availability := make(map[string]bool)
	for _, st := range h.registry.Snapshot() {
		availability[st.ID] = printer.Available(st)
	}
	c.JSON(http.StatusOK, DispatchStatusResponse{
		Status:       h.sched.Status(),
		Availability: availability,
	})
}

// Once runs a dispatch tick synchronously and returns its result.
func (h *DispatchHandler) Once(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.TickNow())
}

type BroadcastHandler struct {
	registry *printer.Registry
	logger   *slog.Logger
}

func NewBroadcastHandler(registry *printer.Registry, logger *slog.Logger) *BroadcastHandler {
	return &BroadcastHandler{registry: registry, logger: logger}
}

func (h *BroadcastHandler) respond(c *gin.Context, results map[string]printer.BroadcastResult) {
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *BroadcastHandler) Pause(c *gin.Context) {
	h.respond(c, h.registry.Broadcast(func(conn *printer.Connection) (bool, error) {
		return conn.Pause()
	}))
}

func (h *BroadcastHandler) Resume(c *gin.Context) {
	h.respond(c, h.registry.Broadcast(func(conn *printer.Connection) (bool, error) {
		return conn.Resume()
	}))
}

func (h *BroadcastHandler) Stop(c *gin.Context) {
	h.respond(c, h.registry.Broadcast(func(conn *printer.Connection) (bool, error) {
		return conn.StopPrint()
	}))
}

func (h *BroadcastHandler) Light(on bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.respond(c, h.registry.Broadcast(func(conn *printer.Connection) (bool, error) {
			return conn.SetLight(on)
		}))
	}
}

func (h *BroadcastHandler) Fans(c *gin.Context) {
	var req FansRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.respond(c, h.registry.Broadcast(func(conn *printer.Connection) (bool, error) {
		if err := conn.SetFans(req.Part, req.Aux, req.Chamber); err != nil {
			return false, err
		}
		return true, nil
	}))
}
