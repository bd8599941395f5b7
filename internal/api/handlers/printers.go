package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/printfarm/fleetd/internal/printer"
)

type PrinterHandler struct {
	registry *printer.Registry
	logger   *slog.Logger
}

func NewPrinterHandler(registry *printer.Registry, logger *slog.Logger) *PrinterHandler {
	return &PrinterHandler{registry: registry, logger: logger}
}

type PrinterResponse struct {
	printer.Status
	Available bool `json:"available"`
}

type CommandResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type JogRequest struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Feedrate int     `json:"feedrate"`
}

type TempsRequest struct {
	Bed    *float64 `json:"bed"`
	Nozzle *float64 `json:"nozzle"`
}

type FansRequest struct {
	Part    *int `json:"part"`
	Aux     *int `json:"aux"`
	Chamber *int `json:"chamber"`
}

type FilamentSelectRequest struct {
	AMSID  int `json:"ams_id"`
	TrayID int `json:"tray_id"`
}

type StartRequest struct {
	Filename string `json:"filename" binding:"required"`
	Plate    int    `json:"plate"`
}

func (h *PrinterHandler) conn(c *gin.Context) (*printer.Connection, bool) {
	conn, err := h.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, printer.ErrPrinterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return conn, true
}

// respondCommand maps the (ok, error) command outcome onto HTTP: transport
// errors are 502s, a refused precondition is a 409.
func respondCommand(c *gin.Context, ok bool, err error) {
	if err != nil {
		c.JSON(http.StatusBadGateway, CommandResponse{Success: false, Error: err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, CommandResponse{Success: false, Error: "printer state does not allow this command"})
		return
	}
	c.JSON(http.StatusOK, CommandResponse{Success: true})
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	snapshot := h.registry.Snapshot()
	out := make([]PrinterResponse, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, PrinterResponse{Status: st, Available: printer.Available(st)})
	}
	c.JSON(http.StatusOK, gin.H{"printers": out})
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}
	st := conn.Status()
	c.JSON(http.StatusOK, PrinterResponse{Status: st, Available: printer.Available(st)})
}

// Diag force-connects and pulls a fresh telemetry frame.
func (h *PrinterHandler) Diag(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	st, err := conn.TestConnection()
	resp := gin.H{"status": PrinterResponse{Status: st, Available: printer.Available(st)}}
	if err != nil {
		resp["error"] = err.Error()
		c.JSON(http.StatusBadGateway, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) Pause(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}
	done, err := conn.Pause()
	respondCommand(c, done, err)
}

func (h *PrinterHandler) Resume(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}
	done, err := conn.Resume()
	respondCommand(c, done, err)
}

func (h *PrinterHandler) Stop(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}
	done, err := conn.StopPrint()
	respondCommand(c, done, err)
}

func (h *PrinterHandler) ClearFault(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}
	done, err := conn.ClearFault()
	respondCommand(c, done, err)
}

func (h *PrinterHandler) Light(on bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := h.conn(c)
		if !ok {
			return
		}
		done, err := conn.SetLight(on)
		respondCommand(c, done, err)
	}
}

func (h *PrinterHandler) ChamberLight(on bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, ok := h.conn(c)
		if !ok {
			return
		}
		done, err := conn.SetChamberLight(on)
		respondCommand(c, done, err)
	}
}

func (h *PrinterHandler) Jog(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	var req JogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	done, err := conn.Jog(req.X, req.Y, req.Z, req.Feedrate)
	respondCommand(c, done, err)
}

func (h *PrinterHandler) Home(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}
	done, err := conn.Home()
	respondCommand(c, done, err)
}

func (h *PrinterHandler) SetTemps(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	var req TempsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := conn.SetTemps(req.Bed, req.Nozzle); err != nil {
		c.JSON(http.StatusBadGateway, CommandResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, CommandResponse{Success: true})
}

func (h *PrinterHandler) SetFans(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	var req FansRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := conn.SetFans(req.Part, req.Aux, req.Chamber); err != nil {
		c.JSON(http.StatusBadGateway, CommandResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, CommandResponse{Success: true})
}

func (h *PrinterHandler) SelectFilament(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	var req FilamentSelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AMSID < 0 || req.TrayID < 0 || req.TrayID > 3 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ams_id must be >= 0 and tray_id in 0..3"})
		return
	}

	done, err := conn.SelectFilament(req.AMSID, req.TrayID)
	respondCommand(c, done, err)
}

func (h *PrinterHandler) Camera(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	url := conn.CameraURL()
	if url == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera disabled for this printer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Upload pushes an artifact straight to the device, bypassing the queue.
func (h *PrinterHandler) Upload(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	defer src.Close()

	if err := conn.Upload(file.Filename, src); err != nil {
		c.JSON(http.StatusBadGateway, CommandResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "filename": file.Filename})
}

// Start begins printing a previously uploaded artifact, bypassing the queue.
func (h *PrinterHandler) Start(c *gin.Context) {
	conn, ok := h.conn(c)
	if !ok {
		return
	}

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	done, err := conn.StartPrint(req.Filename, req.Plate)
	respondCommand(c, done, err)
}
