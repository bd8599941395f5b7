package handlers

import (
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/printfarm/fleetd/internal/jobstore"
	"github.com/printfarm/fleetd/internal/scheduler"
	"github.com/printfarm/fleetd/internal/slicer"
)

type JobHandler struct {
	store  *jobstore.Store
	sched  *scheduler.Scheduler
	slicer *slicer.Slicer
	logger *slog.Logger
}

func NewJobHandler(store *jobstore.Store, sched *scheduler.Scheduler, sl *slicer.Slicer, logger *slog.Logger) *JobHandler {
	return &JobHandler{store: store, sched: sched, slicer: sl, logger: logger}
}

type JobListResponse struct {
	Jobs   []jobstore.Job          `json:"jobs"`
	Counts map[jobstore.Status]int `json:"counts"`
}

// CreateJob enqueues an uploaded artifact. Model files pass through the
// slicer first when it is enabled; device-ready files are stored as-is.
func (h *JobHandler) CreateJob(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	printerID := c.PostForm("printer_id")
	autoAssign := printerID == ""
	if v := c.PostForm("auto_assign"); v != "" {
		autoAssign, _ = strconv.ParseBool(v)
	}
	plate := 1
	if v := c.PostForm("plate"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			plate = n
		}
	}

	artifact := file.Filename
	var src string

	if !slicer.IsReadyFile(artifact) {
		if h.slicer == nil || !h.slicer.Enabled() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is not device-ready and slicing is disabled"})
			return
		}
		if !slicer.IsSliceable(artifact) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
			return
		}

		sliced, cleanup, err := h.sliceUpload(c, file)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "slicing failed: " + err.Error()})
			return
		}
		defer cleanup()
		src = sliced
		artifact = filepath.Base(sliced)
	} else {
		spooled, cleanup, err := spoolUpload(c, file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
			return
		}
		defer cleanup()
		src = spooled
	}

	f, err := os.Open(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read artifact"})
		return
	}
	defer f.Close()

	job, err := h.store.Enqueue(artifact, f, plate, printerID, autoAssign)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Try to place the job right away instead of waiting out the interval.
	go h.sched.TickNow()

	c.JSON(http.StatusCreated, job)
}

func spoolUpload(c *gin.Context, file *multipart.FileHeader) (string, func(), error) {
	dir, err := os.MkdirTemp("", "fleetd-upload-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, path); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

func (h *JobHandler) sliceUpload(c *gin.Context, file *multipart.FileHeader) (string, func(), error) {
	model, cleanup, err := spoolUpload(c, file)
	if err != nil {
		return "", nil, err
	}

	out, err := h.slicer.Slice(c.Request.Context(), model, filepath.Dir(model))
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return out, cleanup, nil
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	status := jobstore.Status(c.Query("status"))
	c.JSON(http.StatusOK, JobListResponse{
		Jobs:   h.store.List(status),
		Counts: h.store.Counts(),
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob only applies before the job reaches a device.
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if !h.store.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "job cannot be canceled in its current state"})
		return
	}
	job, _ := h.store.Get(id)
	c.JSON(http.StatusOK, job)
}

// CompleteJob manually closes out a running job, for when the operator
// removed the part themselves.
func (h *JobHandler) CompleteJob(c *gin.Context) {
	id := c.Param("id")
	if !h.store.MarkCompleted(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not running"})
		return
	}
	job, _ := h.store.Get(id)
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) DeleteJob(c *gin.Context) {
	if !h.store.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
