package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/printfarm/fleetd/internal/api/handlers"
	"github.com/printfarm/fleetd/internal/api/middleware"
	"github.com/printfarm/fleetd/internal/config"
	"github.com/printfarm/fleetd/internal/jobstore"
	"github.com/printfarm/fleetd/internal/printer"
	"github.com/printfarm/fleetd/internal/scheduler"
	"github.com/printfarm/fleetd/internal/slicer"
)

// Deps collects everything the HTTP layer maps onto.
type Deps struct {
	Config   *config.Config
	Store    *jobstore.Store
	Registry *printer.Registry
	Sched    *scheduler.Scheduler
	Slicer   *slicer.Slicer
	Logger   *slog.Logger
}

func NewRouter(d Deps) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(d.Logger))

	auth, err := middleware.NewAuthMiddleware(d.Config.Auth)
	if err != nil {
		return nil, err
	}

	jobs := handlers.NewJobHandler(d.Store, d.Sched, d.Slicer, d.Logger)
	printers := handlers.NewPrinterHandler(d.Registry, d.Logger)
	dispatch := handlers.NewDispatchHandler(d.Sched, d.Registry, d.Logger)
	broadcast := handlers.NewBroadcastHandler(d.Registry, d.Logger)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api")

	authGroup := apiGroup.Group("/auth")
	{
		authGroup.POST("/login", auth.LoginHandler)
		authGroup.POST("/logout", auth.LogoutHandler)
		authGroup.GET("/status", auth.StatusHandler)
	}

	protected := apiGroup.Group("")
	protected.Use(auth.RequireAuth())
	{
		protected.POST("/jobs", jobs.CreateJob)
		protected.GET("/jobs", jobs.ListJobs)
		protected.GET("/jobs/:id", jobs.GetJob)
		protected.POST("/jobs/:id/cancel", jobs.CancelJob)
		protected.POST("/jobs/:id/complete", jobs.CompleteJob)
		protected.DELETE("/jobs/:id", jobs.DeleteJob)

		protected.GET("/printers", printers.ListPrinters)
		protected.GET("/printers/:id", printers.GetPrinter)
		protected.GET("/printers/:id/diag", printers.Diag)
		protected.POST("/printers/:id/pause", printers.Pause)
		protected.POST("/printers/:id/resume", printers.Resume)
		protected.POST("/printers/:id/stop", printers.Stop)
		protected.POST("/printers/:id/fault/clear", printers.ClearFault)
		protected.POST("/printers/:id/light/on", printers.Light(true))
		protected.POST("/printers/:id/light/off", printers.Light(false))
		protected.POST("/printers/:id/light/chamber/on", printers.ChamberLight(true))
		protected.POST("/printers/:id/light/chamber/off", printers.ChamberLight(false))
		protected.POST("/printers/:id/jog", printers.Jog)
		protected.POST("/printers/:id/home", printers.Home)
		protected.POST("/printers/:id/temps", printers.SetTemps)
		protected.POST("/printers/:id/fans", printers.SetFans)
		protected.POST("/printers/:id/filament/select", printers.SelectFilament)
		protected.GET("/printers/:id/camera", printers.Camera)
		protected.POST("/printers/:id/upload", printers.Upload)
		protected.POST("/printers/:id/start", printers.Start)

		protected.POST("/broadcast/pause", broadcast.Pause)
		protected.POST("/broadcast/resume", broadcast.Resume)
		protected.POST("/broadcast/stop", broadcast.Stop)
		protected.POST("/broadcast/light/on", broadcast.Light(true))
		protected.POST("/broadcast/light/off", broadcast.Light(false))
		protected.POST("/broadcast/fans", broadcast.Fans)

		protected.GET("/dispatch/status", dispatch.Status)
		protected.POST("/dispatch/once", dispatch.Once)
	}

	return r, nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Health checks are noise at info level.
		if c.Request.URL.Path == "/healthz" {
			return
		}
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start).Round(time.Millisecond),
		)
	}
}
