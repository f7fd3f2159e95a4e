// Package api is the admin HTTP surface: list and inspect definitions,
// create, edit and delete them, drive schedule/reschedule/shutdown and
// suspend or resume the whole scheduler.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskd/internal/auth"
	"taskd/internal/task"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

const HeaderAPIKey = "X-API-Key"

// Scheduler is the part of scheduler.Service the API drives.
type Scheduler interface {
	RegisteredTasks() []*task.Definition
	ScheduledTasks() []*task.Definition
	TaskByID(ctx context.Context, id int64) (*task.Definition, error)
	SaveTaskDefinition(ctx context.Context, def *task.Definition) error
	DeleteTask(ctx context.Context, id int64) error
	ScheduleTask(ctx context.Context, def *task.Definition) (task.Task, error)
	RescheduleTask(ctx context.Context, def *task.Definition) (task.Task, error)
	ShutdownTask(ctx context.Context, def *task.Definition) error
	Status(id int64) string
	NextExecution(id int64) (time.Time, bool)
	ErrorTaskIDs() []int64
	History(id int64) []scheduler.Run
}

// Suspender holds at most one pending suspension of the scheduler.
type Suspender interface {
	Suspend(ctx context.Context) ([]int64, error)
	Resume(ctx context.Context) (scheduler.RestoreReport, error)
}

type Config struct {
	Addr         string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Pprof mounts /debug/pprof (same API key).
	Pprof bool
}

type Server struct {
	cfg    Config
	log    logx.Logger
	engine *gin.Engine
	srv    *http.Server
}

func New(cfg Config, sched Scheduler, susp Suspender, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "api"))
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	r := gin.New()
	r.Use(requestLogger(log), gin.Recovery())
	h := &handler{sched: sched, susp: susp, log: log}

	r.GET("/health", h.health)
	v1 := r.Group("/api/v1", requireKey(cfg.APIKey))
	{
		v1.GET("/tasks", h.listTasks)
		v1.POST("/tasks", h.createTask)
		v1.GET("/tasks/scheduled", h.scheduledTasks)
		v1.GET("/tasks/:id", h.showTask)
		v1.PUT("/tasks/:id", h.updateTask)
		v1.DELETE("/tasks/:id", h.deleteTask)
		v1.GET("/tasks/:id/status", h.taskStatus)
		v1.GET("/tasks/:id/history", h.taskHistory)
		v1.POST("/tasks/:id/schedule", h.scheduleTask)
		v1.POST("/tasks/:id/reschedule", h.rescheduleTask)
		v1.POST("/tasks/:id/shutdown", h.shutdownTask)

		v1.GET("/history", h.history)
		v1.GET("/scheduler/errors", h.errorTasks)
		v1.POST("/scheduler/suspend", h.suspend)
		v1.POST("/scheduler/resume", h.resume)
	}

	if cfg.Pprof {
		mountPprof(r, cfg.APIKey)
	}

	return &Server{
		cfg:    cfg,
		log:    log,
		engine: r,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on Addr and serves in the background. Listen errors are
// returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requireKey checks X-API-Key and runs the request as the admin actor.
func requireKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderAPIKey))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		actor := auth.Admin()
		actor.Name = "api"
		c.Request = c.Request.WithContext(auth.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("client", c.ClientIP()),
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, logx.String("err", msg))
		}
		if status >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
