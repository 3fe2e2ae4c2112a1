// Package http is the debug/inspection API: a read-only window onto the
// environment table, the frame allocator, and the monitor's post-mortem
// reports, plus the Prometheus metrics endpoint and the trace websocket.
package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/api/middleware"
	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/GoKernel/internal/kernel"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
	"github.com/GriffinCanCode/GoKernel/internal/ws"
)

// Server serves the debug API for one kernel.
type Server struct {
	router *gin.Engine
	kern   *kernel.Kernel
	hub    *ws.Hub
	log    *logging.Logger
	srv    *http.Server
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, kern *kernel.Kernel, hub *ws.Hub, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	s := &Server{router: router, kern: kern, hub: hub, log: log}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		kern.Metrics().Registry, promhttp.HandlerOpts{})))
	router.GET("/envs", s.handleEnvs)
	router.GET("/envs/:id/mappings", s.handleMappings)
	router.GET("/frames", s.handleFrames)
	router.GET("/monitor/reports", s.handleReports)
	router.GET("/ws/trace", hub.HandleConnection)

	return s
}

// Run starts serving on addr; it blocks until shutdown.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info("debug api listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	if s.kern.Monitor().Active() {
		status = "monitor"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"boot_id": s.kern.BootID(),
	})
}

func (s *Server) handleEnvs(c *gin.Context) {
	d := s.kern.Dispatcher()
	d.EnvLock().Acquire(klock.Aux)
	snapshot := d.Table().Snapshot()
	d.EnvLock().Release(klock.Aux)
	c.JSON(http.StatusOK, gin.H{"envs": snapshot})
}

func (s *Server) handleFrames(c *gin.Context) {
	d := s.kern.Dispatcher()
	d.PageLock().Acquire(klock.Aux)
	total := d.Alloc().Total()
	free := d.Alloc().FreeCount()
	d.PageLock().Release(klock.Aux)
	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"free":  free,
		"used":  total - free,
	})
}

type mappingView struct {
	VA       string `json:"va"`
	Frame    uint32 `json:"frame"`
	Writable bool   `json:"writable"`
	COW      bool   `json:"cow"`
}

func (s *Server) handleMappings(c *gin.Context) {
	raw, err := strconv.ParseInt(c.Param("id"), 0, 32)
	if err != nil || raw == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad environment id"})
		return
	}
	d := s.kern.Dispatcher()
	d.EnvLock().Acquire(klock.Aux)
	e, rerr := d.Table().Resolve(env.ID(raw), nil, false)
	var views []mappingView
	if rerr == nil {
		d.PageLock().Acquire(klock.Aux)
		e.Space.Mappings(mem.UTop, func(va mem.VAddr, pte vm.PTE) {
			views = append(views, mappingView{
				VA:       "0x" + strconv.FormatUint(uint64(va), 16),
				Frame:    uint32(pte.Frame()),
				Writable: pte.Writable(),
				COW:      pte.COW(),
			})
		})
		d.PageLock().Release(klock.Aux)
	}
	d.EnvLock().Release(klock.Aux)
	if rerr != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": rerr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": views})
}

func (s *Server) handleReports(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reports": s.kern.Monitor().Reports()})
}
