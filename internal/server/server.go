package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/splitcheck/splitcheck/internal/auth"
	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/config"
	"github.com/splitcheck/splitcheck/internal/connection"
	"github.com/splitcheck/splitcheck/internal/observability"
	obslogger "github.com/splitcheck/splitcheck/internal/observability/logger"
	obsmetrics "github.com/splitcheck/splitcheck/internal/observability/metrics"
	"github.com/splitcheck/splitcheck/internal/observability/obscontext"
	obstracing "github.com/splitcheck/splitcheck/internal/observability/tracing"
	"github.com/splitcheck/splitcheck/internal/queue"
	"github.com/splitcheck/splitcheck/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// NewEngine assembles the middleware chain shared by every route.
func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{Debug: obsCfg.Debug()}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

// Server routes HTTP requests into the task queue and the check service.
type Server struct {
	engine           *gin.Engine
	cfg              config.Config
	verifier         *auth.Verifier
	checks           domain.Service
	queue            *queue.Queue
	manager          *connection.Manager
	recognizeLimiter ratelimit.Limiter
	log              *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin              *gin.Engine
	Cfg              config.Config
	Verifier         *auth.Verifier
	Checks           domain.Service
	Queue            *queue.Queue
	Manager          *connection.Manager
	RecognizeLimiter ratelimit.Limiter
	Log              *zap.Logger
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:           p.Gin,
		cfg:              p.Cfg,
		verifier:         p.Verifier,
		checks:           p.Checks,
		queue:            p.Queue,
		manager:          p.Manager,
		recognizeLimiter: p.RecognizeLimiter,
		log:              p.Log.Named("server"),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/api/v1/events", s.ListEventTypes)

	api := s.engine.Group("/api/v1", s.requireUser())
	{
		api.GET("/checks/:id", s.GetCheck)
		api.POST("/checks", s.CreateCheck)
		api.POST("/recognize", s.RecognizeReceipt)
		api.DELETE("/checks/:id", s.DeleteCheck)
		api.PATCH("/checks/:id/name", s.RenameCheck)
		api.PATCH("/checks/:id/status", s.SetCheckStatus)

		api.POST("/checks/:id/items", s.AddItem)
		api.PUT("/checks/:id/items/:item_id", s.EditItem)
		api.DELETE("/checks/:id/items/:item_id", s.DeleteItem)
		api.PUT("/checks/:id/items/:item_id/split", s.SplitItem)

		api.POST("/checks/:id/join", s.JoinCheck)
		api.POST("/checks/:id/leave", s.LeaveCheck)
		api.PUT("/checks/:id/selection", s.SelectItems)

		api.GET("/stream", s.Stream)
	}
}

// requireUser authenticates the bearer token and stashes the user id on the
// request context.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			// Browsers cannot set headers on EventSource requests.
			raw = strings.TrimSpace(c.Query("token"))
		}

		userID, err := s.verifier.UserID(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := obscontext.WithUserID(c.Request.Context(), userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func currentUserID(c *gin.Context) int64 {
	return obscontext.UserIDFromContext(c.Request.Context())
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
