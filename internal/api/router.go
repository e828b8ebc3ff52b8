package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relaycast/internal/observability/logging"
)

// RouterConfig controls the middleware installed on the API group.
type RouterConfig struct {
	// JWTSecret enables HS256 bearer authentication on /api when set.
	JWTSecret string
	// AuditLogger receives one entry per mutating API call. Nil disables the
	// audit trail.
	AuditLogger *slog.Logger
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter builds the gin engine serving h.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		h.requestLogger(c).Error("handler panic", "panic", recovered)
		abortWithError(c, http.StatusInternalServerError, errInternal)
	}))
	engine.HandleMethodNotAllowed = true
	engine.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, errNotFound)
	})
	engine.NoMethod(func(c *gin.Context) {
		abortWithError(c, http.StatusMethodNotAllowed, errMethodNotAllowed)
	})

	engine.GET("/healthz", h.Health)
	engine.GET("/metrics", h.MetricsText)

	apiGroup := engine.Group("/api")
	if cfg.JWTSecret != "" {
		apiGroup.Use(requireBearer(cfg.JWTSecret))
	}
	if cfg.AuditLogger != nil {
		apiGroup.Use(auditTrail(cfg.AuditLogger))
	}
	{
		jobs := apiGroup.Group("/jobs")
		jobs.POST("", h.CreateJobs)
		jobs.GET("", h.ListJobs)
		jobs.POST("/stop-all", h.StopAll)
		jobs.POST("/:id/stop", h.StopJob)
		jobs.POST("/:id/restart", h.RestartJob)
		jobs.PATCH("/:id/live", h.UpdateLive)

		videos := apiGroup.Group("/videos")
		videos.GET("", h.ListVideos)
		videos.POST("", h.CreateVideo)

		profiles := apiGroup.Group("/profiles")
		profiles.GET("", h.ListProfiles)
		profiles.POST("", h.CreateProfile)
		profiles.POST("/preview", h.PreviewProfile)

		pages := apiGroup.Group("/pages")
		pages.GET("", h.ListPages)
		pages.GET("/:id", h.GetPage)
		pages.POST("/sync", h.SyncPages)
	}
	return engine
}

// auditTrail logs every mutating request after it completes.
func auditTrail(logger *slog.Logger) gin.HandlerFunc {
	logger = logging.WithComponent(logger, "audit")
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		subject := c.GetString(subjectGinKey)
		if subject == "" {
			subject = "unauthenticated"
		}
		logging.WithContext(c.Request.Context(), logger).Info("api mutation",
			"subject", subject,
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"job_id", c.Param("id"),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
