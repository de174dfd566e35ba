package server

import (
	"context"
	"fmt"
	"net/http"

	"claude-relay-go/internal/config"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/middleware"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/retrypolicy"
	"claude-relay-go/internal/runtime"
	"claude-relay-go/internal/selection"
	"claude-relay-go/internal/stats"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/upstream"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Deps bundles everything the gateway server needs. All fields are required
// except Metrics and Tasks.
type Deps struct {
	Config    *config.Config
	Store     storage.Backend
	Registry  *registry.Registry
	Selector  *selection.Engine
	Tokens    *token.Manager
	Adapters  *upstream.Registry
	Client    *upstream.Client
	Resolver  *upstream.ModelResolver
	Settings  *config.SettingsCache
	Stats     *stats.Service
	Metrics   *monitoring.Metrics
	Tasks     *runtime.TaskManager
	Policy    retrypolicy.Policy
}

// Server is the inbound HTTP gateway: the Claude and OpenAI surfaces plus
// the admin API.
type Server struct {
	deps Deps
	http *http.Server
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// BuildEngine assembles the gin engine with the full middleware chain and
// route set.
func (s *Server) BuildEngine() *gin.Engine {
	cfg := s.deps.Config
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.RequestLogger(),
		middleware.Metrics(),
		middleware.CORS(),
	)

	base := engine.Group(cfg.BasePath)
	base.GET("/health", s.handleHealth)
	base.GET("/metrics", middleware.MetricsHandler)

	v1 := base.Group("/v1")
	v1.Use(middleware.APIKeyAuth(s.deps.Store))
	if cfg.RateLimitEnabled {
		v1.Use(middleware.RateLimiterAutoKey(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	v1.Use(middleware.ConcurrencyLimiter(cfg.DefaultConcurrent))
	v1.GET("/models", s.handleModels)
	v1.POST("/messages", s.handleMessages)
	v1.POST("/chat/completions", s.handleChatCompletions)

	admin := base.Group("/admin/api")
	admin.Use(middleware.AdminAuth(config.AdminKeyValidator(cfg)))
	s.registerAdminRoutes(admin)

	return engine
}

// Run serves until the context is canceled, then drains with a shutdown
// grace period.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.deps.Config
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.BuildEngine(),
		ReadTimeout:  constants.UpstreamConnectTimeout,
		WriteTimeout: 0, // streamed responses; the pipeline enforces idle timeouts
		IdleTimeout:  constants.InboundIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.http.Addr).Info("Gateway listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
