// Package api exposes the operator-facing HTTP interface: status, balance
// lookups, manual refresh, breaker reset, and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"exchange-api-governor/internal/auth"
	"exchange-api-governor/internal/events"
	"exchange-api-governor/internal/governor"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ProductionMode  bool     `json:"production_mode"`
	AllowedOrigins  []string `json:"allowed_origins"`
	OperatorName    string   `json:"operator_name"`
	PasswordBcrypt  string   `json:"password_bcrypt"`
	JWTSecret       string   `json:"jwt_secret"`
	TokenTTLMinutes int      `json:"token_ttl_minutes"`
}

// Server is the admin HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	gov        *governor.Governor
	bus        *events.Bus
	jwtManager *auth.JWTManager
	config     ServerConfig
	log        zerolog.Logger
}

// NewServer creates the admin API server.
func NewServer(cfg ServerConfig, gov *governor.Governor, bus *events.Bus, log zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:     router,
		gov:        gov,
		bus:        bus,
		jwtManager: auth.NewJWTManager(cfg.JWTSecret, time.Duration(cfg.TokenTTLMinutes)*time.Minute),
		config:     cfg,
		log:        log.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/login", s.handleLogin)

	v1 := s.router.Group("/api/v1")
	v1.Use(auth.Middleware(s.jwtManager))
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/balances/:asset", s.handleGetBalance)
		v1.POST("/balances/:asset/refresh", s.handleRefreshBalance)
		v1.GET("/history/:asset", s.handleHistory)
		v1.POST("/breaker/reset", s.handleBreakerReset)
		v1.GET("/events", s.handleEventStream)
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("admin API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }
