package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aporia-zero/meshchat/pkg/metrics"
	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// APIServer represents the REST API server
type APIServer struct {
	// Configuration
	config *APIConfig

	// Router
	router *gin.Engine

	// Services
	services *APIServices

	// Server instance
	server   *http.Server
	listener net.Listener

	// Logger
	logger *zap.Logger
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	AllowedOrigins []string
	EnableMetrics  bool

	// Outgoing messages accepted per client and window
	MessageRateLimit  int
	MessageRateWindow time.Duration
}

// APIServices represents the services used by the API
type APIServices struct {
	NodeService    NodeService
	MessageService MessageService
	PubSubService  PubSubService
	EventService   EventService

	// Registry served at /metrics, Recorder observes requests
	Registry *prometheus.Registry
	Recorder *metrics.Recorder
}

// Service interfaces
type NodeService interface {
	GetNodeInfo() types.NodeInfo
	GetPeers() []types.Peer
	AddPeer(addr string) error
	RemovePeer(id string) error
	PingPeer(id string) (time.Duration, error)
	GetProtocols() map[string]map[string]interface{}
}

type MessageService interface {
	SendMessage(text string) error
	GetMessages(limit int) []*types.ChatMessage
	GetMessagesByPeer(peerID string, limit int) []*types.ChatMessage
	GetMessage(id string) (*types.ChatMessage, error)
	DeleteMessage(id string) error
	ClearMessages()
	GetInboxStats() types.InboxStats
}

type PubSubService interface {
	GetGossipState() (types.GossipState, error)
	GetFloodPeers() ([]string, error)
}

type EventService interface {
	Subscribe() (<-chan types.Event, func())
}

// NewAPIServer creates a new API server
func NewAPIServer(config *APIConfig, services *APIServices, logger *zap.Logger) (*APIServer, error) {
	if config == nil {
		config = DefaultAPIConfig()
	}
	if services == nil || services.NodeService == nil || services.MessageService == nil {
		return nil, errors.New("api: node and message services are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Create Gin router
	router := gin.New()

	// Create server
	server := &APIServer{
		config:   config,
		router:   router,
		services: services,
		logger:   logger.Named("api"),
	}

	// Initialize routes
	server.initializeRoutes()

	return server, nil
}

// Start binds the listen address and serves in the background
func (s *APIServer) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	s.listener = l

	// Configure HTTP server
	s.server = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	// Start server
	s.logger.Info("Starting API server", zap.String("addr", l.Addr().String()))

	go func() {
		if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *APIServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the API server
func (s *APIServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Initialize routes
func (s *APIServer) initializeRoutes() {
	// Add middleware
	s.router.Use(recoveryMiddleware(s.logger))
	s.router.Use(corsMiddleware(s.config.AllowedOrigins))
	s.router.Use(loggerMiddleware(s.logger))
	s.router.Use(metricsMiddleware(s.services.Recorder))

	s.router.GET("/health", s.handleHealthCheck)

	// API version group
	v1 := s.router.Group("/api/v1")
	v1.Use(validationMiddleware())
	{
		// Node endpoints
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleGetNodeInfo)
			node.GET("/peers", s.handleGetPeers)
			node.POST("/peers", s.handleAddPeer)
			node.DELETE("/peers/:id", s.handleRemovePeer)
			node.GET("/peers/:id/ping", s.handlePingPeer)
			node.GET("/protocols", s.handleGetProtocols)
		}

		// Message endpoints
		msgs := v1.Group("/messages")
		{
			msgs.GET("", s.handleGetMessages)
			msgs.POST("", rateLimiterMiddleware(s.config.MessageRateLimit, s.config.MessageRateWindow),
				s.handleSendMessage)
			msgs.DELETE("", s.handleClearMessages)
			msgs.GET("/:id", s.handleGetMessage)
			msgs.DELETE("/:id", s.handleDeleteMessage)
		}
		v1.GET("/inbox", s.handleGetInboxStats)

		// Pub/sub view endpoints
		ps := v1.Group("/pubsub")
		if s.services.PubSubService != nil {
			ps.GET("/gossip", s.handleGetGossipState)
			ps.GET("/flood", s.handleGetFloodPeers)
		}

		if s.services.EventService != nil {
			v1.GET("/events", s.handleEvents)
		}
	}

	// Metrics endpoint
	if s.config.EnableMetrics && s.services.Registry != nil {
		s.router.GET("/metrics", gin.WrapH(metrics.Handler(s.services.Registry)))
	}
}

// Health check endpoint
func (s *APIServer) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// GetRouter returns the Gin router instance
func (s *APIServer) GetRouter() *gin.Engine {
	return s.router
}

// Default configuration
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		AllowedOrigins: []string{"*"},
		EnableMetrics:  true,

		MessageRateLimit:  20,
		MessageRateWindow: time.Second,
	}
}

// ConfigFrom converts the api configuration section. Write timeouts stay
// off so event streams can stay open.
func ConfigFrom(ac types.APIConfig) *APIConfig {
	config := DefaultAPIConfig()
	config.Host = ac.Host
	config.Port = ac.Port
	if len(ac.CorsAllowList) > 0 {
		config.AllowedOrigins = ac.CorsAllowList
	}
	return config
}

// API error response
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// API success response
type APIResponse struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message,omitempty"`
}

// Helper function for error responses
func errorResponse(c *gin.Context, status int, err error) {
	c.Error(err)
	c.JSON(status, APIError{
		Code:    status,
		Message: err.Error(),
	})
}

// Helper function for success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Data: data,
	})
}

// statusFor maps core errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case types.IsCode(err, types.ErrCodeAddressParse),
		types.IsCode(err, types.ErrCodeUnsupportedAddress),
		types.IsCode(err, types.ErrCodeValidation):
		return http.StatusBadRequest
	case types.IsCode(err, types.ErrCodePeerConnection),
		types.IsCode(err, types.ErrCodeNotFound):
		return http.StatusNotFound
	case types.IsCode(err, types.ErrCodeQueueFull),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
