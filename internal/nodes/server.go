package nodes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the command server a persistent sandbox exposes on its
// command port.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	invoker *LocalInvoker
	logger  *zap.Logger
}

// NewServer creates a command server for wf
func NewServer(port int, wf *domain.WorkflowDescriptor, registry *Registry, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		invoker: NewLocalInvoker(wf, registry, logger),
		logger:  logger,
	}

	router.POST("/health", s.handleHealth)
	router.POST("/execute_node", s.handleExecuteNode)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting command server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start command server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleExecuteNode always answers with a NodeResult; node failures are
// reported in the body, not the HTTP status.
func (s *Server) handleExecuteNode(c *gin.Context) {
	var req domain.ExecuteNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NodeID == "" {
		msg := "node_id is required"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, domain.NodeResult{Status: domain.NodeStatusError, Error: msg})
		return
	}

	start := time.Now()
	output, err := s.invoker.Invoke(c.Request.Context(), req.NodeID, req.Payload)
	result := domain.NodeResult{NodeID: req.NodeID, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = domain.NodeStatusError
		result.Error = errorMessage(err)
		c.JSON(http.StatusOK, result)
		return
	}

	result.Status = domain.NodeStatusSuccess
	result.Result = output
	c.JSON(http.StatusOK, result)
}

// errorMessage strips the dispatch wrapper so the orchestrator does not
// wrap it twice.
func errorMessage(err error) string {
	var de *domain.DispatchError
	if errors.As(err, &de) {
		if de.Err != nil {
			return de.Err.Error()
		}
		return de.Reason
	}
	return err.Error()
}
