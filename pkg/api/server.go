// Package api exposes a read-only HTTP surface over the task store and
// audit output for operational inspection. It never mutates tasks.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentforge/agentforge/pkg/audit"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/store"
)

// Server wires the inspection endpoints.
type Server struct {
	store   *store.Store
	auditor *audit.Logger
	router  *gin.Engine
}

// NewServer builds the router. auditor may be nil; the summary endpoint
// then returns 404 for every task.
func NewServer(st *store.Store, auditor *audit.Logger) *Server {
	s := &Server{store: st, auditor: auditor}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	api := router.Group("/api")
	{
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.GET("/tasks/:id/actions", s.handleGetActions)
		api.GET("/tasks/:id/summary", s.handleGetSummary)
	}
	s.router = router
	return s
}

// Router returns the underlying gin engine (used by tests and by Run).
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := models.Phase(c.Query("status"))
	ids, err := s.store.ListTasks(status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": ids})
}

// taskResponse is the wire shape of one task's state.
type taskResponse struct {
	TaskID       string                    `json:"task_id"`
	TaskType     string                    `json:"task_type"`
	Goal         string                    `json:"goal"`
	Phase        models.Phase              `json:"phase"`
	CurrentStep  int                       `json:"current_step"`
	Verification models.VerificationStatus `json:"verification"`
	Error        string                    `json:"error,omitempty"`
}

func (s *Server) handleGetTask(c *gin.Context) {
	state, err := s.store.Load(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, taskResponse{
		TaskID:       state.Spec.TaskID,
		TaskType:     state.Spec.TaskType,
		Goal:         state.Spec.Goal,
		Phase:        state.Phase,
		CurrentStep:  state.CurrentStep,
		Verification: state.Verification,
		Error:        state.Error,
	})
}

func (s *Server) handleGetActions(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.store.Load(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	actions, err := s.store.GetActions(taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if actions == nil {
		actions = []models.ActionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (s *Server) handleGetSummary(c *gin.Context) {
	if s.auditor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit disabled"})
		return
	}
	summary, err := s.auditor.ReadSummary(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "summary not found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
