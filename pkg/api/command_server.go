package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roastops/roastd/pkg/command"
	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/models"
)

// CommandServer serves the proposal lifecycle.
type CommandServer struct {
	service *command.Service
	db      *database.Client
}

// NewCommandServer creates the command HTTP surface.
func NewCommandServer(service *command.Service, db *database.Client) *CommandServer {
	return &CommandServer{service: service, db: db}
}

// Routes registers the proposal endpoints.
func (s *CommandServer) Routes(r *gin.Engine) {
	r.POST("/proposals", s.propose)
	r.POST("/proposals/:id/approve", s.approve)
	r.POST("/proposals/:id/reject", s.reject)
	r.POST("/proposals/:id/execute", s.beginExecution)
	r.POST("/proposals/:id/outcome", s.completeExecution)
	r.GET("/proposals", s.list)
	r.GET("/proposals/pending", s.listPending)
	r.GET("/proposals/:id", s.get)
	r.GET("/health", s.health)
}

func (s *CommandServer) propose(c *gin.Context) {
	var req models.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.service.Propose(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *CommandServer) approve(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.service.Approve(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *CommandServer) reject(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.service.Reject(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *CommandServer) beginExecution(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.service.BeginExecution(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type outcomeRequest struct {
	Actor   string                `json:"actor"`
	Outcome models.CommandOutcome `json:"outcome"`
}

func (s *CommandServer) completeExecution(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.service.CompleteExecution(c.Request.Context(), c.Param("id"), req.Actor, req.Outcome)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *CommandServer) get(c *gin.Context) {
	p, err := s.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// list serves GET /proposals with optional machineId or sessionId filters.
func (s *CommandServer) list(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		proposals []*models.CommandProposal
		err       error
	)
	switch {
	case c.Query("machineId") != "":
		proposals, err = s.service.ListByMachine(ctx, c.Query("machineId"))
	case c.Query("sessionId") != "":
		proposals, err = s.service.ListBySession(ctx, c.Query("sessionId"))
	default:
		proposals, err = s.service.ListAll(ctx, intQuery(c, "limit", 100))
	}
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (s *CommandServer) listPending(c *gin.Context) {
	proposals, err := s.service.ListPendingApprovals(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (s *CommandServer) health(c *gin.Context) {
	healthCheck(c, s.db)
}
