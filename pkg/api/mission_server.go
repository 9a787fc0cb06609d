package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/mission"
	"github.com/roastops/roastd/pkg/models"
)

// MissionServer serves the mission queue.
type MissionServer struct {
	store *mission.Store
	db    *database.Client
}

// NewMissionServer creates the mission HTTP surface.
func NewMissionServer(store *mission.Store, db *database.Client) *MissionServer {
	return &MissionServer{store: store, db: db}
}

// Routes registers the mission endpoints.
func (s *MissionServer) Routes(r *gin.Engine) {
	r.POST("/missions", s.create)
	r.POST("/missions/claim", s.claim)
	r.POST("/missions/:id/heartbeat", s.heartbeat)
	r.POST("/missions/:id/complete", s.complete)
	r.POST("/missions/:id/fail", s.fail)
	r.GET("/missions", s.list)
	r.GET("/missions/metrics", s.metrics)
	r.GET("/missions/:id", s.get)
	r.GET("/health", s.health)
}

func (s *MissionServer) create(c *gin.Context) {
	var req models.CreateMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, created, err := s.store.Create(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, m)
}

type claimRequest struct {
	AgentName    string   `json:"agentName"`
	Goals        []string `json:"goals"`
	LeaseSeconds float64  `json:"leaseSeconds,omitempty"`
}

func (s *MissionServer) claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.store.Claim(c.Request.Context(), req.AgentName, req.Goals, req.LeaseSeconds)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if m == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, m)
}

type leaseRequest struct {
	LeaseID   string `json:"leaseId"`
	AgentName string `json:"agentName,omitempty"`
}

func (s *MissionServer) heartbeat(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.store.Heartbeat(c.Request.Context(), c.Param("id"), req.LeaseID, req.AgentName)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *MissionServer) complete(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.store.Complete(c.Request.Context(), c.Param("id"), req.LeaseID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type failRequest struct {
	LeaseID   string `json:"leaseId"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (s *MissionServer) fail(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.store.Fail(c.Request.Context(), c.Param("id"), req.LeaseID, req.Error, req.Retryable)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *MissionServer) get(c *gin.Context) {
	m, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *MissionServer) list(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	missions, err := s.store.List(c.Request.Context(), limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missions": missions})
}

func (s *MissionServer) metrics(c *gin.Context) {
	counts, claimable, err := s.store.Stats(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"byStatus": counts, "claimable": claimable})
}

func (s *MissionServer) health(c *gin.Context) {
	healthCheck(c, s.db)
}
