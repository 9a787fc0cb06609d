package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/governance"
	"github.com/roastops/roastd/pkg/models"
)

// GovernanceServer serves governance state, metrics, and breaker controls.
type GovernanceServer struct {
	service *governance.Service
	db      *database.Client
}

// NewGovernanceServer creates the governance HTTP surface.
func NewGovernanceServer(service *governance.Service, db *database.Client) *GovernanceServer {
	return &GovernanceServer{service: service, db: db}
}

// Routes registers the governance endpoints.
func (s *GovernanceServer) Routes(r *gin.Engine) {
	r.GET("/metrics/current", s.metricsCurrent)
	r.GET("/metrics/weekly", s.metricsWeekly)
	r.GET("/metrics/latest", s.metricsLatest)
	r.GET("/governance/state", s.state)
	r.POST("/governance/run-cycle", s.runCycle)
	r.GET("/circuit-breaker/rules", s.rules)
	r.POST("/circuit-breaker/rules", s.createRule)
	r.PATCH("/circuit-breaker/rules/:name", s.patchRule)
	r.GET("/circuit-breaker/events", s.events)
	r.POST("/circuit-breaker/events/:id/resolve", s.resolveEvent)
	r.GET("/health", s.health)
}

func (s *GovernanceServer) metricsCurrent(c *gin.Context) {
	var start, end time.Time
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start: " + err.Error()})
			return
		}
		start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end: " + err.Error()})
			return
		}
		end = t
	}
	m, err := s.service.CurrentMetrics(c.Request.Context(), start, end)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *GovernanceServer) metricsWeekly(c *gin.Context) {
	m, err := s.service.WeeklyMetrics(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *GovernanceServer) metricsLatest(c *gin.Context) {
	m, err := s.service.LatestSnapshot(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *GovernanceServer) state(c *gin.Context) {
	state, err := s.service.State(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *GovernanceServer) runCycle(c *gin.Context) {
	events, err := s.service.RunCycle(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fired": len(events), "events": events})
}

func (s *GovernanceServer) rules(c *gin.Context) {
	rules, err := s.service.Rules(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

type createRuleRequest struct {
	Name          string  `json:"name"`
	Enabled       bool    `json:"enabled"`
	Condition     string  `json:"condition"`
	WindowSeconds float64 `json:"windowSeconds,omitempty"`
	Action        string  `json:"action"`
	AlertSeverity string  `json:"alertSeverity,omitempty"`
	PauseType     string  `json:"pauseType,omitempty"`
}

func (s *GovernanceServer) createRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule := models.BreakerRule{
		Name:          req.Name,
		Enabled:       req.Enabled,
		Condition:     req.Condition,
		Window:        time.Duration(req.WindowSeconds * float64(time.Second)),
		Action:        models.BreakerAction(req.Action),
		AlertSeverity: req.AlertSeverity,
		PauseType:     models.CommandType(req.PauseType),
	}
	created, err := s.service.CreateRule(c.Request.Context(), rule)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *GovernanceServer) patchRule(c *gin.Context) {
	var patch governance.RulePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := s.service.PatchRule(c.Request.Context(), c.Param("name"), patch)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *GovernanceServer) events(c *gin.Context) {
	events, err := s.service.Events(c.Request.Context(), intQuery(c, "limit", 100))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *GovernanceServer) resolveEvent(c *gin.Context) {
	if err := s.service.ResolveEvent(c.Request.Context(), c.Param("id")); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (s *GovernanceServer) health(c *gin.Context) {
	healthCheck(c, s.db)
}
