package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/inference"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
	"github.com/roastops/roastd/pkg/version"
)

// InferenceServer serves per-machine heuristics config and engine status.
type InferenceServer struct {
	engine  *inference.Engine
	configs *storage.MachineConfigRepo
	db      *database.Client
}

// NewInferenceServer creates the inference HTTP surface.
func NewInferenceServer(engine *inference.Engine, configs *storage.MachineConfigRepo, db *database.Client) *InferenceServer {
	return &InferenceServer{engine: engine, configs: configs, db: db}
}

// Routes registers the inference endpoints.
func (s *InferenceServer) Routes(r *gin.Engine) {
	r.POST("/config", s.upsertConfig)
	r.GET("/config", s.getConfig)
	r.DELETE("/config", s.deleteConfig)
	r.GET("/config/defaults", s.defaults)
	r.GET("/status", s.status)
	r.GET("/health", s.health)
}

type upsertConfigRequest struct {
	OrgID     string                  `json:"orgId"`
	SiteID    string                  `json:"siteId"`
	MachineID string                  `json:"machineId"`
	Config    models.HeuristicsConfig `json:"config"`
}

func (s *InferenceServer) upsertConfig(c *gin.Context) {
	var req upsertConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := models.MachineKey{OrgID: req.OrgID, SiteID: req.SiteID, MachineID: req.MachineID}
	merged, err := s.engine.UpsertConfig(c.Request.Context(), key, req.Config)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, merged)
}

func machineKeyQuery(c *gin.Context) models.MachineKey {
	return models.MachineKey{
		OrgID:     c.Query("orgId"),
		SiteID:    c.Query("siteId"),
		MachineID: c.Query("machineId"),
	}
}

func (s *InferenceServer) getConfig(c *gin.Context) {
	key := machineKeyQuery(c)
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	isDefault := false
	if _, err := s.configs.Get(c.Request.Context(), key); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			mapServiceError(c, err)
			return
		}
		isDefault = true
	}
	cfg, err := s.engine.EffectiveConfig(c.Request.Context(), key)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg, "isDefault": isDefault})
}

func (s *InferenceServer) deleteConfig(c *gin.Context) {
	key := machineKeyQuery(c)
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.configs.Delete(c.Request.Context(), key); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *InferenceServer) defaults(c *gin.Context) {
	c.JSON(http.StatusOK, models.DefaultHeuristics())
}

func (s *InferenceServer) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":      "event-inference",
		"version":      version.Full(),
		"liveSessions": s.engine.SessionCount(),
	})
}

func (s *InferenceServer) health(c *gin.Context) {
	healthCheck(c, s.db)
}

// healthCheck is the shared /health handler: reports database reachability.
func healthCheck(c *gin.Context, db *database.Client) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}
