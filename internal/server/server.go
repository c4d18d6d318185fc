package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ncol/publisher-service/internal/access"
	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/dispatch"
	"github.com/ncol/publisher-service/internal/logging"
	"github.com/ncol/publisher-service/internal/models"
	"github.com/ncol/publisher-service/internal/selection"
	"github.com/ncol/publisher-service/internal/settings"
	"github.com/ncol/publisher-service/internal/storage"
)

// TransitionHandler is the dispatch core as seen by the adapter
type TransitionHandler interface {
	OnPublishTransition(ctx context.Context, ev models.TransitionEvent) dispatch.Outcome
}

// Dependencies are the collaborators the HTTP adapter drives
type Dependencies struct {
	Store      storage.Storage
	Selection  *selection.Service
	Dispatcher TransitionHandler
	Settings   *settings.Store
	AdminCap   string
	Gatherer   prometheus.Gatherer
	Logger     logging.Logger
}

// Server translates CMS calls into selection and dispatch operations
type Server struct {
	config config.ServerConfig
	deps   Dependencies
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.AdminCap == "" {
		deps.AdminCap = access.CapManageOptions
	}

	s := &Server{
		config: cfg,
		deps:   deps,
	}

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(deps.Logger))
	router.Use(recoveryMiddleware(deps.Logger))
	router.SetHTMLTemplate(complianceTemplate)

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	router.GET("/oauth/:platform/:page", s.handleCompliance)

	api := router.Group("/api", adapterAuthMiddleware(cfg.AdapterToken, cfg.AllowInsecure), actorMiddleware())
	api.GET("/posts/:id/selection", s.handleRenderSelection)
	api.POST("/posts/:id/selection", s.handleSaveSelection)
	api.GET("/posts/:id/state", s.handleState)
	api.POST("/events/transition", s.handleTransition)

	// actor headers are only trustworthy behind the adapter token, and the
	// settings hold the API key
	if cfg.AdapterToken != "" {
		api.GET("/admin/settings", s.handleGetSettings)
		api.PUT("/admin/settings", s.handleUpdateSettings)
	}

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRenderSelection(c *gin.Context) {
	form, err := s.deps.Selection.Render(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		s.deps.Logger.WithError(err).WithField("item_id", c.Param("id")).Error("Failed to render selection")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load selection"})
		return
	}
	c.JSON(http.StatusOK, form)
}

type saveSelectionRequest struct {
	Nonce     string   `json:"nonce"`
	Autosave  bool     `json:"autosave"`
	AuthorID  string   `json:"author_id"`
	Platforms []string `json:"platforms"`
}

func (s *Server) handleSaveSelection(c *gin.Context) {
	var req saveSelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := s.deps.Selection.Save(c.Request.Context(), selection.SaveRequest{
		ItemID:   c.Param("id"),
		AuthorID: req.AuthorID,
		Actor:    actorFrom(c),
		Nonce:    req.Nonce,
		Autosave: req.Autosave,
		Selected: models.ParsePlatformSet(req.Platforms),
	})
	if selection.IsGuardError(err) {
		// guard failures are silent; the CMS save goes on regardless
		c.JSON(http.StatusOK, gin.H{"saved": false})
		return
	}
	if err != nil {
		s.deps.Logger.WithError(err).WithField("item_id", c.Param("id")).Error("Failed to save selection")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save selection"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (s *Server) handleState(c *gin.Context) {
	state, err := storage.LoadState(c.Request.Context(), s.deps.Store, c.Param("id"))
	if err != nil {
		s.deps.Logger.WithError(err).WithField("item_id", c.Param("id")).Error("Failed to load publish state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load publish state"})
		return
	}
	c.JSON(http.StatusOK, state)
}

type transitionRequest struct {
	PreviousStatus string              `json:"previous_status"`
	NewStatus      string              `json:"new_status" binding:"required"`
	ItemID         string              `json:"item_id" binding:"required"`
	Item           models.ItemSnapshot `json:"item"`
	Autosave       bool                `json:"autosave"`
	Selection      *[]string           `json:"selection"`
}

// handleTransition always answers 202: publishing never waits on, or fails
// because of, the dispatch outcome.
func (s *Server) handleTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ev := models.TransitionEvent{
		PreviousStatus: models.NormalizeStatus(req.PreviousStatus),
		NewStatus:      models.NormalizeStatus(req.NewStatus),
		ItemID:         req.ItemID,
		Item:           req.Item,
		Actor:          actorFrom(c),
		Autosave:       req.Autosave,
	}
	if req.Selection != nil {
		ev.Selection = models.ParsePlatformSet(*req.Selection)
	}

	out := s.deps.Dispatcher.OnPublishTransition(c.Request.Context(), ev)

	resp := gin.H{
		"status":    out.Status,
		"item_id":   out.ItemID,
		"platforms": out.Platforms,
	}
	if out.Reason != "" {
		resp["reason"] = out.Reason
	}
	if out.RequestID != "" {
		resp["request_id"] = out.RequestID
	}
	if out.StatusCode != 0 {
		resp["remote_status"] = out.StatusCode
	}
	if out.Err != nil {
		resp["error"] = out.Err.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) requireAdmin(c *gin.Context) bool {
	if !actorFrom(c).Can(s.deps.AdminCap) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return false
	}
	return true
}

func settingsView(snap settings.Settings) gin.H {
	return gin.H{
		"api_url":           snap.APIURL,
		"api_key_set":       snap.APIKey != "",
		"enabled_platforms": snap.Enabled.Strings(),
	}
}

func (s *Server) handleGetSettings(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	c.JSON(http.StatusOK, settingsView(s.deps.Settings.Snapshot()))
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}

	var update settings.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	snap, err := s.deps.Settings.Apply(update)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.deps.Logger.WithFields(logging.Fields{
		"actor_id":          actorID(c),
		"enabled_platforms": snap.Enabled.Strings(),
	}).Info("Publisher settings updated")
	c.JSON(http.StatusOK, settingsView(snap))
}
