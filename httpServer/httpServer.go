package httpServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rapidrec/internal/auth"
	"rapidrec/internal/metrics"
	"rapidrec/internal/recorder"
	"rapidrec/internal/storage"
	"rapidrec/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const signedURLExpiration = time.Hour

// Server wraps the HTTP server with dependencies
type Server struct {
	router         *gin.Engine
	server         *http.Server
	recorder       *recorder.Manager
	authManager    *auth.Manager
	store          storage.Storage // nil when segments are kept locally only
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	rtmpIngestAddr string // e.g., "rtmp://localhost:1935"
	log            *logrus.Entry

	// ctx outlives single requests so recordings started over the API keep running
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new HTTP server. store and gatherer may be nil.
func New(rec *recorder.Manager, authManager *auth.Manager, store storage.Storage, m *metrics.Metrics,
	gatherer prometheus.Gatherer, rtmpIngestAddr string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		recorder:       rec,
		authManager:    authManager,
		store:          store,
		metrics:        m,
		gatherer:       gatherer,
		rtmpIngestAddr: rtmpIngestAddr,
		log:            log.WithField("component", "http"),
		ctx:            ctx,
		cancel:         cancel,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe)

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/v1/publish", s.handlePublish)
		api.GET("/v1/recordings", s.handleListRecordings)
		api.POST("/v1/recordings", s.handleStartRecording)
		api.GET("/v1/recordings/:name", s.handleGetRecording)
		api.POST("/v1/recordings/:name/stop", s.handleStopRecording)
		api.GET("/v1/archive", s.handleListArchive)
		api.GET("/v1/archive/*key", s.handleGetArchive)
	}

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until Shutdown
func (s *Server) Run(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for running ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// observe records request metrics and logs failed requests
func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	status := c.Writer.Status()
	s.metrics.RecordHTTPRequest(c.Request.Method, path, status, time.Since(start).Seconds())

	if status >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": status,
		}).Warn("Request failed")
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":    "pong",
		"time":       time.Now().Unix(),
		"recordings": s.recorder.ActiveCount(),
	})
}

func (s *Server) handlePublish(c *gin.Context) {
	var req models.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Default expiration to 1 hour
	if req.ExpiresIn == 0 {
		req.ExpiresIn = 3600
	}

	// Generate publish token
	clientIP := c.ClientIP()
	token, err := s.authManager.GeneratePublishToken(req.Name, req.ExpiresIn, clientIP)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	// Build publish URL
	publishURL := fmt.Sprintf("%s/live/%s?token=%s", s.rtmpIngestAddr, req.Name, token.Token)

	c.JSON(http.StatusOK, models.PublishResponse{
		PublishURL: publishURL,
		Name:       req.Name,
		Token:      token.Token,
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListRecordings(c *gin.Context) {
	recs := s.recorder.List()

	infos := make([]models.RecordingInfo, len(recs))
	for i, rec := range recs {
		infos[i] = s.recordingToInfo(rec)
	}

	c.JSON(http.StatusOK, models.RecordingListResponse{
		Recordings: infos,
		Total:      len(infos),
	})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	var req models.StartRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.recorder.StartPull(s.ctx, req.Name, req.URL)
	switch {
	case errors.Is(err, recorder.ErrAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, s.recordingToInfo(rec))
}

func (s *Server) handleGetRecording(c *gin.Context) {
	name := c.Param("name")

	rec, exists := s.recorder.Get(name)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return
	}

	c.JSON(http.StatusOK, s.recordingToInfo(rec))
}

func (s *Server) handleStopRecording(c *gin.Context) {
	name := c.Param("name")

	err := s.recorder.Stop(c.Request.Context(), name)
	switch {
	case errors.Is(err, recorder.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "recording stopped",
		"name":    name,
	})
}

func (s *Server) handleListArchive(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no storage configured"})
		return
	}

	objects, err := s.store.List(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"objects": objects,
		"total":   len(objects),
	})
}

func (s *Server) handleGetArchive(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no storage configured"})
		return
	}

	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || strings.Contains(key, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}

	// Redirect to a signed link when the storage can produce one
	if signer, ok := s.store.(storage.URLSigner); ok {
		url, err := signer.SignedURL(key, signedURLExpiration)
		if err == nil {
			c.Redirect(http.StatusTemporaryRedirect, url)
			return
		}
		s.log.WithError(err).WithField("key", key).Warn("Failed to sign URL")
	}

	r, err := s.store.Open(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
		return
	}
	defer r.Close()

	c.Header("Content-Type", storage.ContentType(key))
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(key[strings.LastIndex(key, "/")+1:]))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, r); err != nil {
		s.log.WithError(err).WithField("key", key).Debug("Archive download interrupted")
	}
}

// Helper functions

func (s *Server) recordingToInfo(rec *models.Recording) models.RecordingInfo {
	info := rec.Info()

	signer, ok := s.store.(storage.URLSigner)
	if !ok {
		return info
	}
	for i := range info.Segments {
		seg := &info.Segments[i]
		if !seg.Uploaded {
			continue
		}
		if url, err := signer.SignedURL(seg.Key, signedURLExpiration); err == nil {
			seg.URL = url
		}
	}
	return info
}
