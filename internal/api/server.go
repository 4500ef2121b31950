// Copyright 2026 The warden Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the warden HTTP surface: health, session inspection,
// on-demand assessment, live steering, and the websocket attach endpoint
// agent runners use to make their sessions steerable.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/taskfleet/warden/internal/buildinfo"
	"github.com/taskfleet/warden/internal/detector"
	"github.com/taskfleet/warden/internal/session"
	"github.com/taskfleet/warden/internal/store"
	"github.com/taskfleet/warden/internal/supervisor"
)

// Server wires the supervision components into a gin engine.
type Server struct {
	sup      *supervisor.Supervisor
	sessions *session.Registry
	audit    *store.AuditLog
	det      *detector.Detector

	engine *gin.Engine
	http   *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer builds the HTTP server. audit may be nil; the decisions
// endpoint then reports 503.
func NewServer(sup *supervisor.Supervisor, sessions *session.Registry, audit *store.AuditLog) *Server {
	s := &Server{
		sup:      sup,
		sessions: sessions,
		audit:    audit,
		det:      detector.New(detector.Options{}),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware())

	engine.GET("/healthz", s.handleHealth)
	v1 := engine.Group("/v1")
	{
		v1.GET("/sessions", s.handleSessions)
		v1.POST("/classify", s.handleClassify)
		v1.GET("/supervisor/stats", s.handleStats)
		v1.POST("/tasks/:id/assess", s.handleAssess)
		v1.POST("/tasks/:id/steer", s.handleSteer)
		v1.POST("/tasks/:id/restart-observed", s.handleRestartObserved)
		v1.GET("/tasks/:id/decisions", s.handleDecisions)
		v1.GET("/tasks/:id/attach", s.handleAttach)
	}

	s.engine = engine
	return s
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts serving on addr and blocks until the server stops.
func (s *Server) Run(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("api: listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and closes all live sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.CloseAll()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Snapshot()})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.Stats())
}

type classifyRequest struct {
	Text        string `json:"text" binding:"required"`
	TaskID      string `json:"task_id"`
	TokenBudget int    `json:"token_budget"`
}

// handleClassify classifies raw error text against the pattern table. When a
// task_id is supplied the classification is also recorded against that
// task's history and the recommended recovery is returned. With a
// token_budget the response also carries a token estimate for the text, so
// executors can rotate a session before the provider rejects it.
func (s *Server) handleClassify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	classification := s.det.Classify(req.Text)
	resp := gin.H{"classification": classification}
	if req.TaskID != "" {
		resp["recovery"] = s.det.RecordError(req.TaskID, classification)
	}
	if req.TokenBudget > 0 {
		resp["tokens"] = gin.H{
			"estimate":      detector.EstimateTokens(req.Text),
			"near_overflow": detector.NearOverflow(req.Text, req.TokenBudget),
		}
	}
	c.JSON(http.StatusOK, resp)
}

type assessRequest struct {
	Error               string         `json:"error"`
	PlanningPhraseCount int            `json:"planning_phrase_count"`
	IdleMs              int64          `json:"idle_ms"`
	Extra               map[string]any `json:"extra"`
}

// handleAssess runs an on-demand assessment for a task. With ?apply=true
// the returned decision is also applied.
func (s *Server) handleAssess(c *gin.Context) {
	taskID := c.Param("id")

	var req assessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	signals := supervisor.Signals{
		PlanningPhraseCount: req.PlanningPhraseCount,
		IdleMs:              req.IdleMs,
		Extra:               req.Extra,
	}
	if req.Error != "" {
		signals.Error = req.Error
	}

	decision := s.sup.Assess(taskID, signals)
	if c.Query("apply") == "true" {
		s.sup.Intervene(c.Request.Context(), taskID, decision)
	}
	c.JSON(http.StatusOK, decision)
}

type steerRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleSteer(c *gin.Context) {
	taskID := c.Param("id")

	var req steerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	if !s.sessions.Steer(taskID, req.Text) {
		c.JSON(http.StatusConflict, gin.H{"error": "no active session for task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"steered": true})
}

// handleRestartObserved lets the executor report a process-level restart;
// the response tells it whether the task has entered a crash loop and
// should stop auto-restarting.
func (s *Server) handleRestartObserved(c *gin.Context) {
	taskID := c.Param("id")
	decision := s.sup.RecordRestart(taskID)
	if decision.Situation == supervisor.SituationCrashLoop {
		s.sup.Intervene(c.Request.Context(), taskID, decision)
	}
	c.JSON(http.StatusOK, gin.H{
		"crash_loop": decision.Situation == supervisor.SituationCrashLoop,
		"decision":   decision,
	})
}

func (s *Server) handleDecisions(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not configured"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			limit = 50
		}
	}

	recs, err := s.audit.RecentDecisions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs})
}

// handleAttach upgrades to a websocket and registers the connection as the
// task's live, steerable session. The session lasts until the peer
// disconnects.
func (s *Server) handleAttach(c *gin.Context) {
	taskID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("api: websocket upgrade failed for %s: %v", taskID, err)
		return
	}

	transport := session.NewWSTransport(conn)
	s.sessions.Register(taskID, transport)

	// Drain reads until the peer goes away so we notice disconnects. The
	// cleanup only removes this connection's session; a reconnect that has
	// already replaced it stays registered.
	go func() {
		defer s.sessions.UnregisterIf(taskID, transport)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
