package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nishichengju/planmode/internal/application/orchestrator"
	"github.com/nishichengju/planmode/internal/domain"
	"go.uber.org/zap"
)

const runIDHeader = "X-Run-ID"

// PlanRequest represents a plan-mode request
type PlanRequest struct {
	Message string           `json:"message" binding:"required"`
	History []domain.Message `json:"history"`
	Limits  domain.Limits    `json:"limits"`
}

func (r PlanRequest) toRun() orchestrator.RunRequest {
	return orchestrator.RunRequest{
		Message: r.Message,
		History: r.History,
		Limits:  r.Limits,
	}
}

// AdviseRequest represents a routing advice request
type AdviseRequest struct {
	Message string `json:"message" binding:"required"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := gin.H{"orchestrator": "ok"}

	if s.health != nil {
		h := s.health.GetStatus()
		if !h.Healthy {
			status = "saturated"
		}
		checks["runs"] = h
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleStreamPlan runs plan mode and streams the protocol text
func (s *Server) handleStreamPlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("invalid request", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	runID, stream, err := s.runs.Stream(c.Request.Context(), req.toRun())
	if err != nil {
		s.startFailed(c, err)
		return
	}

	c.Header(runIDHeader, runID)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	for chunk := range stream {
		if _, err := io.WriteString(c.Writer, chunk); err != nil {
			s.logger.Info("client went away during stream",
				zap.String("run_id", runID),
				zap.Error(err))
			break
		}
		c.Writer.Flush()
	}
}

// handleStartPlan starts plan mode in the background
func (s *Server) handleStartPlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("invalid request", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	runID, err := s.runs.Start(req.toRun())
	if err != nil {
		s.startFailed(c, err)
		return
	}

	c.Header(runIDHeader, runID)
	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID,
		"status": "accepted",
	})
}

func (s *Server) startFailed(c *gin.Context, err error) {
	if errors.Is(err, orchestrator.ErrTooManyRuns) {
		abortWithError(c, http.StatusTooManyRequests, "TOO_MANY_RUNS", err.Error())
		return
	}
	s.logger.Error("failed to start run", zap.Error(err))
	abortWithError(c, http.StatusInternalServerError, "START_FAILED", err.Error())
}

// handleGetPlan returns the snapshot of a run
func (s *Server) handleGetPlan(c *gin.Context) {
	runID := c.Param("id")

	snapshot, err := s.runs.GetStatus(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
			return
		}
		s.logger.Error("failed to get run status", zap.String("run_id", runID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// handleCancelPlan handles run cancellation
func (s *Server) handleCancelPlan(c *gin.Context) {
	runID := c.Param("id")

	if err := s.runs.CancelRun(c.Request.Context(), runID); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrRunNotFound):
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
		case errors.Is(err, orchestrator.ErrRunFinished):
			abortWithError(c, http.StatusConflict, "ALREADY_FINISHED", err.Error())
		default:
			abortWithError(c, http.StatusInternalServerError, "CANCELLATION_FAILED", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       runID,
		"status":       "cancelling",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAdvise reports whether a message should go through plan mode
func (s *Server) handleAdvise(c *gin.Context) {
	var req AdviseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"use_plan_mode": s.runs.Advise(req.Message),
	})
}
