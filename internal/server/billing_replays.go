package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	processoreventdomain "github.com/smallbiznis/servana/internal/processorevent/domain"
	"github.com/smallbiznis/servana/internal/replay"
	"gorm.io/gorm"
)

type triggerReplayRequest struct {
	Force bool `json:"force"`
}

func (s *Server) TriggerReplay(c *gin.Context) {
	eventID, err := snowflake.ParseString(strings.TrimSpace(c.Param("eventID")))
	if err != nil {
		AbortWithError(c, newValidationError("eventID", "invalid_event_id", "invalid event id"))
		return
	}

	var req triggerReplayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	if err := s.replaySvc.ReplaySingle(c.Request.Context(), eventID, req.Force); err != nil {
		// A failed attempt is still an accepted trigger; its outcome lives on
		// the attempt audit trail. Only guardrails and lookup misses bounce.
		if errors.Is(err, replay.ErrReplayLimitExceeded) ||
			errors.Is(err, processoreventdomain.ErrEventNotFound) ||
			errors.Is(err, gorm.ErrRecordNotFound) {
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"replayRequested": true})
}

func (s *Server) ListReplayAttempts(c *gin.Context) {
	eventID, err := snowflake.ParseString(strings.TrimSpace(c.Param("eventID")))
	if err != nil {
		AbortWithError(c, newValidationError("eventID", "invalid_event_id", "invalid event id"))
		return
	}

	event, err := s.eventSvc.Get(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	attempts, err := s.eventSvc.Attempts(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event":    event,
		"attempts": attempts,
	})
}
