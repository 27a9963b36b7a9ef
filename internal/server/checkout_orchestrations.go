package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/servana/internal/checkout/domain"
)

type orchestrationEventRequest struct {
	Stage         string          `json:"stage"`
	Status        string          `json:"status"`
	Note          string          `json:"note"`
	Payload       json.RawMessage `json:"payload"`
	NextActionAt  *time.Time      `json:"nextActionAt"`
	MetadataPatch map[string]any  `json:"metadataPatch"`
}

type orchestrationResponse struct {
	Orchestration *checkoutdomain.CheckoutOrchestration       `json:"orchestration"`
	Events        []checkoutdomain.CheckoutOrchestrationEvent `json:"events,omitempty"`
}

func (s *Server) GetOrchestration(c *gin.Context) {
	orderID, err := parseOrderID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	orchestration, events, err := s.checkoutSvc.Get(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, orchestrationResponse{
		Orchestration: orchestration,
		Events:        events,
	})
}

func (s *Server) RecordOrchestrationEvent(c *gin.Context) {
	orderID, err := parseOrderID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req orchestrationEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if _, err := s.checkoutSvc.GetOrCreate(c.Request.Context(), orderID, nil); err != nil {
		AbortWithError(c, err)
		return
	}

	orchestration, err := s.checkoutSvc.ApplyUpdate(c.Request.Context(), orderID, checkoutdomain.StageUpdate{
		Stage:         checkoutdomain.Stage(strings.TrimSpace(req.Stage)),
		Status:        checkoutdomain.StageStatus(strings.TrimSpace(req.Status)),
		Note:          req.Note,
		Payload:       req.Payload,
		NextActionAt:  req.NextActionAt,
		MetadataPatch: req.MetadataPatch,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, orchestrationResponse{Orchestration: orchestration})
}

func parseOrderID(c *gin.Context) (snowflake.ID, error) {
	orderID, err := snowflake.ParseString(strings.TrimSpace(c.Param("orderID")))
	if err != nil {
		return 0, newValidationError("orderID", "invalid_order_id", "invalid order id")
	}
	return orderID, nil
}
