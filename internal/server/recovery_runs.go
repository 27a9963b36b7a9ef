package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	hostedsessionservice "github.com/smallbiznis/servana/internal/hostedsession/service"
)

type recoveryRunRequest struct {
	TriggeredBy string `json:"triggeredBy"`
	Limit       int    `json:"limit"`
	MaxAttempts int    `json:"maxAttempts"`
}

func (s *Server) TriggerRecoveryRun(c *gin.Context) {
	var req recoveryRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if req.Limit < 0 || req.MaxAttempts < 0 {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	result, err := s.sessionSvc.Sweep(c.Request.Context(), hostedsessionservice.SweepInput{
		TriggeredBy: req.TriggeredBy,
		Limit:       req.Limit,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetOrderHistory(c *gin.Context) {
	orderID, err := parseOrderID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	order, err := s.orderSvc.Get(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	history, err := s.orderSvc.History(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":  order,
		"events": history,
	})
}
