package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/servana/internal/checkout"
	checkoutservice "github.com/smallbiznis/servana/internal/checkout/service"
	"github.com/smallbiznis/servana/internal/config"
	"github.com/smallbiznis/servana/internal/hostedsession"
	hostedsessionservice "github.com/smallbiznis/servana/internal/hostedsession/service"
	"github.com/smallbiznis/servana/internal/invoice"
	"github.com/smallbiznis/servana/internal/observability"
	obslogger "github.com/smallbiznis/servana/internal/observability/logger"
	obstracing "github.com/smallbiznis/servana/internal/observability/tracing"
	"github.com/smallbiznis/servana/internal/order"
	orderservice "github.com/smallbiznis/servana/internal/order/service"
	"github.com/smallbiznis/servana/internal/payment"
	"github.com/smallbiznis/servana/internal/payment/webhook"
	"github.com/smallbiznis/servana/internal/processorevent"
	processoreventservice "github.com/smallbiznis/servana/internal/processorevent/service"
	"github.com/smallbiznis/servana/internal/providers/notification"
	"github.com/smallbiznis/servana/internal/queue"
	"github.com/smallbiznis/servana/internal/replay"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	notification.Module,
	queue.Module,
	processorevent.Module,
	order.Module,
	invoice.Module,
	checkout.Module,
	hostedsession.Module,
	payment.Module,
	replay.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware(obsCfg.ServiceName))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, obsCfg observability.Config) *gin.Engine {
	return NewEngine(log, obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	webhookSvc  *webhook.Service
	replaySvc   *replay.Service
	eventSvc    *processoreventservice.Service
	orderSvc    *orderservice.Service
	checkoutSvc *checkoutservice.Service
	sessionSvc  *hostedsessionservice.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	WebhookSvc  *webhook.Service
	ReplaySvc   *replay.Service
	EventSvc    *processoreventservice.Service
	OrderSvc    *orderservice.Service
	CheckoutSvc *checkoutservice.Service
	SessionSvc  *hostedsessionservice.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		webhookSvc:  p.WebhookSvc,
		replaySvc:   p.ReplaySvc,
		eventSvc:    p.EventSvc,
		orderSvc:    p.OrderSvc,
		checkoutSvc: p.CheckoutSvc,
		sessionSvc:  p.SessionSvc,
	}

	svc.registerBillingRoutes()
	svc.registerCheckoutRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerBillingRoutes() {
	billing := s.engine.Group("/billing")

	billing.POST("/webhooks/:provider", s.HandleBillingWebhook)
	billing.POST("/replays/:eventID/trigger", s.InternalAPIKeyRequired(), s.TriggerReplay)
	billing.GET("/replays/:eventID/attempts", s.InternalAPIKeyRequired(), s.ListReplayAttempts)
}

func (s *Server) registerCheckoutRoutes() {
	checkoutGroup := s.engine.Group("/checkout", s.InternalAPIKeyRequired())

	checkoutGroup.GET("/orchestrations/:orderID", s.GetOrchestration)
	checkoutGroup.POST("/orchestrations/:orderID/events", s.RecordOrchestrationEvent)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.InternalAPIKeyRequired())

	internal.POST("/recovery/runs", s.TriggerRecoveryRun)
	internal.GET("/orders/:orderID/history", s.GetOrderHistory)
}
