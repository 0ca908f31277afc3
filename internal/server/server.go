package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/herdpay/internal/config"
	connectdomain "github.com/smallbiznis/herdpay/internal/connect/domain"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	"github.com/smallbiznis/herdpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/herdpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/herdpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/herdpay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/herdpay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine          *gin.Engine
	cfg             config.Config
	webhookSvc      paymentdomain.Service
	subscriptionSvc subscriptiondomain.Service
	escrowSvc       escrowdomain.Service
	connectSvc      connectdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	WebhookSvc      paymentdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	EscrowSvc       escrowdomain.Service
	ConnectSvc      connectdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		webhookSvc:      p.WebhookSvc,
		subscriptionSvc: p.SubscriptionSvc,
		escrowSvc:       p.EscrowSvc,
		connectSvc:      p.ConnectSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", AccountRequired())

	// -------- Subscriptions --------
	api.POST("/subscriptions/checkout", s.CreateCheckout)
	api.POST("/subscriptions/subscribe", s.Subscribe)
	api.GET("/subscriptions/current", s.GetCurrentSubscription)

	// -------- Connect --------
	api.POST("/connect/onboarding", s.StartOnboarding)
	api.GET("/connect/status", s.GetConnectStatus)

	// -------- Escrow --------
	api.POST("/escrow/payments", s.CreateEscrowPayment)
	api.GET("/escrow/payments/:id", s.GetEscrowPayment)
	api.POST("/escrow/payments/:id/release", s.ReleaseEscrowPayment)
}
