package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/orderflow/internal/authorization"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	"github.com/smallbiznis/orderflow/internal/observability"
	obsmiddleware "github.com/smallbiznis/orderflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/orderflow/internal/observability/tracing"
	"github.com/smallbiznis/orderflow/internal/order"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/internal/payment"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	"github.com/smallbiznis/orderflow/internal/ratelimit"
	"github.com/smallbiznis/orderflow/internal/reconcile"
	"github.com/smallbiznis/orderflow/internal/refund"
	refunddomain "github.com/smallbiznis/orderflow/internal/refund/domain"
	"github.com/smallbiznis/orderflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	order.Module,
	payment.Module,
	refund.Module,
	reconcile.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// NewEngine builds the gin engine with the shared middleware chain. Order
// matters: recovery first, then request logging so every later handler
// sees the request id, then tracing, metrics and error rendering.
func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, webhookCfg *config.WebhookConfigHolder) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORS())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		SlowRequest:     obsCfg.SlowRequest,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware(func() time.Duration {
		return webhookCfg.Get().RetryAfter
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, webhookCfg *config.WebhookConfigHolder) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, webhookCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

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
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	health        db.HealthChecker
	webhookCfg    *config.WebhookConfigHolder
	dispatcher    *reconcile.Dispatcher
	orderSvc      orderdomain.Service
	paymentSvc    paymentdomain.Service
	refundSvc     refunddomain.Service
	ledger        ledgerdomain.Store
	registry      *adapters.Registry
	orderRepo     orderdomain.Repository
	paymentRepo   paymentdomain.Repository
	refundRepo    refunddomain.Repository
	authzSvc      authorization.Service
	authenticator *authorization.Authenticator
	limiter       ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Health        db.HealthChecker
	WebhookCfg    *config.WebhookConfigHolder
	Dispatcher    *reconcile.Dispatcher
	OrderSvc      orderdomain.Service
	PaymentSvc    paymentdomain.Service
	RefundSvc     refunddomain.Service
	Ledger        ledgerdomain.Store
	Registry      *adapters.Registry
	OrderRepo     orderdomain.Repository
	PaymentRepo   paymentdomain.Repository
	RefundRepo    refunddomain.Repository
	AuthzSvc      authorization.Service
	Authenticator *authorization.Authenticator
	Limiter       ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("http.handler"),
		clock:         p.Clock,
		health:        p.Health,
		webhookCfg:    p.WebhookCfg,
		dispatcher:    p.Dispatcher,
		orderSvc:      p.OrderSvc,
		paymentSvc:    p.PaymentSvc,
		refundSvc:     p.RefundSvc,
		ledger:        p.Ledger,
		registry:      p.Registry,
		orderRepo:     p.OrderRepo,
		paymentRepo:   p.PaymentRepo,
		refundRepo:    p.RefundRepo,
		authzSvc:      p.AuthzSvc,
		authenticator: p.Authenticator,
		limiter:       p.Limiter,
	}

	if !svc.authenticator.Enabled() {
		svc.log.Warn("no operator credentials configured, operator routes are open outside production")
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- Webhooks --------
	api.POST("/webhooks/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)

	// -------- Orders --------
	orders := api.Group("/orders", s.OperatorRequired())
	{
		orders.POST("", s.authorize(authorization.ObjectOrder, authorization.ActionOrderCreate), s.CreateOrder)
		orders.GET("", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.ListOrders)
		orders.GET("/:id", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.GetOrderByID)
	}

	// -------- Payments --------
	api.GET("/payments/public/:orderId", s.GetPublicPaymentStatus)
	payments := api.Group("/payments", s.OperatorRequired())
	{
		payments.GET("/:orderId", s.authorize(authorization.ObjectPayment, authorization.ActionPaymentView), s.ListPaymentEvents)
		payments.POST("/:orderId/refund", s.authorize(authorization.ObjectRefund, authorization.ActionRefundCreate), s.RefundOrderPayment)
	}

	// -------- Refunds --------
	refunds := api.Group("/refunds", s.OperatorRequired())
	{
		refunds.POST("", s.authorize(authorization.ObjectRefund, authorization.ActionRefundCreate), s.CreateRefund)
		refunds.GET("", s.authorize(authorization.ObjectRefund, authorization.ActionRefundView), s.ListRefunds)
		refunds.GET("/:id", s.authorize(authorization.ObjectRefund, authorization.ActionRefundView), s.GetRefundByID)
	}

	if !s.cfg.IsProduction() {
		test := api.Group("/test", s.OperatorRequired(), s.authorize(authorization.ObjectTest, authorization.ActionTestManage))
		test.POST("/sign", s.TestSignPayload)
		test.POST("/reset", s.TestReset)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
