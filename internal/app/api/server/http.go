package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/docs"
	"github.com/fatflowers/billing/internal/app/api/handlers"
	mw "github.com/fatflowers/billing/internal/app/api/middleware"
	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/cart"
	"github.com/fatflowers/billing/internal/app/service/gift"
	"github.com/fatflowers/billing/internal/app/service/statistics"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/service/transaction"
	"github.com/fatflowers/billing/internal/app/service/voucher"
	"github.com/fatflowers/billing/internal/app/service/webhook"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	metrics "github.com/fatflowers/billing/pkg/metrics"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

type RoutesParam struct {
	fx.In

	Engine        *gin.Engine
	Config        *cfgpkg.Config
	Log           *zap.SugaredLogger
	DB            *gorm.DB
	Accounts      *account.Service
	Subscriptions *subscription.Service
	Carts         *cart.Service
	Gifts         *gift.Service
	Vouchers      *voucher.Service
	Transactions  transaction.Manager
	Statistics    *statistics.Service
	Webhooks      *webhook.Service
}

func registerRoutes(p RoutesParam) {
	r, log, cfg := p.Engine, p.Log, p.Config

	// Prometheus metrics
	if cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			SkipPrefixes: []string{"/healthz", "/readyz", "/swagger/"},
			Logger:       log,
		})
		prom.SetListenAddress(cfg.MetricsAddr)
		prom.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterHealthRoutes(pub, p.DB)
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))

	handlers.RegisterWebhookRoutes(apiV1.Group("/webhooks"), p.Webhooks, log)

	// carts are open to anonymous visitors; checkout still needs a user unless it is a gift
	shop := apiV1.Group("/cart")
	shop.Use(mw.ShopperContext(p.Accounts, log))
	handlers.RegisterCartRoutes(shop, p.Carts)

	user := apiV1.Group("")
	user.Use(mw.UserContext(p.Accounts, log))
	handlers.RegisterSubscriptionRoutes(user, p.Subscriptions, p.Accounts)
	handlers.RegisterGiftRoutes(user.Group("/gifts"), p.Gifts)

	admin := apiV1.Group("/admin")
	admin.Use(mw.AdminAuth(cfg.Admin.JWTSecret, log))
	handlers.RegisterAdminRoutes(admin, handlers.AdminServices{
		Accounts:      p.Accounts,
		Subscriptions: p.Subscriptions,
		Transactions:  p.Transactions,
		Statistics:    p.Statistics,
		Gifts:         p.Gifts,
		Vouchers:      p.Vouchers,
	})
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
