package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/billing/internal/app/api/server"
	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/cart"
	"github.com/fatflowers/billing/internal/app/service/catalog"
	"github.com/fatflowers/billing/internal/app/service/gift"
	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/service/scheduler"
	"github.com/fatflowers/billing/internal/app/service/statistics"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/service/transaction"
	"github.com/fatflowers/billing/internal/app/service/voucher"
	"github.com/fatflowers/billing/internal/app/service/webhook"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/internal/platform/email"
	"github.com/fatflowers/billing/internal/platform/gateway"
	platformredis "github.com/fatflowers/billing/internal/platform/redis"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logger"
	"github.com/fatflowers/billing/pkg/metrics"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// Module wires the billing domain shared by the API server and the cron runner.
var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	store.Module,
	platformredis.Module,
	email.Module,
	gateway.Module,
	fx.Provide(metrics.NewBilling),
	catalog.Module,
	account.Module,
	voucher.Module,
	notifier.Module,
	subscription.Module,
	gift.Module,
	cart.Module,
	transaction.Module,
	statistics.Module,
	webhook.Module,
)

var ApiModule = fx.Options(
	Module,
	server.Module,
)

// CronModule adds the scheduled billing jobs.
var CronModule = fx.Options(
	Module,
	scheduler.Module,
)
