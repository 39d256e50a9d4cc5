package db

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/models"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/gormlog"
)

var Module = fx.Options(
	fx.Provide(NewDB),
	fx.Invoke(AutoMigrate),
	fx.Invoke(registerDBClose),
)

// NewDB opens the postgres pool. Unique and foreign key violations are
// translated to gorm.ErrDuplicatedKey and gorm.ErrForeignKeyViolated.
func NewDB(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database
	if dbCfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is empty: %w", gorm.ErrInvalidDB)
	}
	db, err := gorm.Open(postgres.Open(dbCfg.DSN), &gorm.Config{
		Logger: gormlog.New(l, gormlog.Options{
			Verbose:       cfg.Env == cfgpkg.EnvDev,
			SlowThreshold: dbCfg.SlowQuery,
			ShowParams:    cfg.Env == cfgpkg.EnvDev,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(dbCfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(dbCfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)

	l.Infow("connected to postgres", "max_open_conns", dbCfg.MaxOpenConns)
	return db, nil
}

// AutoMigrate creates or alters the billing tables on startup.
func AutoMigrate(l *zap.SugaredLogger, db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.Subscription{},
		&models.SubscriptionLog{},
		&models.Transaction{},
		&models.ChargeAttempt{},
		&models.Cart{},
		&models.VoucherCode{},
		&models.VoucherUsage{},
		&models.GiftSubscription{},
		&models.EmailLog{},
		&models.GatewayNotificationLog{},
	); err != nil {
		return fmt.Errorf("failed to migrate billing tables: %w", err)
	}
	l.Infow("automigrate completed")
	return nil
}

func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "error", err)
				return nil
			}
			l.Infow("closing postgres connection pool")
			return sqlDB.Close()
		},
	})
}
