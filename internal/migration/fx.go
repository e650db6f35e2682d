package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/payment/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB, cfg.MigrationsTable)
		}
		// sqlite and mysql (dev, tests) use gorm's schema sync instead of
		// versioned SQL.
		if !cfg.DBAutoMigrate {
			return nil
		}
		return AutoMigrate(conn)
	}),
)

// AutoMigrate syncs the entity schema directly; used on dialects the
// versioned migrations do not target.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&domain.Product{},
		&domain.Plan{},
		&domain.Customer{},
		&domain.Subscription{},
		&domain.Order{},
		&domain.Payment{},
	)
}
