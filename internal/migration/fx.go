package migration

import (
	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned SQL migrations exist for postgres only. Other dialects
		// (sqlite in standalone mode) take the schema straight from the
		// models.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&domain.Check{},
				&domain.CheckItem{},
				&domain.UserCheck{},
				&domain.UserSelection{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
