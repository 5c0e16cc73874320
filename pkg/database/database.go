package database

import (
	"b3bench/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewDBConnection(appConfig *config.AppConfig, log *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(appConfig.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatal("failed to connect database", zap.Error(err))
	}
	if err := Migrate(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	log.Debug("connected to database")
	return db
}

// Migrate creates the trial and snapshot tables when they are missing.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Trial{}, &Snapshot{})
}
