package db

import (
	"fmt"

	"github.com/avossen/hookline/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.QueueEntry{},
		&models.Profile{},
		&models.Reel{},
		&models.AnalysisJob{},
		&models.CompetitorSelection{},
		&models.AnalysisRun{},
		&models.AnalyzedReel{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
