package main

import (
	"context"
	"fmt"
	"log"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ref-keeper/models"
	"ref-keeper/search/pgindex"
	"ref-keeper/services"
)

type ReindexConfig struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	BatchSize  int    `envconfig:"REINDEX_BATCH_SIZE" default:"500"`
}

func main() {
	log.Println("Starting search index rebuild...")

	var cfg ReindexConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	index := pgindex.New(db, zap.NewNop())

	// 1. Drop the existing derived index
	if err := index.Reset(ctx); err != nil {
		log.Fatalf("Failed to reset index: %v", err)
	}

	// 2. Walk all references in batches and re-tokenize their titles
	indexed := 0
	skipped := 0
	var batch []models.Reference
	err = db.Select("id").FindInBatches(&batch, cfg.BatchSize, func(tx *gorm.DB, _ int) error {
		for _, ref := range batch {
			title, _, err := services.BibliographicOf(ctx, db, ref.ID)
			if err != nil {
				return err
			}
			tokens := services.TokenizeTitle(title)
			if len(tokens) == 0 {
				skipped++
				continue
			}
			if err := index.IndexReference(ctx, ref.ID, tokens); err != nil {
				return err
			}
			indexed++
		}
		return nil
	}).Error
	if err != nil {
		log.Fatalf("Reindex failed: %v", err)
	}

	log.Printf("Index rebuild complete: %d references indexed, %d without title skipped", indexed, skipped)
}
