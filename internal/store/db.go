// Package store implements Calcifer's durable and hot-cache persistence:
// TwinStore (per-device intent/reported/desired state in Redis, guarded by
// optimistic concurrency), OverrideStore and FunctionalSystemStore (gorm
// over Postgres, write-through cached in Redis), and AuditStore (append-only
// Postgres log with a best-effort write contract).
package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"

	"github.com/flightctl/calcifer/internal/config"
	"github.com/flightctl/calcifer/internal/store/model"
	"github.com/flightctl/calcifer/pkg/kv"
)

// NewRedisClient opens the Redis connection every cmd/* binary shares for
// the hot twin store, override cache, and idempotency filter, honoring the
// optional TLS/mTLS settings under kv in configuration.
func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	return kv.NewClient(&kv.Config{
		Hostname:   cfg.KV.Hostname,
		Port:       cfg.KV.Port,
		Password:   cfg.KV.Password.Reveal(),
		DB:         cfg.KV.DB,
		CaCertFile: cfg.KV.CaCertFile,
		CertFile:   cfg.KV.CertFile,
		KeyFile:    cfg.KV.KeyFile,
	})
}

// InitDB opens the Postgres connection described by cfg, runs
// auto-migration for every durable model, and registers a gorm prometheus
// plugin so pool/query metrics are scraped the same way as everything else
// in the process.
func InitDB(cfg *config.Config, log logrus.FieldLogger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.Database.Hostname, cfg.Database.Port, cfg.Database.Name,
		cfg.Database.User, cfg.Database.Password.Reveal())

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.Use(gormprometheus.New(gormprometheus.Config{
		DBName: cfg.Database.Name,
	})); err != nil {
		log.WithError(err).Warn("failed to register gorm prometheus plugin")
	}

	if err := db.AutoMigrate(
		&model.OverrideRecord{},
		&model.FunctionalSystemRecord{},
		&model.AuditEntryRecord{},
	); err != nil {
		return nil, fmt.Errorf("running auto-migration: %w", err)
	}

	return db, nil
}
