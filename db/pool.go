package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

type PoolConfig struct {
	PrimaryDSN   string
	ReplicaDSNs  []string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	MaxIdleTime  time.Duration
}

// Connect opens the primary connection and, when replicas are configured,
// registers them for read routing. All claim, enqueue and worker transactions
// run on the primary; replicas only ever serve plain reads.
func Connect(config PoolConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	database, err := gorm.Open(postgres.Open(config.PrimaryDSN), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %v", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %v", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.MaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.MaxIdleTime)

	if len(config.ReplicaDSNs) > 0 {
		replicas := make([]gorm.Dialector, 0, len(config.ReplicaDSNs))
		for _, dsn := range config.ReplicaDSNs {
			replicas = append(replicas, postgres.Open(dsn))
		}

		err = database.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to register replicas: %v", err)
		}
	}

	return database, nil
}

func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return sqlDB.PingContext(pingCtx)
}

func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
