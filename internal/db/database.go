package db

import (
	"fmt"
	"time"

	"github.com/signflow/signflow/internal/config"
	"github.com/signflow/signflow/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	DB *gorm.DB
)

func Initialize(cfg *config.Configuration, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.Database.Host,
		cfg.Database.Username,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.Port,
		cfg.Database.SSLMode,
	)

	var err error
	DB, err = Open(postgres.Open(dsn), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	return DB, nil
}

// Open connects with the given dialector, routes gorm logs through zap and
// runs migrations.
func Open(dialector gorm.Dialector, logger *zap.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	database, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(database, logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}

func runMigrations(db *gorm.DB, logger *zap.Logger) error {
	logger.Info("Running database migrations...")

	return db.AutoMigrate(
		&models.Artifact{},
		&models.Envelope{},
		&models.Signer{},
		&models.Field{},
		&models.SignatureEvent{},
		&models.SigningCredential{},
		&models.PipelineIssue{},
	)
}
