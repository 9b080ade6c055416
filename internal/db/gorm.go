package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

type (
	GormForkedModel struct {
		ID        string `gorm:"primarykey;type:uuid"`
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	User struct {
		GormForkedModel
		Email     string `gorm:"unique;not null"`
		Password  string `gorm:"not null"`
		Token     string `gorm:"not null;index"`
		Bookmarks []Bookmark
	}

	Bookmark struct {
		GormForkedModel
		Title  string `gorm:"not null"`
		URL    string `gorm:"not null"`
		UserID string `gorm:"not null;index;type:uuid"`
	}
)

func (u User) ToModel() models.User {
	return models.User{
		ID:    u.ID,
		Email: u.Email,
	}
}

func (b Bookmark) ToModel() models.Bookmark {
	return models.Bookmark{
		ID:        b.ID,
		Title:     b.Title,
		URL:       b.URL,
		CreatedAt: b.CreatedAt,
		UserID:    b.UserID,
	}
}

func NewGormClient(lc fx.Lifecycle, cfg *config.Config, l *zap.SugaredLogger) (*gorm.DB, error) {
	newLogger := logger.New(zap.NewStdLog(l.Desugar()), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		Colorful:                  false,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	if err := RunMigrations(cfg.MigrateURL()); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sql db")
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			l.Info("Closing database.")
			return sqlDB.Close()
		},
	})

	return db, nil
}

// AutoMigrate creates the tables. The NOTIFY trigger is installed separately
// by RunMigrations since it is postgres only.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}); err != nil {
		return errors.Wrap(err, "migrate user")
	}
	if err := db.AutoMigrate(&Bookmark{}); err != nil {
		return errors.Wrap(err, "migrate bookmark")
	}
	return nil
}
