package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/db"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/feed"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/health"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/logger"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/service"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/transport"
)

func main() {
	fx.New(
		fx.Provide(
			config.NewConfig,
			newLogger,
			func(l *zap.Logger) *zap.SugaredLogger { return l.Sugar() },
			db.NewGormClient,
			newPinger,
			service.NewGeneral,
			transport.NewOAuth,
			transport.NewHTTPServer,
		),
		feed.Module,
		health.Module,
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l}
		}),
		fx.Invoke(func(*transport.HTTPServer, *health.Server) {}),
	).Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.LogLevel, cfg.LogPretty)
}

func newPinger(gdb *gorm.DB) (health.Pinger, error) {
	return gdb.DB()
}
