// Package health serves the standard gRPC health service. The overall
// status follows the database.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
)

const (
	// Service is the name clients can ask for besides the overall "".
	Service = "bookmarker"

	checkInterval = 10 * time.Second
	checkTimeout  = 2 * time.Second
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	db       Pinger
	logger   *zap.SugaredLogger
	interval time.Duration

	mu   sync.Mutex
	addr net.Addr
	stop context.CancelFunc
	done chan struct{}
}

func NewGRPCServer(lc fx.Lifecycle, cfg *config.Config, db Pinger, logger *zap.SugaredLogger) *Server {
	instance := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		db:       db,
		logger:   logger,
		interval: checkInterval,
	}
	healthpb.RegisterHealthServer(instance.grpc, instance.health)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return instance.Start(ctx, cfg.Host+":"+cfg.GRPCPort)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping GRPC server.")
			instance.Stop()
			return nil
		},
	})

	return instance
}

// Start listens on addr, runs the first check and serves in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "grpc listen")
	}

	s.check(ctx)

	watchCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.addr = lis.Addr()
	s.stop = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.watch(watchCtx)
	}()

	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Errorw("grpc serve failed", "error", err)
		}
	}()

	s.logger.Infow("grpc health listening", "addr", lis.Addr().String())
	return nil
}

func (s *Server) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()

	s.health.Shutdown()
	if stop != nil {
		stop()
		<-done
	}
	s.grpc.GracefulStop()
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Server) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warnw("database ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}
