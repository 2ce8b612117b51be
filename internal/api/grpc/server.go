package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName имя сервиса в ответах health
const ServiceName = "billing-sync"

// Pinger проверяет доступность хранилища
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server gRPC сервер со службой здоровья
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	store      Pinger
	interval   time.Duration
	port       string
	log        *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer создает новый gRPC сервер. interval задает период опроса хранилища.
func NewServer(port string, store Pinger, interval time.Duration, log *logger.Logger) *Server {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     5 * time.Minute,
		MaxConnectionAge:      time.Hour,
		MaxConnectionAgeGrace: 5 * time.Minute,
		Time:                  2 * time.Minute,
		Timeout:               20 * time.Second,
	}
	grpcServer := grpc.NewServer(grpc.KeepaliveParams(kaParams))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	// Reflection для grpcurl
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		interval:   interval,
		port:       port,
		log:        log,
		stop:       make(chan struct{}),
	}
}

// Start запускает сервер и блокируется до Stop
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("grpc: listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve обслуживает уже открытый listener
func (s *Server) Serve(listener net.Listener) error {
	s.log.Infow("Starting gRPC health server", "addr", listener.Addr().String())
	s.check(context.Background())
	go s.watch()

	if err := s.grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("grpc: serve: %w", err)
	}
	return nil
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.check(context.Background())
		}
	}
}

// check обновляет статус по результату Ping
func (s *Server) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.store != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warnw("Store health check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop останавливает gRPC сервер
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("Stopping gRPC server")
		close(s.stop)
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	})
}
