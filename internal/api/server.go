package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-audit/internal/config"
)

// Server runs the HTTP review API, the ReviewQueue gRPC service and the metrics endpoint.
type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	grpc    *grpc.Server
	health  *health.Server
	http    *http.Server
	metrics *http.Server

	grpcListener    net.Listener
	httpListener    net.Listener
	metricsListener net.Listener
}

// NewServer binds every configured listener. An empty address disables that listener.
func NewServer(cfg config.ServerConfig, reviewer Reviewer, gatherer prometheus.Gatherer, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	s.grpc = grpc.NewServer(serverOpts...)
	RegisterReviewQueueServer(s.grpc, NewReviewQueueService(reviewer, logger))
	grpc_prometheus.Register(s.grpc)

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ReviewQueueServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.http = &http.Server{Handler: NewHTTPHandler(reviewer, logger), ReadHeaderTimeout: 10 * time.Second}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	var err error
	if s.grpcListener, err = listen(cfg.GRPCAddress); err != nil {
		return nil, err
	}
	if s.httpListener, err = listen(cfg.HTTPAddress); err != nil {
		s.closeListeners()
		return nil, err
	}
	if s.metricsListener, err = listen(cfg.MetricsAddress); err != nil {
		s.closeListeners()
		return nil, err
	}
	return s, nil
}

func listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return lis, nil
}

func (s *Server) closeListeners() {
	for _, lis := range []net.Listener{s.grpcListener, s.httpListener, s.metricsListener} {
		if lis != nil {
			_ = lis.Close()
		}
	}
}

// Start serves until Shutdown is invoked or a listener fails.
func (s *Server) Start() error {
	errCh := make(chan error, 3)
	running := 0
	if s.grpcListener != nil {
		running++
		go func() { errCh <- s.grpc.Serve(s.grpcListener) }()
	}
	if s.httpListener != nil {
		running++
		go func() { errCh <- ignoreClosed(s.http.Serve(s.httpListener)) }()
	}
	if s.metricsListener != nil {
		running++
		go func() { errCh <- ignoreClosed(s.metrics.Serve(s.metricsListener)) }()
	}
	if running == 0 {
		return errors.New("server: no listener configured")
	}
	s.logger.Info("review service listening",
		slog.String("http", s.HTTPAddress()),
		slog.String("grpc", s.GRPCAddress()),
		slog.String("metrics", addrOf(s.metricsListener)),
	)
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown attempts a graceful shutdown, falling back to Stop after ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", slog.Any("error", err))
	}
	if err := s.metrics.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics shutdown", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-ctx.Done():
		s.grpc.Stop()
	case <-stopped:
	}
}

// HTTPAddress exposes the bound HTTP address.
func (s *Server) HTTPAddress() string { return addrOf(s.httpListener) }

// GRPCAddress exposes the bound gRPC address.
func (s *Server) GRPCAddress() string { return addrOf(s.grpcListener) }

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

func addrOf(lis net.Listener) string {
	if lis == nil {
		return ""
	}
	return lis.Addr().String()
}
