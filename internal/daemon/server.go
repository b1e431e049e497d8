package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/wafleet/internal/api"
	"github.com/matheus3301/wafleet/internal/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server runs the HTTP API and the gRPC health endpoint of the daemon.
type Server struct {
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	handler      *api.Handler
	logger       *zap.Logger
}

// NewServer binds both listeners so a taken port fails startup.
func NewServer(cfg *config.Config, handler *api.Handler, health *api.Health, logger *zap.Logger) (*Server, error) {
	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		_ = httpLis.Close()
		return nil, fmt.Errorf("listen grpc: %w", err)
	}

	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	return &Server{
		httpServer: &http.Server{
			Handler:           handler.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		httpListener: httpLis,
		grpcServer:   grpcServer,
		grpcListener: grpcLis,
		handler:      handler,
		logger:       logger,
	}, nil
}

// HTTPAddr returns the bound HTTP address.
func (s *Server) HTTPAddr() string { return s.httpListener.Addr().String() }

// GRPCAddr returns the bound gRPC address.
func (s *Server) GRPCAddr() string { return s.grpcListener.Addr().String() }

// Start serves both listeners in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http server starting", zap.String("addr", s.HTTPAddr()))
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	go func() {
		s.logger.Info("gRPC server starting", zap.String("addr", s.GRPCAddr()))
		if err := s.grpcServer.Serve(s.grpcListener); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
}

// Stop ends open event streams, shuts the HTTP server down gracefully within
// ctx and drains gRPC.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("servers stopping")
	s.handler.CloseStreams()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
		_ = s.httpServer.Close()
	}
	s.grpcServer.GracefulStop()
}
