// Package server builds the agent's local gRPC server.
package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"linkless/agent/internal/server/interceptors"
)

// quietMethods are polled by orchestrators and not worth a log line per call.
var quietMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
}

// NewGRPCServer returns a server with OTel instrumentation and request
// logging that serves the standard health protocol backed by health.
// Reflection is registered so grpcurl can inspect it.
func NewGRPCServer(health *grpchealth.Server, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.LoggingUnary(quietMethods)),
	}
	s := grpc.NewServer(append(base, opts...)...)
	healthpb.RegisterHealthServer(s, health)
	reflection.Register(s)
	return s
}
