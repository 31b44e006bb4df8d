// Package interceptors holds gRPC server interceptors for the agent's local API.
package interceptors

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor that logs method, status
// code and duration after each RPC. Methods in skipMethods are not logged.
func LoggingUnary(skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		log.Printf("grpc: %s code=%s duration=%s client=%s",
			info.FullMethod, status.Code(err), time.Since(start).Round(time.Microsecond), ClientAddr(ctx))
		return resp, err
	}
}

// ClientAddr returns the remote address of the caller, or "unknown".
func ClientAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}
