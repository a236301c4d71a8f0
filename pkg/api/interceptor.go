package api

import (
	"context"
	"strings"

	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor creates a gRPC unary interceptor that counts calls by
// method and status code, and logs failed ones
func MetricsInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		method := methodName(info.FullMethod)
		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)

		if err != nil {
			logger.Debug().Err(err).Str("method", info.FullMethod).Str("code", code.String()).Msg("gRPC call failed")
		}
		return resp, err
	}
}

// methodName extracts the method from a full path
// (e.g. "/grpc.health.v1.Health/Check" -> "Check")
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return fullMethod
	}
	return parts[len(parts)-1]
}
