package omi

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call with its status code and latency.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := codes.OK
	if err != nil {
		code = status.Code(err)
	}
	event := log.Debug()
	if code != codes.OK {
		event = log.Warn().Err(err)
	}
	event.Str("method", info.FullMethod).Str("code", code.String()).Dur("latency", time.Since(start)).Msg("grpc call")
	return resp, err
}

// RecoveryInterceptor turns a panic in a handler into an Internal status.
func RecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Panic occurred in method %s: %v\n%s", info.FullMethod, r, debug.Stack())
			err = status.Errorf(codes.Internal, "panic recovered: %v", r)
		}
	}()
	return handler(ctx, req)
}
