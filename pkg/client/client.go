// Package client talks to a running model container over the Open Model
// Interface.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/kennethnrk/chassis/internal/config"
	openmodelpb "github.com/kennethnrk/chassis/pkg/pb/openmodel"
)

// ErrNotReady is returned by WaitReady when the model never reports 200.
var ErrNotReady = errors.New("model did not initialize successfully")

type options struct {
	maxMessageBytes int
	dialOptions     []grpc.DialOption
}

type Option func(*options)

// WithMaxMessageBytes sets the send and receive limit of the channel.
func WithMaxMessageBytes(n int) Option {
	return func(o *options) { o.maxMessageBytes = n }
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// Client is an OMI client. It is safe for concurrent use.
type Client struct {
	target string
	conn   *grpc.ClientConn
	model  openmodelpb.ModzyModelClient
	health healthpb.HealthClient
}

// New opens an insecure channel to host:port. The connection is established
// lazily by the first call.
func New(host string, port int, opts ...Option) (*Client, error) {
	o := options{maxMessageBytes: config.DefaultMaxMessageBytes}
	for _, opt := range opts {
		opt(&o)
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(o.maxMessageBytes),
			grpc.MaxCallSendMsgSize(o.maxMessageBytes),
		),
	}, o.dialOptions...)
	conn, err := grpc.NewClient(target, dial...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", target, err)
	}
	return &Client{
		target: target,
		conn:   conn,
		model:  openmodelpb.NewModzyModelClient(conn),
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Target returns the host:port the client talks to.
func (c *Client) Target() string { return c.target }

// Status queries the model. The first call makes the server load the model.
func (c *Client) Status(ctx context.Context) (*openmodelpb.StatusResponse, error) {
	return c.model.Status(ctx, &openmodelpb.StatusRequest{})
}

// Run sends one batch of inputs. Outputs are returned in input order.
func (c *Client) Run(ctx context.Context, inputs []map[string][]byte, detectDrift, explain bool) (*openmodelpb.RunResponse, error) {
	req := &openmodelpb.RunRequest{
		Inputs:      make([]*openmodelpb.InputItem, len(inputs)),
		DetectDrift: detectDrift,
		Explain:     explain,
	}
	for i, in := range inputs {
		req.Inputs[i] = &openmodelpb.InputItem{Input: in}
	}
	return c.model.Run(ctx, req)
}

// Shutdown unloads the model. The container keeps running until it is
// stopped.
func (c *Client) Shutdown(ctx context.Context) (*openmodelpb.ShutdownResponse, error) {
	return c.model.Shutdown(ctx, &openmodelpb.ShutdownRequest{})
}

// Health reports the serving status of the model service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: openmodelpb.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// WaitReady polls Status until it returns 200 or ctx is done. Connection
// errors while the container boots are retried.
func (c *Client) WaitReady(ctx context.Context, pollInterval time.Duration) (*openmodelpb.StatusResponse, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		resp, err := c.Status(ctx)
		switch {
		case err == nil && resp.StatusCode == 200:
			return resp, nil
		case err == nil:
			lastErr = fmt.Errorf("%w: %s", ErrNotReady, resp.Message)
			log.Debug().Int32("code", resp.StatusCode).Str("message", resp.Message).Msg("model not ready")
		default:
			// Once the model has answered, its own message outlives later
			// transport errors, including the poll cut short by the deadline.
			if lastErr == nil || (!errors.Is(lastErr, ErrNotReady) && status.Code(err) != codes.DeadlineExceeded) {
				lastErr = err
			}
			log.Debug().Err(err).Str("target", c.target).Msg("model not reachable")
		}
		select {
		case <-ctx.Done():
			if errors.Is(lastErr, ErrNotReady) {
				return nil, lastErr
			}
			return nil, fmt.Errorf("%w: %w", ErrNotReady, lastErr)
		case <-ticker.C:
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
