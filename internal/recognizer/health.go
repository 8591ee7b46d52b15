package recognizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// NativeAvailable reports whether the recognizer service answers SERVING.
func (c *Client) NativeAvailable(ctx context.Context) bool {
	return c.Check(ctx) == nil
}

// Check runs one health probe and explains failures.
func (c *Client) Check(ctx context.Context) error {
	timeout := c.cfg.DialTimeout
	if timeout <= 0 || timeout > defaultProbeTimeout {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.conn.Connect()
	if err := waitForReady(ctx, c.conn); err != nil {
		return fmt.Errorf("recognizer not reachable: %w", err)
	}

	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("recognizer health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("recognizer status %s", resp.GetStatus())
	}
	return nil
}

// waitForReady blocks until the gRPC connection enters Ready or fails.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}
