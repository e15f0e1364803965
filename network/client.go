package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialOptions configures outbound TCP links.
type DialOptions struct {
	ConnectionTimeout time.Duration
	FrameReadTimeout  time.Duration
}

// Dial connects to a coordinator and returns a ready FrameLink.
func Dial(ctx context.Context, address string, options DialOptions) (*FrameLink, error) {
	timeout := options.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	return NewFrameLink(conn, LinkOptions{FrameReadTimeout: options.FrameReadTimeout}), nil
}
