//go:build !(linux || freebsd || darwin || openbsd || netbsd || dragonfly)

package server

import (
	"context"
	"fmt"
	"net"
)

// ListenWithBacklog falls back to the platform default backlog.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return listener, nil
}
