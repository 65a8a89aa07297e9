package client

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/feedsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the gRPC connection to a profile daemon.
type Client struct {
	conn *grpc.ClientConn
	Feed *api.FeedClient
}

// New dials the daemon's Unix domain socket. The connection is lazy; the
// first call surfaces a missing daemon.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn: conn,
		Feed: api.NewFeedClient(conn),
	}, nil
}

// Ping checks that the daemon answers within timeout.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) (*api.StatusReply, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := c.Feed.GetStatus(ctx, &api.StatusRequest{}, grpc.WaitForReady(true))
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	return st, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
