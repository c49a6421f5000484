package dataservice

import (
	"context"
	"time"
)

// Client is the production DataService: durable reads/writes over
// HTTP, change feed and broadcasts over the websocket.
type Client struct {
	*HTTPClient
	*Realtime
}

// NewClient builds a client for one actor against the given endpoints.
// Call Connect before Start-ing a store; a failed connect leaves the
// store in degraded poll mode until the transport recovers.
func NewClient(baseURL, wsURL, actorID string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: NewHTTPClient(baseURL, actorID, timeout),
		Realtime:   NewRealtime(wsURL, actorID),
	}
}

// Connect dials the realtime socket.
func (c *Client) Connect(ctx context.Context) error {
	return c.Realtime.Connect(ctx)
}

// Close shuts the realtime transport down.
func (c *Client) Close() {
	c.Realtime.Close()
}

var _ DataService = (*Client)(nil)
