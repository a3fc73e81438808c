package stub

import (
	"context"
	"errors"
	"sync/atomic"

	"solana-pool-relay/internal/solana"
)

// WSClient implements solana.WSClient for testing. Tests push notifications
// through Notify.
type WSClient struct {
	ch             chan solana.LogNotification
	subscribed     atomic.Bool
	unavailable    atomic.Bool
	closed         atomic.Bool
	failSubscribes atomic.Int32
}

// NewWSClient creates a new stub WebSocket client.
func NewWSClient() *WSClient {
	return &WSClient{
		ch: make(chan solana.LogNotification, 256),
	}
}

// SubscribeProgram returns the stub notification channel.
func (c *WSClient) SubscribeProgram(_ context.Context, _ string) (<-chan solana.LogNotification, error) {
	if c.failSubscribes.Load() > 0 {
		c.failSubscribes.Add(-1)
		return nil, errors.New("not connected")
	}
	c.subscribed.Store(true)
	return c.ch, nil
}

// FailSubscribes makes the next n SubscribeProgram calls return an error.
func (c *WSClient) FailSubscribes(n int32) {
	c.failSubscribes.Store(n)
}

// Notify pushes a notification to the subscriber.
func (c *WSClient) Notify(n solana.LogNotification) {
	c.ch <- n
}

// SetUnavailable flips the unavailable flag.
func (c *WSClient) SetUnavailable(v bool) {
	c.unavailable.Store(v)
}

// Unavailable reports the stubbed flag.
func (c *WSClient) Unavailable() bool {
	return c.unavailable.Load()
}

// Subscribed reports whether SubscribeProgram was called.
func (c *WSClient) Subscribed() bool {
	return c.subscribed.Load()
}

// Close closes the notification channel.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.ch)
	return nil
}
