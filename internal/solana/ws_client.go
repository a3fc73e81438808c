package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"solana-pool-relay/internal/observability"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff between attempts.
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed reconnects. When
	// exhausted the client raises its unavailable flag instead of looping.
	// The counter resets only on a confirmed successful resubscribe.
	MaxReconnectAttempts int
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout is how long to wait for a subscription confirmation.
	SubscribeTimeout time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    8 * time.Second,
		MaxReconnectAttempts: 10,
		PingInterval:         30 * time.Second,
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         10 * time.Second,
		SubscribeTimeout:     30 * time.Second,
	}
}

// WSClientImpl implements WSClient using gorilla/websocket. It owns the one
// long-lived provider connection and its single program-level subscription.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	logger   *log.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	state     atomic.Int32
	closed    atomic.Bool
	requestID atomic.Uint64

	// single program subscription
	program string
	subID   atomic.Int64
	notifCh chan LogNotification
	subMu   sync.Mutex

	// pendingSubs maps request ID to channel waiting for a subscription ID
	pendingSubs   map[uint64]chan int64
	pendingSubsMu sync.Mutex

	unavailable  atomic.Bool
	reconnecting atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
// A provider outage at startup is not fatal: the client starts degraded and
// keeps dialing with the configured backoff, raising Unavailable once the
// attempt bound is exhausted.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig, logger *log.Logger) *WSClientImpl {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.Default()
	}

	c := &WSClientImpl{
		endpoint:    endpoint,
		config:      cfg,
		logger:      logger,
		pendingSubs: make(map[uint64]chan int64),
		done:        make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		c.logger.Printf("[ws] initial connect failed, retrying in background: %v", err)
		c.reconnecting.Store(true)
		go c.reconnectLoop()
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c
}

// State returns the current connection state.
func (c *WSClientImpl) State() ConnState {
	return ConnState(c.state.Load())
}

// Unavailable reports whether reconnect attempts have been exhausted.
func (c *WSClientImpl) Unavailable() bool {
	return c.unavailable.Load()
}

func (c *WSClientImpl) setState(s ConnState) {
	c.state.Store(int32(s))
}

// connect establishes the WebSocket connection.
func (c *WSClientImpl) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateOpen)
	return nil
}

func (c *WSClientImpl) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// writeJSON writes one message under the connection lock with a deadline.
func (c *WSClientImpl) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteJSON(v)
}

// SubscribeProgram issues the single program-level logsSubscribe. The returned
// channel stays valid across reconnects; it is closed only by Close.
func (c *WSClientImpl) SubscribeProgram(ctx context.Context, programID string) (<-chan LogNotification, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client closed")
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.notifCh != nil {
		return nil, fmt.Errorf("program subscription already active")
	}

	subID, err := c.subscribeLogsInternal(ctx, programID)
	if err != nil {
		return nil, err
	}

	// Large buffer absorbs bursts; dispatch blocks rather than drop, since a
	// transaction missing from the feed is a worse failure than latency.
	ch := make(chan LogNotification, 10000)
	c.program = programID
	c.notifCh = ch
	c.subID.Store(subID)

	return ch, nil
}

// subscribeLogsInternal sends a logsSubscribe request and waits for the
// subscription confirmation.
func (c *WSClientImpl) subscribeLogsInternal(ctx context.Context, programID string) (int64, error) {
	reqID := c.requestID.Add(1)

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{programID}},
			map[string]string{"commitment": "confirmed"},
		},
	}

	confirmCh := make(chan int64, 1)
	c.pendingSubsMu.Lock()
	c.pendingSubs[reqID] = confirmCh
	c.pendingSubsMu.Unlock()

	dropPending := func() {
		c.pendingSubsMu.Lock()
		delete(c.pendingSubs, reqID)
		c.pendingSubsMu.Unlock()
	}

	if err := c.writeJSON(req); err != nil {
		dropPending()
		return 0, fmt.Errorf("write subscribe: %w", err)
	}

	select {
	case subID := <-confirmCh:
		return subID, nil
	case <-time.After(c.config.SubscribeTimeout):
		dropPending()
		return 0, fmt.Errorf("subscription timeout after %v", c.config.SubscribeTimeout)
	case <-c.done:
		return 0, fmt.Errorf("client closed")
	case <-ctx.Done():
		dropPending()
		return 0, ctx.Err()
	}
}

// Close closes the WebSocket connection.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)
	c.setState(StateClosed)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.pendingSubsMu.Lock()
	for id, ch := range c.pendingSubs {
		close(ch)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()

	c.wg.Wait()

	c.subMu.Lock()
	if c.notifCh != nil {
		close(c.notifCh)
		c.notifCh = nil
	}
	c.subMu.Unlock()

	return nil
}

// readLoop reads messages from the socket and dispatches them. A read error
// hands off to the bounded reconnect loop.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	for !c.closed.Load() {
		conn := c.currentConn()
		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			c.setState(StateDisconnected)
			if !c.reconnecting.Swap(true) {
				go c.reconnectLoop()
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		c.handleMessage(message)
	}
}

// reconnectLoop retries the connection with exponential backoff up to the
// configured attempt bound, re-issuing the program subscription on success.
// On exhaustion it raises the unavailable flag and gives up; polling takes
// over from there.
func (c *WSClientImpl) reconnectLoop() {
	defer c.reconnecting.Store(false)

	delay := c.config.ReconnectDelay

	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		if c.closed.Load() {
			return
		}

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		observability.RecordReconnect()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			c.logger.Printf("[ws] reconnect attempt %d/%d failed: %v", attempt, c.config.MaxReconnectAttempts, err)
			continue
		}

		c.subMu.Lock()
		program := c.program
		c.subMu.Unlock()

		if program != "" {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.SubscribeTimeout)
			subID, err := c.subscribeLogsInternal(ctx, program)
			cancel()
			if err != nil {
				c.logger.Printf("[ws] resubscribe after reconnect failed: %v", err)
				c.connMu.Lock()
				if c.conn != nil {
					c.conn.Close()
					c.conn = nil
				}
				c.connMu.Unlock()
				c.setState(StateDisconnected)
				continue
			}
			c.subID.Store(subID)
		}

		// Confirmed successful connection: attempts reset, flag cleared.
		c.unavailable.Store(false)
		observability.SetUpstreamUnavailable(false)
		c.logger.Printf("[ws] reconnected after %d attempt(s)", attempt)
		return
	}

	c.logger.Printf("[ws] giving up after %d reconnect attempts, upstream unavailable", c.config.MaxReconnectAttempts)
	c.unavailable.Store(true)
	observability.SetUpstreamUnavailable(true)
	c.setState(StateDisconnected)
}

// handleMessage processes one incoming WebSocket message.
func (c *WSClientImpl) handleMessage(message []byte) {
	// Subscription confirmation first
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.Result > 0 {
		c.handleSubscribeResponse(&resp)
		return
	}

	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == "logsNotification" {
		c.handleLogsNotification(&notif)
		return
	}

	var errResp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &errResp); err == nil && errResp.Error != nil {
		// Logged, not fatal; a pending subscribe will time out on its own.
		c.logger.Printf("[ws] error response: code=%d msg=%s", errResp.Error.Code, errResp.Error.Message)
	}
}

func (c *WSClientImpl) handleSubscribeResponse(resp *wsSubscribeResponse) {
	c.pendingSubsMu.Lock()
	ch, ok := c.pendingSubs[resp.ID]
	if ok {
		delete(c.pendingSubs, resp.ID)
	}
	c.pendingSubsMu.Unlock()

	if ok {
		select {
		case ch <- resp.Result:
		default:
		}
	}
}

func (c *WSClientImpl) handleLogsNotification(notif *wsNotification) {
	if notif.Params == nil {
		return
	}

	if notif.Params.Subscription != c.subID.Load() {
		return
	}

	value := notif.Params.Result.Value
	logNotif := LogNotification{
		Signature: value.Signature,
		Logs:      value.Logs,
		Err:       value.Err,
	}
	if notif.Params.Result.Context != nil {
		logNotif.Slot = notif.Params.Result.Context.Slot
	}

	c.subMu.Lock()
	ch := c.notifCh
	c.subMu.Unlock()

	if ch != nil {
		select {
		case ch <- logNotif:
		case <-c.done:
		}
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, the reader handles reconnect
				}
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext  `json:"context"`
	Value   wsLogsValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsLogsValue struct {
	Signature string      `json:"signature"`
	Logs      []string    `json:"logs"`
	Err       interface{} `json:"err"`
}
