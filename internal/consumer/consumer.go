// Package consumer implements the client side of the relay: a small state
// machine that dials the relay server, subscribes to focused pools, merges
// live socket events with an HTTP polling backstop, and exposes a
// deduplicated per-pool transaction feed.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"solana-pool-relay/internal/cache"
	"solana-pool-relay/internal/discovery"
	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/relay"
	"solana-pool-relay/internal/ringbuf"
	"solana-pool-relay/internal/solana"
)

// Phase is the connection phase of the client.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Defaults.
const (
	DefaultPollInterval         = 5 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectDelay    = 8 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultSeenLimit            = 150
	DefaultPollFetchLimit       = 15
	DefaultRecordLimit          = 200
)

// Options configures a Client. RelayURL, RPC and Cache are required.
type Options struct {
	RelayURL string
	RPC      solana.RPCClient
	Cache    *cache.Store

	PollInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	SeenLimit            int
	Logger               *log.Logger
}

// poolState is the per-focused-pool state, owned by the event loop.
type poolState struct {
	seen      map[string]struct{}
	seenOrder *ringbuf.Ring[string]
	records   []domain.TransactionRecord
}

// Events posted into the loop mailbox.
type (
	focusCmd   struct{ poolID string }
	unfocusCmd struct{ poolID string }

	snapshotReq struct {
		poolID string
		reply  chan []domain.TransactionRecord
	}

	sockOpened struct{ conn *websocket.Conn }
	// gen ties a close event to the connection generation it came from so a
	// stale reader cannot tear down a newer connection. gen 0 means the
	// event did not originate from a reader (dial failure, write failure).
	sockClosed struct {
		err error
		gen int
	}
	sockData struct{ data []byte }

	pollResult struct {
		poolID string
		recs   []domain.TransactionRecord
		err    error
	}
)

// Client is a relay consumer. All mutable state is owned by the Run loop;
// public methods communicate with it through the mailbox.
type Client struct {
	relayURL string
	rpc      solana.RPCClient
	cache    *cache.Store
	logger   *log.Logger

	pollInterval         time.Duration
	reconnectDelay       time.Duration
	maxReconnectDelay    time.Duration
	maxReconnectAttempts int
	seenLimit            int

	events chan interface{}
	done   chan struct{}

	phase       atomic.Int32
	pollingOnly atomic.Bool

	// Loop-owned. Never touched outside Run.
	conn              *websocket.Conn
	connGen           int
	outQueue          []interface{}
	pools             map[string]*poolState
	reconnectAttempts int
}

// New creates a Client. Call Run to start it.
func New(opts Options) *Client {
	pollInterval := opts.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	maxDelay := opts.MaxReconnectDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxReconnectDelay
	}
	maxAttempts := opts.MaxReconnectAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	seenLimit := opts.SeenLimit
	if seenLimit == 0 {
		seenLimit = DefaultSeenLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		relayURL:             opts.RelayURL,
		rpc:                  opts.RPC,
		cache:                opts.Cache,
		logger:               logger,
		pollInterval:         pollInterval,
		reconnectDelay:       reconnectDelay,
		maxReconnectDelay:    maxDelay,
		maxReconnectAttempts: maxAttempts,
		seenLimit:            seenLimit,
		events:               make(chan interface{}, 256),
		done:                 make(chan struct{}),
		pools:                make(map[string]*poolState),
	}
}

// Phase reports the current connection phase.
func (c *Client) Phase() Phase { return Phase(c.phase.Load()) }

// PollingOnly reports whether reconnect attempts were exhausted and the
// client now relies on the HTTP backstop alone.
func (c *Client) PollingOnly() bool { return c.pollingOnly.Load() }

// Focus subscribes to a pool: a subscribe message goes out on the socket
// (queued if still connecting, dropped if disconnected) and the HTTP
// backstop starts immediately regardless of socket state.
func (c *Client) Focus(poolID string) {
	c.post(focusCmd{poolID: poolID})
}

// Unfocus unsubscribes from a pool, stops its polling, and clears its
// dedup state.
func (c *Client) Unfocus(poolID string) {
	c.post(unfocusCmd{poolID: poolID})
}

// Snapshot returns a copy of the pool's merged transaction list, ordered by
// observation time. Nil if the pool is not focused or the client stopped.
func (c *Client) Snapshot(poolID string) []domain.TransactionRecord {
	reply := make(chan []domain.TransactionRecord, 1)
	select {
	case c.events <- snapshotReq{poolID: poolID, reply: reply}:
	case <-c.done:
		return nil
	}
	select {
	case recs := <-reply:
		return recs
	case <-c.done:
		return nil
	}
}

// post delivers an event into the mailbox. Only off-loop goroutines call
// it; the loop mutates its own state directly, so a full mailbox can never
// deadlock the loop against itself.
func (c *Client) post(ev interface{}) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run executes the event loop until ctx is cancelled. It owns every piece
// of client state; dials, socket reads and HTTP polls run in helper
// goroutines that post their results back as events.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)

	c.startDial(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
			for poolID := range c.pools {
				c.startPoll(ctx, poolID)
			}
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Client) handle(ctx context.Context, ev interface{}) {
	switch ev := ev.(type) {
	case focusCmd:
		c.handleFocus(ctx, ev.poolID)
	case unfocusCmd:
		c.handleUnfocus(ctx, ev.poolID)
	case snapshotReq:
		ev.reply <- c.snapshot(ev.poolID)
	case sockOpened:
		c.handleOpened(ctx, ev.conn)
	case sockClosed:
		c.handleClosed(ctx, ev)
	case sockData:
		c.handleData(ctx, ev.data)
	case pollResult:
		c.handlePollResult(ev)
	}
}

func (c *Client) handleFocus(ctx context.Context, poolID string) {
	if _, ok := c.pools[poolID]; ok {
		return
	}
	c.pools[poolID] = &poolState{
		seen:      make(map[string]struct{}),
		seenOrder: ringbuf.New[string](c.seenLimit),
	}

	c.send(ctx, relay.SubscribeMessage{Type: relay.TypeSubscribe, PoolIDs: []string{poolID}})

	// The HTTP path is the reliability backbone; fetch now, socket or not.
	c.startPoll(ctx, poolID)
}

func (c *Client) handleUnfocus(ctx context.Context, poolID string) {
	if _, ok := c.pools[poolID]; !ok {
		return
	}
	delete(c.pools, poolID)
	c.send(ctx, relay.SubscribeMessage{Type: relay.TypeUnsubscribe, PoolIDs: []string{poolID}})
}

// send is the single outbound path. It switches on phase so a write can
// never touch a socket that is not open: connecting queues FIFO,
// disconnected drops. A write failure tears the socket down inline, on the
// loop goroutine, so one dead socket produces exactly one reconnect no
// matter how many queued writes fail on it.
func (c *Client) send(ctx context.Context, v interface{}) {
	switch c.Phase() {
	case PhaseConnected:
		if err := c.conn.WriteJSON(v); err != nil {
			c.logger.Printf("[consumer] write failed: %v", err)
			c.handleClosed(ctx, sockClosed{err: err, gen: c.connGen})
		}
	case PhaseConnecting:
		c.outQueue = append(c.outQueue, v)
	default:
		// Disconnected: dropped. Focused pools re-subscribe on reconnect.
	}
}

func (c *Client) handleOpened(ctx context.Context, conn *websocket.Conn) {
	c.conn = conn
	c.connGen++
	c.reconnectAttempts = 0
	c.phase.Store(int32(PhaseConnected))
	c.pollingOnly.Store(false)
	c.logger.Printf("[consumer] connected to %s", c.relayURL)

	go c.readLoop(conn, c.connGen)

	// Flush messages queued while connecting, in order. A write failure
	// mid-flush closes the socket inline; the rest re-queue for the next
	// connection.
	queued := c.outQueue
	c.outQueue = nil
	for _, v := range queued {
		c.send(ctx, v)
	}

	// Re-establish interest in every focused pool.
	for poolID := range c.pools {
		c.send(ctx, relay.SubscribeMessage{Type: relay.TypeSubscribe, PoolIDs: []string{poolID}})
	}
}

func (c *Client) handleClosed(ctx context.Context, ev sockClosed) {
	if ev.gen != 0 {
		// Reader or write failure on a specific socket: only the live
		// one counts. Once conn is nil that socket was already torn
		// down and this event is a leftover.
		if c.conn == nil || ev.gen != c.connGen {
			return
		}
	} else {
		// Dial outcome: stale unless a dial is actually outstanding.
		if c.Phase() != PhaseConnecting || c.conn != nil {
			return
		}
	}
	err := ev.err
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.phase.Store(int32(PhaseDisconnected))
	c.outQueue = nil

	if c.reconnectAttempts >= c.maxReconnectAttempts {
		if !c.pollingOnly.Load() {
			c.pollingOnly.Store(true)
			c.logger.Printf("[consumer] reconnect attempts exhausted, polling only")
		}
		return
	}

	delay := c.reconnectDelay * (1 << uint(c.reconnectAttempts))
	if delay > c.maxReconnectDelay {
		delay = c.maxReconnectDelay
	}
	c.reconnectAttempts++
	c.logger.Printf("[consumer] socket closed (%v), reconnect %d/%d in %v",
		err, c.reconnectAttempts, c.maxReconnectAttempts, delay)

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			c.dial(ctx)
		}
	}()
	c.phase.Store(int32(PhaseConnecting))
}

func (c *Client) handleData(ctx context.Context, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Printf("[consumer] malformed frame: %v", err)
		return
	}

	switch env.Type {
	case relay.TypeTransaction:
		var msg relay.TransactionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("[consumer] bad transaction frame: %v", err)
			return
		}
		ps, ok := c.pools[msg.PoolID]
		if !ok {
			return
		}
		c.merge(ps, msg.TransactionRecord)
	case relay.TypePing:
		c.send(ctx, relay.ControlMessage{Type: relay.TypePong})
	case relay.TypeConnected:
		var msg relay.ConnectedMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.UpstreamUnavailable {
			c.logger.Printf("[consumer] relay reports upstream unavailable")
		}
	case relay.TypeError:
		var msg relay.ErrorMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			c.logger.Printf("[consumer] relay error: %s", msg.Error)
		}
	case relay.TypeSubscribed, relay.TypePong:
		// Acks carry no state the poll path does not already rebuild.
	default:
		c.logger.Printf("[consumer] unknown frame type %q", env.Type)
	}
}

func (c *Client) handlePollResult(ev pollResult) {
	ps, ok := c.pools[ev.poolID]
	if !ok {
		// Unfocused while the fetch was in flight; stale data must not
		// resurrect cleared state.
		return
	}
	if ev.err != nil {
		c.logger.Printf("[consumer] poll %s failed: %v", ev.poolID, ev.err)
		return
	}
	for _, rec := range ev.recs {
		c.merge(ps, rec)
	}
}

// merge adds a record unless its signature was already seen, trimming the
// oldest seen entry past the cap.
func (c *Client) merge(ps *poolState, rec domain.TransactionRecord) {
	if _, dup := ps.seen[rec.Signature]; dup {
		return
	}
	ps.seen[rec.Signature] = struct{}{}
	if old, evicted := ps.seenOrder.Push(rec.Signature); evicted {
		delete(ps.seen, old)
	}
	ps.records = append(ps.records, rec)
	if len(ps.records) > DefaultRecordLimit {
		ps.records = ps.records[len(ps.records)-DefaultRecordLimit:]
	}
}

func (c *Client) snapshot(poolID string) []domain.TransactionRecord {
	ps, ok := c.pools[poolID]
	if !ok {
		return nil
	}
	out := make([]domain.TransactionRecord, len(ps.records))
	copy(out, ps.records)
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAtMs < out[j].ObservedAtMs })
	return out
}

func (c *Client) startDial(ctx context.Context) {
	c.phase.Store(int32(PhaseConnecting))
	go c.dial(ctx)
}

// dial runs off-loop and posts the outcome back as an event.
func (c *Client) dial(ctx context.Context) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.relayURL, nil)
	if err != nil {
		c.post(sockClosed{err: fmt.Errorf("dial %s: %w", c.relayURL, err)})
		return
	}
	c.post(sockOpened{conn: conn})
}

// readLoop pumps inbound frames into the mailbox. The generation it was
// started with travels with its close event so the loop can discard a
// close from a reader that has already been replaced.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post(sockClosed{err: err, gen: gen})
			return
		}
		c.post(sockData{data: data})
	}
}

// startPoll issues the HTTP backstop fetch for a pool off-loop. Results go
// through the cache so back-to-back polls inside the TTL reuse one fetch.
func (c *Client) startPoll(ctx context.Context, poolID string) {
	go func() {
		recs, err := cache.GetOrComputeAs(c.cache, "poll_"+poolID, func() ([]domain.TransactionRecord, error) {
			return c.fetchRecent(ctx, poolID)
		})
		c.post(pollResult{poolID: poolID, recs: recs, err: err})
	}()
}

// fetchRecent is the signatures+batch-detail RPC pair.
func (c *Client) fetchRecent(ctx context.Context, poolID string) ([]domain.TransactionRecord, error) {
	sigs, err := c.rpc.GetSignaturesForAddress(ctx, poolID, &solana.SignaturesOpts{Limit: DefaultPollFetchLimit})
	if err != nil {
		return nil, fmt.Errorf("signatures for %s: %w", poolID, err)
	}

	pending := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s.Err != nil {
			continue
		}
		pending = append(pending, s.Signature)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	txs, err := c.rpc.GetTransactionBatch(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("transaction batch: %w", err)
	}

	nowMs := time.Now().UnixMilli()
	recs := make([]domain.TransactionRecord, 0, len(txs))
	for _, tx := range txs {
		if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
			continue
		}
		recs = append(recs, discovery.BuildRecord(tx, poolID, nowMs))
	}
	return recs, nil
}

func (c *Client) shutdown() {
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.phase.Store(int32(PhaseDisconnected))
}
