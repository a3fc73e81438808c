package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/registry"
)

type fakeUpstream struct {
	ch          chan domain.TransactionRecord
	unavailable bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{ch: make(chan domain.TransactionRecord, 64)}
}

func (f *fakeUpstream) Records() <-chan domain.TransactionRecord { return f.ch }
func (f *fakeUpstream) Unavailable() bool                        { return f.unavailable }

type fakeAnnotator struct {
	infos map[string]domain.PoolInfo
}

func (f *fakeAnnotator) PoolInfo(_ context.Context, poolID string) (domain.PoolInfo, error) {
	info, ok := f.infos[poolID]
	if !ok {
		return domain.PoolInfo{}, errors.New("pool not found")
	}
	return info, nil
}

func record(sig, poolID string, observedAtMs int64) domain.TransactionRecord {
	return domain.TransactionRecord{
		Signature:    sig,
		PoolID:       poolID,
		Kind:         domain.KindSwap,
		Amount:       decimal.NewFromFloat(1.5),
		AmountKnown:  true,
		Slot:         100,
		ObservedAtMs: observedAtMs,
	}
}

type testRig struct {
	srv      *Server
	upstream *fakeUpstream
	reg      *registry.Registry
	http     *httptest.Server
	cancel   context.CancelFunc
}

func newRig(t *testing.T, mutate func(*Options)) *testRig {
	t.Helper()

	reg := registry.New(registry.Options{})
	up := newFakeUpstream()
	opts := Options{
		Registry:          reg,
		Upstream:          up,
		HeartbeatInterval: time.Hour, // disabled unless a test shortens it
		IdleTimeout:       time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)

	ts := httptest.NewServer(srv.Handler())
	rig := &testRig{srv: srv, upstream: up, reg: reg, http: ts, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return rig
}

func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelope reads the next message and returns its type tag and raw bytes.
func readEnvelope(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.Type, data
}

// expectNoMessage asserts nothing arrives within the window.
func expectNoMessage(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(window))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message: %s", data)
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, pools ...string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"type": TypeSubscribe, "poolIds": pools}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
}

func TestHandshakeConnected(t *testing.T) {
	rig := newRig(t, nil)
	conn := rig.dial(t)

	typ, data := readEnvelope(t, conn)
	if typ != TypeConnected {
		t.Fatalf("first message type = %q, want %q", typ, TypeConnected)
	}

	var msg ConnectedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.MaxPools != DefaultMaxPoolsPerClient {
		t.Fatalf("maxPools = %d, want %d", msg.MaxPools, DefaultMaxPoolsPerClient)
	}
	if msg.UpstreamUnavailable {
		t.Fatal("upstream flagged unavailable on a healthy rig")
	}
}

func TestHandshakeReportsUpstreamDown(t *testing.T) {
	rig := newRig(t, nil)
	rig.upstream.unavailable = true
	conn := rig.dial(t)

	_, data := readEnvelope(t, conn)
	var msg ConnectedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !msg.UpstreamUnavailable {
		t.Fatal("handshake did not report upstream unavailable")
	}
}

func TestSubscribeAckAndBackfill(t *testing.T) {
	rig := newRig(t, nil)

	// An earlier subscriber keeps the pool watched so the recent buffer
	// survives; the records below become backfill for the next client.
	h := rig.reg.Watch("poolA")
	defer rig.reg.Unwatch(h)
	rig.reg.RecordDelivered(record("sig-1", "poolA", 1000))
	rig.reg.RecordDelivered(record("sig-2", "poolA", 2000))

	conn := rig.dial(t)
	readEnvelope(t, conn) // connected

	subscribe(t, conn, "poolA")

	typ, data := readEnvelope(t, conn)
	if typ != TypeSubscribed {
		t.Fatalf("ack type = %q, want %q", typ, TypeSubscribed)
	}
	var ack SubscribedMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ack.PoolIDs) != 1 || ack.PoolIDs[0] != "poolA" {
		t.Fatalf("ack pools = %v, want [poolA]", ack.PoolIDs)
	}

	for _, want := range []string{"sig-1", "sig-2"} {
		typ, data := readEnvelope(t, conn)
		if typ != TypeTransaction {
			t.Fatalf("backfill type = %q, want %q", typ, TypeTransaction)
		}
		var tx TransactionMessage
		if err := json.Unmarshal(data, &tx); err != nil {
			t.Fatalf("decode backfill: %v", err)
		}
		if tx.Signature != want {
			t.Fatalf("backfill signature = %q, want %q", tx.Signature, want)
		}
	}
}

func TestSubscribeAnnotatesFromCatalog(t *testing.T) {
	ann := &fakeAnnotator{infos: map[string]domain.PoolInfo{
		"poolA": {Address: "poolA", Name: "SOL/USDC", Verified: true},
	}}
	rig := newRig(t, func(o *Options) { o.Annotator = ann })

	conn := rig.dial(t)
	readEnvelope(t, conn)

	subscribe(t, conn, "poolA", "poolB")

	_, data := readEnvelope(t, conn)
	var ack SubscribedMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ack.PoolIDs) != 2 {
		t.Fatalf("accepted %d pools, want 2", len(ack.PoolIDs))
	}
	// poolB has no catalog entry; annotation is best-effort.
	if len(ack.Pools) != 1 || ack.Pools[0].Name != "SOL/USDC" {
		t.Fatalf("annotations = %+v, want single SOL/USDC entry", ack.Pools)
	}
}

func TestFanoutScopedToSubscribers(t *testing.T) {
	rig := newRig(t, nil)

	connA := rig.dial(t)
	readEnvelope(t, connA)
	subscribe(t, connA, "poolA")
	readEnvelope(t, connA) // subscribed ack

	connB := rig.dial(t)
	readEnvelope(t, connB)
	subscribe(t, connB, "poolB")
	readEnvelope(t, connB)

	rig.upstream.ch <- record("sig-a", "poolA", 1000)

	typ, data := readEnvelope(t, connA)
	if typ != TypeTransaction {
		t.Fatalf("type = %q, want %q", typ, TypeTransaction)
	}
	var tx TransactionMessage
	if err := json.Unmarshal(data, &tx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.PoolID != "poolA" || tx.Signature != "sig-a" {
		t.Fatalf("got %s/%s, want poolA/sig-a", tx.PoolID, tx.Signature)
	}

	expectNoMessage(t, connB, 200*time.Millisecond)
}

func TestSubscribeCapSilentlyDropsExtras(t *testing.T) {
	rig := newRig(t, func(o *Options) { o.MaxPoolsPerClient = 2 })

	conn := rig.dial(t)
	readEnvelope(t, conn)

	subscribe(t, conn, "p1", "p2", "p3", "p4")

	_, data := readEnvelope(t, conn)
	var ack SubscribedMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ack.PoolIDs) != 2 {
		t.Fatalf("accepted %v, want exactly the first 2", ack.PoolIDs)
	}
	if ack.PoolIDs[0] != "p1" || ack.PoolIDs[1] != "p2" {
		t.Fatalf("accepted %v, want [p1 p2]", ack.PoolIDs)
	}
	if rig.reg.IsWatched("p3") || rig.reg.IsWatched("p4") {
		t.Fatal("over-cap pools leaked into the registry")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	rig := newRig(t, nil)

	conn := rig.dial(t)
	readEnvelope(t, conn)
	subscribe(t, conn, "poolA")
	readEnvelope(t, conn)

	if err := conn.WriteJSON(map[string]interface{}{"type": TypeUnsubscribe, "poolIds": []string{"poolA"}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}

	// Wait until the registry reflects the release before pushing a record.
	deadline := time.Now().Add(time.Second)
	for rig.reg.IsWatched("poolA") {
		if time.Now().After(deadline) {
			t.Fatal("pool still watched after unsubscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.upstream.ch <- record("sig-late", "poolA", 1000)
	expectNoMessage(t, conn, 200*time.Millisecond)
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	rig := newRig(t, nil)

	conn := rig.dial(t)
	readEnvelope(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	typ, _ := readEnvelope(t, conn)
	if typ != TypeError {
		t.Fatalf("reply type = %q, want %q", typ, TypeError)
	}

	// The connection survives: a ping still earns a pong.
	if err := conn.WriteJSON(map[string]interface{}{"type": TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	typ, _ = readEnvelope(t, conn)
	if typ != TypePong {
		t.Fatalf("reply type = %q, want %q", typ, TypePong)
	}
}

func TestHeartbeatClosesUnresponsiveClient(t *testing.T) {
	rig := newRig(t, func(o *Options) {
		o.HeartbeatInterval = 50 * time.Millisecond
	})

	conn := rig.dial(t)
	readEnvelope(t, conn)
	subscribe(t, conn, "poolA")
	readEnvelope(t, conn)

	// First tick delivers a ping; the client never answers, so the second
	// tick force-closes the connection and releases the subscription.
	typ, _ := readEnvelope(t, conn)
	if typ != TypePing {
		t.Fatalf("expected ping, got %q", typ)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	deadline := time.Now().Add(time.Second)
	for rig.reg.IsWatched("poolA") {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after forced close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHeartbeatAnsweredKeepsConnection(t *testing.T) {
	rig := newRig(t, func(o *Options) {
		o.HeartbeatInterval = 50 * time.Millisecond
	})

	conn := rig.dial(t)
	readEnvelope(t, conn)

	for i := 0; i < 3; i++ {
		typ, _ := readEnvelope(t, conn)
		if typ != TypePing {
			t.Fatalf("expected ping, got %q", typ)
		}
		if err := conn.WriteJSON(map[string]interface{}{"type": TypePong}); err != nil {
			t.Fatalf("write pong: %v", err)
		}
	}
}

// A subscribe frame can be in flight when the session is torn down (the
// heartbeat force-close races the read loop). Once teardown released the
// session's watches, a late subscribe must not register new ones: they
// would never be unwatched.
func TestSubscribeAfterCloseRegistersNothing(t *testing.T) {
	rig := newRig(t, nil)

	conn := rig.dial(t)
	readEnvelope(t, conn)

	var sess *session
	deadline := time.Now().Add(time.Second)
	for sess == nil {
		if sessions := rig.srv.snapshotSessions(); len(sessions) == 1 {
			sess = sessions[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.srv.closeSession(sess, "test teardown")
	sess.handleSubscribe([]string{"poolLate"})

	if rig.reg.IsWatched("poolLate") {
		t.Fatalf("subscribe after close left poolLate watched (count=%d)",
			rig.reg.SubscriberCount("poolLate"))
	}
	if sess.poolCount() != 0 {
		t.Fatalf("closed session holds %d pools, want 0", sess.poolCount())
	}
}
