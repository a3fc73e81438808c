package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"solana-pool-relay/internal/observability"
	"solana-pool-relay/internal/registry"
)

// sendBufferSize bounds the per-client outbound queue. A client that cannot
// drain it loses events rather than stalling fan-out for everyone else.
const sendBufferSize = 64

// session is one downstream client connection. The read loop is the only
// goroutine handling inbound messages; all outbound traffic funnels through
// the send channel into a single writer goroutine, so no two goroutines ever
// write the socket concurrently.
type session struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	mu     sync.Mutex
	pools  map[string]*registry.Handle
	closed bool

	send chan interface{}
	done chan struct{}

	lastActivityMs atomic.Int64
	awaitingPong   atomic.Bool
	closeOnce      sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	s := &session{
		id:    uuid.NewString(),
		conn:  conn,
		srv:   srv,
		pools: make(map[string]*registry.Handle),
		send:  make(chan interface{}, sendBufferSize),
		done:  make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastActivityMs.Store(time.Now().UnixMilli())
}

func (s *session) idleFor() time.Duration {
	return time.Duration(time.Now().UnixMilli()-s.lastActivityMs.Load()) * time.Millisecond
}

// enqueue queues an outbound message. When the client's buffer is full the
// message is dropped; the HTTP polling backstop covers the gap.
func (s *session) enqueue(v interface{}) bool {
	select {
	case s.send <- v:
		return true
	case <-s.done:
		return false
	default:
		observability.RecordFanoutDrop()
		return false
	}
}

// wants reports whether this session subscribed to poolID.
func (s *session) wants(poolID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pools[poolID]
	return ok
}

func (s *session) poolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools)
}

// writeLoop is the session's single socket writer.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout))
			if err := s.conn.WriteJSON(v); err != nil {
				s.srv.closeSession(s, "write failed")
				return
			}
		}
	}
}

// readLoop parses inbound frames into the closed message union and
// dispatches them. Malformed input gets an error reply, not a disconnect.
func (s *session) readLoop() {
	defer s.srv.closeSession(s, "read loop exit")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		msg, err := ParseClientMessage(data)
		if err != nil {
			observability.RecordClientError("malformed")
			s.enqueue(ErrorMessage{Type: TypeError, Error: err.Error()})
			continue
		}

		switch msg.Kind {
		case TypeSubscribe:
			s.handleSubscribe(msg.PoolIDs)
		case TypeUnsubscribe:
			s.handleUnsubscribe(msg.PoolIDs)
		case TypePing:
			s.enqueue(ControlMessage{Type: TypePong})
		case TypePong:
			s.awaitingPong.Store(false)
		}
	}
}

// handleSubscribe registers interest in the requested pools up to the
// per-client cap; ids beyond the cap are silently dropped from the batch.
// The ack is followed by any cached recent transactions so the client is
// never staring at an empty list.
func (s *session) handleSubscribe(poolIDs []string) {
	s.mu.Lock()
	if s.closed {
		// Teardown already released this session's watches; registering
		// new ones here would leak them with nothing left to unwatch.
		s.mu.Unlock()
		return
	}
	room := s.srv.maxPoolsPerClient - len(s.pools)

	var accepted []string
	for _, id := range poolIDs {
		if id == "" {
			continue
		}
		if _, ok := s.pools[id]; ok {
			continue
		}
		if room <= 0 {
			observability.RecordClientError("subscription_limit")
			break
		}
		s.pools[id] = s.srv.reg.Watch(id)
		accepted = append(accepted, id)
		room--
	}
	s.mu.Unlock()

	ack := SubscribedMessage{Type: TypeSubscribed, PoolIDs: accepted}
	if s.srv.annotator != nil {
		ack.Pools = s.srv.annotate(accepted)
	}
	s.enqueue(ack)

	for _, id := range accepted {
		for _, rec := range s.srv.reg.Recent(id) {
			s.enqueue(NewTransactionMessage(rec))
		}
	}
}

func (s *session) handleUnsubscribe(poolIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range poolIDs {
		if h, ok := s.pools[id]; ok {
			s.srv.reg.Unwatch(h)
			delete(s.pools, id)
		}
	}
}

// releaseAll drops every subscription this session holds and marks the
// session closed so a racing subscribe cannot register new watches.
func (s *session) releaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, h := range s.pools {
		s.srv.reg.Unwatch(h)
		delete(s.pools, id)
	}
}
