// Package relay implements the downstream fan-out server: it accepts many
// client socket connections, tracks each client's subscribed pool set, and
// forwards every resolved transaction only to the clients that care about
// its pool.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/observability"
	"solana-pool-relay/internal/registry"
)

// Defaults for connection policing.
const (
	DefaultMaxPoolsPerClient = 20
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Upstream is the slice of the upstream connector the server consumes.
// Injected rather than ambient so tests can drive fan-out with a fake.
type Upstream interface {
	Records() <-chan domain.TransactionRecord
	Unavailable() bool
}

// PoolAnnotator resolves read-only catalog data for subscribe acks. Lookup
// failures must annotate with nothing, never gate the subscription.
type PoolAnnotator interface {
	PoolInfo(ctx context.Context, poolID string) (domain.PoolInfo, error)
}

// Server is the downstream relay server.
type Server struct {
	addr      string
	reg       *registry.Registry
	upstream  Upstream
	annotator PoolAnnotator
	logger    *log.Logger

	maxPoolsPerClient int
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	writeTimeout      time.Duration

	upgrader websocket.Upgrader

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}

	wg sync.WaitGroup
}

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	Addr              string
	Registry          *registry.Registry
	Upstream          Upstream
	Annotator         PoolAnnotator
	MaxPoolsPerClient int
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	Logger            *log.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	maxPools := opts.MaxPoolsPerClient
	if maxPools == 0 {
		maxPools = DefaultMaxPoolsPerClient
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		addr:              opts.Addr,
		reg:               opts.Registry,
		upstream:          opts.Upstream,
		annotator:         opts.Annotator,
		logger:            logger,
		maxPoolsPerClient: maxPools,
		heartbeatInterval: heartbeat,
		idleTimeout:       idle,
		writeTimeout:      writeTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Start launches the fan-out and heartbeat loops. It returns immediately;
// the loops stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.fanoutLoop(ctx)

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)
}

// Run starts the loops and serves HTTP until ctx is cancelled, then closes
// every client with a clean notice and releases all subscriptions.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	httpServer := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	closed := make(chan error, 1)
	go func() {
		closed <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-closed:
		return err
	case <-ctx.Done():
		s.shutdownSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.wg.Wait()
		return ctx.Err()
	}
}

// handleWS upgrades a client connection and runs its session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[relay] upgrade failed: %v", err)
		return
	}

	sess := newSession(s, conn)

	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	observability.SetClientsConnected(count)

	s.logger.Printf("[relay] client %s connected (%d active)", sess.id, count)

	sess.enqueue(ConnectedMessage{
		Type:                TypeConnected,
		MaxPools:            s.maxPoolsPerClient,
		HeartbeatSec:        int(s.heartbeatInterval / time.Second),
		UpstreamUnavailable: s.upstream != nil && s.upstream.Unavailable(),
	})

	go sess.writeLoop()
	sess.readLoop()
}

// closeSession tears down a session once: releases its subscriptions, drops
// it from the session map, and closes the socket.
func (s *Server) closeSession(sess *session, reason string) {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.releaseAll()
		sess.conn.Close()

		s.sessionsMu.Lock()
		delete(s.sessions, sess)
		count := len(s.sessions)
		s.sessionsMu.Unlock()
		observability.SetClientsConnected(count)

		s.logger.Printf("[relay] client %s closed: %s (%d active)", sess.id, reason, count)
	})
}

// snapshotSessions copies the session set for lock-free iteration.
func (s *Server) snapshotSessions() []*session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// fanoutLoop forwards each upstream record to exactly the sessions
// subscribed to its pool.
func (s *Server) fanoutLoop(ctx context.Context) {
	defer s.wg.Done()

	if s.upstream == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.upstream.Records():
			if !ok {
				return
			}
			msg := NewTransactionMessage(rec)
			for _, sess := range s.snapshotSessions() {
				if sess.wants(rec.PoolID) {
					if sess.enqueue(msg) {
						observability.RecordFanoutSend()
					}
				}
			}
		}
	}
}

// heartbeatLoop pings every session on a fixed interval and forcibly closes
// connections that failed to answer the previous ping or sat idle too long.
func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.snapshotSessions() {
				if sess.awaitingPong.Load() {
					observability.RecordForcedClose("ping_timeout")
					s.closeSession(sess, "unanswered ping")
					continue
				}
				if sess.idleFor() > s.idleTimeout {
					observability.RecordForcedClose("idle")
					s.closeSession(sess, "idle timeout")
					continue
				}
				sess.awaitingPong.Store(true)
				sess.enqueue(ControlMessage{Type: TypePing})
			}
		}
	}
}

// shutdownSessions closes every client with a clean close notice.
func (s *Server) shutdownSessions() {
	for _, sess := range s.snapshotSessions() {
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		s.closeSession(sess, "server shutdown")
	}
}

// annotate resolves catalog data for the subscribed pools, best-effort.
func (s *Server) annotate(poolIDs []string) []domain.PoolInfo {
	if len(poolIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	infos := make([]domain.PoolInfo, 0, len(poolIDs))
	for _, id := range poolIDs {
		info, err := s.annotator.PoolInfo(ctx, id)
		if err != nil {
			s.logger.Printf("[relay] pool catalog lookup failed for %s: %v", id, err)
			continue
		}
		infos = append(infos, info)
	}
	return infos
}
