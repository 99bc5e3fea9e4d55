package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/anonchat/internal/chat"
	"github.com/cory-johannsen/anonchat/internal/config"
)

// Server accepts WebSocket connections on /ws and runs one read loop
// per connection, feeding frames to the protocol state machine. Frame
// size is bounded here at the transport; the engine never sees an
// oversized payload.
type Server struct {
	cfg      config.ServerConfig
	handler  *chat.Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpSrv  *http.Server
	listener net.Listener
	peers    sync.Map // connID → *Peer
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewServer creates a WebSocket server with the given configuration.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(cfg config.ServerConfig, handler *chat.Handler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}
	return s
}

// ListenAndServe starts the HTTP listener and serves WebSocket upgrades
// until Stop is called. This method blocks.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.mu.Lock()
	s.listener = listener
	s.httpSrv = &http.Server{Handler: mux}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// serveWS upgrades one HTTP request and hands the connection to a read loop.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s.wg.Add(1)
	go s.readLoop(conn, r.RemoteAddr)
}

// readLoop handles one connection: frames are read and dispatched
// sequentially, so the session never sees two frames at once.
func (s *Server) readLoop(conn *websocket.Conn, remoteAddr string) {
	defer s.wg.Done()
	start := time.Now()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	peer := newPeer(conn, s.cfg.WriteTimeout)
	s.peers.Store(peer.ID(), peer)
	defer s.peers.Delete(peer.ID())

	s.logger.Debug("client connected",
		zap.String("conn_id", peer.ID()),
		zap.String("remote_addr", remoteAddr),
	)

	sess := s.handler.Attach(peer)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		sess.HandleFrame(data)
	}

	// Mark the peer closed before cleanup so the matchmaking queue's
	// lazy liveness check cannot hand it out as a partner.
	_ = peer.Close(chat.ReasonNormal)
	sess.HandleClose()

	s.logger.Debug("client disconnected",
		zap.String("conn_id", peer.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stop gracefully stops the server: the listener stops accepting, all
// active connections are closed, and their read loops are awaited.
//
// Postcondition: All connections are closed and goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	httpSrv := s.httpSrv
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}

	// Shutdown does not touch hijacked connections; close them directly.
	s.peers.Range(func(_, v any) bool {
		_ = v.(*Peer).Close(chat.ReasonNormal)
		return true
	})
	s.wg.Wait()

	s.logger.Info("websocket server stopped")
}
