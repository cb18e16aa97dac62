// Package server terminates the downstream websocket protocol: accept loop,
// session table, request routing and the health surface.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quantaxis/market-data-service/internal/constant"
	"github.com/quantaxis/market-data-service/internal/dispatcher"
	"github.com/quantaxis/market-data-service/internal/entity"
	"github.com/quantaxis/market-data-service/internal/infrastructure"
)

// upstreamPool is the slice of the connection manager the shell needs for its
// health surface.
type upstreamPool interface {
	ActiveCount() int
	StatusStrings() []string
}

// Server holds the active-session table and the websocket endpoint. Lock
// order everywhere: sessions, then dispatcher indexes, then any per-session
// write lock; never the reverse.
type Server struct {
	port       int
	dispatcher *dispatcher.Dispatcher
	pool       upstreamPool
	catalog    entity.InstrumentCatalog

	sessionsMu sync.RWMutex
	sessions   map[string]*Session
	sessionSeq atomic.Int64

	upgrader websocket.Upgrader
	http     *infrastructure.HTTPServer

	log *logrus.Entry
}

var _ dispatcher.Registry = (*Server)(nil)

func New(port int, disp *dispatcher.Dispatcher, pool upstreamPool, cat entity.InstrumentCatalog) *Server {
	return &Server{
		port:       port,
		dispatcher: disp,
		pool:       pool,
		catalog:    cat,
		sessions:   make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "server"),
	}
}

// Handler exposes the websocket endpoint and the health surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	return mux
}

// Start runs the accept loop. Blocks until the listener fails or Stop runs.
func (s *Server) Start() error {
	s.http = infrastructure.NewHTTPServer(s.port, s.Handler())
	return s.http.Start()
}

// Stop stops the accept loop first, then closes every session. Upstream
// release happens after this returns, in the caller's shutdown sequence.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	s.sessionsMu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessions = make(map[string]*Session)
	s.sessionsMu.Unlock()

	for _, sess := range open {
		sess.close()
		s.dispatcher.RemoveAllSubscriptionsForSession(sess.ID())
	}

	s.log.WithField("sessions_closed", len(open)).Info("websocket server stopped")
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, http.Header{"Server": {constant.ServerIdentifier}})
	if err != nil {
		s.log.Errorf("websocket accept error: %v", err)
		return
	}

	sess := newSession(createSessionID(s.sessionSeq.Add(1)), conn, s)

	s.sessionsMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessionsMu.Unlock()

	s.log.WithField("session_id", sess.ID()).Info("websocket session connected")

	sess.sendWelcome()
	go sess.readLoop()
}

// Lookup implements dispatcher.Registry.
func (s *Server) Lookup(sessionID string) (dispatcher.Subscriber, bool) {
	s.sessionsMu.RLock()
	sess, ok := s.sessions[sessionID]
	s.sessionsMu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess, true
}

// dropSession removes a session from the table and releases its
// subscriptions. Idempotent: read teardown and write failure can race here.
func (s *Server) dropSession(sess *Session) {
	s.sessionsMu.Lock()
	_, present := s.sessions[sess.ID()]
	delete(s.sessions, sess.ID())
	s.sessionsMu.Unlock()

	sess.close()
	if present {
		s.dispatcher.RemoveAllSubscriptionsForSession(sess.ID())
		s.log.WithField("session_id", sess.ID()).Info("session removed")
	}
}

// BroadcastTick hands one serialized tick to the dispatcher fan-out.
func (s *Server) BroadcastTick(instrumentID string, payload []byte) {
	s.dispatcher.OnTick(instrumentID, payload)
}

func (s *Server) Instruments() []string {
	if s.catalog == nil {
		return []string{}
	}
	return s.catalog.Instruments()
}

func (s *Server) SearchInstruments(pattern string) []string {
	if s.catalog == nil {
		return []string{}
	}
	return s.catalog.Search(pattern)
}

func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) upstreamConnected() bool {
	return s.pool != nil && s.pool.ActiveCount() > 0
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var connections []string
	active := 0
	if s.pool != nil {
		connections = s.pool.StatusStrings()
		active = s.pool.ActiveCount()
	}

	body, err := json.Marshal(map[string]any{
		"status":             "ok",
		"active_connections": active,
		"connections":        connections,
		"sessions":           s.SessionCount(),
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
