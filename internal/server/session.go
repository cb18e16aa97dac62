package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quantaxis/market-data-service/internal/entity"
)

// wsTransport is the slice of *websocket.Conn a session uses. Narrowed so
// tests can drive sessions over an in-memory transport.
type wsTransport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one downstream client. Every outbound payload goes through a
// FIFO queue drained by at most one writer; the in-flight flag is set under
// the write lock and cleared only when the writer drains out.
type Session struct {
	id   string
	conn wsTransport
	srv  *Server

	writeMu sync.Mutex
	queue   [][]byte
	writing bool
	closed  bool

	subsMu sync.Mutex
	subs   map[string]struct{}

	log *logrus.Entry
}

func newSession(id string, conn wsTransport, srv *Server) *Session {
	return &Session{
		id:   id,
		conn: conn,
		srv:  srv,
		subs: make(map[string]struct{}),
		log:  logrus.WithField("session_id", id),
	}
}

func createSessionID(seq int64) string {
	now := time.Now()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("session_%d_%d_%s", now.Unix(), seq, suffix)
}

func (s *Session) ID() string { return s.id }

// Enqueue appends a payload to the outbound queue and starts a writer if none
// is in flight. Frames are emitted in enqueue order; no two writes are ever
// issued concurrently on one transport.
func (s *Session) Enqueue(payload []byte) {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return
	}

	s.queue = append(s.queue, payload)
	if !s.writing {
		s.writing = true
		go s.writeLoop()
	}
	s.writeMu.Unlock()
}

func (s *Session) writeLoop() {
	for {
		s.writeMu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.writing = false
			s.writeMu.Unlock()
			return
		}
		payload := s.queue[0]
		s.queue = s.queue[1:]
		s.writeMu.Unlock()

		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.log.Warnf("websocket write error: %v", err)
			s.writeMu.Lock()
			s.writing = false
			s.writeMu.Unlock()
			s.srv.dropSession(s)
			return
		}
	}
}

// readLoop drives the session until the transport closes or fails. Teardown
// always releases the session's subscriptions.
func (s *Session) readLoop() {
	defer s.srv.dropSession(s)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("websocket session closed")
			} else {
				s.log.Warnf("websocket read error: %v", err)
			}
			return
		}

		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var req entity.ClientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError("Invalid JSON format")
		return
	}

	if req.Action == "" {
		s.sendError("Missing or invalid 'action' field")
		return
	}

	switch req.Action {
	case entity.ActionSubscribe:
		if req.Instruments == nil {
			s.sendError("Missing or invalid 'instruments' field")
			return
		}
		s.handleSubscribe(*req.Instruments)

	case entity.ActionUnsubscribe:
		if req.Instruments == nil {
			s.sendError("Missing or invalid 'instruments' field")
			return
		}
		s.handleUnsubscribe(*req.Instruments)

	case entity.ActionListInstruments:
		instruments := s.srv.Instruments()
		s.sendJSON(entity.InstrumentListFrame{
			Type:        "instrument_list",
			Instruments: instruments,
			Count:       len(instruments),
		})

	case entity.ActionSearchInstruments:
		if req.Pattern == nil {
			s.sendError("Missing or invalid 'pattern' field")
			return
		}
		matches := s.srv.SearchInstruments(*req.Pattern)
		s.sendJSON(entity.SearchResultFrame{
			Type:        "search_result",
			Pattern:     *req.Pattern,
			Instruments: matches,
			Count:       len(matches),
		})

	default:
		s.sendError("Unknown action: " + req.Action)
	}
}

func (s *Session) handleSubscribe(instruments []string) {
	for _, ins := range instruments {
		if ins == "" {
			continue
		}
		s.subsMu.Lock()
		s.subs[ins] = struct{}{}
		s.subsMu.Unlock()
		s.srv.dispatcher.AddSubscription(s.id, ins)
	}

	s.sendJSON(entity.SubscriptionResponse{
		Type:            "subscribe_response",
		Status:          "success",
		SubscribedCount: s.subscriptionCount(),
	})
}

func (s *Session) handleUnsubscribe(instruments []string) {
	for _, ins := range instruments {
		if ins == "" {
			continue
		}
		s.subsMu.Lock()
		delete(s.subs, ins)
		s.subsMu.Unlock()
		s.srv.dispatcher.RemoveSubscription(s.id, ins)
	}

	s.sendJSON(entity.SubscriptionResponse{
		Type:            "unsubscribe_response",
		Status:          "success",
		SubscribedCount: s.subscriptionCount(),
	})
}

func (s *Session) subscriptionCount() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

func (s *Session) sendWelcome() {
	s.sendJSON(entity.WelcomeFrame{
		Type:         "welcome",
		Message:      "Connected to QuantAxis MarketData Server",
		SessionID:    s.id,
		CTPConnected: s.srv.upstreamConnected(),
		Timestamp:    time.Now().UnixMilli(),
	})
}

// sendError emits one error frame. Protocol errors never close the transport.
func (s *Session) sendError(message string) {
	s.sendJSON(entity.ErrorFrame{
		Type:      "error",
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Session) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("failed to serialize frame: %v", err)
		return
	}
	s.Enqueue(payload)
}

// close marks the session dead and closes the transport. Queued writes are
// dropped best-effort.
func (s *Session) close() {
	s.writeMu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.queue = nil
	s.writeMu.Unlock()

	if !alreadyClosed {
		_ = s.conn.Close()
	}
}
