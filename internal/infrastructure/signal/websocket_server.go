package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerlink/internal/core/services"
	"peerlink/pkg/config"
	plog "peerlink/pkg/logger"
	"peerlink/pkg/peer"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"
)

var (
	errRoomFull        = errors.New("room is full")
	errTooManyRooms    = errors.New("too many rooms")
	errNotConnected    = errors.New("connection not established")
	errMalformedSignal = errors.New("malformed message")
)

// RelayMetrics receives relay server counters
type RelayMetrics interface {
	RecordRelayConnected()
	RecordRelayDisconnected()
	RecordRelayMessage(msgType string)
	RecordRelayRejected(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRelayConnected()      {}
func (nopMetrics) RecordRelayDisconnected()   {}
func (nopMetrics) RecordRelayMessage(string)  {}
func (nopMetrics) RecordRelayRejected(string) {}

// WebSocketServer relays signal messages between the peers of a room
type WebSocketServer struct {
	upgrader websocket.Upgrader
	metrics  RelayMetrics

	rooms map[string]map[string]*connection
	mu    sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	maxMessageSize  int64
	maxPeersPerRoom int
	maxRooms        int

	messageRate  rate.Limit
	messageBurst int

	logger *zap.SugaredLogger
	ctxLog *plog.ContextLogger
}

type connection struct {
	id   string
	room string

	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

type inbound struct {
	msg SignalMessage
	err error
}

func (c *connection) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *connection) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *connection) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *connection) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
	c.conn.Close()
}

// NewWebSocketServer builds a relay from the signal and rate limiting
// sections of cfg. metrics and logger may be nil.
func NewWebSocketServer(cfg *config.Config, metrics RelayMetrics, logger *zap.SugaredLogger) *WebSocketServer {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.Signal.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		metrics:         metrics,
		rooms:           make(map[string]map[string]*connection),
		pingInterval:    cfg.Signal.PingInterval,
		pongTimeout:     cfg.Signal.PongTimeout,
		writeTimeout:    cfg.Signal.WriteTimeout,
		maxMessageSize:  cfg.Signal.MaxMessageSizeBytes,
		maxPeersPerRoom: cfg.Signal.MaxPeersPerRoom,
		maxRooms:        cfg.Signal.MaxRooms,
		logger:          logger,
		ctxLog:          plog.NewContextLogger(logger.Desugar()),
	}
	if cfg.RateLimiting.Enabled {
		s.messageRate = rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond)
		s.messageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return s
}

// originChecker accepts requests without an Origin header (non-browser clients)
// and origins listed in allowed. "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if err := validation.ValidateRoom(room); err != nil {
		s.metrics.RecordRelayRejected("invalid_room")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	peerID := r.URL.Query().Get("peer_id")
	if claims, err := services.ClaimsFromContext(r.Context()); err == nil {
		if peerID != "" && peerID != claims.PeerID {
			s.metrics.RecordRelayRejected("peer_mismatch")
			http.Error(w, "peer_id does not match token", http.StatusForbidden)
			return
		}
		peerID = claims.PeerID
	}
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if err := validation.ValidatePeerID(peerID); err != nil {
		s.metrics.RecordRelayRejected("invalid_peer_id")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := &connection{id: peerID, room: room, writeTimeout: s.writeTimeout}
	replaced, err := s.reserve(c)
	switch {
	case errors.Is(err, errRoomFull):
		s.metrics.RecordRelayRejected("room_full")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, errTooManyRooms):
		s.metrics.RecordRelayRejected("max_rooms")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ctx := plog.WithRoom(plog.WithPeerID(r.Context(), peerID), room)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release(c)
		s.ctxLog.LogError(ctx, err, "websocket upgrade failed")
		return
	}
	defer conn.Close()
	c.attach(conn)

	if replaced != nil {
		replaced.close(websocket.ClosePolicyViolation, "replaced by a newer connection")
		s.logger.Infow("closing old connection for reconnecting peer", "room", room, "peer_id", peerID)
	}

	s.metrics.RecordRelayConnected()
	defer s.metrics.RecordRelayDisconnected()

	others := s.PeerCount(room) - 1
	if err := c.writeJSON(SignalMessage{Type: MessageJoined, Room: room, From: peerID, Peers: others}); err != nil {
		s.release(c)
		s.logger.Infow("error sending joined message", "room", room, "peer_id", peerID, "error", err)
		return
	}
	s.broadcast(c, SignalMessage{Type: MessagePeerJoined, Room: room, From: peerID})

	s.logger.Infow("peer connected via WebSocket", "room", room, "peer_id", peerID, "peers", others+1, "reconnect", replaced != nil)

	conn.SetReadLimit(s.maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.messageRate > 0 {
		limiter = rate.NewLimiter(s.messageRate, s.messageBurst)
	}

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan inbound, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))

			var in inbound
			if err := json.Unmarshal(data, &in.msg); err != nil {
				in.err = errMalformedSignal
			}
			select {
			case messageChan <- in:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case in := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.metrics.RecordRelayRejected("rate_limit")
				s.sendError(c, "rate limit exceeded")
				continue
			}
			if in.err != nil {
				s.sendError(c, in.err.Error())
				continue
			}
			if in.msg.Type == MessageLeave {
				goto cleanup
			}
			if err := s.handleMessage(ctx, c, in.msg); err != nil {
				s.sendError(c, err.Error())
			}

		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				s.logger.Infow("error sending ping", "room", room, "peer_id", peerID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.RecordRelayRejected("message_too_large")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from peer", "room", room, "peer_id", peerID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	if s.release(c) {
		s.broadcast(c, SignalMessage{Type: MessagePeerLeft, Room: room, From: peerID})
	}
	s.logger.Infow("peer disconnected", "room", room, "peer_id", peerID)
}

// reserve admits c to its room, returning the connection it replaces when the
// peer id is already present
func (s *WebSocketServer) reserve(c *connection) (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[c.room]
	if !ok {
		if s.maxRooms > 0 && len(s.rooms) >= s.maxRooms {
			return nil, errTooManyRooms
		}
		members = make(map[string]*connection)
		s.rooms[c.room] = members
	}

	existing := members[c.id]
	if existing == nil && s.maxPeersPerRoom > 0 && len(members) >= s.maxPeersPerRoom {
		return nil, errRoomFull
	}
	members[c.id] = c
	return existing, nil
}

// release removes c unless a newer connection took its place
func (s *WebSocketServer) release(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[c.room]
	if members[c.id] != c {
		return false
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(s.rooms, c.room)
	}
	return true
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *connection, msg SignalMessage) error {
	ctx, span := tracing.TraceSignalMessage(ctx, msg.Type, c.room)
	defer span.End()

	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.From != "" && msg.From != c.id {
		return fmt.Errorf("from mismatch: expected %s, got %s", c.id, msg.From)
	}

	var err error
	switch msg.Type {
	case MessageSignal:
		err = s.handleSignal(ctx, c, msg)
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		s.ctxLog.LogInfo(ctx, "error handling message from peer", zap.String("type", msg.Type), zap.Error(err))
	}
	return err
}

func (s *WebSocketServer) handleSignal(ctx context.Context, c *connection, msg SignalMessage) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("signal payload is required")
	}
	var sd peer.SignalData
	if err := json.Unmarshal(msg.Payload, &sd); err != nil {
		return fmt.Errorf("invalid signal payload: %w", err)
	}
	if !sd.IsDescription() && sd.Candidate == nil {
		return fmt.Errorf("signal payload carries neither a description nor a candidate")
	}

	targets := s.recipients(c, msg.To)
	if len(targets) == 0 {
		if msg.To != "" {
			return fmt.Errorf("peer %s is not in room %s", msg.To, c.room)
		}
		return fmt.Errorf("no other peers in room %s", c.room)
	}

	out := SignalMessage{
		Type:    MessageSignal,
		Room:    c.room,
		From:    c.id,
		To:      msg.To,
		Payload: msg.Payload,
	}
	for _, target := range targets {
		if err := target.writeJSON(out); err != nil {
			s.logger.Infow("error forwarding signal", "room", c.room, "from_peer", c.id, "to_peer", target.id, "error", err)
		}
	}

	s.metrics.RecordRelayMessage(MessageSignal)
	tracing.AddSpanAttributes(ctx,
		attribute.Int("signal.recipients", len(targets)),
		attribute.Bool("signal.description", sd.IsDescription()),
	)
	s.ctxLog.LogDebug(ctx, "relayed signal",
		zap.String("to_peer", msg.To),
		zap.Bool("description", sd.IsDescription()),
	)
	return nil
}

// recipients returns the room members other than c, or just the one named to
func (s *WebSocketServer) recipients(c *connection, to string) []*connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[c.room]
	if to != "" {
		if target, ok := members[to]; ok && target != c {
			return []*connection{target}
		}
		return nil
	}

	targets := make([]*connection, 0, len(members))
	for id, member := range members {
		if id != c.id {
			targets = append(targets, member)
		}
	}
	return targets
}

func (s *WebSocketServer) broadcast(from *connection, msg SignalMessage) {
	for _, target := range s.recipients(from, "") {
		if err := target.writeJSON(msg); err != nil {
			s.logger.Debugw("error broadcasting", "type", msg.Type, "room", from.room, "to_peer", target.id, "error", err)
		}
	}
}

func (s *WebSocketServer) sendError(c *connection, message string) {
	c.writeJSON(SignalMessage{Type: MessageError, Message: message})
}

// HealthCheck reports room and connection counts
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"rooms":       s.RoomCount(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RoomCount returns the number of rooms with at least one peer
func (s *WebSocketServer) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// ConnectionCount returns the number of peers across all rooms
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, members := range s.rooms {
		n += len(members)
	}
	return n
}

// PeerCount returns the number of peers in room
func (s *WebSocketServer) PeerCount(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// GetRoomPeers lists the peer ids in room
func (s *WebSocketServer) GetRoomPeers(room string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		peers = append(peers, id)
	}
	return peers
}

// Shutdown closes every connection with a going-away close frame
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	conns := make([]*connection, 0)
	for _, members := range s.rooms {
		for _, c := range members {
			conns = append(conns, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
