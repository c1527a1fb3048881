package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/spotwise/internal/stream"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxCommandSize = 64 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// connection is the stream.Sink of one websocket viewer. Messages are queued
// and written in order by a single writer goroutine.
type connection struct {
	ws           *websocket.Conn
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func newConnection(ws *websocket.Conn, buffer int, writeTimeout time.Duration, logger *zap.SugaredLogger) *connection {
	return &connection{
		ws:           ws,
		send:         make(chan []byte, buffer),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Send queues msg for the viewer. It blocks while the queue is full.
func (c *connection) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return stream.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return stream.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debugw("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// handleWebSocket serves one viewer: every text message is a command for the
// viewer's stream session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade error", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	logger := s.logger.With("remote", r.RemoteAddr)
	conn := newConnection(ws, s.config.SendBuffer, s.config.WriteTimeout, logger)
	s.track(conn)
	defer s.untrack(conn)

	session := stream.NewSession(s.config.Hub, conn, logger)
	logger = logger.With("session", session.ID())
	logger.Infow("viewer connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop()
	}()

	s.readLoop(conn, session, logger)

	conn.close()
	session.Close()
	<-writerDone
	logger.Infow("viewer disconnected")
}

func (s *Server) readLoop(conn *connection, session *stream.Session, logger *zap.SugaredLogger) {
	conn.ws.SetReadLimit(maxCommandSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("websocket read failed", "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		cmd, err := stream.ParseCommand(data)
		if err != nil {
			logger.Warnw("ignoring malformed command", "error", err)
			continue
		}

		if _, err := session.Handle(context.Background(), cmd); err != nil {
			logger.Infow("command rejected", "command", cmd.Kind.String(), "error", err)
		}
	}
}
