package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

const (
	authDeadline  = 10 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Runners dial in from their own processes; origin checks do not
		// apply to non-browser clients.
		return true
	},
}

// wsSender adapts one WebSocket connection onto the broker's Sender
// interface. SendTask never blocks: the write pump drains the buffer.
type wsSender struct {
	out  chan protocol.TaskMessage
	done chan struct{}
	once sync.Once
}

func newWSSender() *wsSender {
	return &wsSender{
		out:  make(chan protocol.TaskMessage, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *wsSender) SendTask(msg protocol.TaskMessage) error {
	select {
	case <-s.done:
		return errors.New("connection closed")
	case s.out <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (s *wsSender) Close() {
	s.once.Do(func() { close(s.done) })
}

// handleRunnerWS upgrades a runner connection and runs its lifecycle:
// authenticate first frame, register, then pump tasks out and results in
// until the connection drops.
func (s *Server) handleRunnerWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The first frame must authenticate within the deadline.
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	var auth protocol.AuthRequest
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != protocol.MessageAuth {
		s.log.Warn("runner sent no auth frame", zap.Error(err))
		return
	}

	sender := newWSSender()
	connID, err := s.broker.Register(auth, sender)
	if err != nil {
		// Mismatched or missing tokens terminate the connection before
		// any task is ever sent. No retry.
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		return
	}
	defer s.broker.Deregister(connID)
	defer sender.Close()

	// No concurrent writer exists yet; the ack can go out directly.
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(protocol.AuthAck{Type: protocol.MessageAuthAck, ConnID: connID.String()}); err != nil {
		return
	}

	go s.writePump(conn, sender)

	// Read loop: results and pong-driven liveness.
	heartbeatTimeout := s.cfg.Heartbeat.Timeout
	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		s.broker.Heartbeat(connID)
		return nil
	})

	for {
		var msg protocol.ResultMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.log.Info("runner connection closed",
				zap.String("conn_id", connID.String()),
				zap.Error(err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		if msg.Type == protocol.MessageResult {
			s.broker.HandleResult(connID, msg)
		}
	}
}

// writePump owns all writes after the ack: queued tasks and pings.
func (s *Server) writePump(conn *websocket.Conn, sender *wsSender) {
	ticker := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sender.out:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-sender.done:
			return
		}
	}
}
