package signal

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FirstView is the payload of the first-view message a freshly connected
// node receives: its assigned id and a bootstrap sample of the network.
type FirstView struct {
	ID   string           `json:"id"`
	View []map[string]any `json:"view"`
}

// Server is a minimal rendezvous: it assigns ids, hands out a bootstrap
// view, and relays frames between connected nodes. Steady-state traffic
// never touches it.
type Server struct {
	log *logrus.Logger

	mu    sync.Mutex
	conns map[string]*serverConn

	viewSize int
}

type serverConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func NewServer(viewSize int, log *logrus.Logger) *Server {
	if viewSize <= 0 {
		viewSize = 10
	}
	return &Server{
		log:      log,
		conns:    make(map[string]*serverConn),
		viewSize: viewSize,
	}
}

// Handler returns the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// ListenAndServe runs the rendezvous at addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/signal", s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Infof("rendezvous listening on %s", addr)
	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	conn := &serverConn{id: id, ws: ws}

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()

	s.log.Infof("node connected, assigned id %s", id)

	if err := s.sendFirstView(conn); err != nil {
		s.log.Warnf("failed to send first-view to %s: %v", id, err)
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		_ = ws.Close()
		s.log.Infof("node %s disconnected", id)
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := message.Decode(frame)
		if err != nil {
			s.log.Warnf("dropping undecodable frame from %s: %v", id, err)
			continue
		}
		s.route(conn, msg)
	}
}

func (s *Server) sendFirstView(conn *serverConn) error {
	view := make([]map[string]any, 0, s.viewSize)
	s.mu.Lock()
	for id := range s.conns {
		if id == conn.id {
			continue
		}
		if len(view) == s.viewSize {
			break
		}
		view = append(view, map[string]any{"id": id, "age": 0})
	}
	s.mu.Unlock()

	msg := &message.Message{
		Type:      message.TypeFirstView,
		From:      message.SignalID,
		To:        conn.id,
		ForwardBy: []string{},
		Data:      message.MustData(FirstView{ID: conn.id, View: view}),
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.write(frame)
}

// route relays a frame toward its destination. A request-peer addressed
// to any peer goes to one random other node.
func (s *Server) route(from *serverConn, msg *message.Message) {
	if msg.Type == message.TypeKeepalive {
		return
	}

	target := msg.To
	if target == message.AnyPeer {
		target = s.pickRandom(from.id)
		if target == "" {
			s.log.Debugf("no peer to relay %s from %s", msg.Type, from.id)
			return
		}
	}

	s.mu.Lock()
	dest, ok := s.conns[target]
	s.mu.Unlock()
	if !ok {
		s.log.Debugf("dropping %s from %s: unknown destination %s", msg.Type, from.id, msg.To)
		return
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		s.log.Warnf("failed to re-encode frame: %v", err)
		return
	}
	if err := dest.write(frame); err != nil {
		s.log.Debugf("relay to %s failed: %v", target, err)
	}
}

func (s *Server) pickRandom(exclude string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]string, 0, len(s.conns))
	for id := range s.conns {
		if id != exclude {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}
