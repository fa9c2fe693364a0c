// internal/stream/websocket.go
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PointMessage - JSON frame sent to live viewers
type PointMessage struct {
	Stream       string   `json:"stream"`
	Timestamp    string   `json:"timestamp"`
	Value        float64  `json:"value"`
	Prediction   *float64 `json:"prediction"`
	AnomalyScore float64  `json:"anomaly_score"`
	Likelihood   float64  `json:"anomaly_likelihood"`
}

// WebSocketSink - live feed of outputs. New viewers first receive the last Window
// points; a viewer that cannot keep up loses points instead of stalling the model.
type WebSocketSink struct {
	mu      sync.Mutex
	window  int
	backlog [][]byte
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func NewWebSocketSink(window int) *WebSocketSink {
	if window <= 0 {
		window = 1
	}
	return &WebSocketSink{
		window:  window,
		clients: make(map[*wsClient]struct{}),
	}
}

func (s *WebSocketSink) Accept(out Output) error {
	msg, err := json.Marshal(PointMessage{
		Stream:       out.Stream,
		Timestamp:    out.Timestamp.Format(time.RFC3339),
		Value:        out.Value,
		Prediction:   nullable(out.Prediction),
		AnomalyScore: out.AnomalyScore,
		Likelihood:   out.Likelihood,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.backlog = append(s.backlog, msg)
	if len(s.backlog) > s.window {
		s.backlog = s.backlog[len(s.backlog)-s.window:]
	}
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			// slow viewer
		}
	}
	return nil
}

// Handler - upgrades viewers and streams points to them until they disconnect
func (s *WebSocketSink) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		client := &wsClient{conn: conn, send: make(chan []byte, s.window+64), done: make(chan struct{})}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		for _, msg := range s.backlog {
			client.send <- msg
		}
		s.clients[client] = struct{}{}
		s.mu.Unlock()

		// reader only watches for the viewer going away
		go func() {
			defer close(client.done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		defer s.remove(client)
		for {
			select {
			case <-client.done:
				return
			case msg, ok := <-client.send:
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}

func (s *WebSocketSink) remove(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Viewers - number of connected viewers
func (s *WebSocketSink) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close - tell every viewer the stream is over
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	return nil
}
