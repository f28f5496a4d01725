/*Package stream pushes the events of an events.Hub to websocket clients.

Each connection subscribes to the hub under its own id.  The topics query
parameter, a comma separated list, filters the subscription:

	ws://host/events?topics=scan.line,sequence.progress

Every event is sent as one JSON text message of the form
{"topic": ..., "time": ..., "data": ...}.  Clients which do not keep up
lose events rather than slowing the publishers; the hub counts the drops.
*/
package stream

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labcore/scopectl/events"
	"github.com/labcore/scopectl/generichttp"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// clients only send control frames
	maxMessageSize = 512
)

// Envelope is the wire form of an event
type Envelope struct {
	Topic string       `json:"topic"`
	Time  time.Time    `json:"time"`
	Data  events.Event `json:"data"`
}

// HTTPStream serves hub events over websockets
type HTTPStream struct {
	Hub *events.Hub

	// Buffer is the subscription buffer of each connection
	Buffer int

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable

	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHTTPStream returns a new stream of hub.  The websocket is served at
// "/" and hub statistics at "/stats".
func NewHTTPStream(hub *events.Hub, buffer int, log *zap.Logger) *HTTPStream {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer < 1 {
		buffer = 256
	}
	h := &HTTPStream{
		Hub:    hub,
		Buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.Named("stream"),
	}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/"}:      h.Serve,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stats"}: generichttp.GetJSON(func() interface{} { return hub.Stats() }),
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPStream) RT() generichttp.RouteTable {
	return h.RouteTable
}

func parseTopics(q string) []string {
	var out []string
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Serve upgrades the connection and streams events until the client
// disconnects or the hub is closed
func (h *HTTPStream) Serve(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	id := uuid.NewString()
	ch, err := h.Hub.Subscribe(id, h.Buffer, topics...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		h.Hub.Unsubscribe(id)
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	log := h.log.With(zap.String("client", id), zap.String("remote", r.RemoteAddr))
	log.Info("client connected", zap.Strings("topics", topics))

	closed := make(chan struct{})
	go h.readPump(conn, closed, log)
	h.writePump(conn, ch, closed)

	// the channel is already closed if the hub was
	h.Hub.Unsubscribe(id)
	conn.Close()
	log.Info("client disconnected")
}

// readPump discards client messages and closes done when the connection fails
func (h *HTTPStream) readPump(conn *websocket.Conn, done chan<- struct{}, log *zap.Logger) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *HTTPStream) writePump(conn *websocket.Conn, ch <-chan events.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case e, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(Envelope{Topic: e.Topic(), Time: time.Now(), Data: e}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

