package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"optionflow/internal/analytics"
	"optionflow/logger"
)

const (
	clientBuffer = 16
	pingPeriod   = 45 * time.Second
	readTimeout  = 90 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

// snapshotMsg is pushed on connect and after every published snapshot.
type snapshotMsg struct {
	Type string             `json:"type"`
	Data analytics.Snapshot `json:"data"`
}

type statusMsg struct {
	Type  string `json:"type"`
	Level string `json:"level"`
	Text  string `json:"text"`
}

// controlMsg is sent by the browser to switch expiry or retry a failed load.
type controlMsg struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Expiry string `json:"expiry,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	out    chan any
	done   chan struct{}
	paused atomic.Bool
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *logger.Log
}

func newHub(log *logger.Log) *hub {
	return &hub{
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

func (h *hub) broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.out <- v:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll drops every connection; hijacked sockets survive http.Server.Shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// serveWS upgrades the request, greets the client with current() and then
// relays broadcasts until the socket closes. onConnect and onDisconnect
// bracket the connection's lifetime.
func (h *hub) serveWS(current func() analytics.Snapshot, onConnect, onDisconnect func(), onControl func(controlMsg) statusMsg) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithComponent("dashboard_ws").WithError(err).Debug("websocket upgrade failed")
			return
		}
		defer conn.Close()

		cl := &client{conn: conn, out: make(chan any, clientBuffer), done: make(chan struct{})}
		h.add(cl)
		if onConnect != nil {
			onConnect()
		}
		defer func() {
			close(cl.done)
			h.remove(cl)
			if onDisconnect != nil {
				onDisconnect()
			}
		}()

		go h.writeLoop(cl)

		cl.out <- snapshotMsg{Type: "snapshot", Data: current()}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			var ctrl controlMsg
			if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Type != "control" {
				continue
			}
			switch strings.ToLower(ctrl.Action) {
			case "pause":
				cl.paused.Store(true)
				h.send(cl, statusMsg{Type: "status", Level: "info", Text: "Paused"})
			case "resume":
				cl.paused.Store(false)
				h.send(cl, snapshotMsg{Type: "snapshot", Data: current()})
			default:
				if onControl != nil {
					h.send(cl, onControl(ctrl))
				}
			}
		}
	}
}

func (h *hub) send(cl *client, v any) {
	select {
	case cl.out <- v:
	default:
	}
}

func (h *hub) writeLoop(cl *client) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case v := <-cl.out:
			if _, ok := v.(snapshotMsg); ok && cl.paused.Load() {
				continue
			}
			if err := cl.conn.WriteJSON(v); err != nil {
				h.log.WithComponent("dashboard_ws").WithError(err).Debug("websocket write failed")
				_ = cl.conn.Close()
				return
			}
		case <-ping.C:
			_ = cl.conn.WriteMessage(websocket.PingMessage, nil)
		case <-cl.done:
			return
		}
	}
}
