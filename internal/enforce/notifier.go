package enforce

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/childguard/daemon/pkg/logger"
)

// notifyMessage is what goes out over the per-system-user websocket
// connection to the user-session agent.
type notifyMessage struct {
	Kind             string `json:"kind"` // "warning" | "locked"
	MinutesRemaining int    `json:"minutes_remaining,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Connections only ever originate from the local user-session agent
	// over a loopback listener; no cross-origin browser client connects
	// here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Notifier holds one websocket connection per logged-in system user and
// delivers best-effort warning/lock broadcasts to the user-session agent
// on that connection — the "user-session notification channel" of the
// Enforcement Coordinator contract.
type Notifier struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
	log   logger.Logger
}

func NewNotifier(log logger.Logger) *Notifier {
	return &Notifier{conns: make(map[string]*websocket.Conn), log: log.With("notifier")}
}

// HandleConnect upgrades an incoming HTTP request to a websocket
// connection and registers it for systemUser, replacing any prior
// connection for that user (the agent reconnecting after a crash).
func (n *Notifier) HandleConnect(systemUser string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Warn("websocket upgrade failed", "system_user", systemUser, "error", err)
		return
	}
	n.mu.Lock()
	if old, ok := n.conns[systemUser]; ok {
		old.Close()
	}
	n.conns[systemUser] = conn
	n.mu.Unlock()

	go n.drain(systemUser, conn)
}

// drain reads and discards frames until the connection closes, so the
// agent's periodic pings don't accumulate in gorilla/websocket's buffer,
// and deregisters the connection on close.
func (n *Notifier) drain(systemUser string, conn *websocket.Conn) {
	defer func() {
		n.mu.Lock()
		if n.conns[systemUser] == conn {
			delete(n.conns, systemUser)
		}
		n.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// send delivers msg to systemUser's connection, if any. Best-effort: a
// missing connection (agent not running, or crashed) is not an error —
// the caller falls back to the session-lock mechanism for anything that
// must be confirmed.
func (n *Notifier) send(systemUser string, msg notifyMessage) error {
	n.mu.RLock()
	conn := n.conns[systemUser]
	n.mu.RUnlock()
	if conn == nil {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return conn.WriteJSON(msg)
}

// Connected reports whether systemUser currently has a live connection —
// used as one signal (alongside the heartbeat from ingest) for whether
// enforcement toward that user can be verified.
func (n *Notifier) Connected(systemUser string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.conns[systemUser]
	return ok
}
