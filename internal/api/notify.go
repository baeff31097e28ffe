package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/auth"
	"polyglot-exec/internal/broadcast"
	"polyglot-exec/internal/config"
	"polyglot-exec/internal/execution"
	"polyglot-exec/internal/monitor"
)

const (
	writeWait       = 10 * time.Second
	maxClientFrame  = 512
	defaultPingWait = 30 * time.Second
)

// Notifier pushes status events from the hub to observers over WebSocket or
// Server-Sent Events. Admins see every event; other users only their own.
type Notifier struct {
	hub          *broadcast.Hub
	adminRole    string
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	metrics      *monitor.Metrics
}

func NewNotifier(hub *broadcast.Hub, cfg config.NotifyConfig, adminRole string, metrics *monitor.Metrics) *Notifier {
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingWait
	}
	return &Notifier{
		hub:          hub,
		adminRole:    adminRole,
		pingInterval: ping,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// originChecker allows the listed origins, every origin for "*", and only
// same-host origins when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && len(set) == 0 && strings.EqualFold(u.Host, r.Host)
	}
}

func (n *Notifier) subscribe(r *http.Request) *broadcast.Subscription {
	p, _ := auth.FromContext(r.Context())
	if p.IsAdmin(n.adminRole) {
		return n.hub.Subscribe()
	}
	userID := p.UserID
	return n.hub.SubscribeFunc(func(ev execution.StatusEvent) bool {
		return ev.UserID == userID
	})
}

// closeReason maps why a subscription ended onto a WebSocket close frame.
// A shutdown is 1001 so clients reconnect elsewhere; a drop is 1013.
func closeReason(err error) (code int, reason string) {
	if errors.Is(err, broadcast.ErrHubClosed) {
		return websocket.CloseGoingAway, broadcast.ErrHubClosed.Error()
	}
	return websocket.CloseTryAgainLater, broadcast.ErrSlowSubscriber.Error()
}

func (n *Notifier) track(transport string, delta float64) {
	if n.metrics != nil {
		n.metrics.Subscribers.WithLabelValues(transport).Add(delta)
	}
}

// HandleWebSocket upgrades the request and streams execution_status frames
// until the client leaves, falls behind, or the hub closes.
func (n *Notifier) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so the client never misses
	// an event published right after it connects.
	sub := n.subscribe(r)
	defer sub.Close()

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	n.track("websocket", 1)
	defer n.track("websocket", -1)

	pongWait := 2 * n.pingInterval
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Observers never send anything meaningful; reading only drives pong
	// handling and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(n.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				code, reason := closeReason(sub.Err())
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Frame{Event: execution.EventName, Data: ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
