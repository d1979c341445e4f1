// Package channel exposes sessions to UI clients over a persistent
// WebSocket command protocol: one JSON command in, exactly one tagged reply
// out, commands processed strictly in submission order per connection.
package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mirage/internal/auth"
	"mirage/internal/extract"
	"mirage/internal/reconcile"
	"mirage/internal/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// commandTimeout bounds a single command's automation work.
	commandTimeout = 90 * time.Second

	queueSize = 32
)

// Command is one inbound request on the channel.
type Command struct {
	Action  string `json:"action"`
	ID      string `json:"id,omitempty"`
	Token   string `json:"token,omitempty"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// Reply is the single response produced for a command, tagged by action and
// echoing the request id when one was given.
type Reply struct {
	Action   string            `json:"action,omitempty"`
	Type     string            `json:"type,omitempty"`
	ID       string            `json:"id,omitempty"`
	Success  bool              `json:"success"`
	Identity string            `json:"identity,omitempty"`
	URL      string            `json:"url,omitempty"`
	Error    string            `json:"error,omitempty"`
	Messages []reconcile.Entry `json:"messages,omitempty"`
	Delta    *reconcile.Delta  `json:"delta,omitempty"`
	Data     interface{}       `json:"data,omitempty"`
}

// Handler upgrades connections and binds each to the caller's session.
type Handler struct {
	verifier *auth.Verifier
	registry *session.Registry
	sampler  *extract.Sampler
	sel      extract.Selectors
	upstream *url.URL
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the channel handler. allowedOrigin controls cross-origin
// upgrades: empty keeps gorilla's same-origin default, "*" accepts any
// origin, anything else must match the Origin header exactly. Requests
// without an Origin header (non-browser clients) are always accepted.
func NewHandler(verifier *auth.Verifier, registry *session.Registry, sampler *extract.Sampler, sel extract.Selectors, upstream *url.URL, allowedOrigin string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	switch allowedOrigin {
	case "":
		// gorilla's default same-origin check applies.
	case "*":
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	default:
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		}
	}
	return &Handler{
		verifier: verifier,
		registry: registry,
		sampler:  sampler,
		sel:      sel,
		upstream: upstream,
		logger:   logger,
		upgrader: upgrader,
	}
}

// ServeHTTP upgrades the connection and runs its pumps until it dies.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context dies after the upgrade; the connection owns its own.
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:       uuid.NewString(),
		handler:  h,
		ws:       ws,
		identity: auth.Anonymous,
		queue:    make(chan Command, queueSize),
		send:     make(chan Reply, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.logger.Info("channel connected",
		zap.String("conn", c.id), zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.drain()
	c.readPump()
}

// conn is one client connection: an identity binding, a FIFO command queue,
// and a single drain goroutine. Closing the connection cancels only its own
// queue; the shared session stays alive.
type conn struct {
	id       string
	handler  *Handler
	ws       *websocket.Conn
	identity auth.Identity
	queue    chan Command
	send     chan Reply
	ctx      context.Context
	cancel   context.CancelFunc
}

// readPump parses inbound commands and enqueues them in arrival order. It is
// the sole writer to the queue and closes it on exit.
func (c *conn) readPump() {
	defer func() {
		c.cancel()
		close(c.queue)
		_ = c.ws.Close()
		c.handler.logger.Info("channel disconnected", zap.String("conn", c.id))
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply(Reply{Success: false, Error: "malformed command"})
			continue
		}

		select {
		case c.queue <- cmd:
		default:
			c.reply(Reply{Action: cmd.Action, ID: cmd.ID, Success: false, Error: "command queue full"})
		}
	}
}

// drain processes one command at a time to completion, including all
// automation and extraction side effects, before starting the next. It is
// the sole writer to send and closes it on exit.
func (c *conn) drain() {
	defer close(c.send)
	for cmd := range c.queue {
		c.reply(c.execute(cmd))
	}
}

func (c *conn) reply(r Reply) {
	select {
	case c.send <- r:
	case <-c.ctx.Done():
	}
}

// writePump serializes all writes: command replies and heartbeat pings. A
// peer that stops answering pings trips the read deadline, which tears the
// connection down and releases its queue.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case r, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(r); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// resolveTarget turns a relative navigation target into an absolute upstream
// URL. Absolute URLs pass through untouched.
func (h *Handler) resolveTarget(raw string) string {
	if h.upstream == nil {
		return raw
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return h.upstream.ResolveReference(ref).String()
}
