// Package wshub fans engine events out to websocket subscribers.
// Clients join rooms ("job:<id>", "server:<id>", "all-jobs") and
// receive every event published into them; frames are encoded once
// per event, not per subscriber.
package wshub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/version"
)

// Hub owns the client table and the bus subscription.
type Hub struct {
	bus *events.Bus

	mu      sync.RWMutex
	clients map[string]*Client

	cancelBus func()
	done      chan struct{}
}

func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:     bus,
		clients: make(map[string]*Client),
	}
}

// Run subscribes to the bus and routes events into rooms until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ch, cancel := h.bus.Subscribe()
	h.cancelBus = cancel
	h.done = make(chan struct{})
	slog.Info("wshub started")

	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				h.route(ev)
			}
		}
	}()
}

// Shutdown detaches from the bus and closes every client.
func (h *Hub) Shutdown(ctx context.Context) {
	if h.cancelBus != nil {
		h.cancelBus()
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	slog.Info("wshub shutdown", "clients", len(clients))
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Accept upgrades the request and registers the connection. The
// client starts with no room memberships and a hello frame.
func (h *Hub) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	c := newClient(conn)
	h.mu.Lock()
	h.clients[c.ConnID] = c
	h.mu.Unlock()

	c.start(ctx, h.onCommand)
	go func() {
		<-c.Closed
		h.mu.Lock()
		delete(h.clients, c.ConnID)
		active := len(h.clients)
		h.mu.Unlock()
		slog.Debug("wsclient removed", "connId", c.ConnID, "active", active)
	}()

	h.control(c, "hello", map[string]any{"version": version.Version})
	slog.Debug("wsclient registered", "connId", c.ConnID)
	return nil
}

// onCommand handles subscribe/unsubscribe frames. Joins are confirmed
// with room:joined, bad rooms or actions with room:error.
func (h *Hub) onCommand(c *Client, cmd Command) {
	switch cmd.Action {
	case "subscribe":
		if !ValidRoom(cmd.Room) {
			h.control(c, "room:error", map[string]any{
				"room":    cmd.Room,
				"message": "invalid room",
			})
			return
		}
		c.rooms.Add(cmd.Room)
		h.control(c, "room:joined", map[string]any{"room": cmd.Room})
	case "unsubscribe":
		c.rooms.Remove(cmd.Room)
		h.control(c, "room:left", map[string]any{"room": cmd.Room})
	default:
		h.control(c, "room:error", map[string]any{
			"message": "unknown action " + cmd.Action,
		})
	}
}

// route encodes one bus event and delivers it to every member of its
// rooms.
func (h *Hub) route(ev events.Event) {
	frame, err := jsonMarshal(ev)
	if err != nil {
		slog.Warn("wshub encode failed", "topic", ev.Topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.InRoom(ev.Rooms) {
			c.Send(frame)
		}
	}
}

type controlFrame struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	TS      int64          `json:"ts"`
}

func (h *Hub) control(c *Client, topic string, payload map[string]any) {
	frame, err := jsonMarshal(controlFrame{
		Topic:   topic,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	c.Send(frame)
}
