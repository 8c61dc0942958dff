package wshub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tidesync/tidesync/internal/utils"
)

const (
	writeTimeout   = 20 * time.Second
	maxMessageSize = 64 * 1024
	txBuffer       = 256
)

// Command is what a subscriber sends over the socket.
type Command struct {
	Action string `json:"action"` // subscribe | unsubscribe
	Room   string `json:"room"`
}

// Client is one websocket subscriber and its room memberships.
type Client struct {
	ConnID string

	conn  *websocket.Conn
	rooms mapset.Set[string]
	tx    chan []byte

	Closed    chan struct{}
	wsDone    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		ConnID: utils.TokenHex(4),
		conn:   conn,
		rooms:  mapset.NewSet[string](),
		tx:     make(chan []byte, txBuffer),
		Closed: make(chan struct{}),
		wsDone: make(chan struct{}),
	}
}

// InRoom reports membership in any of the given rooms.
func (c *Client) InRoom(rooms []string) bool {
	for _, room := range rooms {
		if c.rooms.Contains(room) {
			return true
		}
	}
	return false
}

// Send queues an encoded frame; a subscriber that cannot keep up
// drops frames rather than stalling the hub.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.Closed:
		return false
	case c.tx <- frame:
		return true
	default:
		slog.Warn("wsclient send buffer full", "connId", c.ConnID)
		return false
	}
}

func (c *Client) start(ctx context.Context, onCommand func(*Client, Command)) {
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.readLoop(ctx, onCommand)
}

// Close terminates the connection and waits for both loops.
func (c *Client) Close() {
	c.closeConnection(websocket.StatusNormalClosure, "shutdown")
}

func (c *Client) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.wsDone)
		c.conn.Close(status, reason)
		c.wg.Wait()
		close(c.Closed)
	})
}

func (c *Client) readLoop(ctx context.Context, onCommand func(*Client, Command)) {
	defer func() {
		c.wg.Done()
		go c.closeConnection(websocket.StatusNormalClosure, "read closed")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return
			}
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusNoStatusRcvd {
				slog.Warn("wsclient read failed", "connId", c.ConnID, "error", err)
			}
			return
		}

		var cmd Command
		if err := jsonUnmarshal(data, &cmd); err != nil {
			slog.Warn("wsclient bad frame", "connId", c.ConnID, "error", err)
			continue
		}
		onCommand(c, cmd)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	defer func() {
		c.wg.Done()
		go c.closeConnection(websocket.StatusNormalClosure, "write closed")
	}()

	for {
		select {
		case <-c.wsDone:
			return
		case <-ctx.Done():
			return
		case frame := <-c.tx:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("wsclient write failed", "connId", c.ConnID, "error", err)
				return
			}
		}
	}
}
