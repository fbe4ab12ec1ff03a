// Package whatsapp adapts a WhatsApp websocket bridge to the channels
// interface. The bridge process owns the actual WhatsApp session; this side
// speaks a small JSON protocol over a single persistent connection.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// wireMessage is the bridge protocol frame, both directions.
type wireMessage struct {
	Type string `json:"type"`

	// inbound message fields
	ID        string `json:"id,omitempty"`
	Chat      string `json:"chat,omitempty"`
	ChatName  string `json:"chat_name,omitempty"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	FromSelf  bool   `json:"from_self,omitempty"`

	// outbound fields
	To    string `json:"to,omitempty"`
	State bool   `json:"state,omitempty"`

	// chat metadata sync response
	Chats []wireChat `json:"chats,omitempty"`
}

type wireChat struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"last_message_time"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	url  string
	sink channels.MetadataSink

	mu      sync.Mutex
	conn    *websocket.Conn
	handler channels.InboundHandler

	lastSync time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(bridgeURL string, sink channels.MetadataSink) *Channel {
	return &Channel{url: bridgeURL, sink: sink}
}

func (c *Channel) Name() string { return "whatsapp" }

// Connect dials the bridge and starts the listen loop. The loop reconnects
// with exponential backoff for as long as the adapter lives.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	go c.listenLoop()
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	return conn, err
}

func (c *Channel) OnInbound(h channels.InboundHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// listenLoop reads frames until the adapter is disconnected, redialing on
// failure. Backoff doubles from 1s to a 30s cap and resets after a
// successful read.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := reconnectMin
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := c.dial(c.ctx)
			if err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err, "retry_in", backoff)
				if backoff *= 2; backoff > reconnectMax {
					backoff = reconnectMax
				}
				continue
			}
			slog.Info("whatsapp bridge reconnected")
			c.mu.Lock()
			c.conn = next
			c.mu.Unlock()
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp bridge read failed", "error", err)
			conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			continue
		}
		backoff = reconnectMin
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("whatsapp bridge sent malformed frame", "error", err)
		return
	}
	switch msg.Type {
	case "message":
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			return
		}
		ts := msg.Timestamp
		if ts == "" {
			ts = store.FormatTime(time.Now())
		}
		h(channels.InboundMessage{
			ID:         msg.ID,
			ChatJID:    channels.JoinJID("whatsapp", msg.Chat),
			ChatName:   msg.ChatName,
			SenderID:   msg.From,
			SenderName: msg.FromName,
			Content:    msg.Content,
			Timestamp:  ts,
			FromSelf:   msg.FromSelf,
		})
	case "chats":
		if c.sink == nil {
			return
		}
		for _, ch := range msg.Chats {
			jid := channels.JoinJID("whatsapp", ch.JID)
			if err := c.sink.UpsertChat(jid, ch.Name, ch.LastMessageTime); err != nil {
				slog.Warn("chat metadata upsert failed", "jid", jid, "error", err)
			}
		}
	default:
		slog.Debug("whatsapp bridge frame ignored", "type", msg.Type)
	}
}

func (c *Channel) Send(ctx context.Context, chatID, text string) error {
	return c.write(wireMessage{Type: "message", To: chatID, Content: text})
}

func (c *Channel) SetTyping(ctx context.Context, chatID string, typing bool) error {
	return c.write(wireMessage{Type: "typing", To: chatID, State: typing})
}

// SyncMetadata asks the bridge for its chat list. The reply arrives
// asynchronously on the listen loop. Syncs within five minutes of the last
// one are skipped unless forced.
func (c *Channel) SyncMetadata(ctx context.Context, force bool) error {
	c.mu.Lock()
	recent := time.Since(c.lastSync) < 5*time.Minute
	if !force && recent {
		c.mu.Unlock()
		return nil
	}
	c.lastSync = time.Now()
	c.mu.Unlock()
	return c.write(wireMessage{Type: "sync"})
}

func (c *Channel) write(msg wireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

func (c *Channel) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}
