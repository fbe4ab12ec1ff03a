// Package channels connects external chat platforms to the router through a
// narrow adapter interface, with per-channel outbound rate limiting and
// prefix-based JID routing.
package channels

import (
	"context"
	"strings"
)

// InboundMessage is one message received from a platform. ChatJID is
// channel-prefixed ("whatsapp:..." / "discord:...") so one store serves
// every adapter.
type InboundMessage struct {
	ID         string
	ChatJID    string
	ChatName   string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  string
	FromSelf   bool
}

// InboundHandler receives messages from an adapter.
type InboundHandler func(m InboundMessage)

// MetadataSink receives chat-level metadata discovered during sync.
type MetadataSink interface {
	UpsertChat(jid, name, lastMessageTime string) error
}

// Channel is one platform adapter.
type Channel interface {
	// Name returns the JID prefix ("whatsapp", "discord").
	Name() string
	Connect(ctx context.Context) error
	OnInbound(h InboundHandler)
	// Send delivers text to a chat. chatID is the platform-native ID,
	// without the channel prefix.
	Send(ctx context.Context, chatID, text string) error
	SetTyping(ctx context.Context, chatID string, typing bool) error
	// SyncMetadata discovers chats in bulk and feeds them to the sink.
	SyncMetadata(ctx context.Context, force bool) error
	Disconnect() error
}

// SplitJID separates a channel-prefixed JID into prefix and platform ID.
func SplitJID(jid string) (channel, chatID string) {
	if i := strings.IndexByte(jid, ':'); i > 0 {
		return jid[:i], jid[i+1:]
	}
	return "", jid
}

// JoinJID builds a channel-prefixed JID.
func JoinJID(channel, chatID string) string {
	return channel + ":" + chatID
}
