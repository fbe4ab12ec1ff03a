// Package discord adapts a Discord bot session to the channels interface.
// Each Discord channel maps to one chat JID ("discord:<channelID>").
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Channel is the Discord bot adapter.
type Channel struct {
	token string
	sink  channels.MetadataSink

	mu      sync.Mutex
	session *discordgo.Session
	botID   string
	handler channels.InboundHandler
}

func New(token string, sink channels.MetadataSink) *Channel {
	return &Channel{token: token, sink: sink}
}

func (c *Channel) Name() string { return "discord" }

// Connect opens the gateway session. discordgo handles reconnects itself.
func (c *Channel) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(c.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	me, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("resolve bot identity: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.botID = me.ID
	c.mu.Unlock()
	slog.Info("discord session open", "bot", me.Username)
	return nil
}

func (c *Channel) OnInbound(h channels.InboundHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Content == "" {
		return
	}
	c.mu.Lock()
	h := c.handler
	botID := c.botID
	c.mu.Unlock()
	if h == nil {
		return
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	h(channels.InboundMessage{
		ID:         m.ID,
		ChatJID:    channels.JoinJID("discord", m.ChannelID),
		SenderID:   m.Author.ID,
		SenderName: name,
		Content:    m.Content,
		Timestamp:  store.FormatTime(ts.UTC()),
		FromSelf:   m.Author.ID == botID,
	})
}

// Send posts text to a channel, splitting at Discord's 2000-char limit.
func (c *Channel) Send(ctx context.Context, chatID, text string) error {
	session := c.currentSession()
	if session == nil {
		return fmt.Errorf("discord session not open")
	}
	for _, part := range splitMessage(text, 2000) {
		if _, err := session.ChannelMessageSend(chatID, part); err != nil {
			return fmt.Errorf("send to %s: %w", chatID, err)
		}
	}
	return nil
}

// SetTyping shows the typing indicator. Discord auto-expires it, so stopping
// is a no-op.
func (c *Channel) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if !typing {
		return nil
	}
	session := c.currentSession()
	if session == nil {
		return fmt.Errorf("discord session not open")
	}
	return session.ChannelTyping(chatID)
}

// SyncMetadata walks every guild's text channels into the metadata sink.
func (c *Channel) SyncMetadata(ctx context.Context, force bool) error {
	session := c.currentSession()
	if session == nil {
		return fmt.Errorf("discord session not open")
	}
	for _, guild := range session.State.Guilds {
		chs, err := session.GuildChannels(guild.ID)
		if err != nil {
			slog.Warn("guild channel list failed", "guild", guild.ID, "error", err)
			continue
		}
		for _, ch := range chs {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			name := ch.Name
			if guild.Name != "" {
				name = guild.Name + " / " + ch.Name
			}
			jid := channels.JoinJID("discord", ch.ID)
			if err := c.sink.UpsertChat(jid, name, ""); err != nil {
				slog.Warn("chat metadata upsert failed", "jid", jid, "error", err)
			}
		}
	}
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func (c *Channel) currentSession() *discordgo.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// splitMessage breaks text into chunks no longer than limit, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
