package channels

import (
	"context"
	"log/slog"

	"github.com/foreman-ai/foreman/internal/chatsession"
	"github.com/foreman-ai/foreman/pkg/models"
)

// InboundAdapter is the shape discord.Adapter, slack.Adapter, and
// telegram.Adapter each already satisfy: Start/Stop the platform
// connection, Messages drains normalized inbound events.
type InboundAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Messages() <-chan *models.Message
}

// ChatBridge drains one or more InboundAdapters and appends every
// inbound message into the shared ChatSession log, so chat history
// stays a single ordered sequence regardless of origin (§ Channel
// Adapters "(ADDED)"). Adapter-authored messages are always user or
// tool turns, so they always break an in-progress assistant
// coalescing run, per the existing rule in §4.5 applied uniformly.
type ChatBridge struct {
	chats     *chatsession.Store
	sessionID string
	logger    *slog.Logger
}

// NewChatBridge builds a bridge appending into sessionID.
func NewChatBridge(chats *chatsession.Store, sessionID string, logger *slog.Logger) *ChatBridge {
	return &ChatBridge{chats: chats, sessionID: sessionID, logger: logger}
}

// Run drains adapter.Messages() until ctx is cancelled, normalizing
// each into a ChatSession append.
func (b *ChatBridge) Run(ctx context.Context, adapter InboundAdapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-adapter.Messages():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			b.appendInbound(msg)
		}
	}
}

func (b *ChatBridge) appendInbound(msg *models.Message) {
	var err error
	switch msg.Role {
	case models.RoleTool:
		err = b.chats.AppendTool(b.sessionID, msg.Content)
	default:
		err = b.chats.AppendUser(b.sessionID, msg.Content)
	}
	if err != nil {
		b.logger.Warn("chat bridge append failed", "channel", msg.Channel, "error", err)
	}
}
