package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/foreman-ai/foreman/internal/channels"
	"github.com/foreman-ai/foreman/pkg/models"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid config", cfg: Config{Token: "valid-token"}, wantErr: false},
		{name: "missing token", cfg: Config{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err != nil {
				var chErr *channels.Error
				if errors.As(err, &chErr) && chErr.Code != channels.ErrCodeConfig {
					t.Errorf("expected ErrCodeConfig, got %v", chErr.Code)
				}
			}
		})
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	cfg := Config{Token: "test-token"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
	if cfg.ReconnectBackoff != 60*time.Second {
		t.Errorf("ReconnectBackoff = %v, want 60s", cfg.ReconnectBackoff)
	}
	if cfg.RateLimit != 5 {
		t.Errorf("RateLimit = %f, want 5", cfg.RateLimit)
	}
	if cfg.Logger == nil {
		t.Error("Logger should not be nil after validation")
	}
}

func newTestAdapter(t *testing.T, mock *mockDiscordSession) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(Config{Token: "test-token"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	adapter.session = mock
	adapter.ctx, adapter.cancel = context.WithCancel(context.Background())
	t.Cleanup(adapter.cancel)
	return adapter
}

func TestAdapter_Type(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	if adapter.Type() != models.ChannelDiscord {
		t.Errorf("Type() = %v, want %v", adapter.Type(), models.ChannelDiscord)
	}
}

func TestAdapter_Messages(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	if adapter.Messages() == nil {
		t.Error("Messages() returned nil channel")
	}
}

func TestAdapter_Metrics(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	snap := adapter.Metrics()
	if snap.MessagesSent != 0 {
		t.Errorf("expected zero messages sent initially, got %d", snap.MessagesSent)
	}
}

func TestAdapter_HealthCheckNotConnected(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	health := adapter.HealthCheck(context.Background())
	if health.Healthy {
		t.Error("expected unhealthy status when not connected")
	}
}

func TestAdapter_HealthCheckConnected(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	adapter.mu.Lock()
	adapter.status.Connected = true
	adapter.mu.Unlock()

	health := adapter.HealthCheck(context.Background())
	if !health.Healthy {
		t.Error("expected healthy status when connected")
	}
}

func TestAdapter_DegradedMode(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	if adapter.isDegraded() {
		t.Error("expected not degraded initially")
	}
	adapter.setDegraded(true)
	if !adapter.isDegraded() {
		t.Error("expected degraded after setDegraded(true)")
	}
}

func TestAdapter_StartStop(t *testing.T) {
	mock := &mockDiscordSession{}
	adapter, err := NewAdapter(Config{Token: "test-token"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	adapter.session = mock

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !mock.openCalled {
		t.Error("expected Open() to be called")
	}

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !mock.closeCalled {
		t.Error("expected Close() to be called")
	}
}

func TestAdapter_StartAlreadyStarted(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	adapter.mu.Lock()
	adapter.status.Connected = true
	adapter.mu.Unlock()

	if err := adapter.Start(context.Background()); err == nil {
		t.Error("expected error starting an already-started adapter")
	}
}

func TestAdapter_StopNotStarted(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	if err := adapter.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on unstarted adapter should be a no-op, got %v", err)
	}
}

func TestAdapter_Send(t *testing.T) {
	mock := &mockDiscordSession{}
	adapter := newTestAdapter(t, mock)
	adapter.mu.Lock()
	adapter.status.Connected = true
	adapter.mu.Unlock()

	msg := &models.Message{
		Channel:   models.ChannelDiscord,
		ChannelID: "channel-123",
		Content:   "hello from foreman",
		Metadata:  map[string]any{"discord_channel_id": "channel-123"},
	}
	if err := adapter.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestAdapter_SendNotConnected(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	msg := &models.Message{Metadata: map[string]any{"discord_channel_id": "channel-123"}}
	if err := adapter.Send(context.Background(), msg); err == nil {
		t.Error("expected error sending while not connected")
	}
}

func TestAdapter_SendMissingChannelID(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	adapter.mu.Lock()
	adapter.status.Connected = true
	adapter.mu.Unlock()

	msg := &models.Message{Content: "no channel id"}
	if err := adapter.Send(context.Background(), msg); err == nil {
		t.Error("expected error for missing discord_channel_id")
	}
}

func TestAdapter_SendError(t *testing.T) {
	mock := &mockDiscordSession{
		channelMessageSendFn: func(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
			return nil, errors.New("boom")
		},
	}
	adapter := newTestAdapter(t, mock)
	adapter.mu.Lock()
	adapter.status.Connected = true
	adapter.mu.Unlock()

	msg := &models.Message{Content: "x", Metadata: map[string]any{"discord_channel_id": "c"}}
	if err := adapter.Send(context.Background(), msg); err == nil {
		t.Error("expected error propagated from ChannelMessageSend")
	}
}

func TestConvertDiscordMessage_SimpleText(t *testing.T) {
	m := &discordgo.Message{
		ID:        "msg-1",
		ChannelID: "chan-1",
		Content:   "hi",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
	}
	msg := convertDiscordMessage(m)
	if msg == nil {
		t.Fatal("expected non-nil message")
	}
	if msg.Content != "hi" || msg.Role != models.RoleUser {
		t.Errorf("unexpected conversion: %+v", msg)
	}
}

func TestConvertDiscordMessage_WithAttachments(t *testing.T) {
	m := &discordgo.Message{
		Author: &discordgo.User{ID: "u"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", URL: "https://example.com/a.png", ContentType: "image/png"},
		},
	}
	msg := convertDiscordMessage(m)
	if len(msg.Attachments) != 1 || msg.Attachments[0].Type != "image" {
		t.Errorf("unexpected attachments: %+v", msg.Attachments)
	}
}

func TestConvertDiscordMessage_NilMessage(t *testing.T) {
	if convertDiscordMessage(nil) != nil {
		t.Error("expected nil for nil message")
	}
}

func TestConvertDiscordMessage_NilAuthor(t *testing.T) {
	if convertDiscordMessage(&discordgo.Message{}) != nil {
		t.Error("expected nil for message with nil author")
	}
}

func TestDetectAttachmentType(t *testing.T) {
	cases := map[string]string{
		"image/png":      "image",
		"audio/mpeg":     "audio",
		"video/mp4":      "video",
		"application/pdf": "document",
	}
	for contentType, want := range cases {
		if got := detectAttachmentType(contentType); got != want {
			t.Errorf("detectAttachmentType(%q) = %q, want %q", contentType, got, want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	if got := calculateBackoff(0, 10*time.Second); got != 1*time.Second {
		t.Errorf("calculateBackoff(0) = %v, want 1s", got)
	}
	if got := calculateBackoff(10, 10*time.Second); got != 10*time.Second {
		t.Errorf("calculateBackoff(10) should clamp to max, got %v", got)
	}
}

func TestIsRateLimitError(t *testing.T) {
	if isRateLimitError(nil) {
		t.Error("nil error should not be a rate limit error")
	}
	if !isRateLimitError(errors.New("429 Too Many Requests")) {
		t.Error("expected 429 error to be classified as rate limit")
	}
}

func TestAdapter_HandleMessageCreate_BotMessage(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{Author: &discordgo.User{Bot: true}},
	})
	select {
	case <-adapter.messages:
		t.Error("bot messages should be ignored")
	default:
	}
}

func TestAdapter_HandleMessageCreate_UserMessage(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	adapter.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{ChannelID: "c1", Content: "hi", Author: &discordgo.User{ID: "u1"}},
	})
	select {
	case msg := <-adapter.messages:
		if msg.Content != "hi" {
			t.Errorf("unexpected message content: %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Error("expected a message on the channel")
	}
}

func TestAdapter_HandleReady(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	adapter.handleReady(nil, &discordgo.Ready{User: &discordgo.User{Username: "bot"}})
	if !adapter.Status().Connected {
		t.Error("expected Connected=true after handleReady")
	}
}

func TestAdapter_HandleDisconnect(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	adapter.handleDisconnect(nil, &discordgo.Disconnect{})
	if adapter.Status().Connected {
		t.Error("expected Connected=false after handleDisconnect")
	}
	adapter.wg.Wait()
}

func TestAdapter_ConnectWithRetry_FailsThenSucceeds(t *testing.T) {
	adapter, err := NewAdapter(Config{Token: "t", MaxReconnectAttempts: 3, ReconnectBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	// Fails the first Open() call, succeeds on the second.
	countingMock := &countingOpenSession{failUntil: 1}
	adapter.session = countingMock

	if err := adapter.connectWithRetry(context.Background()); err != nil {
		t.Fatalf("connectWithRetry() error = %v", err)
	}
	if countingMock.opens < 2 {
		t.Errorf("expected at least 2 open attempts, got %d", countingMock.opens)
	}
}

func TestAdapter_ConnectWithRetry_ContextCancelled(t *testing.T) {
	adapter, _ := NewAdapter(Config{Token: "t", MaxReconnectAttempts: 5, ReconnectBackoff: time.Second})
	adapter.session = &mockDiscordSession{openErr: errors.New("down")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := adapter.connectWithRetry(ctx); err == nil {
		t.Error("expected error when context is already cancelled")
	}
}

func TestAdapter_Reconnect_Success(t *testing.T) {
	adapter, _ := NewAdapter(Config{Token: "t", MaxReconnectAttempts: 5, ReconnectBackoff: time.Millisecond})
	adapter.session = &mockDiscordSession{}
	adapter.ctx, adapter.cancel = context.WithCancel(context.Background())
	defer adapter.cancel()

	adapter.wg.Add(1)
	adapter.reconnect()
	if !adapter.Status().Connected {
		t.Error("expected reconnect to succeed and mark Connected")
	}
}

func TestAdapter_ConcurrentStatusReads(t *testing.T) {
	adapter := newTestAdapter(t, &mockDiscordSession{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = adapter.Status()
			_ = adapter.HealthCheck(context.Background())
		}()
	}
	wg.Wait()
}

type mockDiscordSession struct {
	openCalled           bool
	closeCalled          bool
	openErr              error
	closeErr             error
	channelMessageSendFn func(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

func (m *mockDiscordSession) Open() error {
	m.openCalled = true
	return m.openErr
}

func (m *mockDiscordSession) Close() error {
	m.closeCalled = true
	return m.closeErr
}

func (m *mockDiscordSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.channelMessageSendFn != nil {
		return m.channelMessageSendFn(channelID, content, options...)
	}
	return &discordgo.Message{ID: "test-msg-id", ChannelID: channelID, Content: content}, nil
}

func (m *mockDiscordSession) AddHandler(handler interface{}) func() {
	return func() {}
}

type countingOpenSession struct {
	mockDiscordSession
	opens     int
	failUntil int
}

func (c *countingOpenSession) Open() error {
	c.opens++
	if c.opens <= c.failUntil {
		return errors.New("not ready yet")
	}
	return nil
}
