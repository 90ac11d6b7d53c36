package rvb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foreman-ai/foreman/internal/chatsession"
	"github.com/foreman-ai/foreman/internal/pag"
	"github.com/foreman-ai/foreman/internal/tim"
	"github.com/foreman-ai/foreman/pkg/models"
)

// ErrAlreadyActive is returned by Start when a session is already
// running (§4.5 session start step 1).
var ErrAlreadyActive = errors.New("realtime session already active")

const (
	defaultSampleRate = 16000
	chunkMs           = 40
	micRingSeconds    = 8
	defaultGain       = 0.25
	baseVoiceSuffix   = "\n\nYou are speaking over a live voice channel. Keep replies short and conversational."
)

// Status is the externally-visible state of a Session, safe to poll
// without holding the session lock.
type Status struct {
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

// Session owns one realtime WebSocket connection plus the audio device
// feeding and draining it. All mutable state lives behind mu (§4.5:
// "single-threaded cooperative internally; all shared state behind a
// per-session lock").
type Session struct {
	logger    *slog.Logger
	endpoint  string
	apiKey    string
	device    AudioDevice
	chats     *chatsession.Store
	gate      *pag.Gate
	tools     *tim.Manager
	manifests map[string]*models.ToolManifest
	gain      float64

	mu           sync.Mutex
	active       bool
	conn         *websocket.Conn
	sessionID    string
	playingAudio bool
	lastErr      string

	assistantText strings.Builder
	assistantPCM  []int16
	userText      strings.Builder
	micRing       []int16
	cancelLoop    context.CancelFunc
}

// NewSession builds a Session. endpoint is the full realtime events URL
// (scheme included); apiKey may be empty for local/unauthenticated
// endpoints.
func NewSession(endpoint, apiKey string, device AudioDevice, chats *chatsession.Store, gate *pag.Gate, tools *tim.Manager, manifests map[string]*models.ToolManifest, logger *slog.Logger) *Session {
	gain := defaultGain
	if raw := os.Getenv("REALTIME_PLAYBACK_GAIN"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			gain = clamp01(v)
		}
	}
	return &Session{
		logger:    logger,
		endpoint:  endpoint,
		apiKey:    apiKey,
		device:    device,
		chats:     chats,
		gate:      gate,
		tools:     tools,
		manifests: manifests,
		gain:      gain,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Status reports whether a session is currently active.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Active: s.active, Error: s.lastErr}
}

// Start performs the §4.5 session-start sequence: reject-if-active,
// compose instructions from the latest chat digest, dial the
// WebSocket, start capture/playback, and send session.update.
func (s *Session) Start(ctx context.Context, basePrompt string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.active = true
	s.lastErr = ""
	s.mu.Unlock()

	instructions := s.composeInstructions(basePrompt)

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}

	session, err := s.chats.Create()
	if err != nil {
		conn.Close()
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return fmt.Errorf("create chat session: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.sessionID = session.ID
	s.mu.Unlock()

	if err := s.sendSessionUpdate(instructions); err != nil {
		s.Stop()
		return fmt.Errorf("send session.update: %w", err)
	}

	captureCh, err := s.device.StartCapture(ctx, defaultSampleRate, chunkMs)
	if err != nil {
		s.Stop()
		return fmt.Errorf("start capture: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelLoop = cancel
	s.mu.Unlock()

	go s.pumpMic(loopCtx, captureCh)
	go s.runEventLoop(loopCtx)

	return nil
}

// composeInstructions implements §4.5 step 2.
func (s *Session) composeInstructions(basePrompt string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString(baseVoiceSuffix)

	latest, err := s.chats.Latest()
	if err != nil {
		return b.String()
	}
	digest := chatsession.RecentDigest(latest, 8, 200)
	if len(digest) == 0 {
		return b.String()
	}
	b.WriteString("\n\nRecent conversation:\n")
	for _, m := range digest {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// dial implements §4.5 step 3: scheme selection, auth headers, and
// subprotocol negotiation.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	url := s.endpoint
	if strings.Contains(url, "api.openai.com") && strings.HasPrefix(url, "http") {
		url = "wss" + strings.TrimPrefix(url, "http")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws" + strings.TrimPrefix(url, "http")
	}

	header := http.Header{}
	dialer := websocket.DefaultDialer
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
		header.Set("OpenAI-Beta", "realtime=v1")
		dialer = &websocket.Dialer{Subprotocols: []string{"realtime"}}
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	return conn, err
}

func (s *Session) sendSessionUpdate(instructions string) error {
	tools := s.buildToolSchemas()
	msg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":         []string{"audio", "text"},
			"instructions":       instructions,
			"input_audio_format": "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":     map[string]any{"type": "server_vad"},
			"tools":              tools,
		},
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn.WriteJSON(msg)
}

// buildToolSchemas declares every known manifest tool plus a synthetic
// end_call tool (§4.5 step 6).
func (s *Session) buildToolSchemas() []map[string]any {
	tools := []map[string]any{
		{
			"type":        "function",
			"name":        "end_call",
			"description": "End the realtime voice session.",
			"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
	for server, manifest := range s.manifests {
		for _, name := range manifest.Tools {
			params := manifest.ParamsSchema
			if params == nil {
				params = map[string]any{"type": "object"}
			}
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        server + "." + name,
				"description": fmt.Sprintf("%s tool served by %s", name, server),
				"parameters":  params,
			})
		}
	}
	return tools
}

func (s *Session) pumpMic(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.handleMicFrame(frame)
		}
	}
}

// handleMicFrame implements the event loop's per-frame rules: always
// accumulate into the fallback ring, but drop (half-duplex) while
// audio is playing.
func (s *Session) handleMicFrame(frame []byte) {
	samples := pcm16Decode(frame)

	s.mu.Lock()
	s.micRing = appendRing(s.micRing, samples, micRingSeconds*defaultSampleRate)
	playing := s.playingAudio
	conn := s.conn
	s.mu.Unlock()

	if playing || conn == nil {
		return
	}

	msg := map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame),
	}
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn("realtime: mic frame send failed", "error", err)
	}
}

func appendRing(ring []int16, fresh []int16, max int) []int16 {
	ring = append(ring, fresh...)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

func pcm16Decode(frame []byte) []int16 {
	out := make([]int16, len(frame)/2)
	for i := range out {
		out[i] = int16(frame[2*i]) | int16(frame[2*i+1])<<8
	}
	return out
}

// runEventLoop implements §4.5's server-event pattern matching.
func (s *Session) runEventLoop(ctx context.Context) {
	defer s.Stop()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.mu.Lock()
				s.lastErr = err.Error()
				s.mu.Unlock()
			}
			return
		}

		var event struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		s.handleEvent(ctx, event.Type, data)
	}
}

func (s *Session) handleEvent(ctx context.Context, eventType string, raw []byte) {
	switch {
	case strings.HasSuffix(eventType, "audio.delta"):
		s.handleAudioDelta(raw)
	case strings.HasSuffix(eventType, "text.delta"):
		s.handleTextDelta(raw)
	case eventType == "response.created", eventType == "output_item.added":
		s.mu.Lock()
		s.playingAudio = true
		s.assistantPCM = nil
		s.mu.Unlock()
	case eventType == "response.audio.done", eventType == "response.done":
		s.onResponseDone()
	case eventType == "speech_started":
		s.logger.Info("realtime: speech started")
	case eventType == "speech_stopped":
		s.onSpeechStopped()
	case strings.HasPrefix(eventType, "input_audio_buffer.transcription."):
		s.handleUserTranscription(eventType, raw)
	case eventType == "tool.call", eventType == "tool_call":
		s.handleToolCall(ctx, raw)
	case eventType == "error":
		s.handleErrorEvent(raw)
	}
}

func (s *Session) handleAudioDelta(raw []byte) {
	var body struct {
		Delta  string `json:"delta"`
		Format string `json:"format"`
	}
	json.Unmarshal(raw, &body)
	if body.Delta == "" {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(body.Delta)
	if err != nil {
		return
	}

	var samples []int16
	if body.Format == "g711_ulaw" {
		samples = DecodeULaw(decoded)
	} else {
		samples = pcm16Decode(decoded)
	}

	rate := 24000
	if body.Format == "g711_ulaw" {
		rate = 8000
	}
	if target := s.device.PlaybackSampleRate(); target != rate {
		samples = Resample(samples, rate, target)
	}

	applyGain(samples, s.gain)
	s.device.Play(pcm16Encode(samples))

	s.mu.Lock()
	s.assistantPCM = append(s.assistantPCM, samples...)
	s.mu.Unlock()
}

func applyGain(samples []int16, gain float64) {
	for i, v := range samples {
		samples[i] = int16(float64(v) * gain)
	}
}

func pcm16Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func (s *Session) handleTextDelta(raw []byte) {
	var body struct {
		Delta string `json:"delta"`
	}
	json.Unmarshal(raw, &body)
	s.mu.Lock()
	s.assistantText.WriteString(body.Delta)
	s.mu.Unlock()
}

func (s *Session) onResponseDone() {
	s.mu.Lock()
	s.playingAudio = false
	text := s.assistantText.String()
	s.assistantText.Reset()
	pcm := s.assistantPCM
	s.assistantPCM = nil
	sessionID := s.sessionID
	s.mu.Unlock()

	if text != "" {
		if err := s.chats.AppendAssistant(sessionID, text); err != nil {
			s.logger.Warn("realtime: append assistant text failed", "error", err)
		}
		return
	}
	if len(pcm) > 0 {
		go s.transcribeAndFlush(sessionID, pcm, models.ChatRoleAssistant)
	}
}

// transcribeAndFlush is the best-effort fallback STT path for
// audio-only turns. Without a wired STT provider this degrades to a
// placeholder note rather than failing the session (Open Question #3
// applied to the transcription path as well).
func (s *Session) transcribeAndFlush(sessionID string, pcm []int16, role models.ChatRole) {
	text := fmt.Sprintf("[%d samples of audio, transcription unavailable]", len(pcm))
	var err error
	switch role {
	case models.ChatRoleAssistant:
		err = s.chats.AppendAssistant(sessionID, text)
	default:
		err = s.chats.AppendUser(sessionID, text)
	}
	if err != nil {
		s.logger.Warn("realtime: fallback transcript append failed", "error", err)
	}
}

func (s *Session) onSpeechStopped() {
	s.mu.Lock()
	conn := s.conn
	ring := append([]int16(nil), s.micRing...)
	sessionID := s.sessionID
	s.mu.Unlock()

	if conn != nil {
		conn.WriteJSON(map[string]any{
			"type":     "response.create",
			"response": map[string]any{"modalities": []string{"audio", "text"}},
		})
	}

	tail := 4 * defaultSampleRate
	if len(ring) > tail {
		ring = ring[len(ring)-tail:]
	}
	if len(ring) > 0 {
		go s.transcribeAndFlush(sessionID, ring, models.ChatRoleUser)
	}
}

func (s *Session) handleUserTranscription(eventType string, raw []byte) {
	var body struct {
		Delta string `json:"delta"`
	}
	json.Unmarshal(raw, &body)

	s.mu.Lock()
	s.userText.WriteString(body.Delta)
	done := strings.HasSuffix(eventType, ".done")
	sessionID := s.sessionID
	var flushed string
	if done {
		flushed = s.userText.String()
		s.userText.Reset()
	}
	s.mu.Unlock()

	if done && flushed != "" {
		if err := s.chats.AppendUser(sessionID, flushed); err != nil {
			s.logger.Warn("realtime: append user transcript failed", "error", err)
		}
	}
}

func (s *Session) handleErrorEvent(raw []byte) {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	json.Unmarshal(raw, &body)
	s.mu.Lock()
	s.lastErr = body.Error.Message
	s.mu.Unlock()
	s.logger.Warn("realtime: server error event", "message", body.Error.Message)
}

func (s *Session) handleToolCall(ctx context.Context, raw []byte) {
	var body struct {
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments any    `json:"arguments"`
	}
	json.Unmarshal(raw, &body)

	args := map[string]any{}
	switch v := body.Arguments.(type) {
	case string:
		json.Unmarshal([]byte(v), &args)
	case map[string]any:
		args = v
	}

	if body.Name == "end_call" || body.Name == "end.call" {
		s.replyToolCall(body.CallID, map[string]any{"ok": true})
		s.endCallSummary()
		s.Stop()
		return
	}

	server, tool, ok := splitToolName(body.Name)
	if !ok {
		s.replyToolCall(body.CallID, map[string]any{"ok": false, "error": "malformed tool name"})
		return
	}

	action := models.ProposedAction{
		Command: body.Name,
		Writes:  writesHint(tool),
		Intent:  "realtime tool call",
	}
	if err := s.gate.Check(ctx, action, "Realtime tool call: "+body.Name); err != nil {
		s.replyToolCall(body.CallID, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	result, err := s.tools.Invoke(ctx, server, tool, args)
	if err != nil {
		s.replyToolCall(body.CallID, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.replyToolCall(body.CallID, map[string]any{"ok": true, "result": result})
}

func splitToolName(name string) (server, tool string, ok bool) {
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// writesHint guesses whether a tool call is a write for policy
// purposes; manifests don't currently declare this explicitly, so
// read-shaped verbs are treated as non-writes and everything else
// defaults to write (the conservative side of §4.2's Hold/Warn split).
func writesHint(tool string) bool {
	switch {
	case strings.HasPrefix(tool, "list"), strings.HasPrefix(tool, "read"),
		strings.HasPrefix(tool, "stat"), strings.HasPrefix(tool, "health"),
		strings.HasPrefix(tool, "status"), strings.HasPrefix(tool, "which"),
		strings.HasPrefix(tool, "plan"), strings.HasPrefix(tool, "explain"),
		strings.HasPrefix(tool, "dry_run"):
		return false
	default:
		return true
	}
}

func (s *Session) replyToolCall(callID string, payload map[string]any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	conn.WriteJSON(map[string]any{
		"type":        "conversation.item.create",
		"call_id":     callID,
		"output":      payload,
	})
}

func (s *Session) endCallSummary() {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	s.chats.AppendAssistant(sessionID, "[voice session ended]")
}

// Stop closes the socket cleanly, marks the session inactive, and
// stops capture/playback (§4.5 "external stop signal").
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	conn := s.conn
	s.conn = nil
	cancel := s.cancelLoop
	s.cancelLoop = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.device.StopCapture()
	s.device.StopPlayback()
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}
