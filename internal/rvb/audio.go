// Package rvb implements the Realtime Voice Bridge: a background task
// owning one WebSocket to the realtime provider endpoint, with audio
// capture/playback abstracted behind AudioDevice so the event loop is
// testable without real hardware.
package rvb

import "context"

// AudioDevice abstracts microphone capture and speaker playback,
// mirroring the teacher's voice.Provider abstraction for telephony
// (internal/voice/types.go) adapted to a local realtime session rather
// than a PSTN call leg.
type AudioDevice interface {
	// StartCapture begins delivering chunkMs-sized mono 16-bit PCM
	// frames at sampleRate on the returned channel, until ctx is
	// cancelled or StopCapture is called.
	StartCapture(ctx context.Context, sampleRate, chunkMs int) (<-chan []byte, error)
	StopCapture()

	// PlaybackSampleRate reports the output device's native sample
	// rate, used to decide whether resampling is needed.
	PlaybackSampleRate() int
	// Play enqueues PCM16 samples for playback.
	Play(pcm []byte) error
	StopPlayback()
}

// nullAudioDevice backs unit tests and any environment without a
// configured device (Open Question #3: degrade silently rather than
// fail session start).
type nullAudioDevice struct {
	captureCh chan []byte
}

// NewNullAudioDevice returns an AudioDevice that captures nothing and
// discards playback.
func NewNullAudioDevice() AudioDevice {
	return &nullAudioDevice{}
}

func (n *nullAudioDevice) StartCapture(ctx context.Context, sampleRate, chunkMs int) (<-chan []byte, error) {
	n.captureCh = make(chan []byte)
	go func() {
		<-ctx.Done()
	}()
	return n.captureCh, nil
}

func (n *nullAudioDevice) StopCapture() {}

func (n *nullAudioDevice) PlaybackSampleRate() int { return 24000 }

func (n *nullAudioDevice) Play(pcm []byte) error { return nil }

func (n *nullAudioDevice) StopPlayback() {}
