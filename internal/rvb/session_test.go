package rvb

import "testing"

func TestPCM16RoundTrip(t *testing.T) {
	original := []int16{0, 1, -1, 32767, -32768, 12345}
	frame := pcm16Encode(original)
	decoded := pcm16Decode(frame)

	if len(decoded) != len(original) {
		t.Fatalf("expected %d samples, got %d", len(original), len(decoded))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, original[i], decoded[i])
		}
	}
}

func TestAppendRingTruncatesToMax(t *testing.T) {
	ring := []int16{1, 2, 3}
	ring = appendRing(ring, []int16{4, 5, 6, 7}, 5)
	if len(ring) != 5 {
		t.Fatalf("expected ring truncated to 5, got %d", len(ring))
	}
	if ring[0] != 3 {
		t.Fatalf("expected oldest samples dropped first, got %+v", ring)
	}
}

func TestApplyGainScalesSamples(t *testing.T) {
	samples := []int16{100, -100, 200}
	applyGain(samples, 0.5)
	if samples[0] != 50 || samples[1] != -50 || samples[2] != 100 {
		t.Fatalf("unexpected scaled samples: %+v", samples)
	}
}

func TestSplitToolNameSplitsOnFirstDot(t *testing.T) {
	server, tool, ok := splitToolName("filesystem.read")
	if !ok || server != "filesystem" || tool != "read" {
		t.Fatalf("expected filesystem/read, got %q/%q ok=%v", server, tool, ok)
	}

	_, _, ok = splitToolName("no_dot")
	if ok {
		t.Fatalf("expected malformed tool name to fail")
	}
}

func TestWritesHintTreatsReadVerbsAsNonWrites(t *testing.T) {
	cases := map[string]bool{
		"list_dir":     false,
		"read_file":    false,
		"health":       false,
		"exec":         true,
		"apply_install": true,
		"commit":       true,
	}
	for tool, want := range cases {
		if got := writesHint(tool); got != want {
			t.Errorf("writesHint(%q) = %v, want %v", tool, got, want)
		}
	}
}

func TestClamp01(t *testing.T) {
	if clamp01(-1) != 0 {
		t.Fatalf("expected clamp to 0")
	}
	if clamp01(2) != 1 {
		t.Fatalf("expected clamp to 1")
	}
	if clamp01(0.5) != 0.5 {
		t.Fatalf("expected passthrough in range")
	}
}
