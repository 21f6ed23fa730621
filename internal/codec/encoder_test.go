package codec

import (
	"testing"

	"github.com/geldoronie/retrocapture/internal/frame"
)

func TestCodecIDTablesCoverEveryKind(t *testing.T) {
	t.Parallel()

	for _, k := range []frame.VideoCodec{frame.VideoCodecH264, frame.VideoCodecH265, frame.VideoCodecVP8, frame.VideoCodecVP9} {
		if _, ok := videoCodecIDs[k]; !ok {
			t.Errorf("no codec id mapped for video codec %q", k)
		}
	}
	for _, k := range []frame.AudioCodec{frame.AudioCodecAAC, frame.AudioCodecMP3, frame.AudioCodecOpus} {
		if _, ok := audioCodecIDs[k]; !ok {
			t.Errorf("no codec id mapped for audio codec %q", k)
		}
	}
}

func TestCloseResetsPTSAnchors(t *testing.T) {
	t.Parallel()

	e := New(nil)
	e.videoCfg = frame.VideoConfig{FPS: 30}
	e.nextVideoPTS(1_000_000)
	e.nextVideoPTS(2_000_000)

	e.Close()

	e.videoCfg = frame.VideoConfig{FPS: 30}
	if pts := e.nextVideoPTS(9_000_000); pts != 0 {
		t.Errorf("pts after Close = %d, want 0 (fresh anchor)", pts)
	}
}

func TestEncodeVideo_RejectsWhenUninitialized(t *testing.T) {
	t.Parallel()

	e := New(nil)
	_, err := e.EncodeVideo(make([]byte, 10), 4, 4, 0)
	if err == nil {
		t.Fatal("expected error for uninitialized encoder")
	}
}

func TestNextVideoPTS_MonotonicAcrossDuplicateTimestamps(t *testing.T) {
	t.Parallel()

	e := New(nil)
	e.videoCfg = frame.VideoConfig{FPS: 30}

	first := e.nextVideoPTS(1_000_000)
	second := e.nextVideoPTS(1_000_000) // duplicate capture timestamp
	if second <= first {
		t.Errorf("expected anti-retrocession bump, got first=%d second=%d", first, second)
	}
}

func TestNextAudioPTS_AnchorsOnFirstCall(t *testing.T) {
	t.Parallel()

	e := New(nil)
	e.audioCfg = frame.AudioConfig{SampleRate: 44100}

	pts := e.nextAudioPTS(5_000_000)
	if pts != 0 {
		t.Errorf("first audio pts = %d, want 0 (anchors on first capture timestamp)", pts)
	}

	next := e.nextAudioPTS(5_500_000)
	wantApprox := int64(44100 * 0.5)
	if next < wantApprox-10 || next > wantApprox+10 {
		t.Errorf("second audio pts = %d, want near %d", next, wantApprox)
	}
}

func TestClampEgress_PassthroughDoesNotDoubleBump(t *testing.T) {
	t.Parallel()

	e := New(nil)
	e.videoCfg = frame.VideoConfig{FPS: 30}

	assigned := e.nextVideoPTS(1_000_000)
	egress := e.clampEgress(true, assigned)
	if egress != assigned {
		t.Errorf("egress clamp altered a fresh passthrough pts: assigned=%d egress=%d", assigned, egress)
	}
}
