package syncbuf

import (
	"testing"

	"github.com/geldoronie/retrocapture/internal/frame"
)

func rgb(w, h int) []byte {
	return make([]byte, w*h*3)
}

func TestPushVideo_SortedOnRead(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.PushVideo(rgb(4, 4), 4, 4, 300)
	s.PushVideo(rgb(4, 4), 4, 4, 100)
	s.PushVideo(rgb(4, 4), 4, 4, 200)
	s.PushAudio(make([]int16, 100), 100, 150, 44100, 2)

	zone := s.ComputeSyncZone()
	frames := s.GetVideoFrames(zone)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	want := []int64{100, 200, 300}
	for i, f := range frames {
		if f.CaptureTimestampUs != want[i] {
			t.Errorf("frame[%d].ts = %d, want %d", i, f.CaptureTimestampUs, want[i])
		}
	}
}

func TestPushVideo_RejectsZeroDims(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	if s.PushVideo(rgb(1, 1), 0, 1, 0) {
		t.Error("expected reject on width==0")
	}
	if s.PushVideo(rgb(1, 1), 1, 0, 0) {
		t.Error("expected reject on height==0")
	}
}

func TestPushVideo_OverflowDropsOldest(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxVideoBufferSize: 3}, nil)
	for i := int64(0); i < 5; i++ {
		if !s.PushVideo(rgb(2, 2), 2, 2, i*10) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if got := s.VideoQueueLen(); got != 3 {
		t.Fatalf("queue len = %d, want 3", got)
	}
	zone := frame.SyncZone{VideoStartIdx: 0, VideoEndIdx: 3, AudioStartIdx: 0, AudioEndIdx: 1}
	frames := s.GetVideoFrames(zone)
	want := []int64{20, 30, 40}
	for i, f := range frames {
		if f.CaptureTimestampUs != want[i] {
			t.Errorf("frame[%d].ts = %d, want %d", i, f.CaptureTimestampUs, want[i])
		}
	}
	dropped, _ := s.Dropped()
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestComputeSyncZone_EmptyQueueInvalid(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	zone := s.ComputeSyncZone()
	if zone.Valid() {
		t.Error("expected invalid zone when both queues empty")
	}

	s.PushVideo(rgb(2, 2), 2, 2, 0)
	zone = s.ComputeSyncZone()
	if zone.Valid() {
		t.Error("expected invalid zone when audio queue empty")
	}
}

func TestCleanupOldData_KeepsUnprocessed(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxBufferTime: 1}, nil) // 1ns is below the floor: normalizes to 1s
	s.PushVideo(rgb(2, 2), 2, 2, 0)
	s.PushVideo(rgb(2, 2), 2, 2, 2_000_000) // 2s later, establishes latest

	s.CleanupOldData()
	if got := s.VideoQueueLen(); got != 2 {
		t.Fatalf("unprocessed entries evicted: queue len = %d, want 2", got)
	}

	s.MarkVideoProcessed(0)
	s.CleanupOldData()
	if got := s.VideoQueueLen(); got != 1 {
		t.Fatalf("processed stale entry not evicted: queue len = %d, want 1", got)
	}
}

func TestUnprocessedVideoSortedAndFiltered(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.PushVideo(rgb(2, 2), 2, 2, 30)
	s.PushVideo(rgb(2, 2), 2, 2, 10)
	s.PushVideo(rgb(2, 2), 2, 2, 20)
	s.MarkVideoProcessed(20)

	got := s.UnprocessedVideo()
	if len(got) != 2 {
		t.Fatalf("expected 2 unprocessed frames, got %d", len(got))
	}
	if got[0].CaptureTimestampUs != 10 || got[1].CaptureTimestampUs != 30 {
		t.Errorf("unprocessed order = [%d, %d], want [10, 30]",
			got[0].CaptureTimestampUs, got[1].CaptureTimestampUs)
	}
}

func TestUnprocessedAudioEmptyWhenAllProcessed(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	s.PushAudio(make([]int16, 64), 64, 100, 44100, 2)
	s.MarkAudioProcessed(100)
	if got := s.UnprocessedAudio(); len(got) != 0 {
		t.Errorf("expected no unprocessed audio, got %d", len(got))
	}
}

func TestVideoOnlyZone(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	for i := int64(0); i < 5; i++ {
		s.PushVideo(rgb(2, 2), 2, 2, i*10)
	}
	zone := s.VideoOnlyZone(2)
	if !zone.Valid() {
		t.Fatal("expected valid degenerate zone")
	}
	frames := s.GetVideoFrames(zone)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}
