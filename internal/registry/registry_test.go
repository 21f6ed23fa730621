package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/geldoronie/retrocapture/internal/frame"
)

func testMeta(t *testing.T, dir, name string) frame.RecordingMetadata {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("container bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return frame.RecordingMetadata{
		ID:               NewID(name),
		Filename:         name,
		Filepath:         path,
		Container:        "mp4",
		VideoCodec:       "h264",
		Width:            1280,
		Height:           720,
		FPS:              60,
		CreatedAtISO8601: "2024-06-01T12:00:00Z",
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	r := New(filepath.Join(t.TempDir(), "recordings.json"), nil)
	if err := r.Load(); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if got := len(r.List()); got != 0 {
		t.Errorf("expected empty registry, got %d entries", got)
	}
}

func TestAddPersistsAndReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "recordings.json")

	r := New(path, nil)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	m := testMeta(t, dir, "rec_2024.mp4")
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}

	r2 := New(path, nil)
	if err := r2.Load(); err != nil {
		t.Fatal(err)
	}
	got := r2.List()
	if len(got) != 1 {
		t.Fatalf("reloaded %d entries, want 1", len(got))
	}
	if got[0].ID != m.ID || got[0].Filepath != m.Filepath {
		t.Errorf("reloaded entry = %+v, want %+v", got[0], m)
	}
}

func TestDeleteRemovesFileAndEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(filepath.Join(dir, "recordings.json"), nil)
	m := testMeta(t, dir, "rec.mp4")
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}

	if err := r.Delete(m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(m.Filepath); !os.IsNotExist(err) {
		t.Error("recording file still on disk after Delete")
	}
	if len(r.List()) != 0 {
		t.Error("entry still listed after Delete")
	}
}

func TestDeleteToleratesMissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(filepath.Join(dir, "recordings.json"), nil)
	m := testMeta(t, dir, "rec.mp4")
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(m.Filepath); err != nil {
		t.Fatal(err)
	}

	// File already gone: entry removal still succeeds.
	if err := r.Delete(m.ID); err != nil {
		t.Fatalf("Delete with missing file: %v", err)
	}
	if len(r.List()) != 0 {
		t.Error("entry still listed after Delete")
	}
}

func TestRenamePreservesExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(filepath.Join(dir, "recordings.json"), nil)
	m := testMeta(t, dir, "rec_2024.mp4")
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}

	if err := r.Rename(m.ID, "newname"); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Get(m.ID)
	if !ok {
		t.Fatal("entry vanished after Rename")
	}
	if got.Filename != "newname.mp4" {
		t.Errorf("Filename = %q, want %q", got.Filename, "newname.mp4")
	}
	if _, err := os.Stat(filepath.Join(dir, "newname.mp4")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
	if _, err := os.Stat(m.Filepath); !os.IsNotExist(err) {
		t.Error("old file still on disk after Rename")
	}
}

func TestRenameKeepsExplicitExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(filepath.Join(dir, "recordings.json"), nil)
	m := testMeta(t, dir, "rec.mp4")
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}
	if err := r.Rename(m.ID, "other.mkv"); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(m.ID)
	if got.Filename != "other.mkv" {
		t.Errorf("Filename = %q, want %q", got.Filename, "other.mkv")
	}
}

func TestRenameRejectsPathSeparators(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(filepath.Join(dir, "recordings.json"), nil)
	m := testMeta(t, dir, "rec.mp4")
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}
	if err := r.Rename(m.ID, "../escape"); err == nil {
		t.Error("expected reject of name containing a path separator")
	}
}

func TestSetThumbnail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(filepath.Join(dir, "recordings.json"), nil)
	m := testMeta(t, dir, "rec.mp4")
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}
	if err := r.SetThumbnail(m.ID, filepath.Join(dir, "rec.jpg")); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(m.ID)
	if got.ThumbnailPath == "" {
		t.Error("thumbnail path not recorded")
	}
}

func TestNewIDDistinctForDistinctNames(t *testing.T) {
	t.Parallel()

	if NewID("a.mp4") == NewID("b.mp4") {
		t.Error("ids for distinct filenames collide")
	}
}
