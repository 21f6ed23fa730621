// Package registry persists the list of completed recordings as an
// indented JSON file, written atomically so a crash mid-save never leaves
// a truncated registry on disk.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/geldoronie/retrocapture/internal/frame"
)

// fileFormat is the on-disk shape: {"recordings": [...]}.
type fileFormat struct {
	Recordings []frame.RecordingMetadata `json:"recordings"`
}

// Registry is a lock-guarded list of recording metadata backed by a JSON
// file. All mutations persist before returning.
type Registry struct {
	log  *slog.Logger
	path string

	mu         sync.Mutex
	recordings []frame.RecordingMetadata
}

// New creates a Registry backed by the JSON file at path. Call Load before
// first use. If log is nil, slog.Default() is used.
func New(path string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log.With("component", "registry"),
		path: path,
	}
}

// NewID derives a recording identifier by hashing the filename together
// with the current epoch second, so re-recording over an identical
// filename still yields a distinct id.
func NewID(filename string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s-%d", filename, time.Now().Unix())).String()
}

// Load reads the registry file. A missing file starts an empty registry
// and is not an error.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.recordings = nil
			return nil
		}
		return fmt.Errorf("registry: read %q: %w", r.path, err)
	}

	var f fileFormat
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("registry: parse %q: %w", r.path, err)
	}
	r.recordings = f.Recordings
	return nil
}

// saveLocked atomically overwrites the registry file with indented JSON.
// Caller holds r.mu.
func (r *Registry) saveLocked() error {
	b, err := json.MarshalIndent(fileFormat{Recordings: r.recordings}, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("registry: mkdir %q: %w", dir, err)
		}
	}
	if err := renameio.WriteFile(r.path, b, 0o644); err != nil {
		return fmt.Errorf("registry: write %q: %w", r.path, err)
	}
	return nil
}

// Add appends a recording and persists.
func (r *Registry) Add(m frame.RecordingMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordings = append(r.recordings, m)
	return r.saveLocked()
}

// List returns a copy of every recording, newest first.
func (r *Registry) List() []frame.RecordingMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]frame.RecordingMetadata(nil), r.recordings...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAtISO8601 > out[j].CreatedAtISO8601
	})
	return out
}

// Get returns the recording with the given id.
func (r *Registry) Get(id string) (frame.RecordingMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.recordings {
		if m.ID == id {
			return m, true
		}
	}
	return frame.RecordingMetadata{}, false
}

// Path returns the on-disk path of the recording with the given id.
func (r *Registry) Path(id string) (string, bool) {
	m, ok := r.Get(id)
	return m.Filepath, ok
}

// Delete removes the recording's file and its registry entry. A file that
// is already gone is a warning, not a failure; the entry is removed from
// the list either way so the registry never points at dead rows.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, m := range r.recordings {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("registry: no recording %q", id)
	}

	m := r.recordings[idx]
	if err := os.Remove(m.Filepath); err != nil {
		r.log.Warn("could not remove recording file", "path", m.Filepath, "error", err)
	}
	if m.ThumbnailPath != "" {
		if err := os.Remove(m.ThumbnailPath); err != nil && !os.IsNotExist(err) {
			r.log.Warn("could not remove thumbnail", "path", m.ThumbnailPath, "error", err)
		}
	}

	r.recordings = append(r.recordings[:idx], r.recordings[idx+1:]...)
	return r.saveLocked()
}

// Rename renames the recording's file and updates its registry entry. When
// newName carries no extension, the original file's extension is kept.
func (r *Registry) Rename(id, newName string) error {
	if newName == "" || strings.ContainsRune(newName, filepath.Separator) {
		return fmt.Errorf("registry: invalid name %q", newName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, m := range r.recordings {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("registry: no recording %q", id)
	}

	m := &r.recordings[idx]
	if filepath.Ext(newName) == "" {
		newName += filepath.Ext(m.Filename)
	}
	newPath := filepath.Join(filepath.Dir(m.Filepath), newName)

	if err := os.Rename(m.Filepath, newPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("registry: rename %q: %w", m.Filepath, err)
		}
		r.log.Warn("recording file missing at rename, updating entry only", "path", m.Filepath)
	}

	m.Filename = newName
	m.Filepath = newPath
	return r.saveLocked()
}

// SetThumbnail records the thumbnail path on an existing entry and
// persists. Used after thumbnail extraction completes, which runs after
// the entry was already inserted.
func (r *Registry) SetThumbnail(id, thumbPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.recordings {
		if r.recordings[i].ID == id {
			r.recordings[i].ThumbnailPath = thumbPath
			return r.saveLocked()
		}
	}
	return fmt.Errorf("registry: no recording %q", id)
}
