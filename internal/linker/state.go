package linker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Layout names the files one target's link step keeps between builds.
type Layout struct {
	Dir string
}

// StatePath is the JSON link state.
func (l Layout) StatePath() string { return filepath.Join(l.Dir, "link-state.json") }

// NoopPath is written when a patch link found nothing to do.
func (l Layout) NoopPath() string { return filepath.Join(l.Dir, "link.noop") }

// VersionsDir holds every produced library version.
func (l Layout) VersionsDir() string { return filepath.Join(l.Dir, "versions") }

// Reset removes all link history so the next link is a full one.
func (l Layout) Reset() error {
	if err := os.RemoveAll(l.Dir); err != nil {
		return fmt.Errorf("reset link dir: %w", err)
	}
	return os.MkdirAll(l.VersionsDir(), 0755)
}

// ClearNoop removes a stale no-op marker before a build.
func (l Layout) ClearNoop() error {
	if err := os.Remove(l.NoopPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WasNoop reports whether the last link signalled no changes.
func (l Layout) WasNoop() bool {
	_, err := os.Stat(l.NoopPath())
	return err == nil
}

// State is the link history for one target.
type State struct {
	Triple    string            `json:"triple"`
	Objects   map[string]string `json:"objects"`  // object path -> sha256 hex
	Versions  []string          `json:"versions"` // produced libraries, oldest first
	UpdatedAt time.Time         `json:"updated_at"`
}

// Latest returns the most recent library version, or "".
func (s *State) Latest() string {
	if len(s.Versions) == 0 {
		return ""
	}
	return s.Versions[len(s.Versions)-1]
}

// LoadState reads the link state. A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &State{Objects: make(map[string]string)}, nil
		}
		return nil, fmt.Errorf("read link state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse link state: %w", err)
	}
	if st.Objects == nil {
		st.Objects = make(map[string]string)
	}
	return &st, nil
}

// Save writes the state atomically.
func (s *State) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create link dir: %w", err)
	}

	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal link state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write link state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename link state: %w", err)
	}
	return nil
}
