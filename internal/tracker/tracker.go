// Package tracker persists in-flight multi-part transfer state so an
// interrupted run can resume. Tracker files are addressed deterministically
// by destination path, so a later process finds the same file without any
// registry.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoTracker is returned when no tracker file exists for a destination.
var ErrNoTracker = errors.New("no tracker file found")

// Kind distinguishes the transfer types that keep tracker state.
type Kind string

const (
	Upload            Kind = "upload"
	SlicedDownload    Kind = "sliced_download"
	DownloadComponent Kind = "download_component"
)

// maxNameLen caps tracker file names well under common filesystem limits.
const maxNameLen = 200

// State records the progress of one multi-part transfer.
type State struct {
	Destination string          `json:"destination"`
	Kind        Kind            `json:"kind"`
	Generation  string          `json:"generation,omitempty"`
	Components  []ComponentInfo `json:"components,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ComponentInfo describes one completed component of the transfer.
type ComponentInfo struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Name   string `json:"name,omitempty"` // temporary object name for uploads
}

// Path returns the deterministic tracker file path for a destination.
// The name embeds a readable (truncated, sanitized) basename plus a hash of
// the full destination and kind, keeping names short and collision-free.
func Path(dir, destination string, kind Kind) string {
	return componentPath(dir, destination, kind, -1)
}

// ComponentPath returns the tracker path for one component of a sliced
// transfer.
func ComponentPath(dir, destination string, kind Kind, component int) string {
	return componentPath(dir, destination, kind, component)
}

func componentPath(dir, destination string, kind Kind, component int) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + destination))
	suffix := hex.EncodeToString(sum[:16])
	if component >= 0 {
		suffix = fmt.Sprintf("%s_%d", suffix, component)
	}

	base := sanitize(filepath.Base(destination))
	name := fmt.Sprintf("%s.%s.%s.tracker", base, kind, suffix)
	if len(name) > maxNameLen {
		// Drop the readable prefix before touching the hash.
		name = fmt.Sprintf("%s.%s.tracker", kind, suffix)
	}
	return filepath.Join(dir, name)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// Save writes the state atomically to its tracker file.
func Save(dir string, st *State) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create tracker directory %s: %w", dir, err)
	}

	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tracker state: %w", err)
	}

	path := Path(dir, st.Destination, st.Kind)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write tracker temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}

// Load reads the tracker state for a destination. Returns ErrNoTracker when
// none exists.
func Load(dir, destination string, kind Kind) (*State, error) {
	path := Path(dir, destination, kind)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoTracker
		}
		return nil, fmt.Errorf("read tracker file %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse tracker file %s: %w", path, err)
	}
	return &st, nil
}

// DeleteIfPresent removes a tracker file, tolerating its absence.
func DeleteIfPresent(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete tracker file %s: %w", path, err)
	}
	return nil
}
