// Package transfer moves task trees between partitions and to and from
// snapshot files.
//
// A snapshot file holds one tree keyed by string ids: stable ids for a
// collaboration, decimal local ids for the private tree. It can be written
// as JSON, YAML or TOML.
package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/treetodo/treetodo/internal/task"
)

// Version is the current snapshot file format version.
const Version = 1

// rootKey is the parent id of top-level entries in both partitions.
const rootKey = string(task.RootStable)

// Format is a snapshot file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported snapshot extension %q (want .json, .yaml or .toml)", filepath.Ext(path))
	}
}

// Snapshot is the file representation of a task tree.
type Snapshot struct {
	Version       int       `json:"version" yaml:"version" toml:"version"`
	Collaboration string    `json:"collaboration,omitempty" yaml:"collaboration,omitempty" toml:"collaboration,omitempty"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp" toml:"timestamp"`
	Tasks         []Entry   `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// Entry is one task of a snapshot.
type Entry struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Parent      string `json:"parentId" yaml:"parent_id" toml:"parent_id"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Status      string `json:"status" yaml:"status" toml:"status"`
	FlexIndex   int    `json:"flexIndex" yaml:"flex_index" toml:"flex_index"`
}

// FromTasks builds a snapshot of tasks, which must all belong to the same
// partition.
func FromTasks(collaboration string, tasks []*task.Task, at time.Time) *Snapshot {
	s := &Snapshot{
		Version:       Version,
		Collaboration: collaboration,
		Timestamp:     at.UTC(),
		Tasks:         make([]Entry, 0, len(tasks)),
	}
	for _, t := range tasks {
		e := Entry{
			Name:        t.Name,
			Description: t.Description,
			Status:      t.Status.String(),
			FlexIndex:   t.FlexIndex,
		}
		if t.IsCollaborative() {
			e.ID = string(t.StableID)
			e.Parent = string(t.ParentStable)
		} else {
			e.ID = strconv.FormatInt(int64(t.LocalID), 10)
			e.Parent = strconv.FormatInt(int64(t.ParentLocal), 10)
		}
		s.Tasks = append(s.Tasks, e)
	}
	return s
}

// Encode writes the snapshot in the given format.
func (s *Snapshot) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case FormatTOML:
		return toml.NewEncoder(w).Encode(s)
	default:
		return fmt.Errorf("unknown snapshot format %q", format)
	}
}

// Decode reads a snapshot in the given format and checks its shape.
func Decode(r io.Reader, format Format) (*Snapshot, error) {
	var s Snapshot
	var err error
	switch format {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&s)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&s)
	case FormatTOML:
		_, err = toml.NewDecoder(r).Decode(&s)
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s snapshot: %w", format, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the version, that ids are unique, and that every entry is
// reachable from the root.
func (s *Snapshot) Validate() error {
	if s.Version != Version {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	seen := make(map[string]bool, len(s.Tasks))
	for _, e := range s.Tasks {
		if e.ID == "" || e.ID == rootKey {
			return fmt.Errorf("invalid task id %q", e.ID)
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate task id %q", e.ID)
		}
		seen[e.ID] = true
		if _, err := task.ParseStatus(e.Status); err != nil {
			return fmt.Errorf("task %s: %w", e.ID, err)
		}
	}
	if ordered := s.topological(); len(ordered) != len(s.Tasks) {
		return fmt.Errorf("%d tasks are not reachable from the root", len(s.Tasks)-len(ordered))
	}
	return nil
}

// topological returns the entries reachable from the root, parents first.
func (s *Snapshot) topological() []Entry {
	children := make(map[string][]Entry)
	for _, e := range s.Tasks {
		children[e.Parent] = append(children[e.Parent], e)
	}

	var ordered []Entry
	queue := []string{rootKey}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, e := range children[parent] {
			ordered = append(ordered, e)
			queue = append(queue, e.ID)
		}
	}
	return ordered
}

// WriteFile writes the snapshot to path, choosing the format by extension.
func WriteFile(path string, s *Snapshot) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := s.Encode(&buf, format); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// ReadFile reads a snapshot from path, choosing the format by extension.
func ReadFile(path string) (*Snapshot, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return Decode(f, format)
}
