// Package event defines the change notifications exchanged between the
// workspace, the filesystem watcher and the subscribers of the sync bus.
//
// Change is a closed set: Created, Updated, Deleted and Renamed are its only
// implementations, so a type switch over them is exhaustive.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// OriginExternal marks changes detected on disk rather than made by a
// subscriber.
const OriginExternal = ""

type Kind int

const (
	KindCreated Kind = iota
	KindUpdated
	KindDeleted
	KindRenamed
)

func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	case KindDeleted:
		return "deleted"
	case KindRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one observed mutation inside a project.
type Change interface {
	Kind() Kind
	// Paths returns the project-relative paths touched by the change.
	Paths() []string
	sealed()
}

// Created reports a file that did not exist before.
// Content is empty when Excluded is set.
type Created struct {
	Path     string
	Content  string
	Size     int64
	Excluded bool
}

// Updated reports new content for an existing file.
type Updated struct {
	Path     string
	Content  string
	Size     int64
	Excluded bool
}

// Deleted reports a removed file or directory.
type Deleted struct {
	Path string
}

// Renamed reports a move within one project.
type Renamed struct {
	OldPath string
	NewPath string
}

func (Created) Kind() Kind { return KindCreated }
func (Updated) Kind() Kind { return KindUpdated }
func (Deleted) Kind() Kind { return KindDeleted }
func (Renamed) Kind() Kind { return KindRenamed }

func (c Created) Paths() []string { return []string{c.Path} }
func (c Updated) Paths() []string { return []string{c.Path} }
func (c Deleted) Paths() []string { return []string{c.Path} }
func (c Renamed) Paths() []string { return []string{c.OldPath, c.NewPath} }

func (Created) sealed() {}
func (Updated) sealed() {}
func (Deleted) sealed() {}
func (Renamed) sealed() {}

// Event is an immutable fact about one change.
type Event struct {
	Project string
	Origin  string
	Time    time.Time
	// Seq is assigned by the bus at publication, starting at 1.
	Seq    uint64
	Change Change
}

// External reports whether the change was detected on disk.
func (e Event) External() bool {
	return e.Origin == OriginExternal
}

func (e Event) String() string {
	if e.Change == nil {
		return fmt.Sprintf("%s: <empty>", e.Project)
	}
	return fmt.Sprintf("%s %s:%v (origin=%q)", e.Change.Kind(), e.Project, e.Change.Paths(), e.Origin)
}

// wireEvent is the JSON shape sent to clients.
type wireEvent struct {
	Kind      string `json:"kind"`
	Project   string `json:"project"`
	Origin    string `json:"origin"`
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path,omitempty"`
	OldPath   string `json:"old_path,omitempty"`
	NewPath   string `json:"new_path,omitempty"`
	Content   string `json:"content,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Excluded  bool   `json:"excluded,omitempty"`
}

// MarshalJSON flattens the change into a single tagged object.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Project:   e.Project,
		Origin:    e.Origin,
		Seq:       e.Seq,
		Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
	}

	switch c := e.Change.(type) {
	case Created:
		w.Kind, w.Path, w.Content, w.Size, w.Excluded = KindCreated.String(), c.Path, c.Content, c.Size, c.Excluded
	case Updated:
		w.Kind, w.Path, w.Content, w.Size, w.Excluded = KindUpdated.String(), c.Path, c.Content, c.Size, c.Excluded
	case Deleted:
		w.Kind, w.Path = KindDeleted.String(), c.Path
	case Renamed:
		w.Kind, w.OldPath, w.NewPath = KindRenamed.String(), c.OldPath, c.NewPath
	default:
		return nil, fmt.Errorf("event has no change")
	}

	return json.Marshal(w)
}
