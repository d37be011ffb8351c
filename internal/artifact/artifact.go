// Package artifact implements the in-memory graph model for content-addressed
// artifact nodes.
//
// The model has three artifact kinds:
// - Directory: sorted name -> edge entries
// - File: blob contents, executable bit, reference -> dependency entries
// - Symlink: optional artifact target and/or relative path
//
// Nodes that reference each other cyclically live inside a Graph: an ordered
// arena of nodes whose edges are indices. Edges leaving a graph carry a
// concrete artifact ID, so ownership outside a graph is always acyclic.
//
// Canonical encodings and ID derivation live in codec.go. All hashing uses
// BLAKE3-256 via the ids package.
package artifact

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cairnstore/cairn/internal/ids"
)

// Errors shared by the model and the codec.
var (
	ErrInvalidNode    = errors.New("invalid node")
	ErrInvalidPointer = errors.New("invalid graph pointer")
)

// CrossEdge points at a node inside another graph.
type CrossEdge struct {
	Graph ids.ID   // ID of the target graph
	Index int      // index of the node within the target graph
	Kind  ids.Kind // kind of the target node
}

// Edge references another artifact. Exactly one of the three forms is
// populated:
//
//   - External: a concrete artifact ID outside any graph
//   - Local: an index into the enclosing graph
//   - Cross: a {graph, index, kind} pointer into another graph
type Edge struct {
	External *ids.ID
	Local    *int
	Cross    *CrossEdge
}

// ExternalEdge returns an edge carrying a concrete artifact ID.
func ExternalEdge(id ids.ID) Edge { return Edge{External: &id} }

// LocalEdge returns an edge pointing at index within the enclosing graph.
func LocalEdge(index int) Edge { return Edge{Local: &index} }

// CrossGraphEdge returns an edge pointing into another graph.
func CrossGraphEdge(graph ids.ID, index int, kind ids.Kind) Edge {
	return Edge{Cross: &CrossEdge{Graph: graph, Index: index, Kind: kind}}
}

func (e Edge) validate() error {
	n := 0
	if e.External != nil {
		n++
	}
	if e.Local != nil {
		n++
	}
	if e.Cross != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: edge must have exactly one form, has %d", ErrInvalidNode, n)
	}
	if e.Local != nil && *e.Local < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidPointer, *e.Local)
	}
	if e.Cross != nil {
		if e.Cross.Index < 0 {
			return fmt.Errorf("%w: negative index %d", ErrInvalidPointer, e.Cross.Index)
		}
		if !e.Cross.Kind.IsArtifact() {
			return fmt.Errorf("%w: kind missing", ErrInvalidPointer)
		}
	}
	return nil
}

// DirEntry is a single named entry in a directory.
type DirEntry struct {
	Name string // unique within the directory
	Edge Edge
}

// Directory is an ordered mapping from name to edge. Entries are kept in
// codepoint-sorted name order for canonical encoding.
type Directory struct {
	Entries []DirEntry
}

// SortEntries sorts the entries by name.
func (d *Directory) SortEntries() {
	sort.Slice(d.Entries, func(i, j int) bool { return d.Entries[i].Name < d.Entries[j].Name })
}

// FindEntry finds an entry by name.
func (d *Directory) FindEntry(name string) (DirEntry, bool) {
	for _, entry := range d.Entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return DirEntry{}, false
}

func (d *Directory) validate() error {
	for i, entry := range d.Entries {
		if err := validateName(entry.Name); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if i > 0 && entry.Name <= d.Entries[i-1].Name {
			return fmt.Errorf("%w: entries not sorted: %q then %q",
				ErrInvalidNode, d.Entries[i-1].Name, entry.Name)
		}
		if err := entry.Edge.validate(); err != nil {
			return fmt.Errorf("entry %q: %w", entry.Name, err)
		}
	}
	return nil
}

// Dependency is the referent of a file's reference string. The target and
// every metadata field are optional.
type Dependency struct {
	Artifact *Edge
	ID       *ids.ID
	Name     string
	Path     string
	Tag      string
}

// FileDependency pairs a reference string with its dependency.
type FileDependency struct {
	Reference  string
	Dependency Dependency
}

// File owns a blob, an executable bit, and a sorted reference -> dependency
// mapping.
type File struct {
	Contents     ids.ID // blob ID
	Executable   bool
	Dependencies []FileDependency
}

// SortDependencies sorts the dependency entries by reference string.
func (f *File) SortDependencies() {
	sort.Slice(f.Dependencies, func(i, j int) bool {
		return f.Dependencies[i].Reference < f.Dependencies[j].Reference
	})
}

func (f *File) validate() error {
	if f.Contents.Kind() != ids.KindBlob {
		return fmt.Errorf("%w: file contents must be a blob, got %s", ErrInvalidNode, f.Contents.Kind())
	}
	for i, dep := range f.Dependencies {
		if dep.Reference == "" {
			return fmt.Errorf("%w: empty reference string", ErrInvalidNode)
		}
		if i > 0 && dep.Reference <= f.Dependencies[i-1].Reference {
			return fmt.Errorf("%w: dependencies not sorted: %q then %q",
				ErrInvalidNode, f.Dependencies[i-1].Reference, dep.Reference)
		}
		if dep.Dependency.Artifact != nil {
			if err := dep.Dependency.Artifact.validate(); err != nil {
				return fmt.Errorf("dependency %q: %w", dep.Reference, err)
			}
		}
	}
	return nil
}

// Symlink has an optional artifact target and an optional relative path.
// Either or both may be present.
type Symlink struct {
	Artifact *Edge
	Path     string
}

func (s *Symlink) validate() error {
	if s.Artifact == nil && s.Path == "" {
		return fmt.Errorf("%w: symlink needs an artifact or a path", ErrInvalidNode)
	}
	if s.Artifact != nil {
		if err := s.Artifact.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Node is one artifact node: a kind plus the matching body.
type Node struct {
	Kind      ids.Kind
	Directory *Directory
	File      *File
	Symlink   *Symlink
}

// DirectoryNode wraps a Directory body in a Node.
func DirectoryNode(d *Directory) Node { return Node{Kind: ids.KindDirectory, Directory: d} }

// FileNode wraps a File body in a Node.
func FileNode(f *File) Node { return Node{Kind: ids.KindFile, File: f} }

// SymlinkNode wraps a Symlink body in a Node.
func SymlinkNode(s *Symlink) Node { return Node{Kind: ids.KindSymlink, Symlink: s} }

func (n *Node) validate() error {
	switch n.Kind {
	case ids.KindDirectory:
		if n.Directory == nil {
			return fmt.Errorf("%w: directory node without body", ErrInvalidNode)
		}
		return n.Directory.validate()
	case ids.KindFile:
		if n.File == nil {
			return fmt.Errorf("%w: file node without body", ErrInvalidNode)
		}
		return n.File.validate()
	case ids.KindSymlink:
		if n.Symlink == nil {
			return fmt.Errorf("%w: symlink node without body", ErrInvalidNode)
		}
		return n.Symlink.validate()
	default:
		return fmt.Errorf("%w: kind %s is not an artifact kind", ErrInvalidNode, n.Kind)
	}
}

// edges returns every edge leaving the node body, in canonical order.
func (n *Node) edges() []Edge {
	var out []Edge
	switch n.Kind {
	case ids.KindDirectory:
		for _, entry := range n.Directory.Entries {
			out = append(out, entry.Edge)
		}
	case ids.KindFile:
		for _, dep := range n.File.Dependencies {
			if dep.Dependency.Artifact != nil {
				out = append(out, *dep.Dependency.Artifact)
			}
		}
	case ids.KindSymlink:
		if n.Symlink.Artifact != nil {
			out = append(out, *n.Symlink.Artifact)
		}
	}
	return out
}

// Graph is an ordered arena of artifact nodes that may reference each other
// cyclically through local edges.
type Graph struct {
	Nodes []Node
}

// Get returns the node at index.
func (g *Graph) Get(index int) (Node, error) {
	if index < 0 || index >= len(g.Nodes) {
		return Node{}, fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidPointer, index, len(g.Nodes))
	}
	return g.Nodes[index], nil
}

func (g *Graph) validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("%w: empty graph", ErrInvalidNode)
	}
	for i := range g.Nodes {
		node := &g.Nodes[i]
		if err := node.validate(); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		for _, edge := range node.edges() {
			if edge.Local != nil && *edge.Local >= len(g.Nodes) {
				return fmt.Errorf("%w: node %d: index %d out of range [0, %d)",
					ErrInvalidPointer, i, *edge.Local, len(g.Nodes))
			}
		}
	}
	return nil
}

// validateName checks a directory entry name: non-empty, not "." or "..",
// no path separator.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidNode)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: name %q", ErrInvalidNode, name)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: name %q contains path separator", ErrInvalidNode, name)
	}
	return nil
}
