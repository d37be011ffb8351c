package artifact

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cairnstore/cairn/internal/ids"
)

// Canonical encodings.
//
// Everything is written with uvarint lengths and counts; maps are emitted in
// codepoint-sorted key order; optional fields are guarded by presence bits so
// absent-when-default fields never perturb the form.
//
// Edge:
//   0x00 | str(artifact id)                      external
//   0x01 | uvarint(index)                        local (self-graph, graph id omitted)
//   0x02 | str(graph id) | uvarint(index) | kind cross-graph
//
// Directory body:
//   uvarint(entryCount) then per entry, sorted by name:
//     str(name) | edge
//
// File body:
//   uvarint(flags)   bit 0: executable
//   str(contents blob id)
//   uvarint(depCount) then per dependency, sorted by reference:
//     str(reference) | presence byte | present fields in bit order
//     bits: 0 artifact edge, 1 id, 2 name, 3 path, 4 tag
//
// Symlink body:
//   presence byte    bit 0: artifact edge, bit 1: path
//   present fields in bit order
//
// Graph:
//   uvarint(nodeCount) then per node:
//     kind byte | uvarint(len(body)) | body
//
// Node object form (the bytes an artifact ID is derived from):
//   0x00 | body                                  standalone
//   0x01 | str(graph id) | uvarint(index)        graph member
//
// Blob object form: the raw payload bytes.

const (
	edgeExternal = 0x00
	edgeLocal    = 0x01
	edgeCross    = 0x02

	formStandalone = 0x00
	formMember     = 0x01
)

const (
	fileFlagExecutable = 1 << 0

	depBitArtifact = 1 << 0
	depBitID       = 1 << 1
	depBitName     = 1 << 2
	depBitPath     = 1 << 3
	depBitTag      = 1 << 4

	symBitArtifact = 1 << 0
	symBitPath     = 1 << 1
)

type encoder struct {
	buf    bytes.Buffer
	lenBuf [binary.MaxVarintLen64]byte
}

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.lenBuf[:], v)
	e.buf.Write(e.lenBuf[:n])
}

func (e *encoder) str(s string) {
	e.uvarint(uint64(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) byte(b byte) {
	e.buf.WriteByte(b)
}

func (e *encoder) edge(edge Edge) {
	switch {
	case edge.External != nil:
		e.byte(edgeExternal)
		e.str(edge.External.String())
	case edge.Local != nil:
		e.byte(edgeLocal)
		e.uvarint(uint64(*edge.Local))
	case edge.Cross != nil:
		e.byte(edgeCross)
		e.str(edge.Cross.Graph.String())
		e.uvarint(uint64(edge.Cross.Index))
		e.byte(byte(edge.Cross.Kind))
	}
}

// EncodeBody returns the canonical bytes of a node body. The node is
// validated first; the caller is expected to have sorted entries and
// dependencies.
func EncodeBody(node Node) ([]byte, error) {
	if err := node.validate(); err != nil {
		return nil, err
	}
	var e encoder
	switch node.Kind {
	case ids.KindDirectory:
		e.uvarint(uint64(len(node.Directory.Entries)))
		for _, entry := range node.Directory.Entries {
			e.str(entry.Name)
			e.edge(entry.Edge)
		}
	case ids.KindFile:
		var flags uint64
		if node.File.Executable {
			flags |= fileFlagExecutable
		}
		e.uvarint(flags)
		e.str(node.File.Contents.String())
		e.uvarint(uint64(len(node.File.Dependencies)))
		for _, dep := range node.File.Dependencies {
			e.str(dep.Reference)
			var bits byte
			d := dep.Dependency
			if d.Artifact != nil {
				bits |= depBitArtifact
			}
			if d.ID != nil {
				bits |= depBitID
			}
			if d.Name != "" {
				bits |= depBitName
			}
			if d.Path != "" {
				bits |= depBitPath
			}
			if d.Tag != "" {
				bits |= depBitTag
			}
			e.byte(bits)
			if d.Artifact != nil {
				e.edge(*d.Artifact)
			}
			if d.ID != nil {
				e.str(d.ID.String())
			}
			if d.Name != "" {
				e.str(d.Name)
			}
			if d.Path != "" {
				e.str(d.Path)
			}
			if d.Tag != "" {
				e.str(d.Tag)
			}
		}
	case ids.KindSymlink:
		var bits byte
		if node.Symlink.Artifact != nil {
			bits |= symBitArtifact
		}
		if node.Symlink.Path != "" {
			bits |= symBitPath
		}
		e.byte(bits)
		if node.Symlink.Artifact != nil {
			e.edge(*node.Symlink.Artifact)
		}
		if node.Symlink.Path != "" {
			e.str(node.Symlink.Path)
		}
	}
	return e.buf.Bytes(), nil
}

// EncodeGraph returns the canonical bytes of a graph.
func EncodeGraph(g *Graph) ([]byte, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	var e encoder
	e.uvarint(uint64(len(g.Nodes)))
	for i := range g.Nodes {
		body, err := EncodeBody(g.Nodes[i])
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		e.byte(byte(g.Nodes[i].Kind))
		e.uvarint(uint64(len(body)))
		e.buf.Write(body)
	}
	return e.buf.Bytes(), nil
}

// GraphID derives the ID of a graph from its canonical bytes.
func GraphID(g *Graph) (ids.ID, []byte, error) {
	canonical, err := EncodeGraph(g)
	if err != nil {
		return ids.ID{}, nil, err
	}
	return ids.Sum(ids.KindGraph, canonical), canonical, nil
}

// EncodeStandalone returns the object form of a node that lives outside any
// graph. Local and cross edges are rejected: outside a graph every edge must
// carry a concrete artifact ID.
func EncodeStandalone(node Node) ([]byte, error) {
	for _, edge := range node.edges() {
		if edge.Local != nil {
			return nil, fmt.Errorf("%w: local edge outside a graph", ErrInvalidPointer)
		}
		if edge.Cross != nil {
			return nil, fmt.Errorf("%w: cross-graph edge outside a graph", ErrInvalidPointer)
		}
	}
	body, err := EncodeBody(node)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, formStandalone)
	return append(out, body...), nil
}

// StandaloneID derives the ID of a standalone node.
func StandaloneID(node Node) (ids.ID, []byte, error) {
	canonical, err := EncodeStandalone(node)
	if err != nil {
		return ids.ID{}, nil, err
	}
	return ids.Sum(node.Kind, canonical), canonical, nil
}

// EncodeMember returns the object form of a graph member: a reference to the
// graph and the node's index within it.
func EncodeMember(graph ids.ID, index int) []byte {
	var e encoder
	e.byte(formMember)
	e.str(graph.String())
	e.uvarint(uint64(index))
	return e.buf.Bytes()
}

// MemberID derives the ID of the node at index within a graph.
func MemberID(kind ids.Kind, graph ids.ID, index int) (ids.ID, []byte) {
	canonical := EncodeMember(graph, index)
	return ids.Sum(kind, canonical), canonical
}

// BlobID derives the ID of a blob from its payload bytes.
func BlobID(payload []byte) ids.ID {
	return ids.Sum(ids.KindBlob, payload)
}

type decoder struct {
	r *bytes.Reader
}

func (d *decoder) uvarint() (uint64, error) {
	return binary.ReadUvarint(d.r)
}

func (d *decoder) byte() (byte, error) {
	return d.r.ReadByte()
}

func (d *decoder) str() (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(d.r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

func (d *decoder) id() (ids.ID, error) {
	s, err := d.str()
	if err != nil {
		return ids.ID{}, err
	}
	return ids.Parse(s)
}

func (d *decoder) edge() (Edge, error) {
	tag, err := d.byte()
	if err != nil {
		return Edge{}, err
	}
	switch tag {
	case edgeExternal:
		id, err := d.id()
		if err != nil {
			return Edge{}, err
		}
		return ExternalEdge(id), nil
	case edgeLocal:
		index, err := d.uvarint()
		if err != nil {
			return Edge{}, err
		}
		return LocalEdge(int(index)), nil
	case edgeCross:
		graph, err := d.id()
		if err != nil {
			return Edge{}, err
		}
		index, err := d.uvarint()
		if err != nil {
			return Edge{}, err
		}
		kindByte, err := d.byte()
		if err != nil {
			return Edge{}, err
		}
		kind := ids.Kind(kindByte)
		if !kind.IsArtifact() {
			return Edge{}, fmt.Errorf("%w: kind %d", ErrInvalidPointer, kindByte)
		}
		return CrossGraphEdge(graph, int(index), kind), nil
	default:
		return Edge{}, fmt.Errorf("%w: unknown edge tag %d", ErrInvalidNode, tag)
	}
}

// DecodeBody decodes a node body of the given kind.
func DecodeBody(kind ids.Kind, raw []byte) (Node, error) {
	d := decoder{r: bytes.NewReader(raw)}
	node, err := d.body(kind)
	if err != nil {
		return Node{}, fmt.Errorf("decode %s body: %w", kind, err)
	}
	return node, nil
}

func (d *decoder) body(kind ids.Kind) (Node, error) {
	switch kind {
	case ids.KindDirectory:
		count, err := d.uvarint()
		if err != nil {
			return Node{}, err
		}
		dir := &Directory{}
		for i := uint64(0); i < count; i++ {
			name, err := d.str()
			if err != nil {
				return Node{}, err
			}
			edge, err := d.edge()
			if err != nil {
				return Node{}, err
			}
			dir.Entries = append(dir.Entries, DirEntry{Name: name, Edge: edge})
		}
		return DirectoryNode(dir), nil
	case ids.KindFile:
		flags, err := d.uvarint()
		if err != nil {
			return Node{}, err
		}
		contents, err := d.id()
		if err != nil {
			return Node{}, err
		}
		file := &File{Contents: contents, Executable: flags&fileFlagExecutable != 0}
		count, err := d.uvarint()
		if err != nil {
			return Node{}, err
		}
		for i := uint64(0); i < count; i++ {
			reference, err := d.str()
			if err != nil {
				return Node{}, err
			}
			bits, err := d.byte()
			if err != nil {
				return Node{}, err
			}
			var dep Dependency
			if bits&depBitArtifact != 0 {
				edge, err := d.edge()
				if err != nil {
					return Node{}, err
				}
				dep.Artifact = &edge
			}
			if bits&depBitID != 0 {
				id, err := d.id()
				if err != nil {
					return Node{}, err
				}
				dep.ID = &id
			}
			if bits&depBitName != 0 {
				if dep.Name, err = d.str(); err != nil {
					return Node{}, err
				}
			}
			if bits&depBitPath != 0 {
				if dep.Path, err = d.str(); err != nil {
					return Node{}, err
				}
			}
			if bits&depBitTag != 0 {
				if dep.Tag, err = d.str(); err != nil {
					return Node{}, err
				}
			}
			file.Dependencies = append(file.Dependencies, FileDependency{Reference: reference, Dependency: dep})
		}
		return FileNode(file), nil
	case ids.KindSymlink:
		bits, err := d.byte()
		if err != nil {
			return Node{}, err
		}
		sym := &Symlink{}
		if bits&symBitArtifact != 0 {
			edge, err := d.edge()
			if err != nil {
				return Node{}, err
			}
			sym.Artifact = &edge
		}
		if bits&symBitPath != 0 {
			if sym.Path, err = d.str(); err != nil {
				return Node{}, err
			}
		}
		return SymlinkNode(sym), nil
	default:
		return Node{}, fmt.Errorf("%w: kind %s", ErrInvalidNode, kind)
	}
}

// DecodeGraph decodes a graph's canonical bytes.
func DecodeGraph(raw []byte) (*Graph, error) {
	d := decoder{r: bytes.NewReader(raw)}
	count, err := d.uvarint()
	if err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	g := &Graph{}
	for i := uint64(0); i < count; i++ {
		kindByte, err := d.byte()
		if err != nil {
			return nil, fmt.Errorf("decode graph node %d: %w", i, err)
		}
		n, err := d.uvarint()
		if err != nil {
			return nil, fmt.Errorf("decode graph node %d: %w", i, err)
		}
		if n > uint64(d.r.Len()) {
			return nil, fmt.Errorf("decode graph node %d: %w", i, io.ErrUnexpectedEOF)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(d.r, body); err != nil {
			return nil, fmt.Errorf("decode graph node %d: %w", i, err)
		}
		node, err := DecodeBody(ids.Kind(kindByte), body)
		if err != nil {
			return nil, fmt.Errorf("decode graph node %d: %w", i, err)
		}
		g.Nodes = append(g.Nodes, node)
	}
	return g, nil
}

// Object is a decoded object form: either a standalone node or a member
// reference into a graph.
type Object struct {
	Node   *Node   // standalone form
	Graph  *ids.ID // member form: the enclosing graph
	Index  int     // member form: node index within Graph
	Member bool
}

// DecodeObject decodes an object form produced by EncodeStandalone or
// EncodeMember.
func DecodeObject(kind ids.Kind, raw []byte) (Object, error) {
	d := decoder{r: bytes.NewReader(raw)}
	form, err := d.byte()
	if err != nil {
		return Object{}, fmt.Errorf("decode object: %w", err)
	}
	switch form {
	case formStandalone:
		rest := make([]byte, d.r.Len())
		if _, err := io.ReadFull(d.r, rest); err != nil {
			return Object{}, fmt.Errorf("decode object: %w", err)
		}
		node, err := DecodeBody(kind, rest)
		if err != nil {
			return Object{}, err
		}
		return Object{Node: &node}, nil
	case formMember:
		graph, err := d.id()
		if err != nil {
			return Object{}, fmt.Errorf("decode object: %w", err)
		}
		index, err := d.uvarint()
		if err != nil {
			return Object{}, fmt.Errorf("decode object: %w", err)
		}
		return Object{Graph: &graph, Index: int(index), Member: true}, nil
	default:
		return Object{}, fmt.Errorf("%w: unknown object form %d", ErrInvalidNode, form)
	}
}

// Children returns the immediate referent IDs of a node's canonical form:
// dependency targets and IDs, entry and symlink targets. A file's contents
// blob is not a child; it is reachable through the object's cache entry.
// Order follows the canonical form; duplicates are preserved for the caller
// to collapse.
func Children(node Node) []ids.ID {
	var out []ids.ID
	appendEdge := func(e Edge) {
		if e.External != nil {
			out = append(out, *e.External)
		}
		if e.Cross != nil {
			out = append(out, e.Cross.Graph)
		}
	}
	switch node.Kind {
	case ids.KindDirectory:
		for _, entry := range node.Directory.Entries {
			appendEdge(entry.Edge)
		}
	case ids.KindFile:
		for _, dep := range node.File.Dependencies {
			if dep.Dependency.Artifact != nil {
				appendEdge(*dep.Dependency.Artifact)
			}
			if dep.Dependency.ID != nil {
				out = append(out, *dep.Dependency.ID)
			}
		}
	case ids.KindSymlink:
		if node.Symlink.Artifact != nil {
			appendEdge(*node.Symlink.Artifact)
		}
	}
	return out
}

// GraphChildren returns the immediate referent IDs of a graph's canonical
// form: every external ID and cross-graph target reachable from its node
// bodies.
func GraphChildren(g *Graph) []ids.ID {
	var out []ids.ID
	for i := range g.Nodes {
		out = append(out, Children(g.Nodes[i])...)
	}
	return out
}
