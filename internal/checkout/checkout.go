// Package checkout materializes a stored artifact subtree onto the host
// filesystem, inverting checkin: directories, files with their executable
// bits, and symlinks are written back, and graph pointers are followed
// transparently.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cairnstore/cairn/internal/artifact"
	"github.com/cairnstore/cairn/internal/cachestore"
	"github.com/cairnstore/cairn/internal/ids"
)

// Errors surfaced by the pipeline.
var (
	ErrNotFound     = errors.New("artifact not found")
	ErrTargetExists = errors.New("target path exists")
)

// graphCacheSize bounds the decoded-graph cache. Graphs are immutable, so
// stale entries cannot exist.
const graphCacheSize = 128

// Pipeline materializes artifacts from the cache store.
type Pipeline struct {
	Cache  *cachestore.Store
	Logger *slog.Logger

	graphs *lru.Cache[string, *artifact.Graph]
}

// NewPipeline creates a Pipeline.
func NewPipeline(cache *cachestore.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	graphs, err := lru.New[string, *artifact.Graph](graphCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Pipeline{Cache: cache, Logger: logger, graphs: graphs}
}

// CheckOut writes the artifact subtree rooted at id to target. Without
// force an existing target is an error; with force it is replaced.
func (p *Pipeline) CheckOut(ctx context.Context, id ids.ID, target string, force bool) error {
	if _, err := os.Lstat(target); err == nil {
		if !force {
			return fmt.Errorf("%w: %s", ErrTargetExists, target)
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("remove target: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat target: %w", err)
	}

	node, ref, err := p.resolve(id)
	if err != nil {
		return err
	}
	m := &materializer{pipeline: p, onPath: make(map[string]bool)}
	return m.write(ctx, node, ref, target)
}

// graphRef carries the enclosing graph while materializing a member node,
// so local edges can be followed.
type graphRef struct {
	id    ids.ID
	graph *artifact.Graph
}

// resolve loads an artifact by ID, following a member form through its
// graph.
func (p *Pipeline) resolve(id ids.ID) (artifact.Node, *graphRef, error) {
	raw, err := p.Cache.GetNode(id)
	if err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			return artifact.Node{}, nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return artifact.Node{}, nil, err
	}
	obj, err := artifact.DecodeObject(id.Kind(), raw)
	if err != nil {
		return artifact.Node{}, nil, err
	}
	if !obj.Member {
		return *obj.Node, nil, nil
	}

	graph, err := p.loadGraph(*obj.Graph)
	if err != nil {
		return artifact.Node{}, nil, err
	}
	node, err := graph.Get(obj.Index)
	if err != nil {
		return artifact.Node{}, nil, fmt.Errorf("%s: %w", id, err)
	}
	return node, &graphRef{id: *obj.Graph, graph: graph}, nil
}

func (p *Pipeline) loadGraph(id ids.ID) (*artifact.Graph, error) {
	if graph, ok := p.graphs.Get(id.String()); ok {
		return graph, nil
	}
	raw, err := p.Cache.GetNode(id)
	if err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	graph, err := artifact.DecodeGraph(raw)
	if err != nil {
		return nil, err
	}
	p.graphs.Add(id.String(), graph)
	return graph, nil
}

// resolveEdge follows one edge from a node in the given graph context.
func (p *Pipeline) resolveEdge(ref *graphRef, edge artifact.Edge) (artifact.Node, *graphRef, error) {
	switch {
	case edge.External != nil:
		return p.resolve(*edge.External)
	case edge.Local != nil:
		if ref == nil {
			return artifact.Node{}, nil, fmt.Errorf("%w: local edge outside a graph", artifact.ErrInvalidPointer)
		}
		node, err := ref.graph.Get(*edge.Local)
		if err != nil {
			return artifact.Node{}, nil, err
		}
		return node, ref, nil
	case edge.Cross != nil:
		graph, err := p.loadGraph(edge.Cross.Graph)
		if err != nil {
			return artifact.Node{}, nil, err
		}
		node, err := graph.Get(edge.Cross.Index)
		if err != nil {
			return artifact.Node{}, nil, err
		}
		return node, &graphRef{id: edge.Cross.Graph, graph: graph}, nil
	default:
		return artifact.Node{}, nil, fmt.Errorf("%w: empty edge", artifact.ErrInvalidPointer)
	}
}

type materializer struct {
	pipeline *Pipeline
	// onPath guards against a malformed directory cycle: a directory node
	// may appear once on the current recursion path.
	onPath map[string]bool
}

func (m *materializer) write(ctx context.Context, node artifact.Node, ref *graphRef, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch node.Kind {
	case ids.KindDirectory:
		// Graphs are decoded once and cached, so a directory body is one
		// allocation; revisiting it on the recursion path is a cycle that
		// no symlink interrupts.
		key := fmt.Sprintf("%p", node.Directory)
		if m.onPath[key] {
			return fmt.Errorf("%w: directory cycle without a symlink", artifact.ErrInvalidPointer)
		}
		m.onPath[key] = true
		defer delete(m.onPath, key)

		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", target, err)
		}
		for _, entry := range node.Directory.Entries {
			if err := validateEntryName(entry.Name); err != nil {
				return err
			}
			child, childRef, err := m.pipeline.resolveEdge(ref, entry.Edge)
			if err != nil {
				return err
			}
			if err := m.write(ctx, child, childRef, filepath.Join(target, entry.Name)); err != nil {
				return err
			}
		}
		return nil

	case ids.KindFile:
		payload, err := m.pipeline.Cache.GetPayload(node.File.Contents)
		if err != nil {
			if errors.Is(err, cachestore.ErrNotFound) {
				return fmt.Errorf("%s: %w", node.File.Contents, ErrNotFound)
			}
			return err
		}
		mode := os.FileMode(0644)
		if node.File.Executable {
			mode = 0755
		}
		if err := os.WriteFile(target, payload, mode); err != nil {
			return fmt.Errorf("write file %s: %w", target, err)
		}
		return nil

	case ids.KindSymlink:
		if node.Symlink.Path == "" {
			return fmt.Errorf("symlink at %s has no path to materialize", target)
		}
		if err := os.Symlink(node.Symlink.Path, target); err != nil {
			return fmt.Errorf("write symlink %s: %w", target, err)
		}
		return nil

	default:
		return fmt.Errorf("cannot materialize a %s node", node.Kind)
	}
}

func validateEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("invalid path component %q", name)
	}
	return nil
}
