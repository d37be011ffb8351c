// Package checkin converts a host filesystem tree into a content-addressed
// artifact graph and ingests it into the index.
//
// The pipeline runs in phases:
//   - scan: walk the input, coalescing hard links by inode and recording
//     symlink targets without following them
//   - resolve: bind symlink targets and module import references to scanned
//     nodes, the lockfile, or the tag registry
//   - bundle: detect strongly-connected regions with Tarjan; each cycle
//     becomes one graph, acyclic nodes stay standalone
//   - emit: compute IDs bottom-up, write node bytes and payloads to the
//     cache store, and ingest one message batch
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cairnstore/cairn/internal/artifact"
	"github.com/cairnstore/cairn/internal/cachestore"
	"github.com/cairnstore/cairn/internal/ids"
	"github.com/cairnstore/cairn/internal/index"
)

// Errors surfaced by the pipeline.
var (
	ErrInvalidPathComponent = errors.New("invalid path component")
	ErrExternalPath         = errors.New("symlink target escapes the input root")
	ErrCycleUnresolvable    = errors.New("cycle spans mutually exclusive roots")
)

// LockfileName is the single lockfile the pipeline maintains at the root of
// a package.
const LockfileName = "tangram.lock"

// moduleFile matches files whose import references participate in package
// locking.
func moduleFile(name string) bool {
	return name == "tangram.ts" || strings.HasSuffix(name, ".tg.ts")
}

var importPattern = regexp.MustCompile(`import\s+(?:[^"']*\s+from\s+)?["']([^"']+)["']`)

// Options configures one check-in.
type Options struct {
	// Force is not read by the pipeline: every check-in ingests all of its
	// nodes, whether or not the index already has them.
	Force bool
	// Concurrency bounds parallel payload writes. Zero means GOMAXPROCS.
	Concurrency int
}

// Pipeline wires the check-in phases to their stores.
type Pipeline struct {
	Cache  *cachestore.Store
	Index  *index.Store
	Logger *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cache *cachestore.Store, idx *index.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Cache: cache, Index: idx, Logger: logger}
}

// CheckIn ingests the tree rooted at root and returns the root artifact ID.
func (p *Pipeline) CheckIn(ctx context.Context, root string, opts Options) (ids.ID, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return ids.ID{}, fmt.Errorf("resolve root: %w", err)
	}

	s := &scanner{root: root}
	rootIndex, err := s.scan(root, "")
	if err != nil {
		return ids.ID{}, err
	}
	if err := s.resolveSymlinks(); err != nil {
		return ids.ID{}, err
	}
	if err := p.resolveImports(ctx, s); err != nil {
		return ids.ID{}, err
	}
	if err := p.writeLockfile(s, rootIndex); err != nil {
		return ids.ID{}, err
	}

	e := &emitter{pipeline: p, scanner: s, opts: opts}
	rootID, err := e.emit(ctx, rootIndex)
	if err != nil {
		return ids.ID{}, err
	}
	return rootID, nil
}

// scanNode is one filesystem node discovered by the walk.
type scanNode struct {
	path       string // root-relative, "" for the root itself
	kind       ids.Kind
	entries    []scanEntry // directories
	contents   []byte      // files
	executable bool
	deps       []scanDep // files: module import references
	symPath    string    // symlinks: literal target string
	symTarget  int       // symlinks: resolved node index, -1 if external/absolute
}

type scanEntry struct {
	name string
	node int
}

type scanDep struct {
	reference string
	node      int // resolved node index, -1 if not in-tree
	id        *ids.ID
	tag       string
	path      string
}

type scanner struct {
	root    string
	nodes   []scanNode
	byPath  map[string]int // root-relative path -> node index
	inodes  map[inodeKey]int
	symlink []int // indices of symlink nodes awaiting resolution

	lockfile map[string]string // import reference -> id, loaded from the root lockfile
}

// scan walks one node and returns its index. Directory entries are visited
// in sorted name order, so discovery order is deterministic.
func (s *scanner) scan(hostPath, relPath string) (int, error) {
	if s.byPath == nil {
		s.byPath = make(map[string]int)
		s.inodes = make(map[inodeKey]int)
	}

	info, err := os.Lstat(hostPath)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", hostPath, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(hostPath)
		if err != nil {
			return 0, fmt.Errorf("readlink %s: %w", hostPath, err)
		}
		idx := s.add(scanNode{path: relPath, kind: ids.KindSymlink, symPath: target, symTarget: -1})
		s.symlink = append(s.symlink, idx)
		return idx, nil

	case info.IsDir():
		idx := s.add(scanNode{path: relPath, kind: ids.KindDirectory})
		dirEntries, err := os.ReadDir(hostPath)
		if err != nil {
			return 0, fmt.Errorf("read dir %s: %w", hostPath, err)
		}
		for _, entry := range dirEntries {
			name := entry.Name()
			// The root lockfile is pipeline-owned; nested ones are never
			// carried into the artifact.
			if name == LockfileName {
				if relPath == "" {
					if err := s.loadLockfile(filepath.Join(hostPath, name)); err != nil {
						return 0, err
					}
				}
				continue
			}
			childRel := name
			if relPath != "" {
				childRel = relPath + "/" + name
			}
			child, err := s.scan(filepath.Join(hostPath, name), childRel)
			if err != nil {
				return 0, err
			}
			s.nodes[idx].entries = append(s.nodes[idx].entries, scanEntry{name: name, node: child})
		}
		return idx, nil

	case info.Mode().IsRegular():
		if key, ok := inodeOf(info); ok {
			if existing, seen := s.inodes[key]; seen {
				s.byPath[relPath] = existing
				return existing, nil
			}
		}
		contents, err := os.ReadFile(hostPath)
		if err != nil {
			return 0, fmt.Errorf("read file %s: %w", hostPath, err)
		}
		idx := s.add(scanNode{
			path:       relPath,
			kind:       ids.KindFile,
			contents:   contents,
			executable: info.Mode()&0111 != 0,
			symTarget:  -1,
		})
		if key, ok := inodeOf(info); ok {
			s.inodes[key] = idx
		}
		return idx, nil

	default:
		return 0, fmt.Errorf("unsupported file type at %s: %v", hostPath, info.Mode())
	}
}

func (s *scanner) add(node scanNode) int {
	idx := len(s.nodes)
	s.nodes = append(s.nodes, node)
	s.byPath[node.path] = idx
	return idx
}

// resolveSymlinks binds each symlink's target to a scanned node when the
// target stays inside the root. Absolute targets are kept verbatim as
// path-only symlinks; relative targets escaping the root are an error.
func (s *scanner) resolveSymlinks() error {
	for _, idx := range s.symlink {
		node := &s.nodes[idx]
		if path.IsAbs(node.symPath) || filepath.IsAbs(node.symPath) {
			continue
		}
		resolved := path.Join(path.Dir(node.path), node.symPath)
		if resolved == ".." || strings.HasPrefix(resolved, "../") {
			return fmt.Errorf("%w: %s -> %s", ErrExternalPath, node.path, node.symPath)
		}
		if resolved == "." {
			resolved = ""
		}
		if target, ok := s.byPath[resolved]; ok {
			node.symTarget = target
		}
		// A dangling in-tree target stays a plain path symlink.
	}
	return nil
}

// resolveImports scans module files for import references and binds each to
// an in-tree node, a lockfile pin, or a tag-registry lookup.
func (p *Pipeline) resolveImports(ctx context.Context, s *scanner) error {
	for idx := range s.nodes {
		node := &s.nodes[idx]
		if node.kind != ids.KindFile || !moduleFile(path.Base(node.path)) {
			continue
		}
		for _, match := range importPattern.FindAllStringSubmatch(string(node.contents), -1) {
			reference := match[1]
			dep, err := p.resolveImport(ctx, s, node.path, reference)
			if err != nil {
				return err
			}
			if dep != nil {
				node.deps = append(node.deps, *dep)
			}
		}
		sort.Slice(node.deps, func(i, j int) bool { return node.deps[i].reference < node.deps[j].reference })
	}
	return nil
}

func (p *Pipeline) resolveImport(ctx context.Context, s *scanner, fromPath, reference string) (*scanDep, error) {
	switch {
	case strings.HasPrefix(reference, "./") || strings.HasPrefix(reference, "../"):
		resolved := path.Join(path.Dir(fromPath), reference)
		if resolved == ".." || strings.HasPrefix(resolved, "../") {
			return nil, fmt.Errorf("%w: import %q in %s", ErrExternalPath, reference, fromPath)
		}
		target, ok := s.byPath[resolved]
		if !ok {
			return nil, fmt.Errorf("import %q in %s: target %s does not exist", reference, fromPath, resolved)
		}
		return &scanDep{reference: reference, node: target, path: resolved}, nil

	case strings.HasPrefix(reference, "tag:"):
		tag := strings.TrimPrefix(reference, "tag:")
		if pinned, ok := s.lockfile[reference]; ok {
			id, err := ids.Parse(pinned)
			if err != nil {
				return nil, fmt.Errorf("lockfile pin for %q: %w", reference, err)
			}
			return &scanDep{reference: reference, node: -1, id: &id, tag: tag}, nil
		}
		id, err := p.Index.GetTag(ctx, tag)
		if err != nil {
			return nil, fmt.Errorf("resolve import %q: %w", reference, err)
		}
		return &scanDep{reference: reference, node: -1, id: &id, tag: tag}, nil

	default:
		// Bare specifiers outside the tag scheme are not locked.
		return nil, nil
	}
}

func (s *scanner) loadLockfile(hostPath string) error {
	raw, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("read lockfile %s: %w", hostPath, err)
	}
	pins, err := parseLockfile(raw)
	if err != nil {
		return fmt.Errorf("parse lockfile %s: %w", hostPath, err)
	}
	s.lockfile = pins
	return nil
}

// writeLockfile rewrites the root lockfile when any tag references were
// resolved, and grafts it into the root directory node so the lockfile
// round-trips with the artifact. Exactly one lockfile exists, at the root.
func (p *Pipeline) writeLockfile(s *scanner, rootIndex int) error {
	pins := make(map[string]string)
	for _, node := range s.nodes {
		for _, dep := range node.deps {
			if dep.id != nil {
				pins[dep.reference] = dep.id.String()
			}
		}
	}
	if len(pins) == 0 {
		return nil
	}
	if s.nodes[rootIndex].kind != ids.KindDirectory {
		return nil
	}

	raw := renderLockfile(pins)
	hostPath := filepath.Join(s.root, LockfileName)
	if err := os.WriteFile(hostPath, raw, 0644); err != nil {
		return fmt.Errorf("write lockfile: %w", err)
	}

	idx := s.add(scanNode{path: LockfileName, kind: ids.KindFile, contents: raw, symTarget: -1})
	root := &s.nodes[rootIndex]
	root.entries = append(root.entries, scanEntry{name: LockfileName, node: idx})
	return nil
}

// emitter computes IDs bottom-up and accumulates the ingest message.
type emitter struct {
	pipeline *Pipeline
	scanner  *scanner
	opts     Options

	msg      index.Message
	nodeID   map[int]ids.ID // scan node index -> artifact ID
	payloads map[ids.ID][]byte
}

func (e *emitter) emit(ctx context.Context, rootIndex int) (ids.ID, error) {
	e.nodeID = make(map[int]ids.ID)
	e.payloads = make(map[ids.ID][]byte)

	components := stronglyConnected(len(e.scanner.nodes), e.scanner.edges)
	for _, component := range components {
		var err error
		if len(component) == 1 && !e.scanner.selfLoop(component[0]) {
			err = e.emitStandalone(component[0])
		} else {
			err = e.emitGraph(component)
		}
		if err != nil {
			return ids.ID{}, err
		}
	}

	if err := e.flushPayloads(ctx); err != nil {
		return ids.ID{}, err
	}
	if err := e.pipeline.Index.IngestWithRetry(ctx, &e.msg); err != nil {
		return ids.ID{}, fmt.Errorf("ingest: %w", err)
	}

	rootID, ok := e.nodeID[rootIndex]
	if !ok {
		return ids.ID{}, fmt.Errorf("%w: root was not emitted", ErrCycleUnresolvable)
	}
	return rootID, nil
}

// edges lists the outgoing scan-graph edges of one node.
func (s *scanner) edges(idx int) []int {
	node := &s.nodes[idx]
	var out []int
	for _, entry := range node.entries {
		out = append(out, entry.node)
	}
	if node.kind == ids.KindSymlink && node.symTarget >= 0 {
		out = append(out, node.symTarget)
	}
	for _, dep := range node.deps {
		if dep.node >= 0 {
			out = append(out, dep.node)
		}
	}
	return out
}

func (s *scanner) selfLoop(idx int) bool {
	for _, target := range s.edges(idx) {
		if target == idx {
			return true
		}
	}
	return false
}

// buildNode turns a scan node into an artifact node, mapping each edge with
// edgeFor (graph members map intra-component edges to local indices,
// standalone nodes map everything to external IDs).
func (e *emitter) buildNode(idx int, edgeFor func(target int) (artifact.Edge, error)) (artifact.Node, error) {
	node := &e.scanner.nodes[idx]
	switch node.kind {
	case ids.KindDirectory:
		dir := &artifact.Directory{}
		for _, entry := range node.entries {
			edge, err := edgeFor(entry.node)
			if err != nil {
				return artifact.Node{}, err
			}
			dir.Entries = append(dir.Entries, artifact.DirEntry{Name: entry.name, Edge: edge})
		}
		dir.SortEntries()
		return artifact.DirectoryNode(dir), nil

	case ids.KindFile:
		blob := artifact.BlobID(node.contents)
		e.payloads[blob] = node.contents
		file := &artifact.File{Contents: blob, Executable: node.executable}
		for _, dep := range node.deps {
			fd := artifact.FileDependency{Reference: dep.reference}
			if dep.node >= 0 {
				edge, err := edgeFor(dep.node)
				if err != nil {
					return artifact.Node{}, err
				}
				fd.Dependency.Artifact = &edge
			}
			fd.Dependency.ID = dep.id
			fd.Dependency.Tag = dep.tag
			fd.Dependency.Path = dep.path
			file.Dependencies = append(file.Dependencies, fd)
		}
		file.SortDependencies()
		return artifact.FileNode(file), nil

	case ids.KindSymlink:
		sym := &artifact.Symlink{Path: node.symPath}
		if node.symTarget >= 0 {
			edge, err := edgeFor(node.symTarget)
			if err != nil {
				return artifact.Node{}, err
			}
			// The back-pointer exists to make a cycle encodable; an acyclic
			// symlink stays a plain path so repeated check-ins of a shared
			// target do not multiply its subtree.
			if edge.Local != nil {
				sym.Artifact = &edge
			}
		}
		return artifact.SymlinkNode(sym), nil

	default:
		return artifact.Node{}, fmt.Errorf("unexpected scan node kind %s", node.kind)
	}
}

// external maps a scan target to an external edge carrying its already
// computed ID. Components arrive in dependency order, so the target's ID
// always exists by the time a dependent asks for it.
func (e *emitter) external(target int) (artifact.Edge, error) {
	id, ok := e.nodeID[target]
	if !ok {
		return artifact.Edge{}, fmt.Errorf("%w: node %s not yet emitted",
			ErrCycleUnresolvable, e.scanner.nodes[target].path)
	}
	return artifact.ExternalEdge(id), nil
}

func (e *emitter) emitStandalone(idx int) error {
	node, err := e.buildNode(idx, e.external)
	if err != nil {
		return err
	}
	id, canonical, err := artifact.StandaloneID(node)
	if err != nil {
		return err
	}
	e.nodeID[idx] = id
	return e.putObject(id, node, canonical)
}

func (e *emitter) emitGraph(component []int) error {
	sort.Ints(component)
	local := make(map[int]int, len(component))
	for position, idx := range component {
		local[idx] = position
	}

	edgeFor := func(target int) (artifact.Edge, error) {
		if position, ok := local[target]; ok {
			return artifact.LocalEdge(position), nil
		}
		return e.external(target)
	}

	g := &artifact.Graph{}
	for _, idx := range component {
		node, err := e.buildNode(idx, edgeFor)
		if err != nil {
			return err
		}
		g.Nodes = append(g.Nodes, node)
	}

	graphID, canonical, err := artifact.GraphID(g)
	if err != nil {
		return err
	}
	if err := e.pipeline.Cache.PutNode(graphID, canonical); err != nil {
		return err
	}

	children := dedupe(artifact.GraphChildren(g))
	e.msg.Objects = append(e.msg.Objects, index.ObjectPut{
		ID:        graphID,
		NodeSize:  int64(len(canonical)),
		TouchedAt: time.Now(),
		Children:  children,
	})

	for position, idx := range component {
		node := g.Nodes[position]
		memberID, memberCanonical := artifact.MemberID(node.Kind, graphID, position)
		e.nodeID[idx] = memberID
		if err := e.pipeline.Cache.PutNode(memberID, memberCanonical); err != nil {
			return err
		}
		objectPut := index.ObjectPut{
			ID:        memberID,
			NodeSize:  int64(len(memberCanonical)),
			TouchedAt: time.Now(),
			Children:  []ids.ID{graphID},
		}
		if node.Kind == ids.KindFile {
			contents := node.File.Contents
			objectPut.CacheEntry = &contents
			objectPut.NodeSize += int64(len(e.payloads[contents]))
			e.addCacheEntry(contents)
		}
		e.msg.Objects = append(e.msg.Objects, objectPut)
	}
	return nil
}

// putObject stores a standalone node's bytes and queues its object put.
func (e *emitter) putObject(id ids.ID, node artifact.Node, canonical []byte) error {
	if err := e.pipeline.Cache.PutNode(id, canonical); err != nil {
		return err
	}
	objectPut := index.ObjectPut{
		ID:        id,
		NodeSize:  int64(len(canonical)),
		TouchedAt: time.Now(),
		Children:  dedupe(artifact.Children(node)),
	}
	if node.Kind == ids.KindFile {
		contents := node.File.Contents
		objectPut.CacheEntry = &contents
		objectPut.NodeSize += int64(len(e.payloads[contents]))
		e.addCacheEntry(contents)
	}
	e.msg.Objects = append(e.msg.Objects, objectPut)
	return nil
}

func (e *emitter) addCacheEntry(id ids.ID) {
	for _, existing := range e.msg.CacheEntries {
		if existing.ID == id {
			return
		}
	}
	e.msg.CacheEntries = append(e.msg.CacheEntries, index.CacheEntryPut{ID: id, TouchedAt: time.Now()})
}

// flushPayloads writes blob payloads to the cache store with bounded
// concurrency.
func (e *emitter) flushPayloads(ctx context.Context) error {
	concurrency := e.opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for id, payload := range e.payloads {
		g.Go(func() error {
			return e.pipeline.Cache.PutPayload(id, payload)
		})
	}
	return g.Wait()
}

func dedupe(list []ids.ID) []ids.ID {
	seen := make(map[ids.ID]struct{}, len(list))
	var out []ids.ID
	for _, id := range list {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
