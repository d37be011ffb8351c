package checkout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cairnstore/cairn/internal/cachestore"
	"github.com/cairnstore/cairn/internal/checkin"
	"github.com/cairnstore/cairn/internal/ids"
	"github.com/cairnstore/cairn/internal/index"
)

type env struct {
	cache *cachestore.Store
	index *index.Store
	in    *checkin.Pipeline
	out   *Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cache, err := cachestore.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("open cache store: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	idx, err := index.Open(filepath.Join(dir, "index.db"), nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	return &env{
		cache: cache,
		index: idx,
		in:    checkin.NewPipeline(cache, idx, nil),
		out:   NewPipeline(cache, nil),
	}
}

// roundTrip checks in root, checks it out, checks the copy in again, and
// requires identical root IDs.
func (e *env) roundTrip(t *testing.T, root string) ids.ID {
	t.Helper()
	ctx := context.Background()

	id, err := e.in.CheckIn(ctx, root, checkin.Options{})
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}

	target := filepath.Join(t.TempDir(), "out")
	if err := e.out.CheckOut(ctx, id, target, false); err != nil {
		t.Fatalf("CheckOut failed: %v", err)
	}

	again, err := e.in.CheckIn(ctx, target, checkin.Options{})
	if err != nil {
		t.Fatalf("CheckIn of checkout failed: %v", err)
	}
	if again != id {
		t.Fatalf("Round trip changed the ID: %s -> %s", id, again)
	}
	return id
}

func TestRoundTripDirectoryWithSymlinks(t *testing.T) {
	e := newEnv(t)

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "hello.txt"), "hello, world!", 0644)
	mustSymlink(t, "hello.txt", filepath.Join(root, "link"))
	mustMkdir(t, filepath.Join(root, "child"))
	mustSymlink(t, "../link", filepath.Join(root, "child", "link"))

	e.roundTrip(t, root)
}

func TestRoundTripSelfCycle(t *testing.T) {
	e := newEnv(t)

	root := t.TempDir()
	mustSymlink(t, ".", filepath.Join(root, "link"))

	id := e.roundTrip(t, root)

	// The cycle survives the trip: the checked-out link still points at its
	// own directory.
	target := filepath.Join(t.TempDir(), "cycle")
	if err := e.out.CheckOut(context.Background(), id, target, false); err != nil {
		t.Fatalf("CheckOut failed: %v", err)
	}
	dest, err := os.Readlink(filepath.Join(target, "link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if dest != "." {
		t.Errorf("link target = %q, want %q", dest, ".")
	}
}

func TestRoundTripCyclicImports(t *testing.T) {
	e := newEnv(t)

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "tangram.ts"), `import * as dep from "./dependency.tg.ts";`, 0644)
	mustWrite(t, filepath.Join(root, "dependency.tg.ts"), `import * as root from "./tangram.ts";`, 0644)

	e.roundTrip(t, root)
}

func TestRoundTripExecutableBit(t *testing.T) {
	e := newEnv(t)

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "executable"), "", 0755)

	id := e.roundTrip(t, root)

	target := filepath.Join(t.TempDir(), "exec-out")
	if err := e.out.CheckOut(context.Background(), id, target, false); err != nil {
		t.Fatalf("CheckOut failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(target, "executable"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&0111 == 0 {
		t.Error("Executable bit lost across the round trip")
	}

	// A non-executable file with identical contents gets a different ID.
	other := t.TempDir()
	mustWrite(t, filepath.Join(other, "executable"), "", 0644)
	plainID, err := e.in.CheckIn(context.Background(), other, checkin.Options{})
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}
	if plainID == id {
		t.Error("Executable bit should change the directory ID")
	}
}

func TestCheckOutTargetExists(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "a", 0644)
	id, err := e.in.CheckIn(ctx, root, checkin.Options{})
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}

	target := filepath.Join(t.TempDir(), "occupied")
	mustWrite(t, target, "already here", 0644)

	err = e.out.CheckOut(ctx, id, target, false)
	if !errors.Is(err, ErrTargetExists) {
		t.Fatalf("CheckOut = %v, want ErrTargetExists", err)
	}

	if err := e.out.CheckOut(ctx, id, target, true); err != nil {
		t.Fatalf("Forced CheckOut failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "a.txt")); err != nil {
		t.Errorf("Forced checkout did not replace the target: %v", err)
	}
}

func TestCheckOutMissingArtifact(t *testing.T) {
	e := newEnv(t)

	missing := ids.Sum(ids.KindDirectory, []byte("never stored"))
	err := e.out.CheckOut(context.Background(), missing, filepath.Join(t.TempDir(), "x"), false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("CheckOut = %v, want ErrNotFound", err)
	}
}

func TestRoundTripSingleLockfile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	depRoot := t.TempDir()
	mustWrite(t, filepath.Join(depRoot, "dep.txt"), "dependency", 0644)
	depID, err := e.in.CheckIn(ctx, depRoot, checkin.Options{})
	if err != nil {
		t.Fatalf("CheckIn(dep) failed: %v", err)
	}
	if err := e.index.PutTag(ctx, "std", depID); err != nil {
		t.Fatalf("PutTag failed: %v", err)
	}

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "tangram.ts"), `import * as std from "tag:std";`, 0644)
	mustMkdir(t, filepath.Join(root, "nested"))
	mustWrite(t, filepath.Join(root, "nested", "tangram.ts"), `import * as std from "tag:std";`, 0644)

	id := e.roundTrip(t, root)

	target := filepath.Join(t.TempDir(), "locked")
	if err := e.out.CheckOut(ctx, id, target, false); err != nil {
		t.Fatalf("CheckOut failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, checkin.LockfileName)); err != nil {
		t.Errorf("Root lockfile missing after checkout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "nested", checkin.LockfileName)); !os.IsNotExist(err) {
		t.Error("Nested lockfile should not exist after round trip")
	}
}

func mustWrite(t *testing.T, path, contents string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustSymlink(t *testing.T, target, path string) {
	t.Helper()
	if err := os.Symlink(target, path); err != nil {
		t.Fatalf("symlink %s: %v", path, err)
	}
}
