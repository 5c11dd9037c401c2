// Package inode maintains the bidirectional mapping between kernel
// inode numbers and canonical remote paths for the lifetime of one
// mount.
package inode

import (
	"strings"
	"sync"

	"github.com/remotefs/remotefs/internal/pathutil"
)

// RootIno is the inode number reserved for the mount root ".".
const RootIno uint64 = 1

// Table is a bijective ino <-> path map with a monotonically
// increasing allocation counter and per-path generation counts. It is
// safe for concurrent use.
type Table struct {
	mu         sync.RWMutex
	pathToIno  map[string]uint64
	inoToPath  map[uint64]string
	generation map[string]uint64
	next       uint64
}

// New creates a Table with the root path pre-registered at RootIno.
func New() *Table {
	t := &Table{
		pathToIno:  make(map[string]uint64),
		inoToPath:  make(map[uint64]string),
		generation: make(map[string]uint64),
		next:       RootIno + 1,
	}
	t.pathToIno[pathutil.Root] = RootIno
	t.inoToPath[RootIno] = pathutil.Root
	return t
}

// PathOf returns the canonical path bound to ino, and whether it is
// currently live.
func (t *Table) PathOf(ino uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.inoToPath[ino]
	return p, ok
}

// InoOf returns the ino bound to path, allocating a new one (strictly
// monotonic, never reused) if path has not been observed before.
func (t *Table) InoOf(path string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inoOfLocked(path)
}

func (t *Table) inoOfLocked(path string) uint64 {
	if ino, ok := t.pathToIno[path]; ok {
		return ino
	}
	ino := t.next
	t.next++
	t.pathToIno[path] = ino
	t.inoToPath[ino] = path
	return ino
}

// Lookup returns the ino for path only if it is already registered,
// without allocating one.
func (t *Table) Lookup(path string) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ino, ok := t.pathToIno[path]
	return ino, ok
}

// Forget drops path from the table, turning its former ino into a
// tombstone: a subsequent InoOf for the same path allocates a fresh
// ino with an incremented generation, per the no-two-live-paths-share-
// an-ino invariant.
func (t *Table) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgetLocked(path)
}

func (t *Table) forgetLocked(path string) {
	if path == pathutil.Root {
		return
	}
	ino, ok := t.pathToIno[path]
	if !ok {
		return
	}
	delete(t.pathToIno, path)
	delete(t.inoToPath, ino)
	t.generation[path]++
}

// Generation reports how many times path has been unlinked and
// recreated during this mount's lifetime.
func (t *Table) Generation(path string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation[path]
}

// RenameSubtree re-keys oldRoot and every currently-live path nested
// beneath it onto the corresponding path under newRoot, all under a
// single lock so no descendant is ever observed resolving to its old
// path after the rename. A file rename has no descendants and is just
// the one re-key; a directory rename carries its whole live subtree
// along with it, per the stable-ino-for-a-live-path invariant.
func (t *Table) RenameSubtree(oldRoot, newRoot string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if oldRoot == newRoot {
		return
	}

	var descendants []string
	for p := range t.pathToIno {
		if pathutil.IsSubtree(oldRoot, p) {
			descendants = append(descendants, p)
		}
	}

	for _, oldPath := range descendants {
		newPath := newRoot + strings.TrimPrefix(oldPath, oldRoot)
		if _, ok := t.pathToIno[newPath]; ok {
			t.forgetLocked(newPath)
		}
		ino, ok := t.pathToIno[oldPath]
		if !ok {
			continue
		}
		delete(t.pathToIno, oldPath)
		t.pathToIno[newPath] = ino
		t.inoToPath[ino] = newPath
	}
}

// Subtree returns every currently-live path equal to or nested under
// root, used when renaming or removing a directory needs to re-key or
// forget every descendant.
func (t *Table) Subtree(root string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for p := range t.pathToIno {
		if pathutil.IsSubtree(root, p) {
			out = append(out, p)
		}
	}
	return out
}

// Len reports the number of live paths currently registered.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pathToIno)
}
