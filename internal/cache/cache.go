// Package cache implements the TTL-keyed attribute and directory-entry
// cache shared by the kernel-protocol adapter. It generalizes the
// teacher's single-mutex byte-range LRU into path-keyed, sharded
// storage with prefix-based subtree invalidation.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/remotefs/remotefs/internal/pathutil"
)

// Kind identifies whether a path names a file or a directory.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Attr mirrors the wire Attr: authoritative size/mode from the server,
// kernel-local uid/gid, and a blocks figure derived from size.
type Attr struct {
	Ino   uint64
	Kind  Kind
	Size  int64
	Mode  uint32
	Mtime time.Time
	Atime time.Time
	Ctime time.Time
	Nlink uint32
	Uid   uint32
	Gid   uint32
}

// Blocks reports the 512-byte block count implied by Size, per spec's
// blocks = ceil(size/512).
func (a Attr) Blocks() uint64 {
	if a.Size <= 0 {
		return 0
	}
	return uint64((a.Size + 511) / 512)
}

// DirEntry is one row of a directory listing: name, kind, ino. "."
// and ".." are synthesized by the caller, not stored here.
type DirEntry struct {
	Name string
	Kind Kind
	Ino  uint64
}

type attrEntry struct {
	attr     Attr
	deadline time.Time
}

type dirEntry struct {
	entries  []DirEntry
	deadline time.Time
}

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	attr map[string]attrEntry
	dir  map[string]dirEntry
}

// Cache is the sharded TTL store for Attr and directory-listing
// entries, keyed by canonical path. Config controls default TTLs.
type Cache struct {
	shards  [shardCount]*shard
	attrTTL time.Duration
	dirTTL  time.Duration
}

// Config holds the two independent TTLs spec.md recommends (2s attrs,
// 1s directory listings); a TTL of 0 disables caching for that kind.
type Config struct {
	AttrTTL time.Duration
	DirTTL  time.Duration
}

// DefaultConfig returns spec.md's recommended TTLs.
func DefaultConfig() Config {
	return Config{AttrTTL: 2 * time.Second, DirTTL: 1 * time.Second}
}

// New creates a Cache with the given TTL configuration.
func New(cfg Config) *Cache {
	c := &Cache{attrTTL: cfg.AttrTTL, dirTTL: cfg.DirTTL}
	for i := range c.shards {
		c.shards[i] = &shard{
			attr: make(map[string]attrEntry),
			dir:  make(map[string]dirEntry),
		}
	}
	return c
}

func (c *Cache) shardFor(path string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return c.shards[h.Sum32()%shardCount]
}

// GetAttr returns the cached Attr for path if present and unexpired.
func (c *Cache) GetAttr(path string) (Attr, bool) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.attr[path]
	if !ok || time.Now().After(e.deadline) {
		return Attr{}, false
	}
	return e.attr, true
}

// PutAttr upserts path's Attr with the configured attribute TTL. A
// zero AttrTTL disables caching: the entry is stored with a deadline
// in the past so every subsequent GetAttr misses.
func (c *Cache) PutAttr(path string, attr Attr) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attr[path] = attrEntry{attr: attr, deadline: time.Now().Add(c.attrTTL)}
}

// InvalidateAttr drops path's cached Attr, if any.
func (c *Cache) InvalidateAttr(path string) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attr, path)
}

// GetDir returns the cached directory listing for path if present and
// unexpired. Entries do not include the synthetic "." / "..".
func (c *Cache) GetDir(path string) ([]DirEntry, bool) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dir[path]
	if !ok || time.Now().After(e.deadline) {
		return nil, false
	}
	out := make([]DirEntry, len(e.entries))
	copy(out, e.entries)
	return out, true
}

// PutDir upserts path's directory listing with the configured
// directory TTL.
func (c *Cache) PutDir(path string, entries []DirEntry) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]DirEntry, len(entries))
	copy(stored, entries)
	s.dir[path] = dirEntry{entries: stored, deadline: time.Now().Add(c.dirTTL)}
}

// InvalidateDir drops path's cached directory listing, if any.
func (c *Cache) InvalidateDir(path string) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dir, path)
}

// InvalidateSubtree drops every attr and dir entry whose path is root
// or lies beneath it (prefix match on path components, per spec's
// invalidate_subtree). Used by rmdir and rename of directories.
func (c *Cache) InvalidateSubtree(root string) {
	for _, s := range c.shards {
		s.mu.Lock()
		for p := range s.attr {
			if pathutil.IsSubtree(root, p) {
				delete(s.attr, p)
			}
		}
		for p := range s.dir {
			if pathutil.IsSubtree(root, p) {
				delete(s.dir, p)
			}
		}
		s.mu.Unlock()
	}
}

// AttrTTL reports the configured attribute cache lifetime, for callers
// that need to cache something outside the path-keyed store (the
// volume-wide statfs summary) on the same TTL.
func (c *Cache) AttrTTL() time.Duration {
	return c.attrTTL
}

// InvalidateMutation applies the standard consistency rule for a
// successful mutating upcall: invalidate the target's attr entry and
// the parent's dirent entry. Callers needing subtree invalidation
// (rename, rmdir) call InvalidateSubtree separately.
func (c *Cache) InvalidateMutation(path string) {
	c.InvalidateAttr(path)
	c.InvalidateDir(pathutil.Parent(path))
}
