// Package fscore implements every kernel-protocol-adapter upcall once,
// against the path normalizer, remote client, attribute/dirent cache,
// inode table, and open-file table, so that both kernel-facing
// bindings (go-fuse and cgofuse) can translate onto a single shared
// implementation instead of duplicating this logic per platform.
package fscore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/remotefs/remotefs/internal/cache"
	"github.com/remotefs/remotefs/internal/handle"
	"github.com/remotefs/remotefs/internal/inode"
	"github.com/remotefs/remotefs/internal/metrics"
	"github.com/remotefs/remotefs/internal/pathutil"
	"github.com/remotefs/remotefs/internal/remote"
	"github.com/remotefs/remotefs/pkg/rferrors"
)

// RootAttr is the synthetic Attr served for ino=1 without a remote
// call, per spec.md §4.1.
var RootAttr = cache.Attr{
	Ino:   inode.RootIno,
	Kind:  cache.KindDir,
	Mode:  0o755,
	Nlink: 2,
}

// Core bundles the remote client, attribute/dirent cache, inode table,
// and open-file table (pathutil is used statelessly, not held). It
// holds no reference to the kernel-protocol adapter or the change
// subscriber: the adapter binds Core's methods to a kernel protocol;
// the subscriber feeds Core's Cache/Inodes directly.
type Core struct {
	Client  *remote.Client
	Cache   *cache.Cache
	Inodes  *inode.Table
	Handles *handle.Table
	Log     *slog.Logger

	// Metrics is nil unless the daemon's metrics collector is enabled;
	// every recording call below guards on it being set.
	Metrics *metrics.Collector

	statfsMu       sync.Mutex
	statfsCached   remote.StatfsInfo
	statfsDeadline time.Time
}

// New wires a Core from its components. handles is expected to have
// been constructed with client as its handle.Writer.
func New(client *remote.Client, c *cache.Cache, inodes *inode.Table, handles *handle.Table, log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{Client: client, Cache: c, Inodes: inodes, Handles: handles, Log: log}
}

// recordOp reports an upcall's outcome to Metrics, a no-op when no
// collector is attached.
func (c *Core) recordOp(operation string, start time.Time, size int64, err error) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.RecordOperation(operation, time.Since(start), size, err == nil)
	if err != nil {
		c.Metrics.RecordError(operation, err)
	}
}

func (c *Core) recordCacheHit(source string) {
	if c.Metrics != nil {
		c.Metrics.RecordCacheHit(source)
	}
}

func (c *Core) recordCacheMiss(source string) {
	if c.Metrics != nil {
		c.Metrics.RecordCacheMiss(source)
	}
}

func toAttr(ino uint64, fi remote.FileInfo) cache.Attr {
	kind := cache.KindFile
	if fi.IsDir {
		kind = cache.KindDir
	}
	mt := fi.Mtime
	return cache.Attr{
		Ino:   ino,
		Kind:  kind,
		Size:  fi.Size,
		Mode:  fi.Mode,
		Mtime: mt,
		Atime: mt,
		Ctime: mt,
		Nlink: fi.Nlink,
	}
}

// Lookup resolves parent/name to an Attr, registering the path in the
// inode table on a positive result.
func (c *Core) Lookup(ctx context.Context, parentIno uint64, name string) (cache.Attr, error) {
	start := time.Now()
	parentPath, ok := c.Inodes.PathOf(parentIno)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown parent inode")
		c.recordOp("lookup", start, 0, err)
		return cache.Attr{}, err
	}
	path, err := pathutil.Join(parentPath, name)
	if err != nil {
		werr := rferrors.New(rferrors.CodeInvalidArgument, err.Error())
		c.recordOp("lookup", start, 0, werr)
		return cache.Attr{}, werr
	}

	if attr, ok := c.Cache.GetAttr(path); ok {
		c.recordCacheHit("attr")
		c.recordOp("lookup", start, 0, nil)
		return attr, nil
	}
	c.recordCacheMiss("attr")

	fi, err := c.Client.Stat(ctx, path)
	if err != nil {
		c.recordOp("lookup", start, 0, err)
		return cache.Attr{}, err
	}
	ino := c.Inodes.InoOf(path)
	attr := toAttr(ino, fi)
	c.Cache.PutAttr(path, attr)
	c.recordOp("lookup", start, 0, nil)
	return attr, nil
}

// Getattr returns the cached or freshly fetched Attr for ino.
func (c *Core) Getattr(ctx context.Context, ino uint64) (cache.Attr, error) {
	if ino == inode.RootIno {
		return RootAttr, nil
	}
	start := time.Now()
	path, ok := c.Inodes.PathOf(ino)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown inode")
		c.recordOp("getattr", start, 0, err)
		return cache.Attr{}, err
	}
	if attr, ok := c.Cache.GetAttr(path); ok {
		c.recordCacheHit("attr")
		c.recordOp("getattr", start, 0, nil)
		return attr, nil
	}
	c.recordCacheMiss("attr")
	fi, err := c.Client.Stat(ctx, path)
	if err != nil {
		c.recordOp("getattr", start, 0, err)
		return cache.Attr{}, err
	}
	attr := toAttr(ino, fi)
	c.Cache.PutAttr(path, attr)
	c.recordOp("getattr", start, 0, nil)
	return attr, nil
}

// Readdir returns the complete ordered dirent listing for ino, without
// the synthetic "." / ".." entries (the kernel-facing binding prepends
// those, since go-fuse and cgofuse disagree on how they want them
// represented).
func (c *Core) Readdir(ctx context.Context, ino uint64) ([]cache.DirEntry, error) {
	start := time.Now()
	path, ok := c.Inodes.PathOf(ino)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown inode")
		c.recordOp("readdir", start, 0, err)
		return nil, err
	}
	if entries, ok := c.Cache.GetDir(path); ok {
		c.recordCacheHit("dir")
		c.recordOp("readdir", start, int64(len(entries)), nil)
		return entries, nil
	}
	c.recordCacheMiss("dir")

	rows, err := c.Client.List(ctx, path)
	if err != nil {
		c.recordOp("readdir", start, 0, err)
		return nil, err
	}
	entries := make([]cache.DirEntry, 0, len(rows))
	for _, r := range rows {
		childPath, jerr := pathutil.Join(path, r.Name)
		if jerr != nil {
			continue
		}
		childIno := c.Inodes.InoOf(childPath)
		kind := cache.KindFile
		if r.IsDir {
			kind = cache.KindDir
		}
		c.Cache.PutAttr(childPath, toAttr(childIno, r))
		entries = append(entries, cache.DirEntry{Name: r.Name, Kind: kind, Ino: childIno})
	}
	c.Cache.PutDir(path, entries)
	c.recordOp("readdir", start, int64(len(entries)), nil)
	return entries, nil
}

// Open validates existence and allocates a handle. No remote open call
// exists; existence is checked via Getattr.
func (c *Core) Open(ctx context.Context, ino uint64, flags handle.Flags) (uint64, error) {
	start := time.Now()
	if _, err := c.Getattr(ctx, ino); err != nil {
		c.recordOp("open", start, 0, err)
		return 0, err
	}
	path, _ := c.Inodes.PathOf(ino)
	h := c.Handles.Open(ino, path, flags)
	c.recordOp("open", start, 0, nil)
	return h.FH, nil
}

// Create issues a zero-length write to bring the path into existence,
// then allocates an ino and a handle.
func (c *Core) Create(ctx context.Context, parentIno uint64, name string, mode uint32) (cache.Attr, uint64, error) {
	start := time.Now()
	parentPath, ok := c.Inodes.PathOf(parentIno)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown parent inode")
		c.recordOp("create", start, 0, err)
		return cache.Attr{}, 0, err
	}
	path, err := pathutil.Join(parentPath, name)
	if err != nil {
		werr := rferrors.New(rferrors.CodeInvalidArgument, err.Error())
		c.recordOp("create", start, 0, werr)
		return cache.Attr{}, 0, werr
	}

	if _, err := c.Client.WriteAt(ctx, path, 0, new(emptyReader)); err != nil {
		c.recordOp("create", start, 0, err)
		return cache.Attr{}, 0, err
	}
	c.Cache.InvalidateMutation(path)

	ino := c.Inodes.InoOf(path)
	attr := cache.Attr{Ino: ino, Kind: cache.KindFile, Mode: mode, Nlink: 1, Mtime: time.Now()}
	c.Cache.PutAttr(path, attr)

	h := c.Handles.Open(ino, path, handle.FlagWrite|handle.FlagRead)
	c.recordOp("create", start, 0, nil)
	return attr, h.FH, nil
}

type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// Read issues a range read via the remote client for the handle's
// path. The read path is stateless: each call is a fresh request.
func (c *Core) Read(ctx context.Context, fh uint64, offset int64, size int) ([]byte, error) {
	start := time.Now()
	h, ok := c.Handles.Get(fh)
	if !ok {
		err := rferrors.New(rferrors.CodeInvalidArgument, "unknown file handle")
		c.recordOp("read", start, 0, err)
		return nil, err
	}
	if size <= 0 {
		c.recordOp("read", start, 0, nil)
		return nil, nil
	}
	body, _, err := c.Client.ReadRange(ctx, h.Path, offset, offset+int64(size)-1)
	if err != nil {
		c.recordOp("read", start, 0, err)
		return nil, err
	}
	defer body.Close()
	buf := make([]byte, size)
	n, err := io.ReadFull(body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		werr := rferrors.Transport("read", h.Path, err)
		c.recordOp("read", start, int64(n), werr)
		return nil, werr
	}
	c.recordOp("read", start, int64(n), nil)
	return buf[:n], nil
}

// Write pushes bytes into the handle's streaming upload.
func (c *Core) Write(ctx context.Context, fh uint64, offset int64, data []byte) (int, error) {
	start := time.Now()
	if len(data) == 0 {
		c.recordOp("write", start, 0, nil)
		return 0, nil
	}
	n, err := c.Handles.Write(ctx, fh, offset, data)
	c.recordOp("write", start, int64(n), err)
	return n, err
}

// Release closes the handle's upload stream if any, flushes, and frees
// the handle. On success, invalidates the path's cache entries.
func (c *Core) Release(ctx context.Context, fh uint64) error {
	start := time.Now()
	h, ok := c.Handles.Get(fh)
	if !ok {
		err := rferrors.New(rferrors.CodeInvalidArgument, "unknown file handle")
		c.recordOp("release", start, 0, err)
		return err
	}
	path := h.Path
	err := c.Handles.Release(ctx, fh)
	c.Cache.InvalidateMutation(path)
	c.recordOp("release", start, 0, err)
	return err
}

// Flush and Fsync both force completion of any in-flight upload and
// invalidate the path's cache on success, per spec.md §4.1.
func (c *Core) Flush(ctx context.Context, fh uint64) error {
	start := time.Now()
	h, ok := c.Handles.Get(fh)
	if !ok {
		err := rferrors.New(rferrors.CodeInvalidArgument, "unknown file handle")
		c.recordOp("flush", start, 0, err)
		return err
	}
	err := h.Flush()
	c.Cache.InvalidateMutation(h.Path)
	c.recordOp("flush", start, 0, err)
	return err
}

func (c *Core) Fsync(ctx context.Context, fh uint64, datasync bool) error {
	start := time.Now()
	err := c.Flush(ctx, fh)
	c.recordOp("fsync", start, 0, err)
	return err
}

// Mkdir issues a remote mkdir, allocates an ino, and invalidates the
// parent's dirent cache.
func (c *Core) Mkdir(ctx context.Context, parentIno uint64, name string, mode uint32) (cache.Attr, error) {
	start := time.Now()
	parentPath, ok := c.Inodes.PathOf(parentIno)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown parent inode")
		c.recordOp("mkdir", start, 0, err)
		return cache.Attr{}, err
	}
	path, err := pathutil.Join(parentPath, name)
	if err != nil {
		werr := rferrors.New(rferrors.CodeInvalidArgument, err.Error())
		c.recordOp("mkdir", start, 0, werr)
		return cache.Attr{}, werr
	}
	if err := c.Client.Mkdir(ctx, path); err != nil {
		c.recordOp("mkdir", start, 0, err)
		return cache.Attr{}, err
	}
	c.Cache.InvalidateDir(parentPath)

	ino := c.Inodes.InoOf(path)
	attr := cache.Attr{Ino: ino, Kind: cache.KindDir, Mode: mode, Nlink: 2, Mtime: time.Now()}
	c.Cache.PutAttr(path, attr)
	c.recordOp("mkdir", start, 0, nil)
	return attr, nil
}

// unlinkOrRmdir is the shared implementation of unlink/rmdir: issue
// remote delete, drop the inode (tombstone), invalidate parent dirent
// and the path's attr cache.
func (c *Core) unlinkOrRmdir(ctx context.Context, operation string, parentIno uint64, name string) error {
	start := time.Now()
	parentPath, ok := c.Inodes.PathOf(parentIno)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown parent inode")
		c.recordOp(operation, start, 0, err)
		return err
	}
	path, err := pathutil.Join(parentPath, name)
	if err != nil {
		werr := rferrors.New(rferrors.CodeInvalidArgument, err.Error())
		c.recordOp(operation, start, 0, werr)
		return werr
	}
	if err := c.Client.Delete(ctx, path); err != nil {
		c.recordOp(operation, start, 0, err)
		return err
	}
	c.Inodes.Forget(path)
	c.Cache.InvalidateSubtree(path)
	c.Cache.InvalidateDir(parentPath)
	c.recordOp(operation, start, 0, nil)
	return nil
}

func (c *Core) Unlink(ctx context.Context, parentIno uint64, name string) error {
	return c.unlinkOrRmdir(ctx, "unlink", parentIno, name)
}

func (c *Core) Rmdir(ctx context.Context, parentIno uint64, name string) error {
	return c.unlinkOrRmdir(ctx, "rmdir", parentIno, name)
}

// Rename issues a remote rename then re-keys the inode table and
// invalidates both parents' dirent caches plus the old path's subtree.
func (c *Core) Rename(ctx context.Context, parentIno uint64, name string, newParentIno uint64, newName string) error {
	start := time.Now()
	parentPath, ok := c.Inodes.PathOf(parentIno)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown parent inode")
		c.recordOp("rename", start, 0, err)
		return err
	}
	newParentPath, ok := c.Inodes.PathOf(newParentIno)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown destination parent inode")
		c.recordOp("rename", start, 0, err)
		return err
	}
	oldPath, err := pathutil.Join(parentPath, name)
	if err != nil {
		werr := rferrors.New(rferrors.CodeInvalidArgument, err.Error())
		c.recordOp("rename", start, 0, werr)
		return werr
	}
	newPath, err := pathutil.Join(newParentPath, newName)
	if err != nil {
		werr := rferrors.New(rferrors.CodeInvalidArgument, err.Error())
		c.recordOp("rename", start, 0, werr)
		return werr
	}

	if err := c.Client.Rename(ctx, oldPath, newPath); err != nil {
		c.recordOp("rename", start, 0, err)
		return err
	}

	c.Inodes.RenameSubtree(oldPath, newPath)
	c.Cache.InvalidateSubtree(oldPath)
	c.Cache.InvalidateAttr(newPath)
	c.Cache.InvalidateDir(parentPath)
	c.Cache.InvalidateDir(newParentPath)
	c.recordOp("rename", start, 0, nil)
	return nil
}

// SetattrIn carries the optional fields a setattr upcall may supply.
type SetattrIn struct {
	Mode  *uint32
	Size  *int64
	Atime *int64
	Mtime *int64
}

// Setattr maps to chmod/truncate/utimes remote calls in that order,
// ignoring uid/gid, and returns the refreshed Attr from a fresh stat.
func (c *Core) Setattr(ctx context.Context, ino uint64, in SetattrIn) (cache.Attr, error) {
	start := time.Now()
	path, ok := c.Inodes.PathOf(ino)
	if !ok {
		err := rferrors.New(rferrors.CodeNotFound, "unknown inode")
		c.recordOp("setattr", start, 0, err)
		return cache.Attr{}, err
	}

	if in.Mode != nil {
		if err := c.Client.Chmod(ctx, path, *in.Mode); err != nil {
			c.recordOp("setattr", start, 0, err)
			return cache.Attr{}, err
		}
	}
	if in.Size != nil {
		if err := c.Client.Truncate(ctx, path, *in.Size); err != nil {
			c.recordOp("setattr", start, 0, err)
			return cache.Attr{}, err
		}
	}
	if in.Atime != nil || in.Mtime != nil {
		if err := c.Client.Utimes(ctx, path, in.Atime, in.Mtime); err != nil {
			c.recordOp("setattr", start, 0, err)
			return cache.Attr{}, err
		}
	}

	c.Cache.InvalidateMutation(path)
	fi, err := c.Client.Stat(ctx, path)
	if err != nil {
		c.recordOp("setattr", start, 0, err)
		return cache.Attr{}, err
	}
	attr := toAttr(ino, fi)
	c.Cache.PutAttr(path, attr)
	c.recordOp("setattr", start, 0, nil)
	return attr, nil
}

// Statfs serves the volume summary from a single cached value held on
// Core (not in the path-keyed cache), kept for the same TTL as the
// attribute cache: a fresh call only reaches
// the backend once the cached deadline has passed.
func (c *Core) Statfs(ctx context.Context) (remote.StatfsInfo, error) {
	start := time.Now()

	c.statfsMu.Lock()
	if time.Now().Before(c.statfsDeadline) {
		cached := c.statfsCached
		c.statfsMu.Unlock()
		c.recordCacheHit("statfs")
		c.recordOp("statfs", start, 0, nil)
		return cached, nil
	}
	c.statfsMu.Unlock()
	c.recordCacheMiss("statfs")

	info, err := c.Client.Statfs(ctx)
	if err != nil {
		c.recordOp("statfs", start, 0, err)
		return remote.StatfsInfo{}, err
	}

	c.statfsMu.Lock()
	c.statfsCached = info
	c.statfsDeadline = time.Now().Add(c.Cache.AttrTTL())
	c.statfsMu.Unlock()

	c.recordOp("statfs", start, 0, nil)
	return info, nil
}
