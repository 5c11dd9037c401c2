package fuse

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/remotefs/remotefs/internal/cache"
	"github.com/remotefs/remotefs/internal/fscore"
	"github.com/remotefs/remotefs/internal/handle"
	"github.com/remotefs/remotefs/internal/inode"
	"github.com/remotefs/remotefs/pkg/rferrors"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow.
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// errnoFor translates an upcall error into the errno the kernel
// expects, using the structured code carried on *rferrors.Error when
// present and falling back to EIO otherwise.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var rfe *rferrors.Error
	if errors.As(err, &rfe) {
		return rfe.Errno()
	}
	return syscall.EIO
}

// Config represents FUSE filesystem configuration.
type Config struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	DefaultUID  uint32        `yaml:"default_uid"`
	DefaultGID  uint32        `yaml:"default_gid"`
	AttrTimeout time.Duration `yaml:"attr_timeout"`
}

// Stats tracks filesystem operation statistics, surfaced by the daemon
// alongside internal/metrics.Collector for a cheap human-readable view.
type Stats struct {
	mu sync.RWMutex

	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`
	Writes  int64 `json:"writes"`
	Creates int64 `json:"creates"`
	Deletes int64 `json:"deletes"`

	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	Errors int64 `json:"errors"`

	AvgReadTime   time.Duration `json:"avg_read_time"`
	AvgWriteTime  time.Duration `json:"avg_write_time"`
	AvgLookupTime time.Duration `json:"avg_lookup_time"`
}

func (s *Stats) snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Lookups: s.Lookups, Opens: s.Opens, Reads: s.Reads, Writes: s.Writes,
		Creates: s.Creates, Deletes: s.Deletes,
		BytesRead: s.BytesRead, BytesWritten: s.BytesWritten, Errors: s.Errors,
		AvgReadTime: s.AvgReadTime, AvgWriteTime: s.AvgWriteTime, AvgLookupTime: s.AvgLookupTime,
	}
}

func (s *Stats) recordLookup(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups++
	s.AvgLookupTime = rollingAverage(s.AvgLookupTime, d, s.Lookups)
}

func (s *Stats) recordRead(d time.Duration, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reads++
	s.BytesRead += int64(n)
	s.AvgReadTime = rollingAverage(s.AvgReadTime, d, s.Reads)
}

func (s *Stats) recordWrite(d time.Duration, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	s.BytesWritten += int64(n)
	s.AvgWriteTime = rollingAverage(s.AvgWriteTime, d, s.Writes)
}

func (s *Stats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors++
}

func (s *Stats) recordOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Opens++
}

func (s *Stats) recordCreate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Creates++
}

func (s *Stats) recordDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deletes++
}

// rollingAverage mirrors the teacher's exponential moving average:
// 90% weight on history, 10% on the new sample.
func rollingAverage(avg, sample time.Duration, count int64) time.Duration {
	if count <= 1 {
		return sample
	}
	return time.Duration((int64(avg)*9 + int64(sample)) / 10)
}

// FileSystem is the go-fuse binding: every upcall it receives is
// translated onto internal/fscore.Core, which holds the actual
// remote-client/cache/inode-table/handle-table state. Nothing about
// S3, or any other storage backend, lives at this layer.
type FileSystem struct {
	fs.Inode

	core   *fscore.Core
	config *Config
	stats  *Stats
}

// NewFileSystem creates a new FUSE filesystem instance bound to core.
func NewFileSystem(core *fscore.Core, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  1000,
			DefaultGID:  1000,
			AttrTimeout: 2 * time.Second,
		}
	}
	return &FileSystem{core: core, config: config, stats: &Stats{}}
}

// Root returns the root inode.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fsys: fsys, ino: inode.RootIno}
}

// GetStats returns a snapshot of current filesystem statistics.
func (fsys *FileSystem) GetStats() Stats {
	return fsys.stats.snapshot()
}

// Node implements every upcall go-fuse may dispatch against either a
// file or a directory; which operations the kernel actually calls
// depends on the StableAttr.Mode it was created with, so a single type
// can stand in for both of the teacher's DirectoryNode/FileNode without
// duplicating lookup/getattr/setattr plumbing.
type Node struct {
	fs.Inode
	fsys *FileSystem
	ino  uint64
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeStatfser  = (*Node)(nil)
)

func attrMode(a cache.Attr) uint32 {
	if a.Kind == cache.KindDir {
		return fuse.S_IFDIR | (a.Mode &^ uint32(syscall.S_IFMT))
	}
	return fuse.S_IFREG | (a.Mode &^ uint32(syscall.S_IFMT))
}

func fillAttr(out *fuse.Attr, a cache.Attr) {
	out.Ino = a.Ino
	out.Mode = attrMode(a)
	out.Size = safeInt64ToUint64(a.Size)
	out.Blocks = a.Blocks()
	out.Nlink = a.Nlink
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Mtime = safeInt64ToUint64(a.Mtime.Unix())
	out.Atime = safeInt64ToUint64(a.Atime.Unix())
	out.Ctime = safeInt64ToUint64(a.Ctime.Unix())
}

func fillEntryOut(out *fuse.EntryOut, a cache.Attr, timeout time.Duration) {
	out.NodeId = a.Ino
	out.SetEntryTimeout(timeout)
	out.SetAttrTimeout(timeout)
	fillAttr(&out.Attr, a)
}

// newChild creates the fs.Inode + wrapping Node for a freshly resolved
// attribute, reusing the ino already allocated in the inode table
// (carried in a.Ino) rather than letting go-fuse assign its own. Must be called on
// a Node already attached to the live tree (the parent handling the
// upcall), since NewInode resolves the shared inode table through it.
func (n *Node) newChild(ctx context.Context, a cache.Attr) *fs.Inode {
	child := &Node{fsys: n.fsys, ino: a.Ino}
	mode := uint32(fuse.S_IFREG)
	if a.Kind == cache.KindDir {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, child, fs.StableAttr{
		Ino:  a.Ino,
		Mode: mode,
	})
}

// Lookup resolves a child name under a directory node.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	defer func() { n.fsys.stats.recordLookup(time.Since(start)) }()

	attr, err := n.fsys.core.Lookup(ctx, n.ino, name)
	if err != nil {
		// A negative lookup (ENOENT) is the normal way the kernel
		// probes for a name that doesn't exist yet; only count other
		// failures as errors.
		var rfe *rferrors.Error
		if !(errors.As(err, &rfe) && rfe.Code == rferrors.CodeNotFound) {
			n.fsys.stats.recordError()
		}
		return nil, errnoFor(err)
	}

	fillEntryOut(out, attr, n.fsys.config.AttrTimeout)
	return n.newChild(ctx, attr), 0
}

// Getattr returns the node's attributes, served from the attribute
// cache while valid and fetched from the remote service otherwise.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fsys.core.Getattr(ctx, n.ino)
	if err != nil {
		n.fsys.stats.recordError()
		return errnoFor(err)
	}
	out.SetTimeout(n.fsys.config.AttrTimeout)
	fillAttr(&out.Attr, attr)
	return 0
}

// Setattr applies a chmod/truncate/utimes combination.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	var setIn fscore.SetattrIn
	if mode, ok := in.GetMode(); ok {
		setIn.Mode = &mode
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		setIn.Size = &s
	}
	if mtime, ok := in.GetMTime(); ok {
		t := mtime.Unix()
		setIn.Mtime = &t
	}
	if atime, ok := in.GetATime(); ok {
		t := atime.Unix()
		setIn.Atime = &t
	}

	attr, err := n.fsys.core.Setattr(ctx, n.ino, setIn)
	if err != nil {
		n.fsys.stats.recordError()
		return errnoFor(err)
	}
	out.SetTimeout(n.fsys.config.AttrTimeout)
	fillAttr(&out.Attr, attr)
	return 0
}

// Readdir lists the directory's entries.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.core.Readdir(ctx, n.ino)
	if err != nil {
		n.fsys.stats.recordError()
		return nil, errnoFor(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Kind == cache.KindDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode, Ino: e.Ino})
	}
	return fs.NewListDirStream(out), 0
}

// Mkdir creates a subdirectory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}
	attr, err := n.fsys.core.Mkdir(ctx, n.ino, name, mode)
	if err != nil {
		n.fsys.stats.recordError()
		return nil, errnoFor(err)
	}
	fillEntryOut(out, attr, n.fsys.config.AttrTimeout)
	return n.newChild(ctx, attr), 0
}

// Create makes a new file and returns it already opened for writing.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	attr, fh, err := n.fsys.core.Create(ctx, n.ino, name, mode)
	if err != nil {
		n.fsys.stats.recordError()
		return nil, nil, 0, errnoFor(err)
	}
	n.fsys.stats.recordCreate()

	fillEntryOut(out, attr, n.fsys.config.AttrTimeout)
	child := n.newChild(ctx, attr)
	return child, &FileHandle{fsys: n.fsys, fh: fh}, 0, 0
}

// Open opens an existing file for reading and/or writing.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.fsys.stats.recordOpen()

	if n.fsys.config.ReadOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}

	var hflags handle.Flags
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		hflags = handle.FlagWrite
	case syscall.O_RDWR:
		hflags = handle.FlagRead | handle.FlagWrite
	default:
		hflags = handle.FlagRead
	}
	if flags&syscall.O_APPEND != 0 {
		hflags |= handle.FlagAppend
	}
	if flags&syscall.O_TRUNC != 0 {
		hflags |= handle.FlagTrunc
	}

	fh, err := n.fsys.core.Open(ctx, n.ino, hflags)
	if err != nil {
		n.fsys.stats.recordError()
		return nil, 0, errnoFor(err)
	}
	return &FileHandle{fsys: n.fsys, fh: fh}, 0, 0
}

// Unlink removes a file from the directory.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	if err := n.fsys.core.Unlink(ctx, n.ino, name); err != nil {
		n.fsys.stats.recordError()
		return errnoFor(err)
	}
	n.fsys.stats.recordDelete()
	return 0
}

// Rmdir removes a subdirectory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	if err := n.fsys.core.Rmdir(ctx, n.ino, name); err != nil {
		n.fsys.stats.recordError()
		return errnoFor(err)
	}
	n.fsys.stats.recordDelete()
	return 0
}

// Rename moves name from this directory to newName under newParent.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	if err := n.fsys.core.Rename(ctx, n.ino, name, np.ino, newName); err != nil {
		n.fsys.stats.recordError()
		return errnoFor(err)
	}
	return 0
}

// Statfs reports aggregate filesystem usage.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	info, err := n.fsys.core.Statfs(ctx)
	if err != nil {
		return errnoFor(err)
	}
	out.Bsize = uint32(info.Bsize)
	out.Blocks = info.Blocks
	out.Bfree = info.Bfree
	out.Bavail = info.Bavail
	out.Files = info.Files
	out.Ffree = info.Ffree
	return 0
}

// FileHandle represents an open file handle, backed by the open-file handle table.
type FileHandle struct {
	fsys *FileSystem
	fh   uint64
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
)

// Read serves a byte range from the remote service; there is no
// client-side data cache, so every call is a fresh remote read.
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	data, err := h.fsys.core.Read(ctx, h.fh, off, len(dest))
	if err != nil {
		h.fsys.stats.recordError()
		return nil, errnoFor(err)
	}
	h.fsys.stats.recordRead(time.Since(start), len(data))
	return fuse.ReadResultData(data), 0
}

// Write streams data into the handle's upload.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if h.fsys.config.ReadOnly {
		return 0, syscall.EROFS
	}
	start := time.Now()
	n, err := h.fsys.core.Write(ctx, h.fh, off, data)
	if err != nil {
		h.fsys.stats.recordError()
		return safeIntToUint32(n), errnoFor(err)
	}
	h.fsys.stats.recordWrite(time.Since(start), n)
	return safeIntToUint32(n), 0
}

// Flush finalizes any in-flight upload without closing the handle.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.fsys.core.Flush(ctx, h.fh); err != nil {
		h.fsys.stats.recordError()
		return errnoFor(err)
	}
	return 0
}

// Fsync behaves identically to Flush: there is nothing buffered
// beyond the in-flight streamed upload that Flush already finalizes.
func (h *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.fsys.core.Fsync(ctx, h.fh, flags != 0); err != nil {
		h.fsys.stats.recordError()
		return errnoFor(err)
	}
	return 0
}

// Release closes the handle, awaiting any final upload completion.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.fsys.core.Release(ctx, h.fh); err != nil {
		h.fsys.stats.recordError()
		return errnoFor(err)
	}
	return 0
}
