//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/remotefs/remotefs/internal/cache"
	"github.com/remotefs/remotefs/internal/fscore"
	"github.com/remotefs/remotefs/internal/handle"
	"github.com/remotefs/remotefs/internal/pathutil"
	"github.com/remotefs/remotefs/pkg/rferrors"
)

// CgoFuseFS implements the kernel-protocol adapter using winfsp/cgofuse
// instead of go-fuse, for macOS/Windows mounts. Every method below
// resolves the path cgofuse hands it into an ino (allocating one via
// the inode table if unseen) and calls straight into the same
// internal/fscore.Core used by the go-fuse binding.
type CgoFuseFS struct {
	fuse.FileSystemBase

	core   *fscore.Core
	config *Config
	stats  *Stats
	log    *slog.Logger

	mu      sync.RWMutex
	host    *fuse.FileSystemHost
	mounted bool
}

// NewCgoFuseFS creates a new cgofuse-based filesystem bound to core.
func NewCgoFuseFS(core *fscore.Core, config *Config, log *slog.Logger) *CgoFuseFS {
	if config == nil {
		config = &Config{DefaultUID: 1000, DefaultGID: 1000, AttrTimeout: 2 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &CgoFuseFS{core: core, config: config, stats: &Stats{}, log: log}
}

// Mount mounts the filesystem.
func (f *CgoFuseFS) Mount(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mounted {
		return errors.New("filesystem already mounted")
	}

	f.host = fuse.NewFileSystemHost(f)

	options := []string{
		"-o", "fsname=remotefs",
		"-o", "subtype=remotefs",
	}
	if f.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	go func() {
		if ret := f.host.Mount(f.config.MountPoint, options); ret != 0 {
			f.log.Error("cgofuse mount failed", "mountpoint", f.config.MountPoint, "code", ret)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	f.mounted = true
	f.log.Info("mounted", "mountpoint", f.config.MountPoint)
	return nil
}

// Unmount unmounts the filesystem.
func (f *CgoFuseFS) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mounted {
		return errors.New("filesystem not mounted")
	}
	if f.host != nil {
		if ret := f.host.Unmount(); ret != 0 {
			return fmt.Errorf("unmount failed with code: %d", ret)
		}
	}
	f.mounted = false
	f.log.Info("unmounted", "mountpoint", f.config.MountPoint)
	return nil
}

// IsMounted reports whether the filesystem is mounted.
func (f *CgoFuseFS) IsMounted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mounted
}

// GetStats returns a snapshot of current filesystem statistics.
func (f *CgoFuseFS) GetStats() Stats {
	return f.stats.snapshot()
}

// canonical maps a cgofuse absolute path ("/a/b") onto the remote
// service's canonical relative form ("./a/b").
func canonical(path string) (string, error) {
	return pathutil.Normalize(strings.TrimPrefix(path, "/"))
}

// inoFor resolves (allocating if unseen) the ino bound to an absolute
// cgofuse path.
func (f *CgoFuseFS) inoFor(path string) (uint64, int) {
	p, err := canonical(path)
	if err != nil {
		return 0, -fuse.EINVAL
	}
	return f.core.Inodes.InoOf(p), 0
}

// splitParent resolves the (parentIno, name) pair Core's mutating
// upcalls expect from an absolute cgofuse path.
func (f *CgoFuseFS) splitParent(path string) (uint64, string, int) {
	p, err := canonical(path)
	if err != nil {
		return 0, "", -fuse.EINVAL
	}
	parentIno := f.core.Inodes.InoOf(pathutil.Parent(p))
	return parentIno, pathutil.Base(p), 0
}

func cgofuseErrno(err error) int {
	if err == nil {
		return 0
	}
	var rfe *rferrors.Error
	if errors.As(err, &rfe) {
		switch rfe.Code {
		case rferrors.CodeNotFound:
			return -fuse.ENOENT
		case rferrors.CodeAlreadyExists:
			return -fuse.EEXIST
		case rferrors.CodeInvalidArgument:
			return -fuse.EINVAL
		case rferrors.CodePermissionDenied:
			return -fuse.EACCES
		case rferrors.CodeNotADirectory:
			return -fuse.ENOTDIR
		case rferrors.CodeIsADirectory:
			return -fuse.EISDIR
		case rferrors.CodeTooLarge:
			return -fuse.EFBIG
		case rferrors.CodeCanceled:
			return -fuse.EINTR
		}
	}
	return -fuse.EIO
}

func fillStat(stat *fuse.Stat_t, a cache.Attr) {
	stat.Mode = attrMode(a)
	stat.Size = a.Size
	stat.Nlink = uint32(a.Nlink)
	stat.Uid = a.Uid
	stat.Gid = a.Gid
	stat.Mtim.Sec = a.Mtime.Unix()
	stat.Atim.Sec = a.Atime.Unix()
	stat.Ctim.Sec = a.Ctime.Unix()
}

// Getattr gets file attributes.
func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	start := time.Now()
	defer func() { f.stats.recordLookup(time.Since(start)) }()

	ino, errno := f.inoFor(path)
	if errno != 0 {
		return errno
	}
	attr, err := f.core.Getattr(context.Background(), ino)
	if err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	fillStat(stat, attr)
	return 0
}

// Mkdir creates a new directory.
func (f *CgoFuseFS) Mkdir(path string, mode uint32) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	parentIno, name, errno := f.splitParent(path)
	if errno != 0 {
		return errno
	}
	if _, err := f.core.Mkdir(context.Background(), parentIno, name, mode); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Rmdir removes a directory.
func (f *CgoFuseFS) Rmdir(path string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	parentIno, name, errno := f.splitParent(path)
	if errno != 0 {
		return errno
	}
	if err := f.core.Rmdir(context.Background(), parentIno, name); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	f.stats.recordDelete()
	return 0
}

// Unlink removes a file.
func (f *CgoFuseFS) Unlink(path string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	parentIno, name, errno := f.splitParent(path)
	if errno != 0 {
		return errno
	}
	if err := f.core.Unlink(context.Background(), parentIno, name); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	f.stats.recordDelete()
	return 0
}

// Rename moves oldpath to newpath, which may cross directories.
func (f *CgoFuseFS) Rename(oldpath string, newpath string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	oldParentIno, oldName, errno := f.splitParent(oldpath)
	if errno != 0 {
		return errno
	}
	newParentIno, newName, errno := f.splitParent(newpath)
	if errno != 0 {
		return errno
	}
	if err := f.core.Rename(context.Background(), oldParentIno, oldName, newParentIno, newName); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Chmod changes a file's permission bits.
func (f *CgoFuseFS) Chmod(path string, mode uint32) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	ino, errno := f.inoFor(path)
	if errno != 0 {
		return errno
	}
	if _, err := f.core.Setattr(context.Background(), ino, fscore.SetattrIn{Mode: &mode}); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Truncate changes a file's size.
func (f *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	ino, errno := f.inoFor(path)
	if errno != 0 {
		return errno
	}
	if _, err := f.core.Setattr(context.Background(), ino, fscore.SetattrIn{Size: &size}); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Utimens sets access/modification times.
func (f *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	ino, errno := f.inoFor(path)
	if errno != 0 {
		return errno
	}
	var in fscore.SetattrIn
	if len(tmsp) > 0 {
		a := tmsp[0].Sec
		in.Atime = &a
	}
	if len(tmsp) > 1 {
		m := tmsp[1].Sec
		in.Mtime = &m
	}
	if _, err := f.core.Setattr(context.Background(), ino, in); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Create creates and opens a new file.
func (f *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	if f.config.ReadOnly {
		return -fuse.EROFS, ^uint64(0)
	}
	parentIno, name, errno := f.splitParent(path)
	if errno != 0 {
		return errno, ^uint64(0)
	}
	_, fh, err := f.core.Create(context.Background(), parentIno, name, mode)
	if err != nil {
		f.stats.recordError()
		return cgofuseErrno(err), ^uint64(0)
	}
	f.stats.recordCreate()
	return 0, fh
}

// Open opens an existing file.
func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	f.stats.recordOpen()

	ino, errno := f.inoFor(path)
	if errno != 0 {
		return errno, ^uint64(0)
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

	fh, err := f.core.Open(context.Background(), ino, hflags)
	if err != nil {
		f.stats.recordError()
		return cgofuseErrno(err), ^uint64(0)
	}
	return 0, fh
}

// Read reads from a file.
func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	data, err := f.core.Read(context.Background(), fh, ofst, len(buff))
	if err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	copy(buff, data)
	f.stats.recordRead(time.Since(start), len(data))
	return len(data)
}

// Write writes to a file.
func (f *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	start := time.Now()
	n, err := f.core.Write(context.Background(), fh, ofst, buff)
	if err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	f.stats.recordWrite(time.Since(start), n)
	return n
}

// Flush finalizes any in-flight upload without closing the handle.
func (f *CgoFuseFS) Flush(path string, fh uint64) int {
	if err := f.core.Flush(context.Background(), fh); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Fsync behaves like Flush; there is nothing else buffered.
func (f *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	if err := f.core.Fsync(context.Background(), fh, datasync); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Release closes a file, awaiting any final upload completion.
func (f *CgoFuseFS) Release(path string, fh uint64) int {
	if err := f.core.Release(context.Background(), fh); err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}
	return 0
}

// Readdir reads directory contents.
func (f *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	ino, errno := f.inoFor(path)
	if errno != 0 {
		return errno
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	entries, err := f.core.Readdir(context.Background(), ino)
	if err != nil {
		f.stats.recordError()
		return cgofuseErrno(err)
	}

	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Kind == cache.KindDir {
			mode = fuse.S_IFDIR
		}
		stat := &fuse.Stat_t{Mode: mode}
		if !fill(e.Name, stat, 0) {
			break
		}
	}
	return 0
}

// Statfs reports aggregate filesystem usage.
func (f *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	info, err := f.core.Statfs(context.Background())
	if err != nil {
		return cgofuseErrno(err)
	}
	stat.Bsize = uint64(info.Bsize)
	stat.Blocks = info.Blocks
	stat.Bfree = info.Bfree
	stat.Bavail = info.Bavail
	stat.Files = info.Files
	stat.Ffree = info.Ffree
	return 0
}
