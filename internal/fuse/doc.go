/*
Package fuse is the kernel-protocol adapter: it translates kernel
FUSE upcalls into calls against internal/fscore.Core, which holds the
remote client, the attribute/dirent cache, the inode table, and the
open-file table.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	│        (ls, cat, cp, vim, databases)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Kernel VFS Layer                │
	│           (POSIX System Calls)               │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               FUSE Driver                    │
	│          (Platform-specific)                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          internal/fuse (this package)        │
	│  ┌─────────────┐         ┌─────────────────┐ │
	│  │ go-fuse      │         │ cgofuse         │ │
	│  │ (Linux,      │         │ (macOS/Windows) │ │
	│  │  default)    │         │                 │ │
	│  └─────────────┘         └─────────────────┘ │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             internal/fscore.Core              │
	│   (the one upcall implementation both         │
	│    bindings above translate onto)             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     remote client → HTTP metadata/byte        │
	│                service                        │
	└─────────────────────────────────────────────┘

# Platform Support

The default build uses github.com/hanwen/go-fuse/v2, an ino-based
kernel binding that matches fscore.Core's own (parentIno, name)-style
method signatures directly. Building with the cgofuse tag switches to
github.com/winfsp/cgofuse/fuse instead, a path-string-addressed binding
used for macOS and Windows mounts; internal/pathutil and
internal/inode.Table.InoOf bridge cgofuse's flat paths onto the same
ino-based Core:

	go build ./...             // go-fuse, Linux default
	go build -tags cgofuse ./... // cgofuse, macOS/Windows

# Configuration

	config := &fuse.MountConfig{
		MountPoint: "/mnt/remote",
		Options: &fuse.MountOptions{
			ReadOnly:     false,
			AllowOther:   true,
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
			AttrTimeout:  2 * time.Second,
			EntryTimeout: 2 * time.Second,
			FSName:       "remotefs",
			Subtype:      "remotefs",
		},
		Permissions: &fuse.Permissions{
			UID:      1000,
			GID:      1000,
			FileMode: 0644,
			DirMode:  0755,
		},
	}

# Usage

	manager := fuse.CreatePlatformMountManager(core, config, log)
	if err := manager.Mount(ctx); err != nil {
		log.Fatal(err)
	}
	defer manager.Unmount()

Once mounted, standard POSIX operations against the mount point pass
straight through the kernel VFS into this package and on to
fscore.Core: open/read/write/close, mkdir/rmdir, rename, stat/chmod/
truncate/utimes, readdir, and statfs. There is no local write-back
cache: every write streams directly to the remote service through the
open-file handle table, and every read issues a fresh ranged request
through the remote client.

# Statistics

Both bindings accumulate a Stats snapshot (lookups, opens, reads,
writes, creates, deletes, byte counters, a rolling average latency per
operation class) retrievable via GetStats, independent of
internal/metrics.Collector's Prometheus counters. The daemon's HTTP
status endpoints report the collector's snapshot; GetStats is not
wired into them.
*/
package fuse
