//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"log/slog"

	"github.com/remotefs/remotefs/internal/fscore"
)

// PlatformFileSystem is the lifecycle surface both kernel-protocol
// bindings (go-fuse, cgofuse) present to the daemon, so it need not
// know which one was built in.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetMountPoint() string
	GetStats() Stats
}

// CreatePlatformMountManager creates the cgofuse mount manager, used
// for macOS and Windows mounts.
func CreatePlatformMountManager(core *fscore.Core, config *MountConfig, log *slog.Logger) PlatformFileSystem {
	return NewCgoFuseMountManager(core, config, log)
}
