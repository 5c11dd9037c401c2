//go:build !cgofuse
// +build !cgofuse

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

// CreatePlatformMountManager creates the go-fuse mount manager, the
// default binding on Linux.
func CreatePlatformMountManager(core *fscore.Core, config *MountConfig, log *slog.Logger) PlatformFileSystem {
	fsConfig := &Config{MountPoint: config.MountPoint}
	if config.Options != nil {
		fsConfig.ReadOnly = config.Options.ReadOnly
		fsConfig.AllowOther = config.Options.AllowOther
		fsConfig.AttrTimeout = config.Options.AttrTimeout
	}
	if config.Permissions != nil {
		fsConfig.DefaultUID = config.Permissions.UID
		fsConfig.DefaultGID = config.Permissions.GID
	}

	filesystem := NewFileSystem(core, fsConfig)
	return NewMountManager(filesystem, config, log)
}
