//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"log/slog"

	"github.com/remotefs/remotefs/internal/fscore"
)

// CgoFuseMountManager manages a cgofuse-based mount, mirroring
// MountManager's lifecycle for the go-fuse binding.
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a new cgofuse mount manager bound to core.
func NewCgoFuseMountManager(core *fscore.Core, config *MountConfig, log *slog.Logger) *CgoFuseMountManager {
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

	return &CgoFuseMountManager{
		filesystem: NewCgoFuseFS(core, fsConfig, log),
		config:     config,
	}
}

// Mount mounts the filesystem.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem.
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted reports whether the filesystem is mounted.
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// GetMountPoint returns the configured mount point.
func (m *CgoFuseMountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// GetStats returns filesystem statistics.
func (m *CgoFuseMountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}
