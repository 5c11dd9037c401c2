package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountManager owns the lifecycle of one go-fuse mount: building FUSE
// options from MountConfig, calling fs.Mount, and tearing the mount
// back down on Unmount.
type MountManager struct {
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	log        *slog.Logger
	mounted    bool
}

// MountConfig contains mount-specific configuration.
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	Options     *MountOptions `yaml:"options"`
	Permissions *Permissions  `yaml:"permissions"`
}

// MountOptions contains FUSE mount options.
type MountOptions struct {
	ReadOnly     bool `yaml:"read_only"`
	AllowOther   bool `yaml:"allow_other"`
	AllowRoot    bool `yaml:"allow_root"`
	DefaultPerms bool `yaml:"default_permissions"`

	MaxRead  uint32 `yaml:"max_read"`
	MaxWrite uint32 `yaml:"max_write"`

	Debug   bool   `yaml:"debug"`
	FSName  string `yaml:"fsname"`
	Subtype string `yaml:"subtype"`

	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// Permissions contains permission settings.
type Permissions struct {
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// NewMountManager creates a new mount manager.
func NewMountManager(filesystem *FileSystem, config *MountConfig, log *slog.Logger) *MountManager {
	if config == nil {
		config = &MountConfig{
			Options: &MountOptions{
				MaxRead:      128 * 1024,
				MaxWrite:     128 * 1024,
				AttrTimeout:  2 * time.Second,
				EntryTimeout: 2 * time.Second,
				FSName:       "remotefs",
				Subtype:      "remotefs",
			},
			Permissions: &Permissions{
				UID:      safeIntToUint32(os.Getuid()),
				GID:      safeIntToUint32(os.Getgid()),
				FileMode: 0644,
				DirMode:  0755,
			},
		}
	}
	if log == nil {
		log = slog.Default()
	}

	return &MountManager{filesystem: filesystem, config: config, log: log}
}

// Mount mounts the filesystem at the configured mount point.
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	opts := m.buildFUSEOptions()

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), opts)
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true

	m.log.Info("mounted", "mountpoint", m.config.MountPoint)

	go func() {
		m.server.Wait()
		m.log.Info("fuse server stopped", "mountpoint", m.config.MountPoint)
		m.mounted = false
	}()

	return nil
}

// Unmount unmounts the filesystem.
func (m *MountManager) Unmount() error {
	if !m.mounted {
		return fmt.Errorf("filesystem is not mounted")
	}
	if m.server == nil {
		return fmt.Errorf("no active server to unmount")
	}

	m.log.Info("unmounting", "mountpoint", m.config.MountPoint)

	if err := m.server.Unmount(); err != nil {
		m.log.Warn("normal unmount failed, trying force unmount", "error", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	m.log.Info("unmounted", "mountpoint", m.config.MountPoint)
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	return m.mounted
}

// GetMountPoint returns the current mount point.
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the mount is torn down.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// GetStats returns filesystem statistics.
func (m *MountManager) GetStats() Stats {
	if m.filesystem != nil {
		return m.filesystem.GetStats()
	}
	return Stats{}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.log.Warn("mount point is not empty", "mountpoint", m.config.MountPoint)
	}

	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}

	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.Options.FSName,
			FsName:      m.config.Options.FSName,
			DirectMount: true,
			Debug:       m.config.Options.Debug,
			AllowOther:  m.config.Options.AllowOther,
			MaxWrite:    int(m.config.Options.MaxWrite),
		},
		AttrTimeout:     &m.config.Options.AttrTimeout,
		EntryTimeout:    &m.config.Options.EntryTimeout,
		NullPermissions: !m.config.Options.DefaultPerms,
	}

	if m.config.Options.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if m.config.Options.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if m.config.Options.FSName != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("fsname=%s", m.config.Options.FSName))
	}
	if m.config.Options.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.config.Options.Subtype))
	}

	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	mountPoint := filepath.Clean(m.config.MountPoint)
	return strings.Contains(string(data), mountPoint)
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}

// MountWatcher periodically checks that the mount's actual kernel
// state still matches what MountManager believes, logging a warning
// on divergence (e.g. an out-of-band `fusermount -u`).
type MountWatcher struct {
	manager  *MountManager
	interval time.Duration
	log      *slog.Logger
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewMountWatcher creates a new mount watcher.
func NewMountWatcher(manager *MountManager, interval time.Duration, log *slog.Logger) *MountWatcher {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &MountWatcher{
		manager:  manager,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the mount watcher in a background goroutine.
func (w *MountWatcher) Start() {
	go w.run()
}

// Stop stops the mount watcher and waits for it to exit.
func (w *MountWatcher) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkMount()
		}
	}
}

func (w *MountWatcher) checkMount() {
	expectedMounted := w.manager.IsMounted()
	actuallyMounted := w.manager.isAlreadyMounted()

	if expectedMounted != actuallyMounted {
		if expectedMounted {
			w.log.Warn("filesystem should be mounted but appears unmounted", "mountpoint", w.manager.GetMountPoint())
		} else {
			w.log.Warn("filesystem should be unmounted but appears mounted", "mountpoint", w.manager.GetMountPoint())
		}
	}
}
