package diskd

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"astoria/internal/config"
	"astoria/internal/disks"
	"astoria/internal/ipc"
	"astoria/internal/logging"
	"astoria/internal/manager"
	"astoria/internal/metrics"
)

// Options configures the disk manager.
type Options struct {
	Config     config.DiskManager
	Classifier *disks.Classifier
	Logger     *slog.Logger
}

// Manager is the astdiskd implementation.
type Manager struct {
	cfg        config.DiskManager
	scanner    Scanner
	classifier *disks.Classifier
	logger     *slog.Logger
	rt         *manager.Runtime

	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	udev    *udevMonitor
	watcher *rootWatcher

	// Loop-owned.
	mounted disks.Inventory
	static  map[string]disks.Volume
}

// New builds the disk manager.
func New(opts Options) *Manager {
	classifier := opts.Classifier
	if classifier == nil {
		classifier = disks.DefaultClassifier()
	}
	m := &Manager{
		cfg: opts.Config,
		scanner: Scanner{
			MountTable: opts.Config.MountTable,
			UUIDDir:    opts.Config.UUIDDir,
			MountRoot:  opts.Config.MountRoot,
			Ignored:    opts.Config.IgnoredMounts,
		},
		classifier: classifier,
		logger:     logging.NewComponentLogger(opts.Logger, "disk-manager"),
		kick:       make(chan struct{}, 1),
		mounted:    disks.Inventory{},
		static:     make(map[string]disks.Volume),
	}
	if opts.Config.Udev {
		m.udev = newUdevMonitor(opts.Logger, m.Rescan)
	}
	if opts.Config.MountRoot != "" {
		m.watcher = newRootWatcher(opts.Config.MountRoot, opts.Logger, m.Rescan)
	}
	return m
}

func (m *Manager) Name() string           { return ipc.ManagerDisk }
func (m *Manager) Dependencies() []string { return nil }

// OfflineState is an empty inventory.
func (m *Manager) OfflineState() any {
	return disks.Snapshot{Disks: disks.Inventory{}}
}

// Init registers the static disk handlers.
func (m *Manager) Init(rt *manager.Runtime) error {
	m.rt = rt
	rt.HandleRequest(ipc.KindAddStaticDisk, m.handleAddStatic)
	rt.HandleRequest(ipc.KindRemoveStaticDisk, m.handleRemoveStatic)
	rt.HandleRequest(ipc.KindRemoveAllStaticDisks, m.handleRemoveAllStatic)
	return nil
}

// Main publishes the initial inventory and starts the scan triggers.
func (m *Manager) Main(ctx context.Context) {
	m.publish()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.scanLoop(ctx)
	}()
	if err := m.udev.Start(ctx); err != nil {
		m.logger.Warn("udev monitor unavailable", logging.Error(err))
	}
	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			m.logger.Warn("mount root watcher unavailable", logging.Error(err))
		}
	}
	m.Rescan("startup")
}

// Shutdown stops the triggers and the scan loop.
func (m *Manager) Shutdown(context.Context) {
	m.udev.Stop()
	if m.watcher != nil {
		m.watcher.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Rescan requests a scan of the mount table. Requests arriving while a scan
// is pending are coalesced. Safe from any goroutine.
func (m *Manager) Rescan(reason string) {
	select {
	case m.kick <- struct{}{}:
		m.logger.Debug("rescan requested", logging.String("reason", reason))
	default:
	}
}

func (m *Manager) scanLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.RescanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		case <-ticker.C:
		}
		found, err := m.scanner.Scan()
		if err != nil {
			logging.WarnWithContext(m.logger, "mount scan failed", "mount_scan_failed",
				logging.Error(err),
				logging.String("mount_table", m.scanner.MountTable),
				logging.String(logging.FieldImpact, "inventory unchanged until the next scan"),
			)
			continue
		}
		if !m.rt.Post(func() { m.applyScan(found) }) {
			return
		}
	}
}

// applyScan reconciles the mounted volumes with a scan result. Loop only.
func (m *Manager) applyScan(found map[string]string) {
	changed := false
	for _, vol := range m.mounted.Sorted() {
		if path, ok := found[vol.UUID]; ok && path == vol.MountPath {
			continue
		}
		delete(m.mounted, vol.UUID)
		m.removed(vol)
		changed = true
	}
	for _, id := range slices.Sorted(maps.Keys(found)) {
		if _, ok := m.mounted[id]; ok {
			continue
		}
		vol := m.classify(id, found[id])
		m.mounted[id] = vol
		m.added(vol)
		changed = true
	}
	if changed {
		m.publish()
	}
}

func (m *Manager) classify(id, path string) disks.Volume {
	category, errs := m.classifier.Explain(path)
	for _, err := range errs {
		logging.WarnWithContext(m.logger, "classification check failed", "classify_error",
			logging.DiskUUID(id),
			logging.String("mount_path", path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "treated as not matching"),
		)
	}
	return disks.Volume{UUID: id, MountPath: path, Category: category}
}

func (m *Manager) added(vol disks.Volume) {
	m.logger.Info("disk inserted",
		logging.String(logging.FieldEventType, "disk_inserted"),
		logging.DiskUUID(vol.UUID),
		logging.String("mount_path", vol.MountPath),
		logging.String("category", string(vol.Category)),
	)
	metrics.ObserveDiskEvent("insert", string(vol.Category))
}

func (m *Manager) removed(vol disks.Volume) {
	m.logger.Info("disk removed",
		logging.String(logging.FieldEventType, "disk_removed"),
		logging.DiskUUID(vol.UUID),
		logging.String("mount_path", vol.MountPath),
		logging.String("category", string(vol.Category)),
	)
	metrics.ObserveDiskEvent("remove", string(vol.Category))
}

// Inventory merges mounted and static volumes. Loop only.
func (m *Manager) Inventory() disks.Inventory {
	inv := m.mounted.Clone()
	for _, vol := range m.static {
		inv[vol.UUID] = vol
	}
	return inv
}

func (m *Manager) publish() {
	if err := m.rt.SetState(disks.Snapshot{Disks: m.Inventory()}); err != nil {
		m.logger.Warn("publish inventory failed", logging.Error(err))
	}
}
