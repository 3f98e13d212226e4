package metad

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strconv"

	"astoria/internal/config"
	"astoria/internal/disks"
	"astoria/internal/faults"
	"astoria/internal/ipc"
	"astoria/internal/logging"
	"astoria/internal/manager"
	"astoria/internal/metadata"
	"astoria/internal/metrics"
)

// Options configures the metadata manager.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
}

// diskSource binds one volume category to the override source it provides.
type diskSource struct {
	origin    string
	priority  int
	permitted []string
}

var diskSources = map[disks.Category]diskSource{
	disks.CategoryUsercode: {origin: metadata.OriginUsercodeDisk, priority: metadata.PriorityUsercodeDisk, permitted: metadata.UsercodeFields},
	disks.CategoryMetadata: {origin: metadata.OriginMetadataDisk, priority: metadata.PriorityMetadataDisk, permitted: metadata.OverrideFields},
}

// Manager is the astmetad implementation.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	rt     *manager.Runtime

	set       *metadata.Set
	defaults  metadata.Metadata
	cache     *metadata.Cache
	requested map[string]string
	// active maps a category to the uuid of the volume providing its source.
	active map[disks.Category]string
	// usercodeDisk is the usercode volume the published metadata reflects,
	// whether or not its settings were accepted.
	usercodeDisk string
	known        disks.Inventory
}

// New builds the metadata manager.
func New(opts Options) *Manager {
	return &Manager{
		cfg:       opts.Config,
		logger:    logging.NewComponentLogger(opts.Logger, "metadata-manager"),
		requested: make(map[string]string),
		active:    make(map[disks.Category]string),
		known:     disks.Inventory{},
	}
}

func (m *Manager) Name() string           { return ipc.ManagerMetadata }
func (m *Manager) Dependencies() []string { return []string{ipc.ManagerDisk} }

// DefaultFields returns the lowest priority fields derived from cfg.
func DefaultFields(cfg config.MetadataManager) map[string]string {
	fields := map[string]string{
		metadata.FieldVersion:     metadata.SchemaVersion,
		metadata.FieldArena:       cfg.Arena,
		metadata.FieldZone:        strconv.Itoa(cfg.Zone),
		metadata.FieldMode:        string(metadata.ModeDevelopment),
		metadata.FieldWifiRegion:  cfg.WifiRegion,
		metadata.FieldWifiEnabled: "true",
	}
	if cfg.GameTimeout > 0 {
		fields[metadata.FieldGameTimeout] = strconv.Itoa(cfg.GameTimeout)
	}
	return fields
}

// Init builds the source set and registers handlers.
func (m *Manager) Init(rt *manager.Runtime) error {
	m.rt = rt

	defaults := metadata.Source{Origin: metadata.OriginDefaults, Priority: metadata.PriorityDefaults, Fields: DefaultFields(m.cfg.Astmetad)}
	system := metadata.Source{
		Origin:    metadata.OriginSystem,
		Priority:  metadata.PrioritySystem,
		Fields:    metadata.SystemInfo(ipc.AstoriaVersion),
		Permitted: metadata.SystemFields,
	}
	base, err := metadata.NewSet(defaults, system)
	if err != nil {
		return faults.Wrap(faults.ErrConfiguration, "astmetad", "defaults", "", err)
	}
	m.defaults = base.Current()
	m.set = base

	cache, err := metadata.OpenCache(filepath.Join(m.cfg.System.CacheDir, metadata.CacheFile), metadata.CachedFields)
	if err != nil {
		logging.WarnWithContext(m.logger, "metadata cache unavailable", "cache_open_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "hotspot settings will not persist across restarts"),
		)
	} else {
		m.cache = cache
		_ = m.apply(m.cacheSource())
	}

	rt.HandleRequest(ipc.KindMutate, m.handleMutate)
	return rt.WatchState(ipc.ManagerDisk, m.handleDiskState)
}

// Main publishes the current metadata.
func (m *Manager) Main(context.Context) { m.publish() }

// OfflineState is the metadata built from defaults only.
func (m *Manager) OfflineState() any { return metadata.Snapshot{Metadata: m.defaults} }

func (m *Manager) Shutdown(context.Context) {}

// Current returns the authoritative metadata. Loop only.
func (m *Manager) Current() metadata.Metadata { return m.set.Current() }

func (m *Manager) publish() {
	snap := metadata.Snapshot{Metadata: m.set.Current(), UsercodeDisk: m.usercodeDisk}
	if err := m.rt.SetState(snap); err != nil {
		m.logger.Warn("publish metadata failed", logging.Error(err))
	}
}

// apply adds src to the set. A rejected source leaves the metadata untouched.
func (m *Manager) apply(src metadata.Source) error {
	if _, err := m.set.Put(src); err != nil {
		m.reject(src.Origin, err)
		return err
	}
	m.logger.Debug("metadata source applied", logging.String("origin", src.Origin), logging.Int("fields", len(src.Fields)))
	m.afterChange()
	return nil
}

// retract removes the source under origin. If the remaining sources do not
// validate the source stays in place.
func (m *Manager) retract(origin string) error {
	if _, err := m.set.Remove(origin); err != nil {
		m.reject(origin, err)
		return err
	}
	m.logger.Debug("metadata source retracted", logging.String("origin", origin))
	m.afterChange()
	return nil
}

func (m *Manager) reject(origin string, err error) {
	logging.WarnWithContext(m.logger, "metadata source rejected", "metadata_rejected",
		logging.String("origin", origin),
		logging.Error(err),
		logging.String(logging.FieldImpact, "previous metadata retained"),
	)
	metrics.ObserveMetadataRejection(origin)
}

func (m *Manager) cacheSource() metadata.Source {
	return metadata.Source{
		Origin:    metadata.OriginCache,
		Priority:  metadata.PriorityCache,
		Fields:    m.cache.Data(),
		Permitted: metadata.CachedFields,
	}
}

// afterChange persists cached fields, refreshes the cache source and
// republishes.
func (m *Manager) afterChange() {
	current := m.set.Current()
	if m.cache != nil {
		changed, err := m.cache.Update(map[string]string{
			metadata.FieldWifiSSID:   current.WifiSSID,
			metadata.FieldWifiPSK:    current.WifiPSK,
			metadata.FieldWifiRegion: current.WifiRegion,
		})
		if err != nil {
			m.logger.Warn("write metadata cache failed", logging.Error(err), logging.String("path", m.cache.Path()))
		} else if changed {
			m.logger.Debug("metadata cache updated", logging.String("path", m.cache.Path()))
			if _, err := m.set.Put(m.cacheSource()); err != nil {
				m.reject(metadata.OriginCache, err)
			}
		}
	}
	if m.rt != nil && m.rt.Online() {
		m.publish()
	}
}

func (m *Manager) handleDiskState(env ipc.StateEnvelope) {
	var snap disks.Snapshot
	if err := env.DecodeState(&snap); err != nil {
		logging.WarnWithContext(m.logger, "ignoring disk state", "disk_state_decode",
			logging.Error(err),
			logging.String(logging.FieldImpact, "metadata sources unchanged"),
		)
		return
	}
	next := snap.Disks
	if next == nil {
		next = disks.Inventory{}
	}
	added, removed := disks.Diff(m.known, next)
	m.known = next.Clone()
	for _, vol := range removed {
		m.diskRemoved(vol)
	}
	for _, vol := range added {
		m.diskInserted(vol)
	}
	if m.rt != nil && m.rt.Online() {
		m.publish()
	}
}

func (m *Manager) diskInserted(vol disks.Volume) {
	src, ok := diskSources[vol.Category]
	if !ok {
		return
	}
	current := m.active[vol.Category]
	if vol.Category == disks.CategoryUsercode && current == "" {
		current = m.usercodeDisk
	}
	if current != "" && current != vol.UUID {
		logging.WarnWithContext(m.logger, "ignoring additional metadata volume", "metadata_disk_busy",
			logging.DiskUUID(vol.UUID),
			logging.String("category", string(vol.Category)),
			logging.String("active", current),
			logging.String(logging.FieldImpact, "only the first volume of each kind is used"),
		)
		return
	}
	if vol.Category == disks.CategoryUsercode {
		m.usercodeDisk = vol.UUID
	}

	fields, err := m.loadDisk(vol)
	if err != nil {
		m.reject(src.origin, err)
		return
	}
	m.logger.Info("metadata volume inserted",
		logging.DiskUUID(vol.UUID),
		logging.String("category", string(vol.Category)),
		logging.String("mount_path", vol.MountPath),
	)
	m.active[vol.Category] = vol.UUID
	if err := m.apply(metadata.Source{Origin: src.origin, Priority: src.priority, Fields: fields, Permitted: src.permitted}); err != nil {
		delete(m.active, vol.Category)
	}
}

func (m *Manager) loadDisk(vol disks.Volume) (map[string]string, error) {
	switch vol.Category {
	case disks.CategoryUsercode:
		settings, generated, err := metadata.EnsureRobotSettings(vol.MountPath, m.cfg.Astprocd.DefaultUsercodeEntrypoint)
		if err != nil {
			return nil, err
		}
		if generated {
			m.logger.Info("wrote default robot settings", logging.DiskUUID(vol.UUID), logging.String("team", settings.TeamTLA))
		}
		return settings.Fields(), nil
	case disks.CategoryMetadata:
		return metadata.LoadOverrides(filepath.Join(vol.MountPath, metadata.OverrideFile))
	default:
		return nil, fmt.Errorf("no metadata on %s volumes", vol.Category)
	}
}

func (m *Manager) diskRemoved(vol disks.Volume) {
	if vol.Category == disks.CategoryUsercode && m.usercodeDisk == vol.UUID {
		m.usercodeDisk = ""
	}
	src, ok := diskSources[vol.Category]
	if !ok || m.active[vol.Category] != vol.UUID {
		return
	}
	delete(m.active, vol.Category)
	m.logger.Info("metadata volume removed", logging.DiskUUID(vol.UUID), logging.String("category", string(vol.Category)))
	_ = m.retract(src.origin)
}

func (m *Manager) handleMutate(_ context.Context, req ipc.RequestEnvelope, reply ipc.Reply) {
	var payload ipc.MutateRequest
	if err := req.DecodePayload(&payload); err != nil {
		reply(false, err.Error())
		return
	}
	if !slices.Contains(metadata.MutableFields, payload.Attr) {
		reply(false, fmt.Sprintf("%s is not a mutable attribute", payload.Attr))
		return
	}

	next := maps.Clone(m.requested)
	if payload.Value == "" {
		if _, ok := next[payload.Attr]; !ok {
			reply(true, "")
			return
		}
		delete(next, payload.Attr)
	} else {
		next[payload.Attr] = payload.Value
	}

	var err error
	if len(next) == 0 {
		err = m.retract(metadata.OriginMutation)
	} else {
		err = m.apply(metadata.Source{
			Origin:    metadata.OriginMutation,
			Priority:  metadata.PriorityMutation,
			Fields:    next,
			Permitted: metadata.MutableFields,
		})
	}
	if err != nil {
		reply(false, err.Error())
		return
	}
	m.requested = next
	if payload.Value == "" {
		m.logger.Info("metadata override removed by request", logging.String("attr", payload.Attr), logging.RequestID(req.RequestID))
	} else {
		m.logger.Info("metadata overridden by request",
			logging.String("attr", payload.Attr),
			logging.String("value", payload.Value),
			logging.RequestID(req.RequestID),
		)
	}
	reply(true, "")
}
