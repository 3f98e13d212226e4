package procd

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"astoria/internal/config"
	"astoria/internal/disks"
	"astoria/internal/ipc"
	"astoria/internal/logging"
	"astoria/internal/manager"
	"astoria/internal/metadata"
	"astoria/internal/metrics"
)

// LogTopic is the broadcast name user code output is published under.
const LogTopic = "usercode_log"

const defaultTailLines = 200

// Options configures the process manager.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// WorkRoot holds extracted code bundles. Empty means os.TempDir.
	WorkRoot string
	// MetadataWait bounds how long a new usercode volume waits for metadata
	// built from its settings. Zero means the configured request timeout.
	MetadataWait time.Duration
}

// run is one user code lifecycle. Loop only.
type run struct {
	id         string
	vol        disks.Volume
	entrypoint string
	status     CodeStatus
	proc       *Process
	workspace  Workspace
	exitCode   *int

	killRequested bool
	restart       bool
	killWaiters   []ipc.Reply
	restartWaiter []ipc.Reply
}

// Manager is the astprocd implementation.
type Manager struct {
	cfg          *config.Config
	logger       *slog.Logger
	rt           *manager.Runtime
	ledger       *Ledger
	workRoot     string
	metadataWait time.Duration

	ctx context.Context
	wg  sync.WaitGroup

	// Loop-owned.
	known   disks.Inventory
	active  *disks.Volume
	md      metadata.Metadata
	mdDisk  string
	current *run
	started bool
	// pending is the usercode volume waiting for its metadata.
	pending      string
	pendingTimer *time.Timer
}

// New builds the process manager.
func New(opts Options) *Manager {
	wait := opts.MetadataWait
	if wait <= 0 {
		wait = opts.Config.RequestTimeout()
	}
	return &Manager{
		cfg:          opts.Config,
		logger:       logging.NewComponentLogger(opts.Logger, "process-manager"),
		workRoot:     opts.WorkRoot,
		metadataWait: wait,
		ctx:          context.Background(),
		known:        disks.Inventory{},
	}
}

func (m *Manager) Name() string { return ipc.ManagerProcess }

func (m *Manager) Dependencies() []string {
	return []string{ipc.ManagerDisk, ipc.ManagerMetadata}
}

// OfflineState reports no code and no volume.
func (m *Manager) OfflineState() any { return Snapshot{CodeStatus: StatusIdle} }

// Init opens the run ledger and subscribes to disk and metadata state.
func (m *Manager) Init(rt *manager.Runtime) error {
	m.rt = rt

	ledger, err := OpenLedger(filepath.Join(m.cfg.System.CacheDir, LedgerFile))
	if err != nil {
		logging.WarnWithContext(m.logger, "run ledger unavailable", "ledger_open_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "runs will not be recorded"),
		)
	} else {
		m.ledger = ledger
		if n, err := ledger.Abandon(context.Background()); err != nil {
			m.logger.Warn("close abandoned runs failed", logging.Error(err))
		} else if n > 0 {
			m.logger.Info("closed runs left by a previous process", logging.Int("runs", int(n)))
		}
	}

	rt.HandleRequest(ipc.KindKill, m.handleKill)
	rt.HandleRequest(ipc.KindRestart, m.handleRestart)
	if err := rt.WatchState(ipc.ManagerMetadata, m.handleMetadataState); err != nil {
		return err
	}
	return rt.WatchState(ipc.ManagerDisk, m.handleDiskState)
}

// Main publishes the initial status and starts code on an already present
// usercode volume.
func (m *Manager) Main(ctx context.Context) {
	m.ctx = ctx
	m.started = true
	m.publish()
	if m.active != nil {
		m.awaitMetadata(*m.active)
	}
}

// Shutdown terminates any running code before the process exits.
func (m *Manager) Shutdown(ctx context.Context) {
	m.clearPending()
	if r := m.current; r != nil && !r.status.Terminal() && r.proc != nil {
		m.logger.Info("terminating user code for shutdown", logging.PID(r.proc.PID()))
		if err := r.proc.Terminate(ctx, m.cfg.KillGrace()); err != nil {
			m.logger.Warn("terminate user code", logging.Error(err))
		}
		m.record(func(l *Ledger) error {
			return l.Finish(ctx, r.id, StatusKilled, nil, r.proc.Exit().Tail)
		})
		_ = r.workspace.Cleanup()
	}
	m.wg.Wait()
	if err := m.ledger.Close(); err != nil {
		m.logger.Debug("close ledger", logging.Error(err))
	}
}

// Status returns the current status snapshot. Loop only.
func (m *Manager) Status() Snapshot {
	snap := Snapshot{CodeStatus: StatusIdle}
	if m.active == nil {
		return snap
	}
	vol := *m.active
	snap.DiskInfo = &vol
	if r := m.current; r != nil {
		snap.CodeStatus = r.status
		snap.RunID = r.id
		snap.ExitCode = r.exitCode
		if r.proc != nil && !r.status.Terminal() {
			snap.PID = r.proc.PID()
		}
	}
	return snap
}

func (m *Manager) publish() {
	if !m.started {
		return
	}
	if err := m.rt.SetState(m.Status()); err != nil {
		m.logger.Warn("publish status failed", logging.Error(err))
	}
}

func (m *Manager) record(fn func(*Ledger) error) {
	if m.ledger == nil {
		return
	}
	if err := fn(m.ledger); err != nil {
		m.logger.Warn("run ledger write failed", logging.Error(err))
	}
}

func (m *Manager) transition(r *run, to CodeStatus) bool {
	if !CanTransition(r.status, to) {
		m.logger.Error("invalid status transition",
			logging.String("run_id", r.id),
			logging.String("from", string(r.status)),
			logging.String("to", string(to)),
		)
		return false
	}
	m.logger.Debug("status transition",
		logging.String("run_id", r.id),
		logging.String("from", string(r.status)),
		logging.String("to", string(to)),
	)
	r.status = to
	return true
}

func (m *Manager) handleMetadataState(env ipc.StateEnvelope) {
	var snap metadata.Snapshot
	if err := env.DecodeState(&snap); err != nil {
		logging.WarnWithContext(m.logger, "ignoring metadata state", "metadata_state_decode",
			logging.Error(err),
			logging.String(logging.FieldImpact, "previous metadata used for the next run"),
		)
		return
	}
	m.md = snap.Metadata
	m.mdDisk = snap.UsercodeDisk
	if m.pending != "" && m.pending == m.mdDisk && m.active != nil && m.active.UUID == m.pending {
		m.startRun(*m.active)
	}
}

func (m *Manager) handleDiskState(env ipc.StateEnvelope) {
	var snap disks.Snapshot
	if err := env.DecodeState(&snap); err != nil {
		logging.WarnWithContext(m.logger, "ignoring disk state", "disk_state_decode",
			logging.Error(err),
			logging.String(logging.FieldImpact, "user code state unchanged"),
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
}

// DependencyChanged kills user code when the disk manager goes away since the
// volume can no longer be tracked.
func (m *Manager) DependencyChanged(name string, online bool) {
	if name != ipc.ManagerDisk || online {
		return
	}
	logging.WarnWithContext(m.logger, "disk manager offline", "disk_manager_offline",
		logging.String(logging.FieldImpact, "user code stopped until disks are known again"),
	)
	known := m.known
	m.known = disks.Inventory{}
	for _, id := range slices.Sorted(maps.Keys(known)) {
		m.diskRemoved(known[id])
	}
}

func (m *Manager) diskInserted(vol disks.Volume) {
	if vol.Category != disks.CategoryUsercode {
		return
	}
	if m.active != nil {
		logging.WarnWithContext(m.logger, "refusing additional usercode volume", "usercode_disk_busy",
			logging.DiskUUID(vol.UUID),
			logging.String("active", m.active.UUID),
			logging.String(logging.FieldImpact, "only one code volume runs at a time"),
		)
		if err := WriteRefusal(vol.MountPath); err != nil {
			m.logger.Warn("write refusal log failed", logging.DiskUUID(vol.UUID), logging.Error(err))
		}
		return
	}
	m.logger.Info("usercode volume inserted", logging.DiskUUID(vol.UUID), logging.String("mount_path", vol.MountPath))
	active := vol
	m.active = &active
	if m.started {
		m.awaitMetadata(vol)
	}
}

func (m *Manager) diskRemoved(vol disks.Volume) {
	if m.active == nil || m.active.UUID != vol.UUID {
		return
	}
	m.logger.Info("usercode volume removed", logging.DiskUUID(vol.UUID))
	m.active = nil
	m.clearPending()
	if r := m.current; r != nil && !r.status.Terminal() {
		r.restart = false
		m.kill(r)
		return
	}
	m.current = nil
	m.publish()
}

// awaitMetadata starts code on vol once the metadata manager has published
// metadata built from the volume's settings, or once metadataWait runs out.
// Loop only.
func (m *Manager) awaitMetadata(vol disks.Volume) {
	if m.mdDisk == vol.UUID {
		m.startRun(vol)
		return
	}
	m.clearPending()
	m.logger.Debug("waiting for usercode volume metadata", logging.DiskUUID(vol.UUID), logging.String("wait", m.metadataWait.String()))
	id := vol.UUID
	m.pending = id
	m.pendingTimer = time.AfterFunc(m.metadataWait, func() {
		m.rt.Post(func() { m.metadataWaitExpired(id) })
	})
	m.publish()
}

func (m *Manager) metadataWaitExpired(id string) {
	if m.pending != id || m.active == nil || m.active.UUID != id {
		return
	}
	logging.WarnWithContext(m.logger, "no metadata for usercode volume", "usercode_metadata_missing",
		logging.DiskUUID(id),
		logging.String("wait", m.metadataWait.String()),
		logging.String(logging.FieldImpact, "starting with the last known metadata"),
		logging.String(logging.FieldErrorHint, "check that astmetad is running"),
	)
	m.startRun(*m.active)
}

func (m *Manager) clearPending() {
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
		m.pendingTimer = nil
	}
	m.pending = ""
}

// startRun begins a fresh lifecycle on vol. Loop only.
func (m *Manager) startRun(vol disks.Volume) {
	m.clearPending()
	entrypoint := m.md.UsercodeEntrypoint
	if entrypoint == "" {
		entrypoint = m.cfg.Astprocd.DefaultUsercodeEntrypoint
	}
	r := &run{
		id:         uuid.NewString(),
		vol:        vol,
		entrypoint: entrypoint,
		status:     StatusStarting,
	}
	m.current = r
	m.logger.Info("starting user code",
		logging.String(logging.FieldEventType, "usercode_starting"),
		logging.String("run_id", r.id),
		logging.DiskUUID(vol.UUID),
		logging.String("entrypoint", entrypoint),
	)
	m.record(func(l *Ledger) error {
		return l.Begin(m.ctx, Run{
			ID:         r.id,
			DiskUUID:   vol.UUID,
			MountPath:  vol.MountPath,
			Entrypoint: entrypoint,
			Status:     StatusStarting,
			StartedAt:  time.Now(),
		})
	})
	m.publish()

	spec := Spec{
		Env:          m.environment(),
		LogDir:       vol.MountPath,
		InitialLines: m.initialLines(entrypoint),
		TailLines:    m.tailLines(),
		OnLine:       m.broadcaster(r.id),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.launch(r, spec)
	}()
}

// launch prepares the workspace and spawns the process off the loop.
func (m *Manager) launch(r *run, spec Spec) {
	ws, err := PrepareWorkspace(r.vol.MountPath, r.entrypoint, m.workRoot)
	var proc *Process
	if err == nil {
		spec.Dir = ws.Dir
		spec.Command = Command(m.cfg.Astprocd.Interpreter, ws.Dir, r.entrypoint)
		proc, err = Spawn(spec)
		if err != nil {
			_ = ws.Cleanup()
		}
	}
	posted := m.rt.Post(func() { m.launched(r, proc, ws, err) })
	if posted || proc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.KillGrace()+5*time.Second)
	defer cancel()
	_ = proc.Terminate(ctx, m.cfg.KillGrace())
	_ = ws.Cleanup()
}

func (m *Manager) launched(r *run, proc *Process, ws Workspace, err error) {
	if err != nil {
		logging.WarnWithContext(m.logger, "user code failed to start", "usercode_spawn_failed",
			logging.String("run_id", r.id),
			logging.Error(err),
			logging.String(logging.FieldImpact, "code marked crashed"),
			logging.String(logging.FieldErrorHint, "check the entrypoint exists on the code volume"),
		)
		if werr := WriteStartFailure(r.vol.MountPath, err); werr != nil {
			m.logger.Warn("write start failure log", logging.Error(werr))
		}
		m.transition(r, StatusCrashed)
		m.finished(r, nil)
		return
	}

	r.proc = proc
	r.workspace = ws
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-proc.Done()
		m.rt.Post(func() { m.exited(r) })
	}()

	if r.killRequested || m.current != r {
		m.terminate(r)
		return
	}
	m.transition(r, StatusRunning)
	m.logger.Info("user code running",
		logging.String(logging.FieldEventType, "usercode_running"),
		logging.String("run_id", r.id),
		logging.PID(proc.PID()),
	)
	m.record(func(l *Ledger) error { return l.MarkRunning(m.ctx, r.id, proc.PID()) })
	m.publish()
}

func (m *Manager) exited(r *run) {
	exit := r.proc.Exit()
	code := exit.Code
	r.exitCode = &code

	var next CodeStatus
	switch {
	case r.killRequested || exit.Signaled:
		next = StatusKilled
	case exit.Code == 0:
		next = StatusFinished
	default:
		next = StatusCrashed
	}
	if !m.transition(r, next) {
		r.status = next
	}
	if err := r.workspace.Cleanup(); err != nil {
		m.logger.Warn("remove workspace failed", logging.String("dir", r.workspace.Dir), logging.Error(err))
	}
	m.logger.Info("user code exited",
		logging.String(logging.FieldEventType, "usercode_exited"),
		logging.String("run_id", r.id),
		logging.String("status", string(next)),
		logging.Int("exit_code", exit.Code),
		logging.String("signal", exit.Signal),
	)
	m.finished(r, exit.Tail)
}

// finished records a terminal run, publishes it, answers waiters and starts
// the next run if a restart was requested.
func (m *Manager) finished(r *run, tail []string) {
	metrics.ObserveUsercodeRun(string(r.status))
	m.record(func(l *Ledger) error { return l.Finish(m.ctx, r.id, r.status, r.exitCode, tail) })

	current := m.current == r
	volumeGone := m.active == nil || m.active.UUID != r.vol.UUID
	if current && volumeGone {
		m.current = nil
	}
	m.publish()

	for _, reply := range r.killWaiters {
		reply(true, "")
	}
	r.killWaiters = nil
	waiters := r.restartWaiter
	r.restartWaiter = nil

	switch {
	case !current:
	case volumeGone:
		for _, reply := range waiters {
			reply(false, "No usercode volume is inserted.")
		}
	case !r.restart:
		for _, reply := range waiters {
			reply(false, "The restart was superseded by a kill request.")
		}
	default:
		m.startRun(*m.active)
		for _, reply := range waiters {
			reply(true, "")
		}
	}
}

// kill asks a live run to stop. Loop only.
func (m *Manager) kill(r *run) {
	if r.killRequested {
		return
	}
	r.killRequested = true
	if r.proc != nil {
		m.terminate(r)
	}
}

func (m *Manager) terminate(r *run) {
	proc := r.proc
	grace := m.cfg.KillGrace()
	m.logger.Info("killing user code", logging.String("run_id", r.id), logging.PID(proc.PID()))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := proc.Terminate(m.ctx, grace); err != nil {
			m.logger.Warn("terminate user code", logging.String("run_id", r.id), logging.Error(err))
		}
	}()
}

func (m *Manager) handleKill(_ context.Context, req ipc.RequestEnvelope, reply ipc.Reply) {
	r := m.current
	if r == nil {
		reply(false, "No active usercode lifecycle")
		return
	}
	if r.status.Terminal() {
		reply(true, "")
		return
	}
	m.logger.Info("kill requested", logging.RequestID(req.RequestID), logging.String("run_id", r.id))
	r.restart = false
	r.killWaiters = append(r.killWaiters, reply)
	m.kill(r)
}

func (m *Manager) handleRestart(_ context.Context, req ipc.RequestEnvelope, reply ipc.Reply) {
	if m.active == nil {
		reply(false, "No active usercode lifecycle")
		return
	}
	m.logger.Info("restart requested", logging.RequestID(req.RequestID))
	r := m.current
	if r == nil || r.status.Terminal() {
		m.startRun(*m.active)
		reply(true, "")
		return
	}
	r.restart = true
	r.restartWaiter = append(r.restartWaiter, reply)
	m.kill(r)
}

func (m *Manager) environment() []string {
	env := os.Environ()
	for _, key := range slices.Sorted(maps.Keys(m.cfg.Env)) {
		env = append(env, key+"="+m.cfg.Env[key])
	}
	return env
}

func (m *Manager) initialLines(entrypoint string) []string {
	lines := slices.Clone(m.cfg.System.InitialLogLines)
	lines = append(lines,
		fmt.Sprintf("Astoria Version: %s", ipc.AstoriaVersion),
		fmt.Sprintf("Entrypoint: %s", entrypoint),
	)
	if m.md.Mode != "" {
		lines = append(lines, fmt.Sprintf("Mode: %s, Arena: %s, Zone: %d", m.md.Mode, m.md.Arena, m.md.Zone))
	}
	return lines
}

func (m *Manager) tailLines() int {
	if n := m.cfg.Astprocd.LogTailLines; n > 0 {
		return n
	}
	return defaultTailLines
}

// broadcaster publishes each log line for runID. It is called from the
// output readers, not the loop.
func (m *Manager) broadcaster(runID string) LineFunc {
	client := m.rt.Bus()
	topic := ipc.BroadcastTopic(m.rt.Prefix(), LogTopic)
	return func(priority int, content string) {
		payload, err := ipc.Encode(ipc.UsercodeLogLine{
			Version:  ipc.SchemaVersion,
			RunID:    runID,
			Priority: priority,
			Content:  content,
		})
		if err != nil {
			return
		}
		if err := client.Publish(topic, payload, false); err != nil {
			m.logger.Debug("broadcast log line failed", logging.Error(err))
		}
	}
}
