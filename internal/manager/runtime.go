package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"astoria/internal/bus"
	"astoria/internal/faults"
	"astoria/internal/ipc"
	"astoria/internal/logging"
	"astoria/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Runtime.
type Options struct {
	Prefix string
	Bus    bus.Client
	Logger *slog.Logger
	// RequestTimeout bounds calls made through Requester.
	RequestTimeout time.Duration
}

// Will returns the last-will a manager's bus client must register at connect.
func Will(prefix, name string) *bus.Will {
	return &bus.Will{
		Topic:   ipc.StatusTopic(prefix, name),
		Payload: ipc.NewStatusMessage(name, false),
	}
}

// Runtime drives one manager implementation.
type Runtime struct {
	impl      Implementation
	name      string
	deps      []string
	prefix    string
	client    bus.Client
	logger    *slog.Logger
	responder *ipc.Responder
	requester *ipc.Requester
	timeout   time.Duration
	events    *eventQueue

	// Loop-owned state.
	ctx         context.Context
	phase       Phase
	connected   bool
	depsOnline  map[string]bool
	mainStarted bool
	current     []byte
	published   []byte

	viewMu sync.RWMutex
	view   State
}

// New builds a Runtime for impl.
func New(impl Implementation, opts Options) (*Runtime, error) {
	if impl == nil || opts.Bus == nil {
		return nil, errors.New("manager runtime requires an implementation and a bus client")
	}
	name := impl.Name()
	deps := slices.Clone(impl.Dependencies())
	slices.Sort(deps)
	logger := logging.NewComponentLogger(opts.Logger, "runtime").With(logging.String(logging.FieldManager, name))

	rt := &Runtime{
		impl:       impl,
		name:       name,
		deps:       deps,
		prefix:     opts.Prefix,
		client:     opts.Bus,
		logger:     logger,
		timeout:    opts.RequestTimeout,
		events:     newEventQueue(),
		phase:      PhaseStarting,
		depsOnline: make(map[string]bool, len(deps)),
	}
	rt.responder = ipc.NewResponder(opts.Bus, opts.Prefix, name, rt.dispatch, opts.Logger)
	rt.responder.Observe(func(kind, outcome string) {
		metrics.ObserveRequest(name, kind, outcome)
	})
	rt.requester = ipc.NewRequester(opts.Bus, opts.Prefix, name, opts.Logger)
	rt.requester.Observe(func(target, kind, outcome string) {
		if outcome == "timeout" {
			metrics.ObserveRequestTimeout(target, kind)
		}
	})
	rt.updateView()
	return rt, nil
}

// Name returns the manager name.
func (rt *Runtime) Name() string { return rt.name }

// Prefix returns the topic prefix.
func (rt *Runtime) Prefix() string { return rt.prefix }

// Logger returns the manager logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Bus returns the underlying bus client.
func (rt *Runtime) Bus() bus.Client { return rt.client }

// Requester issues RPCs to other managers. Calls block and must not be made
// from the event loop.
func (rt *Runtime) Requester() *ipc.Requester { return rt.requester }

// RequestTimeout is the configured default RPC timeout.
func (rt *Runtime) RequestTimeout() time.Duration { return rt.timeout }

// Post queues fn to run on the event loop. It is safe to call from any
// goroutine and never blocks. It reports false once the loop has stopped.
func (rt *Runtime) Post(fn func()) bool {
	return rt.events.push(fn)
}

func (rt *Runtime) dispatch(fn func()) {
	if !rt.Post(fn) {
		rt.logger.Debug("dropping event after shutdown")
	}
}

// HandleRequest serves requests of kind on the event loop. The handler may
// keep reply and call it later; the request is answered once.
func (rt *Runtime) HandleRequest(kind string, handler ipc.RequestHandler) {
	rt.responder.Handle(kind, handler)
}

// Subscribe delivers messages matching pattern on the event loop.
func (rt *Runtime) Subscribe(pattern string, handler bus.Handler) error {
	return rt.client.Subscribe(pattern, func(msg bus.Message) {
		rt.dispatch(func() { handler(msg) })
	})
}

// WatchState delivers the decoded retained state of another manager on the
// event loop. Payloads with an unsupported schema version are logged and
// dropped.
func (rt *Runtime) WatchState(manager string, handler func(ipc.StateEnvelope)) error {
	return rt.Subscribe(ipc.StateTopic(rt.prefix, manager), func(msg bus.Message) {
		var env ipc.StateEnvelope
		if err := ipc.Decode(msg.Payload, &env); err != nil {
			logging.WarnWithContext(rt.logger, "ignoring state message", "state_decode",
				logging.Topic(msg.Topic),
				logging.Error(err),
				logging.String(logging.FieldImpact, "state from "+manager+" not applied"),
			)
			return
		}
		handler(env)
	})
}

// Phase returns the current phase. Loop only.
func (rt *Runtime) Phase() Phase { return rt.phase }

// Online reports whether the manager is online. Loop only.
func (rt *Runtime) Online() bool { return rt.phase == PhaseOnline }

// DependencyOnline reports the last observed status of dep. Loop only.
func (rt *Runtime) DependencyOnline(dep string) bool { return rt.depsOnline[dep] }

// SetState records the manager's owned state and publishes it retained when
// it differs from what was last published. Loop only.
func (rt *Runtime) SetState(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, rt.name, "set state", "encode state", err)
	}
	payload, err := ipc.Encode(ipc.StateEnvelope{
		Version:        ipc.SchemaVersion,
		Manager:        rt.name,
		Status:         ipc.StatusRunning,
		AstoriaVersion: ipc.AstoriaVersion,
		State:          raw,
	})
	if err != nil {
		return err
	}
	rt.current = payload
	return rt.publishState()
}

func (rt *Runtime) publishState() error {
	if rt.phase != PhaseOnline || !rt.connected || rt.current == nil {
		return nil
	}
	if bytes.Equal(rt.current, rt.published) {
		return nil
	}
	if err := rt.client.Publish(ipc.StateTopic(rt.prefix, rt.name), rt.current, true); err != nil {
		logging.ErrorFromFault(rt.logger, "publish state failed", faults.Kind(err), err)
		return err
	}
	rt.published = rt.current
	metrics.ObserveStatePublish(rt.name)
	rt.updateView()
	return nil
}

// Snapshot returns a copy of the manager state. Safe from any goroutine.
func (rt *Runtime) Snapshot() State {
	rt.viewMu.RLock()
	defer rt.viewMu.RUnlock()
	view := rt.view
	view.Dependencies = slices.Clone(view.Dependencies)
	view.LastPublished = slices.Clone(view.LastPublished)
	return view
}

func (rt *Runtime) updateView() {
	rt.viewMu.Lock()
	defer rt.viewMu.Unlock()
	rt.view = State{
		Name:          rt.name,
		Dependencies:  rt.deps,
		Online:        rt.phase == PhaseOnline,
		Phase:         rt.phase,
		Connected:     rt.connected,
		LastPublished: rt.published,
	}
}

// Run starts the manager and blocks until ctx is canceled, then shuts down
// gracefully. Errors are returned only when startup fails.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.ctx = ctx
	if err := rt.impl.Init(rt); err != nil {
		return fmt.Errorf("init %s: %w", rt.name, err)
	}
	for _, dep := range rt.deps {
		if err := rt.client.Subscribe(ipc.StatusTopic(rt.prefix, dep), rt.onDependencyMessage(dep)); err != nil {
			return fmt.Errorf("subscribe %s status: %w", dep, err)
		}
	}
	if err := rt.responder.Start(); err != nil {
		return fmt.Errorf("start responder: %w", err)
	}
	rt.client.OnConnect(func() { rt.dispatch(rt.onConnected) })
	rt.client.OnConnectionLost(func(err error) { rt.dispatch(func() { rt.onConnectionLost(err) }) })

	rt.logger.Info("manager starting", logging.Int("dependencies", len(rt.deps)))
	if err := rt.client.Connect(ctx); err != nil {
		rt.events.close()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			rt.shutdown()
			return nil
		case <-rt.events.notify:
			for _, fn := range rt.events.drain() {
				fn()
				if ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (rt *Runtime) onDependencyMessage(dep string) bus.Handler {
	return func(msg bus.Message) {
		var status ipc.StatusMessage
		if err := ipc.Decode(msg.Payload, &status); err != nil {
			logging.WarnWithContext(rt.logger, "ignoring dependency status", "status_decode",
				logging.Topic(msg.Topic),
				logging.Error(err),
				logging.String(logging.FieldImpact, "dependency treated as unchanged"),
			)
			return
		}
		online := status.Online()
		rt.dispatch(func() { rt.setDependency(dep, online) })
	}
}

func (rt *Runtime) setDependency(dep string, online bool) {
	if rt.phase == PhaseOffline {
		return
	}
	prev, seen := rt.depsOnline[dep]
	rt.depsOnline[dep] = online
	if seen && prev == online {
		return
	}
	rt.logger.Info("dependency status changed", logging.String("dependency", dep), logging.Bool("online", online))
	if observer, ok := rt.impl.(DependencyObserver); ok && rt.phase == PhaseOnline {
		observer.DependencyChanged(dep, online)
	}
	rt.checkDependencies()
}

func (rt *Runtime) checkDependencies() {
	if rt.phase != PhaseWaiting || !rt.connected {
		return
	}
	for _, dep := range rt.deps {
		if !rt.depsOnline[dep] {
			return
		}
	}
	rt.goOnline()
}

func (rt *Runtime) onConnected() {
	if rt.phase == PhaseOffline {
		return
	}
	rt.connected = true
	rt.setPhase(PhaseWaiting)
	if len(rt.deps) > 0 {
		rt.logger.Info("waiting for dependencies", logging.String("dependencies", fmt.Sprint(rt.deps)))
	}
	rt.checkDependencies()
}

func (rt *Runtime) onConnectionLost(err error) {
	if rt.phase == PhaseOffline {
		return
	}
	rt.connected = false
	clear(rt.depsOnline)
	rt.setPhase(PhaseWaiting)
	logging.WarnWithContext(rt.logger, "bus connection lost", "bus_disconnect",
		logging.Error(err),
		logging.String(logging.FieldImpact, "status reads offline until reconnected"),
		logging.String(logging.FieldErrorHint, "reconnect is automatic; check the broker"),
	)
}

func (rt *Runtime) goOnline() {
	rt.setPhase(PhaseOnline)
	if err := rt.client.Publish(ipc.StatusTopic(rt.prefix, rt.name), ipc.NewStatusMessage(rt.name, true), true); err != nil {
		logging.ErrorFromFault(rt.logger, "publish online status failed", faults.Kind(err), err)
	}
	rt.published = nil
	_ = rt.publishState()
	rt.logger.Info("manager online")

	if !rt.mainStarted {
		rt.mainStarted = true
		rt.impl.Main(rt.ctx)
	}
}

func (rt *Runtime) setPhase(phase Phase) {
	if rt.phase == phase {
		return
	}
	rt.logger.Debug("phase transition", logging.String("from", string(rt.phase)), logging.String("to", string(phase)))
	rt.phase = phase
	metrics.SetManagerOnline(rt.name, phase == PhaseOnline)
	rt.updateView()
}

func (rt *Runtime) shutdown() {
	wasConnected := rt.connected
	rt.setPhase(PhaseOffline)
	rt.events.close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	rt.impl.Shutdown(ctx)

	if err := rt.responder.Stop(); err != nil {
		rt.logger.Debug("stop responder", logging.Error(err))
	}
	if wasConnected {
		if offline := rt.impl.OfflineState(); offline != nil {
			if raw, err := json.Marshal(offline); err == nil {
				payload, _ := ipc.Encode(ipc.StateEnvelope{
					Version:        ipc.SchemaVersion,
					Manager:        rt.name,
					Status:         ipc.StatusStopped,
					AstoriaVersion: ipc.AstoriaVersion,
					State:          raw,
				})
				_ = rt.client.Publish(ipc.StateTopic(rt.prefix, rt.name), payload, true)
			}
		}
		_ = rt.client.Publish(ipc.StatusTopic(rt.prefix, rt.name), ipc.NewStatusMessage(rt.name, false), true)
	}
	if err := rt.client.Disconnect(ctx); err != nil {
		rt.logger.Debug("disconnect", logging.Error(err))
	}
	rt.logger.Info("manager stopped")
}
