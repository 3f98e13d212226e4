package manager_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"astoria/internal/bus"
	"astoria/internal/ipc"
	"astoria/internal/manager"
)

const prefix = "astoria"

type fakeImpl struct {
	name string
	deps []string

	rt        *manager.Runtime
	mainCalls atomic.Int32
	shutdowns atomic.Int32

	mu        sync.Mutex
	depEvents []string
	pending   ipc.Reply
}

func (f *fakeImpl) Name() string           { return f.name }
func (f *fakeImpl) Dependencies() []string { return f.deps }
func (f *fakeImpl) OfflineState() any      { return map[string]string{"state": "gone"} }

func (f *fakeImpl) Init(rt *manager.Runtime) error {
	f.rt = rt
	rt.HandleRequest("later", func(_ context.Context, _ ipc.RequestEnvelope, reply ipc.Reply) {
		f.mu.Lock()
		f.pending = reply
		f.mu.Unlock()
	})
	rt.HandleRequest("now", func(_ context.Context, _ ipc.RequestEnvelope, reply ipc.Reply) {
		reply(true, "")
	})
	return nil
}

func (f *fakeImpl) Main(context.Context) { f.mainCalls.Add(1) }

func (f *fakeImpl) Shutdown(context.Context) { f.shutdowns.Add(1) }

func (f *fakeImpl) DependencyChanged(name string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "offline"
	if online {
		state = "online"
	}
	f.depEvents = append(f.depEvents, name+":"+state)
}

func (f *fakeImpl) releasePending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.pending(true, "done")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func retainedStatus(broker *bus.MemoryBroker, name string) string {
	payload, ok := broker.Retained(ipc.StatusTopic(prefix, name))
	if !ok {
		return ""
	}
	var msg ipc.StatusMessage
	if err := ipc.Decode(payload, &msg); err != nil {
		return "invalid"
	}
	return msg.Status
}

func retainedState(t *testing.T, broker *bus.MemoryBroker, name string) (ipc.StateEnvelope, bool) {
	t.Helper()
	payload, ok := broker.Retained(ipc.StateTopic(prefix, name))
	if !ok {
		return ipc.StateEnvelope{}, false
	}
	var env ipc.StateEnvelope
	if err := ipc.Decode(payload, &env); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return env, true
}

type harness struct {
	broker *bus.MemoryBroker
	client *bus.MemoryClient
	impl   *fakeImpl
	rt     *manager.Runtime
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func start(t *testing.T, broker *bus.MemoryBroker, impl *fakeImpl) *harness {
	t.Helper()
	client := broker.NewClient(impl.name, manager.Will(prefix, impl.name), 0)
	rt, err := manager.New(impl, manager.Options{Prefix: prefix, Bus: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{broker: broker, client: client, impl: impl, rt: rt, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = rt.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
	}
}

func announce(t *testing.T, broker *bus.MemoryBroker, name string, online bool) *bus.MemoryClient {
	t.Helper()
	client := broker.NewClient(name+"-fake", nil, 0)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	if err := client.Publish(ipc.StatusTopic(prefix, name), ipc.NewStatusMessage(name, online), true); err != nil {
		t.Fatalf("publish status: %v", err)
	}
	return client
}

func TestRuntimeWaitsForDependencies(t *testing.T) {
	broker := bus.NewMemoryBroker()
	impl := &fakeImpl{name: "astprocd", deps: []string{"astdiskd", "astmetad"}}
	h := start(t, broker, impl)

	waitFor(t, "waiting phase", func() bool { return h.rt.Snapshot().Phase == manager.PhaseWaiting })
	announce(t, broker, "astdiskd", true)
	time.Sleep(50 * time.Millisecond)
	if got := retainedStatus(broker, "astprocd"); got == ipc.StatusOnline {
		t.Fatal("manager went online before every dependency was online")
	}
	if impl.mainCalls.Load() != 0 {
		t.Fatal("main ran before dependencies were online")
	}

	announce(t, broker, "astmetad", true)
	waitFor(t, "online status", func() bool { return retainedStatus(broker, "astprocd") == ipc.StatusOnline })
	waitFor(t, "main", func() bool { return impl.mainCalls.Load() == 1 })

	snap := h.rt.Snapshot()
	if !snap.Online || len(snap.Dependencies) != 2 || snap.Dependencies[0] != "astdiskd" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRuntimeSetStatePublishesOnlyOnChange(t *testing.T) {
	broker := bus.NewMemoryBroker()
	watcher := announce(t, broker, "observer", true)
	var count atomic.Int32
	if err := watcher.Subscribe(ipc.StateTopic(prefix, "astdiskd"), func(bus.Message) { count.Add(1) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	impl := &fakeImpl{name: "astdiskd"}
	h := start(t, broker, impl)
	waitFor(t, "online", func() bool { return retainedStatus(broker, "astdiskd") == ipc.StatusOnline })

	set := func(v any) {
		done := make(chan struct{})
		h.rt.Post(func() {
			if err := h.rt.SetState(v); err != nil {
				t.Errorf("SetState: %v", err)
			}
			close(done)
		})
		<-done
	}
	set(map[string]int{"disks": 1})
	set(map[string]int{"disks": 1})
	set(map[string]int{"disks": 2})

	waitFor(t, "two publishes", func() bool { return count.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Fatalf("state published %d times, want 2", got)
	}
	env, ok := retainedState(t, broker, "astdiskd")
	if !ok || env.Status != ipc.StatusRunning || env.Manager != "astdiskd" || env.Version != ipc.SchemaVersion {
		t.Fatalf("unexpected envelope %+v", env)
	}
	var state map[string]int
	if err := env.DecodeState(&state); err != nil || state["disks"] != 2 {
		t.Fatalf("state = %v, %v", state, err)
	}
}

func TestRuntimeReconnectWaitsForDependenciesAgain(t *testing.T) {
	broker := bus.NewMemoryBroker()
	announce(t, broker, "astdiskd", true)
	impl := &fakeImpl{name: "astmetad", deps: []string{"astdiskd"}}
	h := start(t, broker, impl)
	waitFor(t, "online", func() bool { return retainedStatus(broker, "astmetad") == ipc.StatusOnline })

	h.client.Drop()
	if got := retainedStatus(broker, "astmetad"); got != ipc.StatusOffline {
		t.Fatalf("status after drop = %q, want offline", got)
	}
	waitFor(t, "waiting phase", func() bool { return h.rt.Snapshot().Phase == manager.PhaseWaiting })

	h.client.Restore()
	waitFor(t, "online again", func() bool { return retainedStatus(broker, "astmetad") == ipc.StatusOnline })
	if h.rt.Snapshot().Phase != manager.PhaseOnline {
		t.Fatalf("phase = %s", h.rt.Snapshot().Phase)
	}
	if impl.mainCalls.Load() != 1 {
		t.Fatalf("main ran %d times, want 1", impl.mainCalls.Load())
	}
}

func TestRuntimeReportsDependencyChanges(t *testing.T) {
	broker := bus.NewMemoryBroker()
	dep := announce(t, broker, "astdiskd", true)
	impl := &fakeImpl{name: "astprocd", deps: []string{"astdiskd"}}
	start(t, broker, impl)
	waitFor(t, "online", func() bool { return retainedStatus(broker, "astprocd") == ipc.StatusOnline })

	_ = dep.Publish(ipc.StatusTopic(prefix, "astdiskd"), ipc.NewStatusMessage("astdiskd", false), true)
	waitFor(t, "dependency event", func() bool {
		impl.mu.Lock()
		defer impl.mu.Unlock()
		return len(impl.depEvents) == 1 && impl.depEvents[0] == "astdiskd:offline"
	})
}

func TestRuntimeGracefulShutdownPublishesOffline(t *testing.T) {
	broker := bus.NewMemoryBroker()
	impl := &fakeImpl{name: "astdiskd"}
	h := start(t, broker, impl)
	waitFor(t, "online", func() bool { return retainedStatus(broker, "astdiskd") == ipc.StatusOnline })

	h.cancel()
	select {
	case <-h.done:
		if h.err != nil {
			t.Fatalf("Run returned %v", h.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if got := retainedStatus(broker, "astdiskd"); got != ipc.StatusOffline {
		t.Fatalf("status after shutdown = %q", got)
	}
	env, ok := retainedState(t, broker, "astdiskd")
	if !ok || env.Status != ipc.StatusStopped {
		t.Fatalf("expected STOPPED state envelope, got %+v", env)
	}
	if impl.shutdowns.Load() != 1 {
		t.Fatalf("shutdown ran %d times", impl.shutdowns.Load())
	}
	if h.rt.Snapshot().Phase != manager.PhaseOffline {
		t.Fatalf("phase = %s", h.rt.Snapshot().Phase)
	}
}

func TestRuntimeDeferredReply(t *testing.T) {
	broker := bus.NewMemoryBroker()
	impl := &fakeImpl{name: "astprocd"}
	start(t, broker, impl)
	waitFor(t, "online", func() bool { return retainedStatus(broker, "astprocd") == ipc.StatusOnline })

	caller := announce(t, broker, "cli", true)
	requester := ipc.NewRequester(caller, prefix, "cli", nil)

	resp, err := requester.Call(context.Background(), "astprocd", "now", nil, time.Second)
	if err != nil || !resp.Success {
		t.Fatalf("immediate call: %+v, %v", resp, err)
	}

	result := make(chan ipc.ResponseEnvelope, 1)
	go func() {
		resp, _ := requester.Call(context.Background(), "astprocd", "later", nil, 2*time.Second)
		result <- resp
	}()
	select {
	case <-result:
		t.Fatal("deferred request answered before the handler replied")
	case <-time.After(100 * time.Millisecond):
	}
	waitFor(t, "pending reply", func() bool {
		impl.mu.Lock()
		defer impl.mu.Unlock()
		return impl.pending != nil
	})
	impl.releasePending()
	select {
	case resp := <-result:
		if !resp.Success || resp.Reason != "done" {
			t.Fatalf("unexpected deferred response %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deferred response never arrived")
	}
}

func TestNewRequiresBus(t *testing.T) {
	if _, err := manager.New(&fakeImpl{name: "x"}, manager.Options{}); err == nil {
		t.Fatal("expected error without bus client")
	}
}
