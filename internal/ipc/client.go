package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"astoria/internal/bus"
	"astoria/internal/faults"
	"astoria/internal/logging"
)

// DefaultTimeout bounds a Call when the caller passes zero.
const DefaultTimeout = 5 * time.Second

// Requester issues correlated requests to managers.
type Requester struct {
	client bus.Client
	prefix string
	sender string
	logger *slog.Logger

	// observe, when set, is told the outcome of every call.
	observe func(manager, kind, outcome string)
}

// NewRequester creates a Requester publishing as sender.
func NewRequester(client bus.Client, prefix, sender string, logger *slog.Logger) *Requester {
	return &Requester{
		client: client,
		prefix: prefix,
		sender: sender,
		logger: logging.NewComponentLogger(logger, "ipc-requester"),
	}
}

// Observe registers a callback receiving (manager, kind, outcome) for every
// finished call. Outcome is success, failure, timeout or error.
func (r *Requester) Observe(fn func(manager, kind, outcome string)) {
	r.observe = fn
}

// Call sends a request of the given kind to manager and waits for the
// matching response. The response topic is subscribed before the request is
// published. A call with no response within timeout fails with a
// faults.ErrTimeout error; responses arriving afterwards are ignored.
func (r *Requester) Call(ctx context.Context, manager, kind string, payload any, timeout time.Duration) (ResponseEnvelope, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := uuid.NewString()
	logger := r.logger.With(logging.RequestID(id), logging.String("target", manager), logging.String("kind", kind))

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.record(manager, kind, "error")
			return ResponseEnvelope{}, faults.Wrap(faults.ErrValidation, "ipc", "call", "encode payload", err)
		}
		raw = data
	}
	request, err := Encode(RequestEnvelope{
		Version:    SchemaVersion,
		RequestID:  id,
		SenderName: r.sender,
		Kind:       kind,
		Payload:    raw,
	})
	if err != nil {
		r.record(manager, kind, "error")
		return ResponseEnvelope{}, err
	}

	responses := make(chan ResponseEnvelope, 1)
	responseTopic := ResponseTopic(r.prefix, manager, id)
	handler := func(msg bus.Message) {
		var resp ResponseEnvelope
		if err := Decode(msg.Payload, &resp); err != nil {
			logging.WarnWithContext(logger, "discarding malformed response", "ipc_decode",
				logging.Error(err),
				logging.String(logging.FieldImpact, "response ignored"),
			)
			return
		}
		if resp.RequestID != id {
			return
		}
		select {
		case responses <- resp:
		default:
		}
	}
	if err := r.client.Subscribe(responseTopic, handler); err != nil {
		r.record(manager, kind, "error")
		return ResponseEnvelope{}, faults.Wrap(faults.ErrConnectivity, "ipc", "call", "subscribe response topic", err)
	}
	defer func() {
		_ = r.client.Unsubscribe(responseTopic)
	}()

	if err := r.client.Publish(RequestTopic(r.prefix, manager, id), request, false); err != nil {
		r.record(manager, kind, "error")
		return ResponseEnvelope{}, faults.Wrap(faults.ErrConnectivity, "ipc", "call", "publish request", err)
	}
	logger.Debug("request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-responses:
		if resp.Success {
			r.record(manager, kind, "success")
		} else {
			r.record(manager, kind, "failure")
		}
		return resp, nil
	case <-timer.C:
		r.record(manager, kind, "timeout")
		return ResponseEnvelope{}, faults.Wrap(faults.ErrTimeout, "ipc", "call",
			fmt.Sprintf("no response from %s to %s within %s", manager, kind, timeout), nil)
	case <-ctx.Done():
		r.record(manager, kind, "timeout")
		return ResponseEnvelope{}, faults.Wrap(faults.ErrTimeout, "ipc", "call", "canceled", ctx.Err())
	}
}

func (r *Requester) record(manager, kind, outcome string) {
	if r.observe != nil {
		r.observe(manager, kind, outcome)
	}
}

// Kill asks astprocd to stop the running user code.
func (r *Requester) Kill(ctx context.Context, timeout time.Duration) (ResponseEnvelope, error) {
	return r.Call(ctx, ManagerProcess, KindKill, nil, timeout)
}

// Restart asks astprocd to restart the user code.
func (r *Requester) Restart(ctx context.Context, timeout time.Duration) (ResponseEnvelope, error) {
	return r.Call(ctx, ManagerProcess, KindRestart, nil, timeout)
}

// Mutate asks astmetad to override (or clear, with an empty value) attr.
func (r *Requester) Mutate(ctx context.Context, attr, value string, timeout time.Duration) (ResponseEnvelope, error) {
	return r.Call(ctx, ManagerMetadata, KindMutate, MutateRequest{Attr: attr, Value: value}, timeout)
}

// AddStaticDisk asks astdiskd to treat path as an inserted disk.
func (r *Requester) AddStaticDisk(ctx context.Context, path string, timeout time.Duration) (ResponseEnvelope, error) {
	return r.Call(ctx, ManagerDisk, KindAddStaticDisk, StaticDiskRequest{Path: path}, timeout)
}

// RemoveStaticDisk asks astdiskd to retract the static disk at path.
func (r *Requester) RemoveStaticDisk(ctx context.Context, path string, timeout time.Duration) (ResponseEnvelope, error) {
	return r.Call(ctx, ManagerDisk, KindRemoveStaticDisk, StaticDiskRequest{Path: path}, timeout)
}

// RemoveAllStaticDisks asks astdiskd to retract every static disk.
func (r *Requester) RemoveAllStaticDisks(ctx context.Context, timeout time.Duration) (ResponseEnvelope, error) {
	return r.Call(ctx, ManagerDisk, KindRemoveAllStaticDisks, nil, timeout)
}
