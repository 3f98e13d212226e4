package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"astoria/internal/bus"
	"astoria/internal/faults"
	"astoria/internal/logging"
)

const seenCapacity = 1024

// Reply answers a request. Only the first call has any effect.
type Reply func(success bool, reason string)

// RequestHandler serves one request kind. It may call reply later, from any
// goroutine, once the outcome is known.
type RequestHandler func(ctx context.Context, req RequestEnvelope, reply Reply)

// Responder serves requests addressed to one manager.
type Responder struct {
	client   bus.Client
	prefix   string
	manager  string
	logger   *slog.Logger
	dispatch func(func())

	mu       sync.Mutex
	handlers map[string]RequestHandler
	seen     *seenSet
	observe  func(kind, outcome string)
}

// NewResponder creates a Responder. Handlers are run through dispatch, which
// lets a manager serialize them on its event loop; nil runs them inline.
func NewResponder(client bus.Client, prefix, manager string, dispatch func(func()), logger *slog.Logger) *Responder {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Responder{
		client:   client,
		prefix:   prefix,
		manager:  manager,
		logger:   logging.NewComponentLogger(logger, "ipc-responder"),
		dispatch: dispatch,
		handlers: make(map[string]RequestHandler),
		seen:     newSeenSet(seenCapacity),
	}
}

// Handle registers the handler for kind.
func (r *Responder) Handle(kind string, handler RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Observe registers a callback receiving (kind, outcome) for every answered
// request.
func (r *Responder) Observe(fn func(kind, outcome string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = fn
}

// Start subscribes to the manager's request topics.
func (r *Responder) Start() error {
	return r.client.Subscribe(RequestWildcard(r.prefix, r.manager), r.onMessage)
}

// Stop unsubscribes from the manager's request topics.
func (r *Responder) Stop() error {
	return r.client.Unsubscribe(RequestWildcard(r.prefix, r.manager))
}

func (r *Responder) onMessage(msg bus.Message) {
	var req RequestEnvelope
	if err := Decode(msg.Payload, &req); err != nil {
		logging.WarnWithContext(r.logger, "rejecting request", "ipc_decode",
			logging.Topic(msg.Topic),
			logging.Error(err),
			logging.String(logging.FieldImpact, "request ignored"),
			logging.String(logging.FieldErrorHint, "check the sender's schema version"),
		)
		return
	}
	if req.RequestID == "" || req.RequestID != LastLevel(msg.Topic) {
		logging.WarnWithContext(r.logger, "request id does not match topic", "ipc_mismatch",
			logging.Topic(msg.Topic),
			logging.RequestID(req.RequestID),
			logging.String(logging.FieldImpact, "request ignored"),
		)
		return
	}
	if !r.seen.add(req.RequestID) {
		r.logger.Debug("dropping duplicate request", logging.RequestID(req.RequestID))
		return
	}

	r.mu.Lock()
	handler, ok := r.handlers[req.Kind]
	r.mu.Unlock()

	reply := r.replier(req)
	ctx := logging.WithRequestID(context.Background(), req.RequestID)
	if !ok {
		reply(false, fmt.Sprintf("unknown request kind %q", req.Kind))
		return
	}
	r.dispatch(func() {
		r.logger.Debug("serving request",
			logging.RequestID(req.RequestID),
			logging.String("kind", req.Kind),
			logging.String("sender", req.SenderName),
		)
		handler(ctx, req, reply)
	})
}

func (r *Responder) replier(req RequestEnvelope) Reply {
	var once sync.Once
	return func(success bool, reason string) {
		once.Do(func() {
			data, err := Encode(ResponseEnvelope{
				Version:   SchemaVersion,
				RequestID: req.RequestID,
				Success:   success,
				Reason:    reason,
			})
			if err != nil {
				logging.ErrorFromFault(r.logger, "encode response failed", faults.Kind(err), err, logging.RequestID(req.RequestID))
				return
			}
			topic := ResponseTopic(r.prefix, r.manager, req.RequestID)
			if err := r.client.Publish(topic, data, false); err != nil {
				logging.ErrorFromFault(r.logger, "publish response failed", faults.Kind(err), err, logging.RequestID(req.RequestID))
			}
			outcome := "success"
			if !success {
				outcome = "failure"
			}
			r.mu.Lock()
			observe := r.observe
			r.mu.Unlock()
			if observe != nil {
				observe(req.Kind, outcome)
			}
		})
	}
}

// seenSet remembers the most recent request ids.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, capacity), order: make([]string, capacity)}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = struct{}{}
	return true
}
