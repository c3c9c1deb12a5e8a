// Package dispatch implements the synchronous in-process router that carries messages
// between the actors of one workflow run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"hdlforge/pkg/logx"
	"hdlforge/pkg/proto"
)

var (
	// ErrDuplicateActor is returned by Register when the name is already taken.
	ErrDuplicateActor = errors.New("actor already registered")
	// ErrUnknownActor marks a delivery to a name nobody registered.
	ErrUnknownActor = errors.New("unknown actor")
	// ErrActorPanic marks a delivery whose handler panicked.
	ErrActorPanic = errors.New("actor panicked")
)

// Actor is anything that can receive routed messages. The sender is available via msg.Sender().
type Actor interface {
	Receive(ctx context.Context, msg *proto.Message)
}

// ActorFunc adapts a function to the Actor interface.
type ActorFunc func(ctx context.Context, msg *proto.Message)

func (f ActorFunc) Receive(ctx context.Context, msg *proto.Message) { f(ctx, msg) }

// Actor addresses of one workflow run.
const (
	Requester = "requester"
	Generator = "generator"
	Reviewer  = "reviewer"
	Executor  = "executor"
	Recorder  = "recorder"
)

// Sender is the part of the router an actor uses to talk to its peers.
type Sender interface {
	Send(ctx context.Context, sender string, receivers []string, msg *proto.Message) error
}

// Mediator is Sender plus the per-actor state store.
type Mediator interface {
	Sender
	GetState(actor string) State
	UpdateState(actor string, patch StatePatch) State
}

// DeliveryError records a receiver that could not take a message.
type DeliveryError struct {
	Receiver string
	Kind     proto.Kind
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Kind, e.Receiver, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Tap observes every message passing through the router, before delivery.
type Tap func(msg *proto.Message, receivers []string)

// Stats counts router activity.
type Stats struct {
	Sent      int
	Delivered int
	Failed    int
	ByKind    map[proto.Kind]int
}

// Router delivers messages synchronously, in receiver-list order, with no queue.
// Delivery happens outside the router lock, so a handler may send further messages.
type Router struct {
	mu     sync.RWMutex
	actors map[string]Actor
	order  []string
	states map[string]State
	taps   []Tap
	stats  Stats
	errs   []*DeliveryError
	logger *logx.Logger
}

// NewRouter creates an empty router. A nil logger falls back to one named "router".
func NewRouter(logger *logx.Logger) *Router {
	if logger == nil {
		logger = logx.NewLogger("router")
	}
	return &Router{
		actors: make(map[string]Actor),
		states: make(map[string]State),
		stats:  Stats{ByKind: make(map[proto.Kind]int)},
		logger: logger,
	}
}

// Register adds an actor under a unique name.
func (r *Router) Register(name string, actor Actor) error {
	if name == "" {
		return fmt.Errorf("register: empty actor name")
	}
	if actor == nil {
		return fmt.Errorf("register %s: nil actor", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actors[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateActor, name)
	}
	r.actors[name] = actor
	r.order = append(r.order, name)
	r.logger.Debug("Registered actor %s", name)
	return nil
}

// Actors returns registered names in registration order.
func (r *Router) Actors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Observe installs a tap called for every Send.
func (r *Router) Observe(tap Tap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, tap)
}

// Send stamps msg with sender and delivers it to each receiver in order. Unknown
// receivers and panicking handlers are recorded and skipped; the returned error joins
// every DeliveryError of this call and is informational only.
func (r *Router) Send(ctx context.Context, sender string, receivers []string, msg *proto.Message) error {
	stamped := msg.WithSender(sender)

	r.mu.Lock()
	r.stats.Sent++
	r.stats.ByKind[stamped.Kind()]++
	taps := append([]Tap(nil), r.taps...)
	r.mu.Unlock()

	r.logger.Debug("📨 %s → %s: %s", sender, strings.Join(receivers, ","), stamped.Kind())
	for _, tap := range taps {
		tap(stamped, receivers)
	}

	var errs []error
	for _, name := range receivers {
		if err := r.deliver(ctx, name, stamped); err != nil {
			r.logger.Warn("⚠️  %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) deliver(ctx context.Context, name string, msg *proto.Message) (err error) {
	r.mu.RLock()
	actor, ok := r.actors[name]
	r.mu.RUnlock()

	if !ok {
		return r.fail(name, msg, ErrUnknownActor)
	}

	defer func() {
		if p := recover(); p != nil {
			err = r.fail(name, msg, fmt.Errorf("%w: %v", ErrActorPanic, p))
		}
	}()
	actor.Receive(ctx, msg)

	r.mu.Lock()
	r.stats.Delivered++
	r.mu.Unlock()
	return nil
}

func (r *Router) fail(name string, msg *proto.Message, cause error) error {
	de := &DeliveryError{Receiver: name, Kind: msg.Kind(), Err: cause}
	r.mu.Lock()
	r.stats.Failed++
	r.errs = append(r.errs, de)
	r.mu.Unlock()
	return de
}

// DeliveryErrors returns every failed delivery so far.
func (r *Router) DeliveryErrors() []*DeliveryError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*DeliveryError(nil), r.errs...)
}

// GetStats returns a snapshot of router counters.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byKind := make(map[proto.Kind]int, len(r.stats.ByKind))
	for k, v := range r.stats.ByKind {
		byKind[k] = v
	}
	s := r.stats
	s.ByKind = byKind
	return s
}
