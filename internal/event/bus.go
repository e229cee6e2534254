// Package event delivers internal lifecycle events (component registration,
// project discovery) to subscribed handler modules. Subscribers run in
// registration order on the emitting fiber; one subscriber's failure or
// panic is isolated and never aborts the event.
package event

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dlang-community/dls/internal/fiber"
)

// Name identifies a lifecycle event.
type Name string

// The events handler modules may subscribe to.
const (
	// RegisteredComponents fires once all handler modules have registered.
	RegisteredComponents Name = "onRegisteredComponents"
	// ProjectAvailable fires when a workspace project is discovered.
	ProjectAvailable Name = "onProjectAvailable"
	// AddingProject fires before a project is added to the workspace.
	AddingProject Name = "onAddingProject"
	// AddedProject fires after a project has been added.
	AddedProject Name = "onAddedProject"
)

// Handler receives an event payload on the emitting fiber.
type Handler func(tc *fiber.Context, payload any) error

type subscriber struct {
	id      string
	handler Handler
}

// Bus routes events to subscribers. Subscription changes happen during
// boot on the dispatch goroutine; emission happens on fibers.
type Bus struct {
	logger *zap.Logger
	subs   map[Name][]subscriber
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Name][]subscriber),
	}
}

// Subscribe appends a handler for the event. A duplicate id replaces the
// earlier handler in place, keeping its position.
func (b *Bus) Subscribe(name Name, id string, h Handler) {
	list := b.subs[name]
	for i, s := range list {
		if s.id == id {
			list[i].handler = h
			return
		}
	}
	b.subs[name] = append(list, subscriber{id: id, handler: h})
}

// Unsubscribe removes a handler by id. Returns false if it was not found.
func (b *Bus) Unsubscribe(name Name, id string) bool {
	list := b.subs[name]
	for i, s := range list {
		if s.id == id {
			b.subs[name] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriberCount reports how many handlers listen to an event.
func (b *Bus) SubscriberCount(name Name) int {
	return len(b.subs[name])
}

// Emit delivers the event to every subscriber in registration order.
// Failures and panics are logged per subscriber; the combined error is
// returned for callers that want to inspect it.
func (b *Bus) Emit(tc *fiber.Context, name Name, payload any) error {
	var errs error
	for _, s := range b.subs[name] {
		if err := b.deliver(tc, name, s, payload); err != nil {
			b.logger.Warn("event subscriber failed",
				zap.String("event", string(name)),
				zap.String("subscriber", s.id),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (b *Bus) deliver(tc *fiber.Context, name Name, s subscriber, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panic",
				zap.String("event", string(name)),
				zap.String("subscriber", s.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("subscriber %s panicked: %v", s.id, r)
		}
	}()
	return s.handler(tc, payload)
}
