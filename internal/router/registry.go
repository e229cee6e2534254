// Package router maps LSP method names to registered handlers, schedules
// handler tasks, and assembles replies, including multi-binding
// concatenation and partial-result streaming.
package router

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dlang-community/dls/internal/fiber"
)

// ErrDuplicateBinding is returned when a registration conflicts with an
// existing binding for the same method.
var ErrDuplicateBinding = errors.New("duplicate method binding")

// Kind says whether a method is a request or a notification.
type Kind int

const (
	// KindRequest methods produce exactly one response.
	KindRequest Kind = iota
	// KindNotification methods never produce a response.
	KindNotification
)

// Handler executes a method. params is a pointer to the binding's param
// type, decoded from the wire (the zero value when params were absent).
// The returned value becomes the response result; for multi bindings it
// must encode to a JSON array.
type Handler func(tc *fiber.Context, params any) (any, error)

// PostHook runs after the main handler on the same task, observing its
// result. Hook failures are logged and do not alter the response.
type PostHook func(tc *fiber.Context, result any, err error)

// Binding associates a method name with a handler.
type Binding struct {
	Method    string
	Kind      Kind
	ParamType reflect.Type // struct type; nil means "no declared params"
	Handler   Handler
	Multi     bool

	// ResultElem is the declared element type of the handler's result
	// sequence. Required for multi bindings: all bindings of one method
	// must declare assignment-compatible element types.
	ResultElem reflect.Type

	PostHooks []PostHook

	// Deadline is the soft per-request deadline; zero means none.
	Deadline time.Duration
}

// NewBinding builds a Binding with a typed handler.
func NewBinding[P any](method string, kind Kind, h func(tc *fiber.Context, params *P) (any, error)) Binding {
	return Binding{
		Method:    method,
		Kind:      kind,
		ParamType: reflect.TypeOf((*P)(nil)).Elem(),
		Handler: func(tc *fiber.Context, params any) (any, error) {
			return h(tc, params.(*P))
		},
	}
}

// NewMultiBinding builds a multi binding whose handler returns an ordered
// sequence of E. The element type is recorded so registration can verify
// that every binding of the method streams compatible chunks.
func NewMultiBinding[P, E any](method string, kind Kind, h func(tc *fiber.Context, params *P) ([]E, error)) Binding {
	return Binding{
		Method:     method,
		Kind:       kind,
		ParamType:  reflect.TypeOf((*P)(nil)).Elem(),
		ResultElem: reflect.TypeOf((*E)(nil)).Elem(),
		Multi:      true,
		Handler: func(tc *fiber.Context, params any) (any, error) {
			return h(tc, params.(*P))
		},
	}
}

// Registry holds the method table. Handlers are referenced, never owned.
// Bindings are only added; the registry has no operation that removes one.
type Registry struct {
	methods map[string][]*Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string][]*Binding)}
}

// Register adds a binding. Multiple bindings for one method are legal only
// when every one of them is multi and their declared element types are
// assignment-compatible; at most one non-multi binding may exist.
func (r *Registry) Register(b Binding) error {
	if b.Method == "" {
		return fmt.Errorf("%w: empty method name", ErrDuplicateBinding)
	}
	if b.Handler == nil {
		return fmt.Errorf("register %s: nil handler", b.Method)
	}
	if b.Multi && b.ResultElem == nil {
		return fmt.Errorf("register %s: multi binding without a declared element type", b.Method)
	}
	existing := r.methods[b.Method]
	if len(existing) > 0 {
		if !b.Multi {
			return fmt.Errorf("%w: %s already bound", ErrDuplicateBinding, b.Method)
		}
		for _, e := range existing {
			if !e.Multi {
				return fmt.Errorf("%w: %s has a non-multi binding", ErrDuplicateBinding, b.Method)
			}
			if e.Kind != b.Kind {
				return fmt.Errorf("%w: %s binding kinds differ", ErrDuplicateBinding, b.Method)
			}
			if !compatibleElems(b.ResultElem, e.ResultElem) {
				return fmt.Errorf("%w: %s element type %s is incompatible with %s",
					ErrDuplicateBinding, b.Method, b.ResultElem, e.ResultElem)
			}
		}
	}
	bound := b
	r.methods[b.Method] = append(r.methods[b.Method], &bound)
	return nil
}

// compatibleElems reports whether two declared element types may share one
// concatenated result: one must be assignable to the other.
func compatibleElems(a, b reflect.Type) bool {
	return a.AssignableTo(b) || b.AssignableTo(a)
}

// Lookup returns the bindings for a method in registration order.
func (r *Registry) Lookup(method string) []*Binding {
	return r.methods[method]
}

// Has reports whether any binding exists for the method. Capability
// negotiation uses this to advertise only registered providers.
func (r *Registry) Has(method string) bool {
	return len(r.methods[method]) > 0
}

// Methods returns all registered method names.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}
