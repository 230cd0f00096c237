package engine

import (
	"fmt"

	"github.com/gridrealm/server/internal/event"
	"go.uber.org/zap"
)

// HandlerFunc processes one event, appending any results to out.
type HandlerFunc func(ev event.Event, out *event.Message) error

// UnknownPolicy decides what an unregistered event kind means.
type UnknownPolicy int

const (
	// FailOnUnknown treats an unregistered kind as a programming error.
	// The engines use this: every kind gets at least a pass-through.
	FailOnUnknown UnknownPolicy = iota
	// IgnoreUnknown silently discards unregistered kinds. Optional
	// observers (presenters, plugins) use this.
	IgnoreUnknown
)

// Registry maps event kinds to handlers. Each participant role (engine,
// room, plugin, presenter) owns one registry and overrides only the
// handlers it needs.
type Registry struct {
	handlers map[event.Kind]HandlerFunc
	policy   UnknownPolicy
	log      *zap.Logger
}

func NewRegistry(policy UnknownPolicy, log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[event.Kind]HandlerFunc),
		policy:   policy,
		log:      log,
	}
}

// Register maps a kind to a handler, replacing any previous handler.
func (r *Registry) Register(kind event.Kind, fn HandlerFunc) {
	r.handlers[kind] = fn
}

// Dispatch invokes the handler for ev's kind. Handler panics are
// recovered so a single bad event cannot take down the game loop.
func (r *Registry) Dispatch(ev event.Event, out *event.Message) error {
	fn, ok := r.handlers[ev.Kind]
	if !ok {
		if r.policy == IgnoreUnknown {
			return nil
		}
		return fmt.Errorf("no handler registered for event kind %s", ev.Kind)
	}
	r.log.Debug("派送事件", zap.Stringer("kind", ev.Kind), zap.String("id", ev.ID))
	return r.safeCall(fn, ev, out)
}

func (r *Registry) safeCall(fn HandlerFunc, ev event.Event, out *event.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("處理器 panic 已恢復",
				zap.Stringer("kind", ev.Kind),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for %s: %v", ev.Kind, rec)
		}
	}()
	return fn(ev, out)
}
