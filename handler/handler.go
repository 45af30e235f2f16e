// Package handler provides a typed event registry.
// Handlers are plain functions taking a single pointer argument; the type of
// that argument selects which events the handler receives.
package handler

import (
	"reflect"
	"sync"
)

// Handler holds registered event handlers, keyed by event type.
type Handler struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]*entry
}

type entry struct {
	fn reflect.Value
}

// New creates a new, empty Handler.
func New() *Handler {
	return &Handler{
		handlers: make(map[reflect.Type][]*entry),
	}
}

// On registers fn, which must be a func with exactly one argument.
// The returned function removes the registration.
func (h *Handler) On(fn interface{}) func() {
	v := reflect.ValueOf(fn)
	t := v.Type()

	if t.Kind() != reflect.Func || t.NumIn() != 1 {
		panic("handler: On expects a func with one argument")
	}

	e := &entry{fn: v}
	argType := t.In(0)

	h.mu.Lock()
	h.handlers[argType] = append(h.handlers[argType], e)
	h.mu.Unlock()

	return func() {
		h.remove(argType, e)
	}
}

func (h *Handler) remove(t reflect.Type, e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.handlers[t]

	for i, existing := range list {
		if existing == e {
			h.handlers[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Call invokes every handler registered for the type of evt, synchronously and in registration order.
func (h *Handler) Call(evt interface{}) {
	if evt == nil {
		return
	}

	h.mu.RLock()
	list := h.handlers[reflect.TypeOf(evt)]
	handlers := make([]*entry, len(list))
	copy(handlers, list)
	h.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	args := []reflect.Value{reflect.ValueOf(evt)}

	for _, e := range handlers {
		e.fn.Call(args)
	}
}

// Go invokes the handlers for evt on a new goroutine.
func (h *Handler) Go(evt interface{}) {
	go h.Call(evt)
}
