// Package backend holds the registry of record sinks: the pluggable
// destinations finalized CDRs are delivered to.
package backend

import (
	"errors"
	"strings"
	"sync"

	"github.com/calltrace/cadence/internal/cdr"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MaxNameLength bounds backend names.
const MaxNameLength = 20

var (
	ErrNoName      = errors.New("backend name required")
	ErrNameTooLong = errors.New("backend name too long")
	ErrNoSink      = errors.New("backend lacks a sink")
	ErrDuplicate   = errors.New("backend already registered")
)

// Sink accepts one finalized record at a time. Implementations must not
// retain the record past the call.
type Sink interface {
	Write(rec *cdr.Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(rec *cdr.Record) error

func (f SinkFunc) Write(rec *cdr.Record) error {
	return f(rec)
}

type entry struct {
	name        string
	description string
	sink        Sink
}

// Registry is the thread-safe set of registered backends, preserving
// registration order for delivery.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	entries []entry
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log: log.Named("cdr.backend"),
	}
}

// Register adds a named backend. Names are unique case-insensitively and
// at most MaxNameLength characters.
func (r *Registry) Register(name, description string, sink Sink) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNoName
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if sink == nil {
		r.log.Warn("backend lacks a sink", zap.String("backend", name))
		return ErrNoSink
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if strings.EqualFold(e.name, name) {
			r.log.Warn("backend already registered", zap.String("backend", name))
			return ErrDuplicate
		}
	}
	r.entries = append(r.entries, entry{name: name, description: description, sink: sink})
	r.log.Info("registered backend", zap.String("backend", name), zap.String("description", description))
	return nil
}

// Unregister removes a backend by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if strings.EqualFold(e.name, name) {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			r.log.Info("unregistered backend", zap.String("backend", name))
			return
		}
	}
}

// Backend is a name-sink pair handed out for delivery.
type Backend struct {
	Name string
	Sink Sink
}

// Backends returns the registered backends in registration order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Backend{Name: e.name, Sink: e.sink})
	}
	return out
}

// Names returns the registered backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.name)
	}
	return out
}

var Module = fx.Module("cdr.backend",
	fx.Provide(NewRegistry),
)
