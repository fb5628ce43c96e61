package ferny

import (
	"context"
	"sync"
)

// Handler services one or more command names dispatched by an Agent. Run
// takes ownership of fds: it must close whatever it does not otherwise
// consume (§5 "Resource discipline").
type Handler interface {
	// Commands lists the command names this handler claims.
	Commands() []string

	// Run handles a single dispatched command. stderr is everything the
	// agent has decoded since the last local (fd-bearing) command reset its
	// accumulator; remote commands do not reset it (§3 invariant 3).
	Run(ctx context.Context, cmd string, args LTuple, fds []int, stderr string) error
}

// registry tracks which Handler claims which command name. Duplicate
// registrations for the same name are resolved last-registration-wins,
// mirroring the teacher's KeyMaster: a map keyed by subject (here, command
// name) guarded by a mutex, with register/lookup methods.
type registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

func newRegistry(hs []Handler) *registry {
	r := &registry{handlers: make(map[string]Handler)}
	for _, h := range hs {
		r.register(h)
	}
	return r
}

func (r *registry) register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range h.Commands() {
		r.handlers[name] = h
	}
}

func (r *registry) lookup(name string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	return h, ok
}
