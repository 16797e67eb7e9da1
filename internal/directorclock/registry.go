package directorclock

import (
	"sync"

	"github.com/google/uuid"
)

// callbackRegistry holds pending auto-timer closures keyed by an opaque id
// until the matching Cloud Task is delivered.
type callbackRegistry struct {
	mu    sync.Mutex
	funcs map[string]func()
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{funcs: make(map[string]func())}
}

func (r *callbackRegistry) put(fn func()) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.funcs[id] = fn
	r.mu.Unlock()
	return id
}

func (r *callbackRegistry) take(id string) (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.funcs[id]
	if ok {
		delete(r.funcs, id)
	}
	return fn, ok
}
