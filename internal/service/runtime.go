package service

import "sync/atomic"

// Runtime holds the live Pipeline snapshot. Handlers load it per request;
// a config reload swaps in a replacement atomically, so in-flight requests
// keep the snapshot they started with.
type Runtime struct {
	current atomic.Pointer[Pipeline]
}

// NewRuntime creates a Runtime serving the given pipeline.
func NewRuntime(p *Pipeline) *Runtime {
	r := &Runtime{}
	r.current.Store(p)
	return r
}

// Current returns the live pipeline.
func (r *Runtime) Current() *Pipeline {
	return r.current.Load()
}

// Swap installs a new pipeline and returns the previous one so the caller
// can close its background goroutines.
func (r *Runtime) Swap(p *Pipeline) *Pipeline {
	return r.current.Swap(p)
}
