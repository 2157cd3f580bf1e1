// Package registry tracks live delivery handles per thread and fans
// messages out to them. It is purely in-memory; persistence stays with
// the message store.
package registry

import "sync"

// Handle is one live subscriber connection. Send must be safe for
// concurrent use; a failing Send marks the handle dead and the
// registry drops it.
type Handle interface {
	Send(payload []byte) error
	CloseNormal(reason string) error
}

type Registry struct {
	mu      sync.RWMutex
	threads map[string]map[Handle]struct{}
}

func New() *Registry {
	return &Registry{threads: make(map[string]map[Handle]struct{})}
}

// Register adds a handle to a thread's subscriber set. An identity may
// hold several handles at once; each registers separately.
func (r *Registry) Register(threadID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.threads[threadID]
	if !ok {
		set = make(map[Handle]struct{})
		r.threads[threadID] = set
	}
	set[h] = struct{}{}
}

// Unregister removes a handle. Unknown handles are a no-op, so the
// disconnect path and a failed-send drop cannot double-fault.
func (r *Registry) Unregister(threadID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.threads[threadID]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.threads, threadID)
	}
}

// Broadcast delivers payload to every handle of the thread except
// skip. Each handle gets its own goroutine so one slow receiver cannot
// stall the rest; Broadcast returns once every delivery attempt has
// finished. Handles whose Send fails are unregistered.
func (r *Registry) Broadcast(threadID string, payload []byte, skip Handle) {
	r.mu.RLock()
	snapshot := make([]Handle, 0, len(r.threads[threadID]))
	for h := range r.threads[threadID] {
		if h == skip {
			continue
		}
		snapshot = append(snapshot, h)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range snapshot {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := h.Send(payload); err != nil {
				r.Unregister(threadID, h)
			}
		}(h)
	}
	wg.Wait()
}

// CloseAll clears the thread's subscriber set and signals normal
// closure to every handle that was in it.
func (r *Registry) CloseAll(threadID, reason string) {
	r.mu.Lock()
	set := r.threads[threadID]
	delete(r.threads, threadID)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for h := range set {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			_ = h.CloseNormal(reason)
		}(h)
	}
	wg.Wait()
}

// Count reports the live handle count for a thread.
func (r *Registry) Count(threadID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads[threadID])
}
