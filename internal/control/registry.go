package control

import (
	"context"
	"log/slog"
	"sync"

	"ditctl"
)

// starterFunc launches one worker under ctx and returns a channel that
// closes when it exits.
type starterFunc func(ctx context.Context) (<-chan struct{}, error)

type registryEntry struct {
	created bool
	cancel  context.CancelFunc
}

// workerRegistry is the process-wide worker-kind table from spec §4.5:
// startThread is idempotent per kind, and a worker clears its own
// "created" bit on exit so the next initOffload can relaunch it.
type workerRegistry struct {
	mu      sync.Mutex
	entries [ditctl.WorkerKindCount]registryEntry
}

func newWorkerRegistry() *workerRegistry {
	return &workerRegistry{}
}

// start is idempotent: if kind is already created, it returns
// immediately without touching the running worker.
func (r *workerRegistry) start(parent context.Context, kind ditctl.WorkerKind, fn starterFunc) {
	r.mu.Lock()
	if r.entries[kind].created {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.entries[kind] = registryEntry{created: true, cancel: cancel}
	r.mu.Unlock()

	done, err := fn(ctx)
	if err != nil {
		slog.Error("control: worker failed to start", "kind", kind, "err", err)
		r.reset(kind)
		cancel()
		return
	}

	go func() {
		<-done
		r.reset(kind)
	}()
}

// reset clears kind's created bit, matching threadResetNoti.
func (r *workerRegistry) reset(kind ditctl.WorkerKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind] = registryEntry{}
}

// isCreated reports whether kind is currently running, for tests.
func (r *workerRegistry) isCreated(kind ditctl.WorkerKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[kind].created
}
