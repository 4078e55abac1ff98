package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is the state of one scan or batch invocation. It is created per trigger
// and passed down to the scheduler and executors; nothing in it outlives the
// invocation.
type Run struct {
	ID        string
	WorkerID  string
	StartedAt time.Time

	mu    sync.Mutex
	cache map[string]any
}

func NewRun(workerID string, now time.Time) *Run {
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}
	return &Run{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		StartedAt: now,
		cache:     map[string]any{},
	}
}

// Remember returns the value cached under key for this run, loading it once.
// Errors are not cached.
func (r *Run) Remember(key string, load func() (any, error)) (any, error) {
	r.mu.Lock()
	if v, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err := load()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cache[key]; ok {
		return prev, nil
	}
	r.cache[key] = v
	return v, nil
}
