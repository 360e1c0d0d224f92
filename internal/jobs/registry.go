package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"hostflow/internal/domain"
)

// HandlerFunc receives the JSON-encoded arguments of one job.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

// Registry maps job types to handlers. Reads take an immutable snapshot;
// registration copies it.
type Registry struct {
	mu       sync.Mutex
	handlers atomic.Pointer[map[string]HandlerFunc]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.handlers.Store(&map[string]HandlerFunc{})
	return r
}

func (r *Registry) Register(jobType string, h HandlerFunc) error {
	if jobType == "" {
		return domain.InvalidConfiguration("empty job type")
	}
	if h == nil {
		return domain.InvalidConfiguration("nil handler for job type %q", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.handlers.Load()
	if _, ok := old[jobType]; ok {
		return fmt.Errorf("job type %q already registered", jobType)
	}
	next := make(map[string]HandlerFunc, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[jobType] = h
	r.handlers.Store(&next)
	return nil
}

// RegisterTyped registers fn for jobType, decoding the stored arguments into
// a T before each call.
func RegisterTyped[T any](r *Registry, jobType string, fn func(ctx context.Context, args T) error) error {
	if fn == nil {
		return domain.InvalidConfiguration("nil handler for job type %q", jobType)
	}
	return r.Register(jobType, func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return fmt.Errorf("decode args for job type %q: %w", jobType, err)
			}
		}
		return fn(ctx, args)
	})
}

func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	h, ok := (*r.handlers.Load())[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	m := *r.handlers.Load()
	types := make([]string, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
