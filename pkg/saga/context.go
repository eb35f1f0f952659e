package saga

import (
	"sync"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// ExecutionContext is the binding map of one execution. It starts with
// the original input under [pipeline.InitialInput], gains one binding per
// succeeded step, and is discarded when the execution terminates. It is
// safe for concurrent use by the steps of one topological layer.
type ExecutionContext struct {
	mu       sync.RWMutex
	bindings map[string]any
}

var _ pipeline.Bindings = (*ExecutionContext)(nil)

// NewExecutionContext creates a context holding input.
func NewExecutionContext(input any) *ExecutionContext {
	return &ExecutionContext{bindings: map[string]any{pipeline.InitialInput: input}}
}

// Value implements [pipeline.Bindings].
func (c *ExecutionContext) Value(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.bindings[name]
	return v, ok
}

// Set binds value under name.
func (c *ExecutionContext) Set(name string, value any) {
	c.mu.Lock()
	c.bindings[name] = value
	c.mu.Unlock()
}

// Input returns the original execution input.
func (c *ExecutionContext) Input() any {
	v, _ := c.Value(pipeline.InitialInput)
	return v
}

// Outputs returns a copy of every step output binding, the original input
// excluded.
func (c *ExecutionContext) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.bindings))
	for k, v := range c.bindings {
		if k != pipeline.InitialInput {
			out[k] = v
		}
	}
	return out
}

// Resolve returns the provider input for names: the bound value itself
// for a single name, a map keyed by name for several. missing lists the
// names that are not bound.
func (c *ExecutionContext) Resolve(names []string) (input any, missing []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(names) == 1 {
		v, ok := c.bindings[names[0]]
		if !ok {
			return nil, names
		}
		return v, nil
	}
	m := make(map[string]any, len(names))
	for _, name := range names {
		v, ok := c.bindings[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		m[name] = v
	}
	if len(missing) > 0 {
		return nil, missing
	}
	return m, nil
}
