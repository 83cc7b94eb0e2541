// Package agent provides the upstream engine abstraction layer.
//
// factory.go - Runtime factory
//
// Engine adapters live in sub-packages that import agent, so the factory
// takes constructors rather than importing the adapters itself. cmd/kumiai
// registers the adapters it ships with.

package agent

import (
	"fmt"
	"sort"
	"sync"
)

// RuntimeType identifies the engine backend
type RuntimeType string

const (
	RuntimeTypeOpenCode RuntimeType = "opencode"
	RuntimeTypeDroid    RuntimeType = "droid"
	RuntimeTypeEcho     RuntimeType = "echo"
)

// FactoryConfig holds configuration for runtime creation
type FactoryConfig struct {
	Type    RuntimeType
	BaseURL string
	Model   string

	// CLI engines
	Command   string
	APIKey    string
	WorkDir   string
	Autonomy  string // off, low, medium, high
	Reasoning string // off, low, medium, high
}

// Constructor builds a runtime from configuration
type Constructor func(cfg FactoryConfig) (Runtime, error)

// RuntimeFactory creates engine runtimes based on configuration
type RuntimeFactory struct {
	mu           sync.RWMutex
	constructors map[RuntimeType]Constructor
}

// NewFactory creates an empty runtime factory
func NewFactory() *RuntimeFactory {
	return &RuntimeFactory{constructors: make(map[RuntimeType]Constructor)}
}

// Register adds a constructor for a runtime type, replacing any previous one
func (f *RuntimeFactory) Register(t RuntimeType, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[t] = c
}

// Create builds the runtime named by cfg.Type
func (f *RuntimeFactory) Create(cfg FactoryConfig) (Runtime, error) {
	f.mu.RLock()
	c, ok := f.constructors[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown runtime type: %s (available: %v)", cfg.Type, f.Types())
	}
	return c(cfg)
}

// Types lists the registered runtime types
func (f *RuntimeFactory) Types() []RuntimeType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]RuntimeType, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
