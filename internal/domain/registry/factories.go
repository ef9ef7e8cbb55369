package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// ErrNoFactory is returned when a native app has no registered constructor
var ErrNoFactory = errors.New("no program factory registered")

// Constructor builds a fresh program for one instance of an app
type Constructor func(desc types.AppDescriptor) (sandbox.Program, error)

// Factories maps app ids to program constructors
type Factories struct {
	mu     sync.RWMutex
	ctors  map[string]Constructor
	logger *zap.Logger
}

// NewFactories creates an empty factory table
func NewFactories(logger *zap.Logger) *Factories {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factories{
		ctors:  make(map[string]Constructor),
		logger: logger.Named("factories"),
	}
}

// Register binds key to ctor. Native descriptors resolve by entry ref,
// falling back to their app id.
func (f *Factories) Register(key string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[key] = ctor
}

// Keys returns the registered keys in order
func (f *Factories) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0, len(f.ctors))
	for k := range f.ctors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve produces the program for desc
func (f *Factories) Resolve(desc types.AppDescriptor) (sandbox.Program, error) {
	if desc.Entry.Kind == types.EntryScript {
		if desc.Entry.Source == "" {
			return nil, fmt.Errorf("app %s: script entry has no source", desc.ID)
		}
		return sandbox.NewScriptProgram(desc.ID, desc.Entry.Source, f.logger), nil
	}

	key := desc.Entry.Ref
	if key == "" {
		key = desc.ID
	}

	f.mu.RLock()
	ctor, ok := f.ctors[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFactory, key)
	}

	prog, err := ctor(desc)
	if err != nil {
		return nil, fmt.Errorf("factory %s: %w", key, err)
	}
	return prog, nil
}
