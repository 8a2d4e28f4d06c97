package operations

import (
	"fmt"
	"sort"
	"sync"
)

// Kind enumerates the built-in operations
type Kind int

const (
	KindCopy Kind = iota
	KindMove
	KindDelete
	KindMkdir
	KindRmdir
	KindAppendFile
	KindPrependFile
	KindExecute
	KindUpdatePackage
	KindUpdateCompatLevel
	// KindCustom marks operations registered from outside this package
	KindCustom
)

// Kinds lists every built-in kind
var Kinds = []Kind{
	KindCopy, KindMove, KindDelete, KindMkdir, KindRmdir,
	KindAppendFile, KindPrependFile, KindExecute,
	KindUpdatePackage, KindUpdateCompatLevel,
}

// String returns the name used in UpdateInstructions.xml
func (k Kind) String() string {
	switch k {
	case KindCopy:
		return "Copy"
	case KindMove:
		return "Move"
	case KindDelete:
		return "Delete"
	case KindMkdir:
		return "Mkdir"
	case KindRmdir:
		return "Rmdir"
	case KindAppendFile:
		return "AppendFile"
	case KindPrependFile:
		return "PrependFile"
	case KindExecute:
		return "Execute"
	case KindUpdatePackage:
		return "UpdatePackage"
	case KindUpdateCompatLevel:
		return "UpdateCompatLevel"
	default:
		return "Custom"
	}
}

// NewKind creates a fresh operation of a built-in kind
func NewKind(k Kind) (Operation, error) {
	switch k {
	case KindCopy:
		return NewCopy(), nil
	case KindMove:
		return NewMove(), nil
	case KindDelete:
		return NewDelete(), nil
	case KindMkdir:
		return NewMkdir(), nil
	case KindRmdir:
		return NewRmdir(), nil
	case KindAppendFile:
		return NewAppendFile(), nil
	case KindPrependFile:
		return NewPrependFile(), nil
	case KindExecute:
		return NewExecute(), nil
	case KindUpdatePackage:
		return NewUpdatePackage(), nil
	case KindUpdateCompatLevel:
		return NewUpdateCompatLevel(), nil
	default:
		return nil, fmt.Errorf("no built-in operation of kind %d", int(k))
	}
}

// Constructor creates a fresh operation
type Constructor func() Operation

// Registry maps operation names to constructors, for operations named by
// externally authored documents
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the shared registry holding every built-in kind
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		for _, k := range Kinds {
			k := k
			defaultRegistry.Register(k.String(), func() Operation {
				op, _ := NewKind(k)
				return op
			})
		}
	})
	return defaultRegistry
}

// Register adds or replaces a constructor
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = c
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// Create instantiates the operation registered under name
func (r *Registry) Create(name string) (Operation, error) {
	r.mu.RLock()
	c, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", name)
	}
	return c(), nil
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
