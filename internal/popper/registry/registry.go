// Package registry maps validator type names to constructors and builds
// endpoint-specific chains from configuration.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/pkg/core/cache"
	"github.com/msto63/popper/pkg/core/logging"
)

var (
	// ErrDuplicateType is returned when a type name is registered twice
	ErrDuplicateType = errors.New("validator type already registered")

	// ErrNilConstructor is returned for a registration without constructor
	ErrNilConstructor = errors.New("constructor is nil")

	// ErrMissingDependency is reported when a registration depends on an unknown type
	ErrMissingDependency = errors.New("missing dependency")
)

// Constructor builds a validator named name from its config blob
type Constructor func(name string, cfg map[string]any) (chain.Validator, error)

// Registration describes a validator type
type Registration struct {
	Constructor Constructor
	Singleton   bool     // build once per (type, name, config) and reuse
	DependsOn   []string // type names that must be registered as well
	Description string
}

// TypeInfo describes a registered type
type TypeInfo struct {
	Type        string   `json:"type"`
	Singleton   bool     `json:"singleton"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Registry maps type names to registrations
type Registry struct {
	mu         sync.RWMutex
	types      map[string]Registration
	singletons map[string]chain.Validator
	logger     *logging.Logger
}

// New creates an empty registry
func New(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		types:      make(map[string]Registration),
		singletons: make(map[string]chain.Validator),
		logger:     logger,
	}
}

// Register adds a validator type
func (r *Registry) Register(typeName string, reg Registration) error {
	if reg.Constructor == nil {
		return fmt.Errorf("%w: %s", ErrNilConstructor, typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[typeName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typeName)
	}
	r.types[typeName] = reg

	r.logger.Debug("Validator type registered",
		"type", typeName,
		"singleton", reg.Singleton)
	return nil
}

// Unregister removes a type and its singletons
func (r *Registry) Unregister(typeName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[typeName]; !exists {
		return false
	}
	delete(r.types, typeName)
	for key := range r.singletons {
		if typeOfKey(key) == typeName {
			delete(r.singletons, key)
		}
	}
	return true
}

// Has reports whether a type is registered
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// Types returns all registered type names, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns information about every registered type, sorted by name
func (r *Registry) Describe() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TypeInfo, 0, len(r.types))
	for name, reg := range r.types {
		infos = append(infos, TypeInfo{
			Type:        name,
			Singleton:   reg.Singleton,
			DependsOn:   reg.DependsOn,
			Description: reg.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// CheckDependencies returns one error per unresolved DependsOn entry
func (r *Registry) CheckDependencies() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range sortedKeys(r.types) {
		for _, dep := range r.types[name].DependsOn {
			if _, ok := r.types[dep]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s requires %s", ErrMissingDependency, name, dep))
			}
		}
	}
	return errs
}

// Build instantiates a validator. Failures are logged and reported as false so
// one bad validator never fails a whole chain.
func (r *Registry) Build(typeName, name string, cfg map[string]any) (v chain.Validator, ok bool) {
	if name == "" {
		name = typeName
	}

	r.mu.RLock()
	reg, exists := r.types[typeName]
	skey := key(typeName, name, cfg)
	cached, hasSingleton := r.singletons[skey]
	r.mu.RUnlock()

	if !exists {
		r.logger.Warn("Unknown validator type", "type", typeName, "name", name)
		return nil, false
	}
	if reg.Singleton && hasSingleton {
		return cached, true
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Validator constructor panicked",
				"type", typeName,
				"name", name,
				"panic", fmt.Sprint(p))
			v, ok = nil, false
		}
	}()

	v, err := reg.Constructor(name, cfg)
	if err != nil {
		r.logger.Warn("Failed to build validator",
			"type", typeName,
			"name", name,
			"error", err)
		return nil, false
	}
	if v == nil {
		r.logger.Warn("Constructor returned no validator", "type", typeName, "name", name)
		return nil, false
	}

	if reg.Singleton {
		r.mu.Lock()
		if existing, ok := r.singletons[skey]; ok {
			v = existing
		} else {
			r.singletons[skey] = v
		}
		r.mu.Unlock()
	}
	return v, true
}

// ResetSingletons drops all cached singleton instances
func (r *Registry) ResetSingletons() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singletons = make(map[string]chain.Validator)
}

// key identifies a singleton by type, name and config, so changed settings
// produce a fresh instance
func key(typeName, name string, cfg map[string]any) string {
	b, _ := json.Marshal(cfg)
	return typeName + "\x00" + name + "\x00" + cache.Fingerprint(string(b))
}

func typeOfKey(k string) string {
	if i := strings.IndexByte(k, 0); i >= 0 {
		return k[:i]
	}
	return k
}

func sortedKeys(m map[string]Registration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
