package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/pkg/core/logging"
)

// Config is the endpoint and validator configuration consumed by the factory
type Config struct {
	// Endpoints maps an exact path or a glob pattern to validator names
	Endpoints map[string][]string
	// Validators maps a validator name to its config blob. The "type" key selects
	// the registered type and defaults to the name itself.
	Validators map[string]map[string]any
}

// EndpointInfo describes one configured endpoint
type EndpointInfo struct {
	Pattern    string   `json:"pattern"`
	Exact      bool     `json:"exact"`
	Validators []string `json:"validators"`
}

type pattern struct {
	raw      string
	glob     glob.Glob
	literals int
	names    []string
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithChainOptions sets options applied to every built chain
func WithChainOptions(opts ...chain.Option) FactoryOption {
	return func(f *Factory) { f.chainOpts = append(f.chainOpts, opts...) }
}

// WithFactoryLogger sets the factory logger
func WithFactoryLogger(logger *logging.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

// Factory builds and caches chains per endpoint
type Factory struct {
	registry  *Registry
	chainOpts []chain.Option
	logger    *logging.Logger
	group     singleflight.Group

	mu         sync.RWMutex
	cfg        Config
	exact      map[string][]string
	patterns   []pattern
	chains     map[string]*chain.Chain
	warnings   []string
	generation uint64
}

// NewFactory creates a factory for cfg
func NewFactory(reg *Registry, cfg Config, opts ...FactoryOption) *Factory {
	f := &Factory{registry: reg}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logging.Nop()
	}
	f.Reload(cfg)
	return f
}

// Reload swaps the configuration and drops built chains. Chains already
// handed out keep working.
func (f *Factory) Reload(cfg Config) {
	exact := make(map[string][]string)
	var patterns []pattern
	var warnings []string

	for _, raw := range sortedEndpointKeys(cfg.Endpoints) {
		names := append([]string(nil), cfg.Endpoints[raw]...)
		if !isPattern(raw) {
			exact[raw] = names
			continue
		}
		g, err := glob.Compile(raw, '/')
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("endpoint %q: invalid pattern: %v", raw, err))
			continue
		}
		patterns = append(patterns, pattern{raw: raw, glob: g, literals: literalCount(raw), names: names})
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].literals != patterns[j].literals {
			return patterns[i].literals > patterns[j].literals
		}
		return patterns[i].raw < patterns[j].raw
	})

	warnings = append(warnings, f.checkValidators(cfg)...)
	for _, w := range warnings {
		f.logger.Warn("Configuration problem", "detail", w)
	}

	f.mu.Lock()
	f.cfg = cfg
	f.exact = exact
	f.patterns = patterns
	f.chains = make(map[string]*chain.Chain)
	f.warnings = warnings
	f.generation++
	f.mu.Unlock()

	f.logger.Info("Endpoint configuration loaded",
		"exact", len(exact),
		"patterns", len(patterns),
		"warnings", len(warnings))
}

func (f *Factory) checkValidators(cfg Config) []string {
	var warnings []string
	seen := make(map[string]bool)
	for _, raw := range sortedEndpointKeys(cfg.Endpoints) {
		for _, name := range cfg.Endpoints[raw] {
			if seen[name] {
				continue
			}
			seen[name] = true
			typ := validatorType(name, cfg.Validators[name])
			if !f.registry.Has(typ) {
				warnings = append(warnings, fmt.Sprintf("validator %q: unknown type %q", name, typ))
			}
		}
	}
	return warnings
}

// Warnings returns the configuration problems found by the last Reload
func (f *Factory) Warnings() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.warnings...)
}

// Match resolves a request path to an endpoint key and validator names.
// Exact entries win over patterns; patterns are tried most specific first.
func (f *Factory) Match(path string) (string, []string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.matchLocked(path)
}

// matchLocked is Match for callers holding f.mu
func (f *Factory) matchLocked(path string) (string, []string, bool) {
	if names, ok := f.exact[path]; ok {
		return path, names, true
	}
	for _, p := range f.patterns {
		if p.glob.Match(path) {
			return p.raw, p.names, true
		}
	}
	return "", nil, false
}

// BuildChain returns a private copy of the chain for path, false when no
// endpoint matches. The endpoint, its names and the config come from one
// generation.
func (f *Factory) BuildChain(path string) (*chain.Chain, bool) {
	f.mu.RLock()
	key, names, ok := f.matchLocked(path)
	built, cached := f.chains[key]
	gen := f.generation
	cfg := f.cfg
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if cached {
		return built.Clone(), true
	}

	v, _, _ := f.group.Do(fmt.Sprintf("%d:%s", gen, key), func() (interface{}, error) {
		f.mu.RLock()
		existing, ok := f.chains[key]
		f.mu.RUnlock()
		if ok {
			return existing, nil
		}

		c := f.build(key, names, cfg)

		f.mu.Lock()
		if f.generation == gen {
			f.chains[key] = c
		}
		f.mu.Unlock()
		return c, nil
	})
	return v.(*chain.Chain).Clone(), true
}

func (f *Factory) build(key string, names []string, cfg Config) *chain.Chain {
	c := chain.New(key, f.chainOpts...)
	for _, name := range names {
		blob := cfg.Validators[name]
		if enabled, ok := blob["enabled"].(bool); ok && !enabled {
			continue
		}
		v, ok := f.registry.Build(validatorType(name, blob), name, blob)
		if !ok {
			f.logger.Warn("Validator omitted from chain", "endpoint", key, "validator", name)
			continue
		}
		c.Add(v)
	}

	f.logger.Debug("Chain built", "endpoint", key, "validators", c.Len())
	return c
}

// Invalidate drops all built chains
func (f *Factory) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains = make(map[string]*chain.Chain)
	f.generation++
}

// Endpoints lists exact entries first, then patterns in match order
func (f *Factory) Endpoints() []EndpointInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	infos := make([]EndpointInfo, 0, len(f.exact)+len(f.patterns))
	for _, path := range sortedEndpointKeys(f.exact) {
		infos = append(infos, EndpointInfo{Pattern: path, Exact: true, Validators: f.exact[path]})
	}
	for _, p := range f.patterns {
		infos = append(infos, EndpointInfo{Pattern: p.raw, Validators: p.names})
	}
	return infos
}

// Registry returns the underlying registry
func (f *Factory) Registry() *Registry {
	return f.registry
}

func validatorType(name string, blob map[string]any) string {
	if t, ok := blob["type"].(string); ok && t != "" {
		return t
	}
	return name
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func literalCount(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', ',', '!':
		default:
			n++
		}
	}
	return n
}

func sortedEndpointKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
