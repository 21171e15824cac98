package macro

import (
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var keyPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Registry maps macro names to macros. It is shared by every component that
// contributes macros; each contributor only removes the entries it added.
type Registry struct {
	mu       sync.RWMutex
	macros   map[string]*Macro
	logger   *zap.Logger
	onChange func(size int)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		macros: make(map[string]*Macro),
		logger: logger,
	}
}

// OnChange installs a callback invoked with the registry size after every
// mutation. It is called with the registry lock released.
func (r *Registry) OnChange(fn func(size int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register adds all macros as a single update. A macro whose name is already
// taken replaces the previous entry.
func (r *Registry) Register(macros ...*Macro) {
	if len(macros) == 0 {
		return
	}
	r.mu.Lock()
	for _, m := range macros {
		if prev, ok := r.macros[m.name]; ok && prev != m {
			r.logger.Debug("macro replaced", zap.String("name", m.name))
		}
		r.macros[m.name] = m
	}
	size, fn := len(r.macros), r.onChange
	r.mu.Unlock()

	r.logger.Debug("macros registered", zap.Int("count", len(macros)), zap.Int("size", size))
	if fn != nil {
		fn(size)
	}
}

// Unregister removes exactly the given macros. A name that is missing, or is
// now held by a different macro, is left alone.
func (r *Registry) Unregister(macros ...*Macro) {
	if len(macros) == 0 {
		return
	}
	r.mu.Lock()
	removed := 0
	for _, m := range macros {
		if cur, ok := r.macros[m.name]; ok && cur == m {
			delete(r.macros, m.name)
			removed++
		}
	}
	size, fn := len(r.macros), r.onChange
	r.mu.Unlock()

	r.logger.Debug("macros unregistered", zap.Int("count", removed), zap.Int("size", size))
	if fn != nil {
		fn(size)
	}
}

// Get looks up a macro by name.
func (r *Registry) Get(name string) (*Macro, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.macros[name]
	return m, ok
}

// List returns the registered macros sorted by name.
func (r *Registry) List() []*Macro {
	r.mu.RLock()
	out := make([]*Macro, 0, len(r.macros))
	for _, m := range r.macros {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Len returns the number of registered macros.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.macros)
}

// Expand substitutes every ${name} in template with the value of the
// registered macro. Unknown references are kept verbatim. The whole template
// is expanded against one consistent view of the registry.
func (r *Registry) Expand(template string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keyPattern.ReplaceAllStringFunc(template, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if m, ok := r.macros[name]; ok {
			return m.value
		}
		return ref
	})
}
