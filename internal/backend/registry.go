package backend

import (
	"fmt"
	"sort"
	"sync"
)

// RuntimeInfo pairs a platform key with the capabilities of the runtime
// registered under it.
type RuntimeInfo struct {
	Platform     string              `json:"platform"`
	Capabilities RuntimeCapabilities `json:"capabilities"`
}

// Registry holds registered execution backends keyed by platform and
// resolves which one serves a given RunnableSpec. Backends are registered
// at process configuration time, never discovered by runtime type
// inspection.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	fallback string
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]Runtime),
	}
}

// Register adds a runtime to the registry under the given platform. The
// first registered platform becomes the default until SetDefault overrides it.
func (r *Registry) Register(platform string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.runtimes) == 0 {
		r.fallback = platform
	}
	r.runtimes[platform] = rt
}

// SetDefault sets the platform PlatformAuto resolves to.
func (r *Registry) SetDefault(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = platform
}

// Resolve returns the runtime to use for the given platform. PlatformAuto
// and the empty string resolve to the default platform. Returns an error if
// the resolved platform is not registered.
func (r *Registry) Resolve(platform string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := platform
	if target == PlatformAuto || target == "" {
		if r.fallback == "" {
			return nil, fmt.Errorf("no default platform configured")
		}
		target = r.fallback
	}

	rt, ok := r.runtimes[target]
	if !ok {
		return nil, fmt.Errorf("platform %q is not registered", target)
	}
	return rt, nil
}

// List returns information about all registered runtimes, sorted by
// platform for a stable API response.
func (r *Registry) List() []RuntimeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RuntimeInfo, 0, len(r.runtimes))
	for platform, rt := range r.runtimes {
		infos = append(infos, RuntimeInfo{
			Platform:     platform,
			Capabilities: rt.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Platform < infos[j].Platform
	})
	return infos
}
